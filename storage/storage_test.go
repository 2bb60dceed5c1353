package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bililive-notifier/pkg/notifier"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(nil, "", t.TempDir(), logger)
}

func TestStateKey(t *testing.T) {
	tests := []struct {
		name string
		mid  string
		want string
	}{
		{"numeric id", "12345", "state-12345.json"},
		{"empty", "", ""},
		{"path traversal", "../etc/passwd", ""},
		{"letters", "12a45", ""},
		{"too long", "123456789012345678901234567890123", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateKey(tt.mid); got != tt.want {
				t.Errorf("stateKey(%q) = %q, want %q", tt.mid, got, tt.want)
			}
		})
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	st := &notifier.State{
		MID:           "12345",
		IsLive:        true,
		LastLiveStart: time.Unix(1700000000, 0).UTC(),
		LastDynamicID: "794021319520030725",
	}
	if err := s.Save(ctx, st); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := s.Load(ctx, "12345")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.MID != st.MID || got.IsLive != st.IsLive || got.LastDynamicID != st.LastDynamicID {
		t.Errorf("Load() = %+v, want %+v", got, st)
	}
	if !got.LastLiveStart.Equal(st.LastLiveStart) {
		t.Errorf("LastLiveStart = %v, want %v", got.LastLiveStart, st.LastLiveStart)
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, &notifier.State{MID: "12345", LastDynamicID: "100"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, &notifier.State{MID: "12345", LastDynamicID: "101"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load(ctx, "12345")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastDynamicID != "101" {
		t.Errorf("LastDynamicID = %q, want latest write", got.LastDynamicID)
	}
}

func TestLoadNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.Load(context.Background(), "99999")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestSaveInvalidMID(t *testing.T) {
	s := testStore(t)
	if err := s.Save(context.Background(), &notifier.State{MID: "../x"}); err == nil {
		t.Error("Save() with invalid mid: want error")
	}
}

func TestList(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, mid := range []string{"111", "222", "333"} {
		if err := s.Save(ctx, &notifier.State{MID: mid}); err != nil {
			t.Fatal(err)
		}
	}
	// Unrelated files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(s.localPath, "notes.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.localPath, "state-bad.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}

	states, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	// The corrupt record is skipped, not fatal.
	if len(states) != 3 {
		t.Fatalf("List() returned %d records, want 3", len(states))
	}
	seen := make(map[string]bool)
	for _, st := range states {
		seen[st.MID] = true
	}
	for _, mid := range []string{"111", "222", "333"} {
		if !seen[mid] {
			t.Errorf("List() missing record for %s", mid)
		}
	}
}

func TestListEmptyDirectory(t *testing.T) {
	s := testStore(t)
	states, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("List() = %d records, want none", len(states))
	}
}
