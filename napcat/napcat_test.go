package napcat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendGroupMessageHTTP(t *testing.T) {
	var gotPath atomic.Value
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))

		var params groupMessageParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Errorf("decode params: %v", err)
		}
		if params.GroupID != 100 || params.Message != "hello" {
			t.Errorf("params = %+v", params)
		}
		fmt.Fprint(w, `{"status":"ok","retcode":0}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "secret", srv.Client(), testLogger())
	if err := c.SendGroupMessage(context.Background(), 100, "hello"); err != nil {
		t.Fatalf("SendGroupMessage() error: %v", err)
	}

	if gotPath.Load() != "/send_group_msg" {
		t.Errorf("path = %v", gotPath.Load())
	}
	if gotAuth.Load() != "Bearer secret" {
		t.Errorf("Authorization = %v", gotAuth.Load())
	}
}

func TestSendPrivateMessageHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/send_private_msg" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var params privateMessageParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			t.Errorf("decode params: %v", err)
		}
		if params.UserID != 300 {
			t.Errorf("user_id = %d", params.UserID)
		}
		fmt.Fprint(w, `{"status":"ok","retcode":0}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", srv.Client(), testLogger())
	if err := c.SendPrivateMessage(context.Background(), 300, "hi"); err != nil {
		t.Fatalf("SendPrivateMessage() error: %v", err)
	}
}

func TestSendRetcodeFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"status":"failed","retcode":1400,"message":"group not found"}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", srv.Client(), testLogger())
	err := c.SendGroupMessage(context.Background(), 100, "hello")
	if err == nil {
		t.Fatal("SendGroupMessage() with non-zero retcode: want error")
	}
	// A business-level rejection is final; retrying the same payload is
	// pointless.
	if calls.Load() != 1 {
		t.Errorf("server calls = %d, want 1", calls.Load())
	}
}

func TestSendServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"status":"ok","retcode":0}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "", "", srv.Client(), testLogger())
	if err := c.SendGroupMessage(context.Background(), 100, "hello"); err != nil {
		t.Fatalf("SendGroupMessage() after transient errors: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
}

func TestMockGateway(t *testing.T) {
	gw := NewMockGateway(testLogger())
	gw.FailGroups = map[int64]error{666: context.DeadlineExceeded}

	if err := gw.SendGroupMessage(context.Background(), 100, "a"); err != nil {
		t.Fatalf("SendGroupMessage() error: %v", err)
	}
	if err := gw.SendGroupMessage(context.Background(), 666, "b"); err == nil {
		t.Error("marked group must fail")
	}
	if err := gw.SendPrivateMessage(context.Background(), 300, "c"); err != nil {
		t.Fatalf("SendPrivateMessage() error: %v", err)
	}

	if len(gw.Groups) != 1 || gw.Groups[0].Target != 100 {
		t.Errorf("Groups = %+v", gw.Groups)
	}
	if len(gw.Private) != 1 || gw.Private[0].Text != "c" {
		t.Errorf("Private = %+v", gw.Private)
	}
}
