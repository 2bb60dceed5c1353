// Package storage handles persistence of per-identity tracker state.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/goccy/go-json"
	"google.golang.org/api/iterator"

	"bililive-notifier/pkg/notifier"
)

// ErrNotFound indicates no state record exists for an identity yet.
var ErrNotFound = errors.New("storage: state record not found")

// Store persists tracker state either to a local directory or to a Cloud
// Storage bucket. Local mode is used when localPath is non-empty.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a state store.
func New(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// stateKey generates a stable object name from an identity id.
// Rejects anything but a plain numeric id to prevent path traversal.
func stateKey(mid string) string {
	if mid == "" || len(mid) > 32 {
		return ""
	}
	for _, c := range mid {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return "state-" + mid + ".json"
}

// Save writes a state record, overwriting any previous one.
func (s *Store) Save(ctx context.Context, st *notifier.State) error {
	key := stateKey(st.MID)
	if key == "" {
		return fmt.Errorf("invalid identity id %q", st.MID)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("State saved to local storage", "path", path, "mid", st.MID)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying state save after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}

	s.logger.Debug("State saved", "key", key, "mid", st.MID)
	return nil
}

// Load reads the state record for an identity. Returns ErrNotFound when the
// identity has never been persisted.
func (s *Store) Load(ctx context.Context, mid string) (*notifier.State, error) {
	key := stateKey(mid)
	if key == "" {
		return nil, fmt.Errorf("invalid identity id %q", mid)
	}
	return s.load(ctx, key)
}

func (s *Store) load(ctx context.Context, key string) (*notifier.State, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				var readErr error
				data, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying state load after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("load after retries: %w", err)
		}
	}

	var st notifier.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &st, nil
}

// List loads every persisted state record.
func (s *Store) List(ctx context.Context) ([]*notifier.State, error) {
	var states []*notifier.State

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), "state-") || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			st, err := s.load(ctx, entry.Name())
			if err != nil {
				s.logger.Warn("Failed to load state record", "file", entry.Name(), "error", err)
				continue
			}
			states = append(states, st)
		}
		return states, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: "state-"})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		st, err := s.load(ctx, attrs.Name)
		if err != nil {
			s.logger.Warn("Failed to load state record", "key", attrs.Name, "error", err)
			continue
		}
		states = append(states, st)
	}
	return states, nil
}
