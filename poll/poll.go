// Package poll drives the monitoring cycles: per-identity presence and
// content checks, notification dispatch, and state persistence.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"bililive-notifier/card"
	"bililive-notifier/pkg/notifier"
)

const (
	// pollInterval is the fixed cycle cadence.
	pollInterval = 30 * time.Second

	// identityTimeout bounds one identity's presence+content check.
	identityTimeout = 60 * time.Second

	// identityDelay throttles request rate between identities.
	identityDelay = 2 * time.Second
)

// Platform fetches presence and content state for an identity.
type Platform interface {
	Presence(ctx context.Context, mid string) (*notifier.PresenceSnapshot, error)
	ContentFeed(ctx context.Context, mid string) ([]*notifier.ContentItem, error)
}

// Store persists per-identity tracker state.
type Store interface {
	Save(ctx context.Context, st *notifier.State) error
	List(ctx context.Context) ([]*notifier.State, error)
}

// Monitor runs polling cycles across all tracked identities. A single
// logical worker: cycles never overlap, identities are processed
// sequentially within a cycle.
type Monitor struct {
	platform   Platform
	store      Store
	dispatcher *Dispatcher
	presence   *PresenceTracker
	content    *ContentTracker
	logger     *slog.Logger

	identities []*notifier.Identity
	states     map[string]*notifier.State

	firstRun bool
	running  atomic.Bool

	// Shortened in tests.
	interval time.Duration
	delay    time.Duration
}

// New creates a monitor for the given identities.
func New(platform Platform, store Store, gateway Gateway, renderer card.Renderer, identities []*notifier.Identity, logger *slog.Logger) *Monitor {
	dispatcher := NewDispatcher(gateway, logger)
	return &Monitor{
		platform:   platform,
		store:      store,
		dispatcher: dispatcher,
		presence:   NewPresenceTracker(logger),
		content:    NewContentTracker(dispatcher, renderer, store, logger),
		logger:     logger,
		identities: identities,
		states:     make(map[string]*notifier.State),
		firstRun:   true,
		interval:   pollInterval,
		delay:      identityDelay,
	}
}

// LoadState primes per-identity state from the store. Identities without a
// record start empty; records without an identity are logged and ignored.
func (m *Monitor) LoadState(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list state records: %w", err)
	}

	byMID := make(map[string]*notifier.State, len(records))
	for _, st := range records {
		byMID[st.MID] = st
	}

	for _, id := range m.identities {
		if st, ok := byMID[id.MID]; ok {
			m.states[id.MID] = st
			delete(byMID, id.MID)
			continue
		}
		m.states[id.MID] = &notifier.State{MID: id.MID}
	}

	for mid := range byMID {
		m.logger.Warn("Orphaned state record, identity no longer tracked", "mid", mid)
	}

	m.logger.Info("State loaded", "identities", len(m.identities), "records", len(records))
	return nil
}

// Serve runs cycles at a fixed interval until the context is cancelled.
// The first cycle starts immediately. A tick that fires while a cycle is
// still running is skipped entirely, never run concurrently.
func (m *Monitor) Serve(ctx context.Context) error {
	m.runGuarded(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.running.CompareAndSwap(false, true) {
				m.logger.Info("Skipping check cycle: previous cycle still running")
				continue
			}
			go func() {
				defer m.running.Store(false)
				m.CheckAll(ctx)
			}()
		}
	}
}

func (m *Monitor) runGuarded(ctx context.Context) {
	m.running.Store(true)
	defer m.running.Store(false)
	m.CheckAll(ctx)
}

// String names the service in supervisor logs.
func (m *Monitor) String() string { return "poll-monitor" }

// CheckAll runs one full cycle: every identity in sequence, each under its
// own timeout, with a short delay in between. One identity's failure never
// aborts the rest. State is persisted once at the end (changes during the
// cycle are additionally persisted as they happen).
func (m *Monitor) CheckAll(ctx context.Context) {
	summaries := make([]string, 0, len(m.identities))

	for i, id := range m.identities {
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping cycle", "error", ctx.Err())
			return
		default:
		}

		err := m.checkIdentity(ctx, id)

		status := "Offline"
		switch {
		case err != nil:
			m.logger.Warn("Identity check failed", "mid", id.MID, "name", id.DisplayName(), "error", err)
			status = "Error"
		case m.states[id.MID].IsLive && !m.states[id.MID].OfflineSince.IsZero():
			status = "Waiting"
		case m.states[id.MID].IsLive:
			status = "Live"
		}
		summaries = append(summaries, fmt.Sprintf("%s(%s)", id.DisplayName(), status))

		if i < len(m.identities)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.delay):
			}
		}
	}

	m.logger.Info("Cycle completed", "checked", strings.Join(summaries, ", "))

	m.persistAll(ctx)
	m.firstRun = false
}

// checkIdentity runs the presence and content checks for one identity under
// a shared timeout. A transient fetch failure is "no new information" and
// does not count as an identity error; a timeout or panic does.
func (m *Monitor) checkIdentity(ctx context.Context, id *notifier.Identity) (err error) {
	ctx, cancel := context.WithTimeout(ctx, identityTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during identity check: %v", r)
		}
	}()

	st := m.states[id.MID]

	if id.MonitorLive {
		snap, fetchErr := m.platform.Presence(ctx, id.MID)
		switch {
		case fetchErr != nil && ctx.Err() != nil:
			return fmt.Errorf("presence check timed out: %w", fetchErr)
		case fetchErr != nil:
			m.logger.Warn("Presence fetch failed, keeping previous state", "mid", id.MID, "error", fetchErr)
		default:
			n, changed := m.presence.Check(id, st, snap, m.firstRun)
			if n != nil {
				// Presence notifications are best-effort: delivery failure
				// is not retried and does not block the state transition.
				m.dispatcher.Deliver(ctx, n)
			}
			if changed {
				m.persist(ctx, st)
			}
		}
	}

	if id.MonitorDynamic {
		items, fetchErr := m.platform.ContentFeed(ctx, id.MID)
		switch {
		case fetchErr != nil && ctx.Err() != nil:
			return fmt.Errorf("content check timed out: %w", fetchErr)
		case fetchErr != nil:
			m.logger.Warn("Content feed fetch failed, keeping previous cursor", "mid", id.MID, "error", fetchErr)
		default:
			m.content.Check(ctx, id, st, items)
		}
	}

	return nil
}

func (m *Monitor) persist(ctx context.Context, st *notifier.State) {
	if err := m.store.Save(ctx, st); err != nil {
		m.logger.Warn("Failed to persist state", "mid", st.MID, "error", err)
	}
}

func (m *Monitor) persistAll(ctx context.Context) {
	for _, id := range m.identities {
		m.persist(ctx, m.states[id.MID])
	}
}
