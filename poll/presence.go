package poll

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"bililive-notifier/message"
	"bililive-notifier/pkg/notifier"
)

const (
	// offlineGrace is how long an identity must stay offline before the
	// transition is confirmed. Disconnects shorter than this never notify.
	offlineGrace = 3 * time.Minute

	// resumeWindow separates a resumed session from a fresh one: going live
	// within this window of the last confirmed end is a resume.
	resumeWindow = 15 * time.Minute

	// staleSessionSkew: while marked live, a reported start time this much
	// later than ours means the stream restarted behind our back.
	staleSessionSkew = 2 * time.Minute

	// Notifications about events this far in the past are suppressed;
	// state still commits.
	lateStartLimit = 10 * time.Minute
	lateEndLimit   = 5 * time.Minute
)

// PresenceTracker turns raw presence snapshots into confirmed live/offline
// transitions. At most one start and one end notification per real session;
// transient disconnects inside the grace period are absorbed silently.
type PresenceTracker struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewPresenceTracker creates a presence tracker.
func NewPresenceTracker(logger *slog.Logger) *PresenceTracker {
	return &PresenceTracker{logger: logger, now: time.Now}
}

// Check applies one snapshot to the identity's state. Returns a notification
// to deliver (or nil) and whether state changed. A nil snapshot (fetch
// failure upstream) is a no-op.
func (t *PresenceTracker) Check(id *notifier.Identity, st *notifier.State, snap *notifier.PresenceSnapshot, firstRun bool) (*notifier.Notification, bool) {
	if snap == nil {
		return nil, false
	}
	now := t.now()
	changed := false

	// Startup reconciliation: the session ended while the process was down.
	// Correct silently instead of reporting a stale "went offline".
	if firstRun && st.IsLive && !snap.IsLive {
		t.logger.Info("Startup state mismatch, correcting to offline",
			"name", id.DisplayName())
		st.IsLive = false
		st.OfflineSince = time.Time{}
		changed = true
	}

	if snap.IsLive {
		return t.checkLive(id, st, snap, now, changed)
	}
	return t.checkOffline(id, st, snap, now, changed)
}

func (t *PresenceTracker) checkLive(id *notifier.Identity, st *notifier.State, snap *notifier.PresenceSnapshot, now time.Time, changed bool) (*notifier.Notification, bool) {
	// Stale session: still marked live, no disconnect pending, but the
	// platform reports a start time well after ours. The stream restarted
	// without us seeing the offline edge; force the transition.
	if st.IsLive && st.OfflineSince.IsZero() && !snap.StartedAt.IsZero() &&
		snap.StartedAt.After(st.LastLiveStart.Add(staleSessionSkew)) {
		t.logger.Info("Stale live session detected, resetting status",
			"name", displayName(id, snap),
			"recorded_start", st.LastLiveStart.Format(time.RFC3339),
			"reported_start", snap.StartedAt.Format(time.RFC3339))
		st.IsLive = false
		changed = true
	}

	if st.IsLive {
		if !st.OfflineSince.IsZero() {
			// Came back inside the grace period; the glitch is over.
			t.logger.Info("Reconnected within grace period", "name", displayName(id, snap))
			st.OfflineSince = time.Time{}
			changed = true
		}
		return nil, changed
	}

	// Offline -> Live.
	resume := !st.LastLiveEnd.IsZero() && now.Sub(st.LastLiveEnd) <= resumeWindow
	st.IsLive = true
	st.OfflineSince = time.Time{}
	if !resume || st.LastLiveStart.IsZero() {
		if !snap.StartedAt.IsZero() {
			st.LastLiveStart = snap.StartedAt
		} else {
			st.LastLiveStart = now
		}
	}

	if !id.WantsLiveStart() {
		return nil, true
	}
	if sinceStart := now.Sub(st.LastLiveStart); sinceStart > lateStartLimit {
		t.logger.Info("Live start notification suppressed, session too old",
			"name", displayName(id, snap),
			"started_ago", sinceStart.Round(time.Minute).String())
		return nil, true
	}

	link := fmt.Sprintf("https://live.bilibili.com/%d", snap.RoomID)
	vars := map[string]string{
		"name":    displayName(id, snap),
		"title":   snap.Title,
		"room_id": strconv.FormatInt(snap.RoomID, 10),
		"link":    link,
		"cover":   message.Image(snap.Cover),
	}

	var text string
	if id.LiveStartMsg != "" {
		text = message.Format(id.LiveStartMsg, vars)
	} else {
		text = message.DefaultLiveStart(resume, displayName(id, snap), snap.Title, link, snap.Cover)
	}

	t.logger.Info("Live start confirmed",
		"name", displayName(id, snap),
		"resume", resume,
		"title", snap.Title)

	return &notifier.Notification{
		Kind:    notifier.EventLiveStart,
		Text:    text,
		Groups:  id.TargetGroups,
		Private: id.TargetPrivate,
		AtAll:   id.AtAllLive,
	}, true
}

func (t *PresenceTracker) checkOffline(id *notifier.Identity, st *notifier.State, snap *notifier.PresenceSnapshot, now time.Time, changed bool) (*notifier.Notification, bool) {
	if !st.IsLive {
		if !st.OfflineSince.IsZero() {
			// Should already be zero; enforce the invariant.
			st.OfflineSince = time.Time{}
			changed = true
		}
		return nil, changed
	}

	if st.OfflineSince.IsZero() {
		// First offline observation; start the grace period.
		st.OfflineSince = now
		t.logger.Info("Offline detected, waiting for confirmation",
			"name", displayName(id, snap),
			"grace", offlineGrace.String())
		return nil, true
	}

	if now.Sub(st.OfflineSince) < offlineGrace {
		return nil, changed
	}

	// PendingOffline -> Offline. The session ended at the first offline
	// observation, not at confirmation time.
	st.IsLive = false
	st.LastLiveEnd = st.OfflineSince
	st.OfflineSince = time.Time{}

	var duration time.Duration
	if !st.LastLiveStart.IsZero() {
		duration = st.LastLiveEnd.Sub(st.LastLiveStart)
	}

	t.logger.Info("Offline confirmed",
		"name", displayName(id, snap),
		"duration", message.FormatDuration(duration))

	if !id.WantsLiveEnd() {
		return nil, true
	}
	if sinceEnd := now.Sub(st.LastLiveEnd); sinceEnd > lateEndLimit {
		t.logger.Info("Live end notification suppressed, ended too long ago",
			"name", displayName(id, snap),
			"ended_ago", sinceEnd.Round(time.Minute).String())
		return nil, true
	}

	vars := map[string]string{
		"name":     displayName(id, snap),
		"duration": message.FormatDuration(duration),
	}

	var text string
	if id.LiveEndMsg != "" {
		text = message.Format(id.LiveEndMsg, vars)
	} else {
		text = message.DefaultLiveEnd(displayName(id, snap), duration)
	}

	return &notifier.Notification{
		Kind:    notifier.EventLiveEnd,
		Text:    text,
		Groups:  id.TargetGroups,
		Private: id.TargetPrivate,
		AtAll:   false,
	}, true
}

// displayName prefers the name the platform reports over the configured one.
func displayName(id *notifier.Identity, snap *notifier.PresenceSnapshot) string {
	if snap != nil && snap.Name != "" {
		return snap.Name
	}
	return id.DisplayName()
}
