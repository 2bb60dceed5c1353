// Package notifier contains the core domain types for the Bilibili notification service.
package notifier

import "time"

// EventKind identifies what a notification is about.
type EventKind string

const (
	EventLiveStart EventKind = "live_start"
	EventLiveEnd   EventKind = "live_end"
	EventDynamic   EventKind = "dynamic"
)

// ContentKind classifies a dynamic feed item for template selection and wording.
type ContentKind string

const (
	KindOriginal ContentKind = "original"
	KindForward  ContentKind = "forward"
	KindVideo    ContentKind = "video"
	KindArticle  ContentKind = "article"
	KindImages   ContentKind = "images"
	// KindLiveAnnounce is the pseudo-post Bilibili injects into the feed when a
	// stream starts. It is never notified; the live tracker covers that event.
	KindLiveAnnounce ContentKind = "live_announce"
)

// Identity is a tracked creator and its delivery configuration.
// Loaded from configuration at startup; immutable during a cycle.
type Identity struct {
	MID  string `koanf:"mid" json:"mid"`
	Name string `koanf:"name" json:"name"`

	MonitorLive    bool `koanf:"monitor_live" json:"monitor_live"`
	MonitorDynamic bool `koanf:"monitor_dynamic" json:"monitor_dynamic"`

	TargetGroups  []int64 `koanf:"target_groups" json:"target_groups"`
	TargetPrivate []int64 `koanf:"target_private" json:"target_private"`

	// Message templates with {name}-style placeholders. Empty means the
	// built-in wording. The per-type dynamic templates fall back to
	// DynamicMsg when unset.
	LiveStartMsg      string `koanf:"live_start_msg" json:"live_start_msg"`
	LiveEndMsg        string `koanf:"live_end_msg" json:"live_end_msg"`
	DynamicMsg        string `koanf:"dynamic_msg" json:"dynamic_msg"`
	DynamicMsgForward string `koanf:"dynamic_msg_forward" json:"dynamic_msg_forward"`
	DynamicMsgVideo   string `koanf:"dynamic_msg_video" json:"dynamic_msg_video"`
	DynamicMsgArticle string `koanf:"dynamic_msg_article" json:"dynamic_msg_article"`

	// NotifyMissed bounds the cold-start backlog to the single newest dynamic
	// instead of silently adopting it.
	NotifyMissed bool `koanf:"notify_missed" json:"notify_missed"`

	// Nil means enabled; only an explicit false disables the notification.
	NotifyLiveStart *bool `koanf:"notify_live_start" json:"notify_live_start"`
	NotifyLiveEnd   *bool `koanf:"notify_live_end" json:"notify_live_end"`

	AtAllLive    bool `koanf:"at_all_live" json:"at_all_live"`
	AtAllDynamic bool `koanf:"at_all_dynamic" json:"at_all_dynamic"`
}

// WantsLiveStart reports whether live start notifications are enabled.
func (id *Identity) WantsLiveStart() bool {
	return id.NotifyLiveStart == nil || *id.NotifyLiveStart
}

// WantsLiveEnd reports whether live end notifications are enabled.
func (id *Identity) WantsLiveEnd() bool {
	return id.NotifyLiveEnd == nil || *id.NotifyLiveEnd
}

// DisplayName returns the configured name, falling back to the MID.
func (id *Identity) DisplayName() string {
	if id.Name != "" {
		return id.Name
	}
	return id.MID
}

// State is the durable per-identity snapshot of both trackers.
// Mutated only by the trackers during a cycle and written back by the store.
//
// Invariant: OfflineSince is nonzero only while IsLive is true (a pending
// offline confirmation is only meaningful for a stream still marked live).
type State struct {
	MID           string    `json:"mid"`
	IsLive        bool      `json:"is_live"`
	OfflineSince  time.Time `json:"offline_since"`
	LastLiveStart time.Time `json:"last_live_start"`
	LastLiveEnd   time.Time `json:"last_live_end"`

	// LastDynamicID is the cursor of the most recently delivered (or
	// permanently abandoned) dynamic. Advances only, full-precision numeric
	// string comparison.
	LastDynamicID string `json:"last_dynamic_id"`
}

// PresenceSnapshot is a point-in-time read of an identity's live status.
type PresenceSnapshot struct {
	IsLive    bool
	StartedAt time.Time // zero if the platform did not report a start time
	Title     string
	RoomID    int64
	Cover     string
	Name      string
}

// ContentItem is a single dynamic feed entry. Immutable, sourced fresh each
// cycle. IDs are numeric strings that may exceed 53-bit range.
type ContentItem struct {
	ID     string
	Author string
	Type   string // raw platform type tag, e.g. DYNAMIC_TYPE_FORWARD
	Kind   ContentKind
	Link   string
	Images []string
}

// Notification is a rendered message bound for the gateway.
// Constructed per cycle, consumed once by the dispatcher.
type Notification struct {
	Kind    EventKind
	Text    string
	Groups  []int64
	Private []int64
	AtAll   bool // mention everyone in group copies
}
