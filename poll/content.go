package poll

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"bililive-notifier/card"
	"bililive-notifier/message"
	"bililive-notifier/pkg/notifier"
)

// maxDeliveryAttempts bounds how many cycles an undeliverable item blocks
// the cursor before it is permanently abandoned.
const maxDeliveryAttempts = 3

// ContentTracker advances a per-identity cursor over the dynamic feed and
// decides which items to notify about. The cursor only moves forward past
// ids that were delivered to at least one target or retry-exhausted, and
// delivered notifications always follow chronological order.
type ContentTracker struct {
	dispatcher *Dispatcher
	renderer   card.Renderer
	store      Store
	logger     *slog.Logger

	// Failed delivery attempts, keyed mid -> dynamic id. In-memory only:
	// a restart grants the full retry budget again.
	retries map[string]map[string]int
}

// NewContentTracker creates a content tracker.
func NewContentTracker(dispatcher *Dispatcher, renderer card.Renderer, store Store, logger *slog.Logger) *ContentTracker {
	return &ContentTracker{
		dispatcher: dispatcher,
		renderer:   renderer,
		store:      store,
		logger:     logger,
		retries:    make(map[string]map[string]int),
	}
}

// Check processes one feed snapshot for an identity, mutating st and
// persisting it after every cursor movement.
func (t *ContentTracker) Check(ctx context.Context, id *notifier.Identity, st *notifier.State, items []*notifier.ContentItem) {
	// Live-announce pseudo posts are covered by the presence tracker.
	// Pinned items are NOT filtered: a new dynamic may be pinned right away,
	// and id ordering already distinguishes new from old.
	kept := make([]*notifier.ContentItem, 0, len(items))
	for _, item := range items {
		if item.Kind != notifier.KindLiveAnnounce {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		return
	}

	// The platform may return the feed out of chronological order.
	sort.Slice(kept, func(i, j int) bool {
		return compareIDs(kept[i].ID, kept[j].ID) > 0
	})
	latest := kept[0]

	if st.LastDynamicID == "" {
		if !id.NotifyMissed {
			// Cold start: adopt the newest item silently to avoid a
			// notification storm on first run.
			st.LastDynamicID = latest.ID
			t.logger.Info("Content cursor initialized", "mid", id.MID, "dynamic_id", latest.ID)
			t.persist(ctx, st)
			return
		}
		// Missed-content mode: start the cursor just below the newest item
		// so exactly that one is reported, bounding the backlog to one.
		if len(kept) > 1 {
			st.LastDynamicID = kept[1].ID
		} else {
			st.LastDynamicID = "0"
		}
	}

	if compareIDs(latest.ID, st.LastDynamicID) <= 0 {
		return
	}

	// The list is sorted, so the new items form a prefix.
	var fresh []*notifier.ContentItem
	for _, item := range kept {
		if compareIDs(item.ID, st.LastDynamicID) <= 0 {
			break
		}
		fresh = append(fresh, item)
	}

	// Oldest first: a later item must never be reported before an earlier one.
	for i := len(fresh) - 1; i >= 0; i-- {
		item := fresh[i]
		attempts := t.attempts(id.MID, item.ID)

		if attempts >= maxDeliveryAttempts {
			t.logger.Warn("Delivery retries exhausted, skipping item permanently",
				"mid", id.MID, "dynamic_id", item.ID, "attempts", attempts)
			st.LastDynamicID = item.ID
			t.clearAttempts(id.MID, item.ID)
			t.persist(ctx, st)
			continue
		}

		text := t.render(ctx, id, item)
		if attempts > 0 {
			text = message.ResendPrefix + text
		}

		delivered := t.dispatcher.Deliver(ctx, &notifier.Notification{
			Kind:    notifier.EventDynamic,
			Text:    text,
			Groups:  id.TargetGroups,
			Private: id.TargetPrivate,
			AtAll:   id.AtAllDynamic,
		})

		if delivered {
			st.LastDynamicID = item.ID
			t.clearAttempts(id.MID, item.ID)
			// Persist immediately so a crash between cycles cannot re-send.
			t.persist(ctx, st)
			continue
		}

		t.bumpAttempts(id.MID, item.ID)
		t.logger.Warn("All targets failed, will retry next cycle",
			"mid", id.MID, "dynamic_id", item.ID, "attempts", attempts+1)
		// Stop here: processing newer items now would break ordering.
		break
	}
}

// render builds the notification text for an item, preferring a rendered
// card image and falling back to the item's first raw image.
func (t *ContentTracker) render(ctx context.Context, id *notifier.Identity, item *notifier.ContentItem) string {
	var image string
	if img, err := t.renderer.Render(ctx, item); err == nil {
		image = message.ImageBytes(img)
	} else {
		if !errors.Is(err, card.ErrDisabled) {
			t.logger.Warn("Card render failed, falling back to raw image",
				"mid", id.MID, "dynamic_id", item.ID, "error", err)
		}
		if len(item.Images) > 0 {
			image = message.Image(item.Images[0])
		}
	}

	template := id.DynamicMsg
	switch {
	case item.Kind == notifier.KindForward && id.DynamicMsgForward != "":
		template = id.DynamicMsgForward
	case item.Kind == notifier.KindVideo && id.DynamicMsgVideo != "":
		template = id.DynamicMsgVideo
	case item.Kind == notifier.KindArticle && id.DynamicMsgArticle != "":
		template = id.DynamicMsgArticle
	}

	if template != "" {
		return message.Format(template, map[string]string{
			"name":   item.Author,
			"link":   item.Link,
			"image":  image,
			"action": message.ActionText(item.Kind),
		})
	}
	return message.DefaultDynamic(item.Author, item.Kind, item.Link, image)
}

func (t *ContentTracker) persist(ctx context.Context, st *notifier.State) {
	if err := t.store.Save(ctx, st); err != nil {
		// Non-fatal: the in-memory cursor still prevents duplicates until
		// the next successful save.
		t.logger.Warn("Failed to persist state", "mid", st.MID, "error", err)
	}
}

func (t *ContentTracker) attempts(mid, dynamicID string) int {
	return t.retries[mid][dynamicID]
}

func (t *ContentTracker) bumpAttempts(mid, dynamicID string) {
	if t.retries[mid] == nil {
		t.retries[mid] = make(map[string]int)
	}
	t.retries[mid][dynamicID]++
}

func (t *ContentTracker) clearAttempts(mid, dynamicID string) {
	delete(t.retries[mid], dynamicID)
}

// compareIDs orders numeric string ids with full precision; feed ids exceed
// the float64-safe integer range.
func compareIDs(a, b string) int {
	ia, okA := new(big.Int).SetString(a, 10)
	ib, okB := new(big.Int).SetString(b, 10)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	return ia.Cmp(ib)
}
