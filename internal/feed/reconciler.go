package feed

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Reconciler owns the authoritative local item list for one feed and merges
// confirmed items arriving from either source (push or poll) with
// locally-originated optimistic entries.
//
// All methods are synchronous over in-memory state and perform no I/O. The
// Reconciler does no locking of its own: the owning session serializes every
// mutation, which is the Go rendition of the single-threaded event loop the
// dashboards ran on.
type Reconciler struct {
	desc    Descriptor
	profile Profile

	items  []Item
	seen   map[string]struct{}
	cursor time.Time
}

func NewReconciler(desc Descriptor, profile Profile) *Reconciler {
	return &Reconciler{
		desc:    desc,
		profile: profile.withDefaults(desc.Kind),
		seen:    map[string]struct{}{},
	}
}

// ApplyConfirmed inserts or replaces a server-confirmed item. Applying the
// same item twice is a no-op, which is what makes the push and poll sources
// safe to run in parallel. Returns true when the visible list changed.
func (r *Reconciler) ApplyConfirmed(it Item) bool {
	if it.ID == "" {
		return false
	}
	it.Origin = OriginConfirmed
	it.ClientTempID = ""
	it.Payload.ImageData = nil

	if _, dup := r.seen[it.ID]; dup {
		return r.replaceByID(it)
	}

	// A confirmed item may be the echo of one of our own in-flight writes.
	// The store cannot hand back a client correlation id, so the match is
	// heuristic: same sender, same content, created within the tolerance
	// window. Replacing in place keeps the list position stable so the UI
	// does not visually reorder.
	if idx, ok := r.matchOptimistic(it); ok {
		r.items[idx] = it
		r.seen[it.ID] = struct{}{}
		r.advanceCursor(it.CreatedAt)
		return true
	}

	r.items = append(r.items, it)
	r.seen[it.ID] = struct{}{}
	r.advanceCursor(it.CreatedAt)
	r.sortByCreation()
	return true
}

// ApplyOptimistic appends a provisional local entry and returns it with a
// fresh ClientTempID assigned.
func (r *Reconciler) ApplyOptimistic(it Item) Item {
	it.Origin = OriginOptimistic
	it.ID = ""
	if it.ClientTempID == "" {
		it.ClientTempID = uuid.NewString()
	}
	it.FeedID = r.desc.FeedID
	r.items = append(r.items, it)
	return it
}

// ResolveOptimistic completes or rolls back one in-flight write. On success
// the provisional entry is replaced in place by the confirmed item; on
// failure (confirmed == nil) it is removed and the caller restores the
// user's draft. Returns true when the visible list changed.
func (r *Reconciler) ResolveOptimistic(clientTempID string, confirmed *Item) bool {
	idx := r.indexOfTemp(clientTempID)
	if idx < 0 {
		// The push channel may have already delivered and matched the
		// confirmation before the write response arrived.
		if confirmed != nil {
			return r.ApplyConfirmed(*confirmed)
		}
		return false
	}
	if confirmed == nil {
		r.items = append(r.items[:idx], r.items[idx+1:]...)
		return true
	}
	it := *confirmed
	it.Origin = OriginConfirmed
	it.ClientTempID = ""
	it.Payload.ImageData = nil
	if _, dup := r.seen[it.ID]; dup {
		// Already applied through push or poll; drop the provisional twin.
		r.items = append(r.items[:idx], r.items[idx+1:]...)
		return true
	}
	r.items[idx] = it
	r.seen[it.ID] = struct{}{}
	r.advanceCursor(it.CreatedAt)
	return true
}

// Snapshot returns a copy of the current ordered item list.
func (r *Reconciler) Snapshot() []Item {
	out := make([]Item, len(r.items))
	copy(out, r.items)
	return out
}

// Cursor is the max confirmed creation time seen so far. Incremental polls
// over immutable feeds resume from it.
func (r *Reconciler) Cursor() time.Time { return r.cursor }

func (r *Reconciler) Len() int { return len(r.items) }

// PendingOptimistic counts provisional entries still awaiting confirmation.
func (r *Reconciler) PendingOptimistic() int {
	n := 0
	for _, it := range r.items {
		if it.Origin == OriginOptimistic {
			n++
		}
	}
	return n
}

func (r *Reconciler) replaceByID(it Item) bool {
	for i := range r.items {
		if r.items[i].ID != it.ID {
			continue
		}
		if itemsEquivalent(r.items[i], it) {
			return false
		}
		// An update to a known row (read receipt stamped, location row
		// refreshed in place) keeps its list position unless its creation
		// time moved.
		moved := !r.items[i].CreatedAt.Equal(it.CreatedAt)
		r.items[i] = it
		r.advanceCursor(it.CreatedAt)
		if moved {
			r.sortByCreation()
		}
		return true
	}
	// Seen but no longer present should not happen; treat as fresh.
	r.items = append(r.items, it)
	r.advanceCursor(it.CreatedAt)
	r.sortByCreation()
	return true
}

func (r *Reconciler) matchOptimistic(it Item) (int, bool) {
	for i := range r.items {
		cand := r.items[i]
		if cand.Origin != OriginOptimistic {
			continue
		}
		if !payloadsMatch(cand.Payload, it.Payload) {
			continue
		}
		delta := it.CreatedAt.Sub(cand.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= r.profile.MatchWindow {
			return i, true
		}
	}
	return -1, false
}

func (r *Reconciler) indexOfTemp(clientTempID string) int {
	if clientTempID == "" {
		return -1
	}
	for i := range r.items {
		if r.items[i].ClientTempID == clientTempID {
			return i
		}
	}
	return -1
}

func (r *Reconciler) advanceCursor(t time.Time) {
	if t.After(r.cursor) {
		r.cursor = t
	}
}

func (r *Reconciler) sortByCreation() {
	sort.SliceStable(r.items, func(i, j int) bool {
		return r.items[i].CreatedAt.Before(r.items[j].CreatedAt)
	})
}

func payloadsMatch(optimistic, confirmed Payload) bool {
	if optimistic.SenderID != confirmed.SenderID {
		return false
	}
	if optimistic.Text != confirmed.Text {
		return false
	}
	// An optimistic message that carried an attachment matches only a
	// confirmed row that ended up with one; the URLs differ (local preview
	// vs. uploaded object) so presence is all that can be compared.
	hadImage := optimistic.ImageURL != "" || len(optimistic.ImageData) > 0
	if hadImage != (confirmed.ImageURL != "") {
		return false
	}
	return true
}

func itemsEquivalent(a, b Item) bool {
	return a.CreatedAt.Equal(b.CreatedAt) &&
		a.ReadAt.Equal(b.ReadAt) &&
		a.Payload.Text == b.Payload.Text &&
		a.Payload.ImageURL == b.Payload.ImageURL &&
		a.Payload.SenderID == b.Payload.SenderID &&
		a.Payload.SenderKind == b.Payload.SenderKind &&
		a.Payload.Latitude == b.Payload.Latitude &&
		a.Payload.Longitude == b.Payload.Longitude &&
		a.Payload.CapturedAt.Equal(b.Payload.CapturedAt)
}
