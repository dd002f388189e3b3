package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerBeginRendersProvisional(t *testing.T) {
	rec := NewReconciler(chatDesc(), Profile{})
	tr := NewTracker(rec)

	draft := Item{FeedID: "chat-1", CreatedAt: reconcilerBase, Payload: Payload{Text: "hi", SenderID: "u1"}}
	provisional := tr.Begin(draft)

	require.NotEmpty(t, provisional.ClientTempID)
	assert.Equal(t, OriginOptimistic, provisional.Origin)
	assert.Equal(t, 1, tr.InFlight())
	assert.Len(t, rec.Snapshot(), 1)
}

func TestTrackerCompleteSwapsConfirmed(t *testing.T) {
	rec := NewReconciler(chatDesc(), Profile{})
	tr := NewTracker(rec)

	provisional := tr.Begin(Item{FeedID: "chat-1", CreatedAt: reconcilerBase, Payload: Payload{Text: "hi", SenderID: "u1"}})
	confirmed := confirmedMsg("srv-1", reconcilerBase.Add(50*time.Millisecond), "u1", "hi")

	require.True(t, tr.Complete(provisional.ClientTempID, confirmed))
	assert.Zero(t, tr.InFlight())

	snap := rec.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "srv-1", snap[0].ID)
	assert.Equal(t, OriginConfirmed, snap[0].Origin)
}

func TestTrackerFailReturnsDraft(t *testing.T) {
	rec := NewReconciler(chatDesc(), Profile{})
	tr := NewTracker(rec)

	provisional := tr.Begin(Item{FeedID: "chat-1", CreatedAt: reconcilerBase, Payload: Payload{Text: "draft text", SenderID: "u1"}})

	draft, known := tr.Fail(provisional.ClientTempID)
	require.True(t, known)
	assert.Equal(t, "draft text", draft.Text)
	assert.Zero(t, tr.InFlight())
	assert.Empty(t, rec.Snapshot())

	_, known = tr.Fail(provisional.ClientTempID)
	assert.False(t, known)
}

func TestTrackerIndependentInFlightWrites(t *testing.T) {
	rec := NewReconciler(chatDesc(), Profile{})
	tr := NewTracker(rec)

	first := tr.Begin(Item{FeedID: "chat-1", CreatedAt: reconcilerBase, Payload: Payload{Text: "one", SenderID: "u1"}})
	second := tr.Begin(Item{FeedID: "chat-1", CreatedAt: reconcilerBase.Add(time.Second), Payload: Payload{Text: "two", SenderID: "u1"}})
	require.Equal(t, 2, tr.InFlight())

	// Resolve out of order.
	require.True(t, tr.Complete(second.ClientTempID, confirmedMsg("s2", reconcilerBase.Add(time.Second), "u1", "two")))
	_, known := tr.Fail(first.ClientTempID)
	require.True(t, known)

	snap := rec.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "s2", snap[0].ID)
}
