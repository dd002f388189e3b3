package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reconcilerBase = time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)

func chatDesc() Descriptor {
	return Descriptor{FeedID: "chat-1", Kind: KindSupportChat}
}

func confirmedMsg(id string, at time.Time, sender, text string) Item {
	return Item{
		ID:        id,
		FeedID:    "chat-1",
		CreatedAt: at,
		Origin:    OriginConfirmed,
		Payload:   Payload{Text: text, SenderID: sender, SenderKind: "company_user"},
	}
}

func TestApplyConfirmedDeduplicatesAcrossSources(t *testing.T) {
	a := confirmedMsg("a", reconcilerBase, "u1", "hello")
	b := confirmedMsg("b", reconcilerBase.Add(time.Second), "u2", "hi")

	orders := [][]Item{
		{a, b, a, b},       // push then poll
		{b, a, b, a},       // poll then push, reversed arrival
		{a, a, a, b, b, b}, // poll arriving repeatedly
	}
	for _, order := range orders {
		r := NewReconciler(chatDesc(), Profile{})
		for _, it := range order {
			r.ApplyConfirmed(it)
		}
		snap := r.Snapshot()
		require.Len(t, snap, 2)
		assert.Equal(t, "a", snap[0].ID)
		assert.Equal(t, "b", snap[1].ID)
	}
}

func TestApplyConfirmedSecondDeliveryIsNoOp(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	a := confirmedMsg("a", reconcilerBase, "u1", "hello")
	require.True(t, r.ApplyConfirmed(a))
	assert.False(t, r.ApplyConfirmed(a))
	assert.Len(t, r.Snapshot(), 1)
}

func TestOptimisticConvergenceKeepsPosition(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	r.ApplyConfirmed(confirmedMsg("a", reconcilerBase, "u2", "first"))

	provisional := r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase.Add(2 * time.Second),
		Payload:   Payload{Text: "mine", SenderID: "u1"},
	})
	require.NotEmpty(t, provisional.ClientTempID)
	require.Equal(t, OriginOptimistic, provisional.Origin)

	confirmed := confirmedMsg("c", reconcilerBase.Add(2100*time.Millisecond), "u1", "mine")
	require.True(t, r.ResolveOptimistic(provisional.ClientTempID, &confirmed))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "c", snap[1].ID)
	assert.Equal(t, OriginConfirmed, snap[1].Origin)
	assert.Empty(t, snap[1].ClientTempID)
	assert.Zero(t, r.PendingOptimistic())
}

func TestPushMatchesOptimisticWithinWindow(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{MatchWindow: 5 * time.Second})
	provisional := r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase,
		Payload:   Payload{Text: "mine", SenderID: "u1"},
	})

	// The push echo lands before the write response.
	echo := confirmedMsg("x", reconcilerBase.Add(3*time.Second), "u1", "mine")
	require.True(t, r.ApplyConfirmed(echo))
	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "x", snap[0].ID)

	// The late write response resolves against the already-matched echo.
	require.True(t, r.ResolveOptimistic(provisional.ClientTempID, &echo))
	assert.Len(t, r.Snapshot(), 1)
}

func TestPushOutsideWindowAppends(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{MatchWindow: 2 * time.Second})
	r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase,
		Payload:   Payload{Text: "mine", SenderID: "u1"},
	})
	far := confirmedMsg("x", reconcilerBase.Add(10*time.Second), "u1", "mine")
	require.True(t, r.ApplyConfirmed(far))
	assert.Len(t, r.Snapshot(), 2)
	assert.Equal(t, 1, r.PendingOptimistic())
}

func TestForeignSenderNeverMatchesOptimistic(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase,
		Payload:   Payload{Text: "hello", SenderID: "u1"},
	})
	other := confirmedMsg("y", reconcilerBase.Add(time.Second), "u2", "hello")
	require.True(t, r.ApplyConfirmed(other))
	assert.Len(t, r.Snapshot(), 2)
}

func TestRollbackRemovesOptimisticEntry(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	provisional := r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase,
		Payload:   Payload{Text: "draft", SenderID: "u1"},
	})
	require.True(t, r.ResolveOptimistic(provisional.ClientTempID, nil))
	assert.Empty(t, r.Snapshot())
	assert.False(t, r.ResolveOptimistic(provisional.ClientTempID, nil))
}

func TestIdempotentResnapshot(t *testing.T) {
	rows := []Item{
		confirmedMsg("a", reconcilerBase, "u1", "one"),
		confirmedMsg("b", reconcilerBase.Add(time.Second), "u2", "two"),
		confirmedMsg("c", reconcilerBase.Add(2*time.Second), "u1", "three"),
	}
	r := NewReconciler(chatDesc(), Profile{})
	for _, it := range rows {
		r.ApplyConfirmed(it)
	}
	once := r.Snapshot()
	for _, it := range rows {
		assert.False(t, r.ApplyConfirmed(it))
	}
	twice := r.Snapshot()
	require.Equal(t, len(once), len(twice))
	for i := range once {
		assert.Equal(t, once[i].ID, twice[i].ID)
	}
}

func TestSnapshotSortedByCreation(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	r.ApplyConfirmed(confirmedMsg("c", reconcilerBase.Add(5*time.Second), "u1", "late"))
	r.ApplyConfirmed(confirmedMsg("a", reconcilerBase, "u1", "early"))
	r.ApplyConfirmed(confirmedMsg("b", reconcilerBase.Add(2*time.Second), "u2", "mid"))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		assert.False(t, snap[i].CreatedAt.Before(snap[i-1].CreatedAt))
	}
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})
}

func TestScenarioPushEchoThenUnchangedPoll(t *testing.T) {
	// Feed holds [A@t1, B@t2]; a local write C at t3 is echoed by push as
	// C'@t3.1, then a degraded-mode poll returns the full snapshot.
	r := NewReconciler(chatDesc(), Profile{MatchWindow: 5 * time.Second})
	a := confirmedMsg("A", reconcilerBase, "u2", "a")
	b := confirmedMsg("B", reconcilerBase.Add(time.Second), "u2", "b")
	r.ApplyConfirmed(a)
	r.ApplyConfirmed(b)

	r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase.Add(2 * time.Second),
		Payload:   Payload{Text: "c", SenderID: "u1"},
	})
	cPrime := confirmedMsg("C", reconcilerBase.Add(2100*time.Millisecond), "u1", "c")
	r.ApplyConfirmed(cPrime)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	changed := false
	for _, it := range []Item{a, b, cPrime} {
		if r.ApplyConfirmed(it) {
			changed = true
		}
	}
	assert.False(t, changed)
	assert.Len(t, r.Snapshot(), 3)
}

func TestReadReceiptUpdateReplacesInPlace(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	a := confirmedMsg("a", reconcilerBase, "u2", "hello")
	require.True(t, r.ApplyConfirmed(a))

	read := a
	read.ReadAt = reconcilerBase.Add(time.Minute)
	require.True(t, r.ApplyConfirmed(read))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].ReadAt.IsZero())
}

func TestCursorTracksMaxCreation(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	r.ApplyConfirmed(confirmedMsg("b", reconcilerBase.Add(time.Minute), "u1", "later"))
	r.ApplyConfirmed(confirmedMsg("a", reconcilerBase, "u1", "earlier"))
	assert.Equal(t, reconcilerBase.Add(time.Minute), r.Cursor())
}

func TestAttachmentPresenceGatesMatching(t *testing.T) {
	r := NewReconciler(chatDesc(), Profile{})
	r.ApplyOptimistic(Item{
		FeedID:    "chat-1",
		CreatedAt: reconcilerBase,
		Payload:   Payload{Text: "pic", SenderID: "u1", ImageData: []byte{1, 2}},
	})

	// Same text and sender but no attachment: a different message.
	plain := confirmedMsg("p", reconcilerBase.Add(time.Second), "u1", "pic")
	require.True(t, r.ApplyConfirmed(plain))
	assert.Len(t, r.Snapshot(), 2)

	withImage := confirmedMsg("q", reconcilerBase.Add(2*time.Second), "u1", "pic")
	withImage.Payload.ImageURL = "pg://blobs/x"
	require.True(t, r.ApplyConfirmed(withImage))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Zero(t, r.PendingOptimistic())
}
