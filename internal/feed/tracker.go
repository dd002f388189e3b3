package feed

// Tracker manages optimistic writes: it creates the provisional entry before
// the round-trip and later replaces or removes it through the Reconciler.
// Writes are not queued or serialized; any number of provisional entries may
// be in flight, each resolved independently by its ClientTempID.
//
// Like the Reconciler it performs no I/O and relies on the owning session
// for serialization.
type Tracker struct {
	rec      *Reconciler
	inflight map[string]Payload
}

func NewTracker(rec *Reconciler) *Tracker {
	return &Tracker{
		rec:      rec,
		inflight: map[string]Payload{},
	}
}

// Begin renders the draft immediately as a provisional item and returns it,
// ClientTempID assigned. The original draft is retained so it can be handed
// back on failure.
func (t *Tracker) Begin(it Item) Item {
	provisional := t.rec.ApplyOptimistic(it)
	t.inflight[provisional.ClientTempID] = it.Payload
	return provisional
}

// Complete resolves a successful write with the store's authoritative item.
func (t *Tracker) Complete(clientTempID string, confirmed Item) bool {
	delete(t.inflight, clientTempID)
	return t.rec.ResolveOptimistic(clientTempID, &confirmed)
}

// Fail rolls back a write and returns the original draft payload so the
// caller can restore the user's input. The second return is false when the
// write was not known (already resolved).
func (t *Tracker) Fail(clientTempID string) (Payload, bool) {
	draft, known := t.inflight[clientTempID]
	delete(t.inflight, clientTempID)
	t.rec.ResolveOptimistic(clientTempID, nil)
	return draft, known
}

// InFlight counts writes still awaiting resolution.
func (t *Tracker) InFlight() int { return len(t.inflight) }
