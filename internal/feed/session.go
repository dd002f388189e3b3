package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures one feed session.
type Options struct {
	Store  Store
	Source EventSource

	// Profile overrides the kind's default tuning; zero fields keep the
	// defaults.
	Profile Profile

	// ViewerID enables read receipts and unread counting: foreign items are
	// marked read as they are observed. Empty disables both.
	ViewerID string

	Clock  Clock
	Logger zerolog.Logger

	// OnChange is invoked with a fresh snapshot after every visible change.
	OnChange func([]Item)

	// OnWriteFailed is invoked when a write rolls back, carrying the
	// original draft so the caller can restore the user's input.
	OnWriteFailed func(WriteFailure)

	// OnExpired is invoked once when the feed passes its deadline; the
	// session refuses writes from then on.
	OnExpired func()
}

// WriteFailure reports one rolled-back optimistic write.
type WriteFailure struct {
	ClientTempID string
	Draft        Payload
	Err          error
}

// Session is the live reconciliation state for one open feed. It is the only
// surface UI code sees: a snapshot, a send path, and change notifications.
// All internal mutation is serialized through one mutex, the Go rendition of
// the single-threaded event loop the engine was distilled from; every
// asynchronous callback re-checks that the session is still open before
// touching state.
type Session struct {
	desc  Descriptor
	opts  Options
	clock Clock
	log   zerolog.Logger

	mu        sync.Mutex
	rec       *Reconciler
	tracker   *Tracker
	lifecycle *Lifecycle
	sched     *Scheduler
	info      Info
	closed    bool
	expired   bool
}

// Open bootstraps a session: resolves the active feed (creating one when the
// previous expired), loads the full snapshot, and starts the resilience
// scheduler. The reconciliation state is always rebuilt from the store; it
// is never persisted across sessions.
func Open(ctx context.Context, desc Descriptor, opts Options) (*Session, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Source == nil {
		return nil, fmt.Errorf("%w: store and source are required", ErrInvalidInput)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}

	info, err := opts.Store.OpenFeed(ctx, desc)
	if err != nil {
		return nil, err
	}

	profile := opts.Profile.withDefaults(desc.Kind)
	s := &Session{
		desc:  desc,
		opts:  opts,
		clock: opts.Clock,
		log:   opts.Logger.With().Str("feed", desc.FeedID).Str("kind", string(desc.Kind)).Logger(),
	}
	s.info = info
	s.rec = NewReconciler(desc, profile)
	s.tracker = NewTracker(s.rec)
	s.lifecycle = NewLifecycle(info, profile, opts.Clock)

	items, err := opts.Store.Query(ctx, desc.FeedID, time.Time{})
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if s.rec.ApplyConfirmed(it) {
			s.lifecycle.Observe(it.CreatedAt)
		}
	}
	s.markReadAsync()

	s.sched = NewScheduler(SchedulerConfig{
		Descriptor: desc,
		Profile:    profile,
		Source:     opts.Source,
		OnEvent:    s.handlePush,
		Fetch:      s.fetchSnapshot,
		Logger:     s.log,
	})
	s.sched.Start()
	return s, nil
}

// Snapshot returns the current ordered item list.
func (s *Session) Snapshot() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Snapshot()
}

// Unread counts confirmed foreign items not yet marked read. Always zero
// when the session has no viewer or the feed is a location feed.
func (s *Session) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.ViewerID == "" || s.desc.Kind == KindLocation {
		return 0
	}
	n := 0
	for _, it := range s.rec.Snapshot() {
		if it.Confirmed() && it.Payload.SenderID != s.opts.ViewerID && it.ReadAt.IsZero() {
			n++
		}
	}
	return n
}

// State reports the scheduler's connection state.
func (s *Session) State() SchedulerState { return s.sched.State() }

// Info returns the feed identity with the live expiry deadline.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.ExpiresAt = s.lifecycle.ExpiresAt()
	info.LastActivityAt = s.lifecycle.LastActivityAt()
	return info
}

// Expired reports whether the feed passed its deadline.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired || s.lifecycle.Expired()
}

// Send renders the payload optimistically and starts the write round-trip.
// It returns the ClientTempID of the provisional item immediately; the
// outcome arrives through OnChange (success) or OnWriteFailed (rollback
// with the draft preserved).
func (s *Session) Send(p Payload) (string, error) {
	if p.empty() {
		return "", ErrInvalidInput
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.expired || s.lifecycle.Expired() {
		s.mu.Unlock()
		s.expire()
		return "", &ExpiredError{FeedID: s.desc.FeedID}
	}
	draft := p
	provisional := s.tracker.Begin(Item{
		FeedID:    s.desc.FeedID,
		CreatedAt: s.clock.Now(),
		Payload:   p,
	})
	OptimisticInFlight.WithLabelValues(string(s.desc.Kind)).Inc()
	s.mu.Unlock()
	s.notifyChange()

	go s.performWrite(provisional.ClientTempID, draft)
	return provisional.ClientTempID, nil
}

// Close is idempotent and terminal. The scheduler's poll timer and
// subscription are released before it returns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.sched.Close()
}

// performWrite runs the upload+insert round-trip for one optimistic entry.
// It deliberately uses a background context: the write outlives the caller,
// and stale completions are discarded by the closed guard.
func (s *Session) performWrite(clientTempID string, p Payload) {
	ctx := context.Background()

	if len(p.ImageData) > 0 {
		path := fmt.Sprintf("%s/%s/%s", s.desc.FeedID, p.SenderID, uuid.NewString())
		url, err := s.opts.Store.UploadBlob(ctx, path, p.ImageData)
		if err != nil {
			s.failWrite(clientTempID, &AttachmentError{Path: path, Err: err})
			return
		}
		p.ImageURL = url
		p.ImageData = nil
	}

	confirmed, err := s.opts.Store.Insert(ctx, s.desc.FeedID, p)
	if err != nil {
		if errors.Is(err, ErrFeedExpired) {
			s.expire()
			s.failWrite(clientTempID, &ExpiredError{FeedID: s.desc.FeedID})
			return
		}
		s.failWrite(clientTempID, &WriteRejectedError{FeedID: s.desc.FeedID, Reason: err.Error(), Err: err})
		return
	}

	s.mu.Lock()
	// The gauge drains even when the session closed mid-flight; the Send
	// path incremented it and this goroutine is its only decrement.
	OptimisticInFlight.WithLabelValues(string(s.desc.Kind)).Dec()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.tracker.Complete(clientTempID, confirmed)
	s.lifecycle.Observe(confirmed.CreatedAt)
	s.mu.Unlock()
	if changed {
		s.notifyChange()
	}
}

func (s *Session) failWrite(clientTempID string, cause error) {
	s.mu.Lock()
	OptimisticInFlight.WithLabelValues(string(s.desc.Kind)).Dec()
	if s.closed {
		s.mu.Unlock()
		return
	}
	draft, known := s.tracker.Fail(clientTempID)
	WriteFailuresTotal.WithLabelValues(string(s.desc.Kind), failureClass(cause)).Inc()
	cb := s.opts.OnWriteFailed
	s.mu.Unlock()

	s.log.Warn().Err(cause).Msg("write rolled back")
	s.notifyChange()
	if known && cb != nil {
		cb(WriteFailure{ClientTempID: clientTempID, Draft: draft, Err: cause})
	}
}

// handlePush is the push-source entry into the reconciler.
func (s *Session) handlePush(it Item) {
	if !s.acceptable(it) {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.rec.ApplyConfirmed(it)
	if changed {
		s.lifecycle.Observe(it.CreatedAt)
	} else {
		DuplicatesTotal.WithLabelValues(string(s.desc.Kind)).Inc()
	}
	foreign := s.opts.ViewerID != "" && it.Payload.SenderID != s.opts.ViewerID
	s.mu.Unlock()

	if changed {
		s.notifyChange()
		if foreign {
			s.markReadAsync()
		}
	}
}

// fetchSnapshot is the poll-source entry, every row fed through the
// reconciler. Feeding an unchanged snapshot twice is a no-op. Chat polls
// refetch the whole feed because read receipts rewrite old rows in place;
// location rows are immutable, so their poll resumes from the reconciler's
// cursor with a second of overlap so rows sharing its timestamp land in the
// dedup map instead of getting lost.
func (s *Session) fetchSnapshot(ctx context.Context) error {
	since := time.Time{}
	if s.desc.Kind == KindLocation {
		s.mu.Lock()
		if c := s.rec.Cursor(); !c.IsZero() {
			since = c.Add(-time.Second)
		}
		s.mu.Unlock()
	}
	items, err := s.opts.Store.Query(ctx, s.desc.FeedID, since)
	if err != nil {
		return &TransportError{Op: "query", Err: err}
	}
	changed := false
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	for _, it := range items {
		if !s.acceptable(it) {
			continue
		}
		EventsTotal.WithLabelValues(string(s.desc.Kind), "poll").Inc()
		if s.rec.ApplyConfirmed(it) {
			s.lifecycle.Observe(it.CreatedAt)
			changed = true
		} else {
			DuplicatesTotal.WithLabelValues(string(s.desc.Kind)).Inc()
		}
	}
	nowExpired := s.lifecycle.Expired() && !s.expired
	s.mu.Unlock()

	if changed {
		s.notifyChange()
	}
	if nowExpired {
		// Tear down from outside the poll goroutine; Close waits on it.
		go s.expire()
	}
	return nil
}

// acceptable drops malformed rows at the engine boundary: location samples
// without both coordinates carry nothing renderable.
func (s *Session) acceptable(it Item) bool {
	if s.desc.Kind == KindLocation && !it.Payload.HasCoordinates() {
		return false
	}
	return true
}

// expire flips the session into its terminal expired state and tears the
// scheduler down rather than letting it poll a dead feed.
func (s *Session) expire() {
	s.mu.Lock()
	if s.expired || s.closed {
		s.mu.Unlock()
		return
	}
	s.expired = true
	cb := s.opts.OnExpired
	s.mu.Unlock()

	s.log.Info().Msg("feed expired, tearing down")
	_ = s.sched.Close()
	if cb != nil {
		cb()
	}
}

func (s *Session) notifyChange() {
	s.mu.Lock()
	if s.closed || s.opts.OnChange == nil {
		s.mu.Unlock()
		return
	}
	snap := s.rec.Snapshot()
	cb := s.opts.OnChange
	s.mu.Unlock()
	cb(snap)
}

// markReadAsync stamps foreign unread items in the store. Best effort: a
// failure only means the badge clears on a later pass.
func (s *Session) markReadAsync() {
	if s.opts.ViewerID == "" || s.desc.Kind == KindLocation {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.opts.Store.MarkRead(ctx, s.desc.FeedID, s.opts.ViewerID); err != nil {
			s.log.Debug().Err(err).Msg("mark read failed")
		}
	}()
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, ErrAttachment):
		return "attachment"
	case errors.Is(err, ErrFeedExpired):
		return "expired"
	default:
		return "rejected"
	}
}
