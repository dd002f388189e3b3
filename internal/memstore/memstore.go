// Package memstore is an in-memory reference implementation of the feed
// store and its push channel. It backs the engine tests and the demo's
// offline mode, and exposes the failure knobs (channel drops, duplicate
// delivery, rejected writes) the reconciliation layer exists to absorb.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchwire/feedsync/internal/feed"
)

type Store struct {
	mu    sync.Mutex
	clock feed.Clock

	feeds map[string]feed.Info
	items map[string][]feed.Item
	blobs map[string][]byte
	subs  []*subscription

	duplicateDelivery bool
	failNextInsert    error
	openErr           error
}

func New(clock feed.Clock) *Store {
	if clock == nil {
		clock = feed.SystemClock()
	}
	return &Store{
		clock: clock,
		feeds: map[string]feed.Info{},
		items: map[string][]feed.Item{},
		blobs: map[string][]byte{},
	}
}

// OpenFeed returns the active feed for the descriptor. An expired feed is
// replaced by a fresh one: new expiry, empty history, matching the
// start-a-new-chat flow.
func (s *Store) OpenFeed(_ context.Context, desc feed.Descriptor) (feed.Info, error) {
	if err := desc.Validate(); err != nil {
		return feed.Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	ttl := feed.DefaultProfile(desc.Kind).TTL

	info, ok := s.feeds[desc.FeedID]
	if ok && (info.ExpiresAt.IsZero() || now.Before(info.ExpiresAt)) {
		return info, nil
	}
	info = feed.Info{
		FeedID:         desc.FeedID,
		Kind:           desc.Kind,
		LastActivityAt: now,
	}
	if ttl > 0 {
		info.ExpiresAt = now.Add(ttl)
	}
	s.feeds[desc.FeedID] = info
	s.items[desc.FeedID] = nil
	return info, nil
}

func (s *Store) Insert(_ context.Context, feedID string, p feed.Payload) (feed.Item, error) {
	s.mu.Lock()
	info, ok := s.feeds[feedID]
	if !ok {
		s.mu.Unlock()
		return feed.Item{}, feed.ErrNotFound
	}
	now := s.clock.Now()
	if !info.ExpiresAt.IsZero() && now.After(info.ExpiresAt) {
		s.mu.Unlock()
		return feed.Item{}, &feed.ExpiredError{FeedID: feedID}
	}
	if err := s.failNextInsert; err != nil {
		s.failNextInsert = nil
		s.mu.Unlock()
		return feed.Item{}, &feed.WriteRejectedError{FeedID: feedID, Reason: err.Error(), Err: err}
	}

	p.ImageData = nil
	it := feed.Item{
		ID:        uuid.NewString(),
		FeedID:    feedID,
		CreatedAt: now,
		Origin:    feed.OriginConfirmed,
		Payload:   p,
	}
	s.items[feedID] = append(s.items[feedID], it)

	// Mirror of the server-side trigger: every insert renews the expiry.
	if ttl := feed.DefaultProfile(info.Kind).TTL; ttl > 0 {
		info.ExpiresAt = now.Add(ttl)
	}
	info.LastActivityAt = now
	s.feeds[feedID] = info

	targets := s.subscribersLocked(feedID)
	dup := s.duplicateDelivery
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(it)
		if dup {
			sub.deliver(it)
		}
	}
	return it, nil
}

func (s *Store) Query(_ context.Context, feedID string, since time.Time) ([]feed.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []feed.Item
	for _, it := range s.items[feedID] {
		if !since.IsZero() && !it.CreatedAt.After(since) {
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, feedID, readerID string) error {
	s.mu.Lock()
	now := s.clock.Now()
	var updated []feed.Item
	rows := s.items[feedID]
	for i := range rows {
		if rows[i].Payload.SenderID == readerID || !rows[i].ReadAt.IsZero() {
			continue
		}
		rows[i].ReadAt = now
		updated = append(updated, rows[i])
	}
	targets := s.subscribersLocked(feedID)
	s.mu.Unlock()

	for _, it := range updated {
		for _, sub := range targets {
			sub.deliver(it)
		}
	}
	return nil
}

func (s *Store) UploadBlob(_ context.Context, path string, data []byte) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || len(data) == 0 {
		return "", feed.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[path] = cp
	return "mem://blobs/" + path, nil
}

// Open implements feed.EventSource.
func (s *Store) Open(_ context.Context, desc feed.Descriptor) (feed.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	sub := &subscription{
		feedID:   desc.FeedID,
		events:   make(chan feed.Item, 64),
		statuses: make(chan feed.Status, 8),
	}
	sub.status(feed.StatusConnecting)
	sub.status(feed.StatusActive)
	s.subs = append(s.subs, sub)
	return sub, nil
}

// DropPush simulates a silent transport failure: every open subscription
// reports errored and stops delivering.
func (s *Store) DropPush() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.fail()
	}
}

// SetDuplicateDelivery makes every push event arrive twice.
func (s *Store) SetDuplicateDelivery(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicateDelivery = v
}

// FailNextInsert rejects the next write with the given cause.
func (s *Store) FailNextInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextInsert = err
}

// BlockOpen makes subscription opens fail until cleared with nil.
func (s *Store) BlockOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// Subscribers reports the number of live subscriptions, for tests.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if !sub.isClosed() {
			n++
		}
	}
	return n
}

// ExpireFeed force-expires a feed, as if its TTL elapsed server-side.
func (s *Store) ExpireFeed(feedID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.feeds[feedID]
	if !ok {
		return
	}
	info.ExpiresAt = s.clock.Now().Add(-time.Second)
	s.feeds[feedID] = info
}

func (s *Store) subscribersLocked(feedID string) []*subscription {
	var out []*subscription
	for _, sub := range s.subs {
		if sub.feedID == feedID && !sub.isClosed() {
			out = append(out, sub)
		}
	}
	return out
}

type subscription struct {
	feedID   string
	events   chan feed.Item
	statuses chan feed.Status

	mu     sync.Mutex
	closed bool
}

func (sub *subscription) Events() <-chan feed.Item { return sub.events }

func (sub *subscription) Statuses() <-chan feed.Status { return sub.statuses }

func (sub *subscription) Close() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed = true
	return nil
}

func (sub *subscription) isClosed() bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.closed
}

// deliver never blocks; a full buffer drops the event, which is exactly the
// kind of silent loss the standing poll exists to repair.
func (sub *subscription) deliver(it feed.Item) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.events <- it:
	default:
	}
}

func (sub *subscription) status(st feed.Status) {
	select {
	case sub.statuses <- st:
	default:
	}
}

func (sub *subscription) fail() {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()
	sub.status(feed.StatusErrored)
}

// Register wires the memory adapter into the DSN factories under the
// memory: scheme.
func Register() {
	shared := struct {
		mu     sync.Mutex
		stores map[string]*Store
	}{stores: map[string]*Store{}}

	factory := func(dsn string) (*Store, error) {
		shared.mu.Lock()
		defer shared.mu.Unlock()
		st, ok := shared.stores[dsn]
		if !ok {
			st = New(nil)
			shared.stores[dsn] = st
		}
		return st, nil
	}
	feed.RegisterStoreFactory("memory", func(dsn string) (feed.Store, error) {
		return factory(dsn)
	})
	feed.RegisterSourceFactory("memory", func(dsn string) (feed.EventSource, error) {
		return factory(dsn)
	})
}

var _ feed.Store = (*Store)(nil)
var _ feed.EventSource = (*Store)(nil)
