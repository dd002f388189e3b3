package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SchedulerState is the per-feed connection state machine.
type SchedulerState string

const (
	StateIdle        SchedulerState = "idle"
	StateSubscribing SchedulerState = "subscribing"
	StateSubscribed  SchedulerState = "subscribed"
	StateDegraded    SchedulerState = "degraded"
	StateClosed      SchedulerState = "closed"
)

// SchedulerConfig wires one scheduler to its feed.
//
// OnEvent receives raw push items; Fetch performs one snapshot refetch and
// feeds every returned item through the reconciler. Both are invoked from
// scheduler goroutines and must do their own is-still-open guarding.
type SchedulerConfig struct {
	Descriptor Descriptor
	Profile    Profile
	Source     EventSource
	OnEvent    func(Item)
	Fetch      func(context.Context) error
	Logger     zerolog.Logger
}

// Scheduler drives the push subscription for one feed and the standing poll
// that backs it up. The push channel is never fully trusted: its failures
// are silent at the transport layer, so even while Subscribed a
// low-frequency poll keeps running as the backstop against missed events.
// On a channel drop the scheduler enters Degraded, polls at the faster
// cadence, and reopens the subscription after a fixed delay.
//
// All transport failures are swallowed and logged here; callers only ever
// see the reconciled snapshot change.
type Scheduler struct {
	cfg SchedulerConfig

	mu     sync.Mutex
	state  SchedulerState
	sub    Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) *Scheduler {
	cfg.Profile = cfg.Profile.withDefaults(cfg.Descriptor.Kind)
	return &Scheduler{cfg: cfg, state: StateIdle}
}

// Start launches the subscribe loop and the poll loop. It is not safe to
// call twice.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		cancel()
		return
	}
	s.state = StateSubscribing
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go s.subscribeLoop(ctx)
	go s.pollLoop(ctx)
}

// State returns the current connection state.
func (s *Scheduler) State() SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close is terminal and idempotent. It synchronously stops the poll timer
// and releases the subscription before returning, so no late callback can
// mutate a torn-down reconciler.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	cancel := s.cancel
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Scheduler) subscribeLoop(ctx context.Context) {
	defer s.wg.Done()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.setState(StateSubscribing) {
			return
		}
		if attempt > 0 {
			ResubscribesTotal.WithLabelValues(string(s.cfg.Descriptor.Kind)).Inc()
		}
		attempt++

		sub, err := s.cfg.Source.Open(ctx, s.cfg.Descriptor)
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Str("feed", s.cfg.Descriptor.FeedID).Msg("subscribe failed, degrading to poll")
			if !s.setState(StateDegraded) {
				return
			}
			if !sleepContext(ctx, s.cfg.Profile.ResubscribeDelay) {
				return
			}
			continue
		}
		if !s.adoptSubscription(sub) {
			_ = sub.Close()
			return
		}
		s.consume(ctx, sub)
		s.dropSubscription(sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		s.cfg.Logger.Warn().Str("feed", s.cfg.Descriptor.FeedID).Msg("push channel lost, degrading to poll")
		if !s.setState(StateDegraded) {
			return
		}
		if !sleepContext(ctx, s.cfg.Profile.ResubscribeDelay) {
			return
		}
	}
}

// consume drains one subscription until the transport reports errored or
// closed, or the scheduler shuts down.
func (s *Scheduler) consume(ctx context.Context, sub Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-sub.Events():
			if !ok {
				return
			}
			EventsTotal.WithLabelValues(string(s.cfg.Descriptor.Kind), "push").Inc()
			s.cfg.OnEvent(it)
		case st, ok := <-sub.Statuses():
			if !ok {
				return
			}
			switch st {
			case StatusActive:
				if !s.setState(StateSubscribed) {
					return
				}
				s.cfg.Logger.Debug().Str("feed", s.cfg.Descriptor.FeedID).Msg("push subscription active")
			case StatusConnecting:
				if !s.setState(StateSubscribing) {
					return
				}
			case StatusErrored, StatusClosed:
				return
			}
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.wg.Done()
	timer := time.NewTimer(s.pollInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		state := s.State()
		if state == StateClosed {
			return
		}
		PollsTotal.WithLabelValues(string(s.cfg.Descriptor.Kind), string(state)).Inc()
		if err := s.cfg.Fetch(ctx); err != nil && ctx.Err() == nil {
			s.cfg.Logger.Warn().Err(err).Str("feed", s.cfg.Descriptor.FeedID).Msg("snapshot poll failed")
		}
		timer.Reset(s.pollInterval())
	}
}

// pollInterval picks the cadence for the next poll: the fast degraded
// interval while the push channel is down, the standing safety-net interval
// while it is healthy.
func (s *Scheduler) pollInterval() time.Duration {
	switch s.State() {
	case StateDegraded, StateSubscribing:
		return s.cfg.Profile.DegradedPollInterval
	default:
		return s.cfg.Profile.PollInterval
	}
}

// setState transitions unless the scheduler is already closed. Returns false
// once closed so loops unwind without further side effects.
func (s *Scheduler) setState(next SchedulerState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = next
	return true
}

func (s *Scheduler) adoptSubscription(sub Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.sub = sub
	return true
}

func (s *Scheduler) dropSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == sub {
		s.sub = nil
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
