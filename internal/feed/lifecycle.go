package feed

import "time"

// Lifecycle tracks the expiry of one feed. The server renews expires_at with
// a trigger on every insert; the client mirrors that by extending its local
// deadline whenever activity is observed, rather than owning the rule.
type Lifecycle struct {
	ttl            time.Duration
	clock          Clock
	expiresAt      time.Time
	lastActivityAt time.Time
}

func NewLifecycle(info Info, profile Profile, clock Clock) *Lifecycle {
	if clock == nil {
		clock = SystemClock()
	}
	l := &Lifecycle{
		ttl:            profile.TTL,
		clock:          clock,
		expiresAt:      info.ExpiresAt,
		lastActivityAt: info.LastActivityAt,
	}
	if l.ttl > 0 && l.expiresAt.IsZero() {
		l.expiresAt = clock.Now().Add(l.ttl)
	}
	return l
}

// Observe records activity (an own write or an observed confirmed item) and
// extends the expiry by the feed's TTL. Extensions never move the deadline
// backwards.
func (l *Lifecycle) Observe(at time.Time) {
	if at.IsZero() {
		at = l.clock.Now()
	}
	if at.After(l.lastActivityAt) {
		l.lastActivityAt = at
	}
	if l.ttl <= 0 {
		return
	}
	if renewed := at.Add(l.ttl); renewed.After(l.expiresAt) {
		l.expiresAt = renewed
	}
}

// Expired reports whether the feed is past its deadline. Feeds without a TTL
// (location tracking) never expire.
func (l *Lifecycle) Expired() bool {
	if l.ttl <= 0 || l.expiresAt.IsZero() {
		return false
	}
	return l.clock.Now().After(l.expiresAt)
}

func (l *Lifecycle) ExpiresAt() time.Time { return l.expiresAt }

func (l *Lifecycle) LastActivityAt() time.Time { return l.lastActivityAt }
