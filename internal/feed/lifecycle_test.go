package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLifecycleRenewalOnActivity(t *testing.T) {
	clock := NewManualClock(reconcilerBase)
	profile := Profile{TTL: 24 * time.Hour}
	l := NewLifecycle(Info{FeedID: "f", Kind: KindOrderChat, ExpiresAt: reconcilerBase.Add(time.Hour)}, profile, clock)

	assert.False(t, l.Expired())

	// Activity pushes the deadline out by a full TTL.
	clock.Advance(30 * time.Minute)
	l.Observe(clock.Now())
	assert.Equal(t, clock.Now().Add(24*time.Hour), l.ExpiresAt())

	clock.Advance(23 * time.Hour)
	assert.False(t, l.Expired())
	clock.Advance(2 * time.Hour)
	assert.True(t, l.Expired())
}

func TestLifecycleNeverMovesDeadlineBackwards(t *testing.T) {
	clock := NewManualClock(reconcilerBase)
	l := NewLifecycle(Info{ExpiresAt: reconcilerBase.Add(48 * time.Hour)}, Profile{TTL: time.Hour}, clock)

	l.Observe(reconcilerBase.Add(time.Minute))
	assert.Equal(t, reconcilerBase.Add(48*time.Hour), l.ExpiresAt())
}

func TestLifecycleZeroTTLNeverExpires(t *testing.T) {
	clock := NewManualClock(reconcilerBase)
	l := NewLifecycle(Info{FeedID: "loc", Kind: KindLocation}, Profile{}, clock)

	clock.Advance(1000 * time.Hour)
	assert.False(t, l.Expired())
	assert.True(t, l.ExpiresAt().IsZero())
}

func TestLifecycleSeedsDeadlineWhenServerOmitsIt(t *testing.T) {
	clock := NewManualClock(reconcilerBase)
	l := NewLifecycle(Info{FeedID: "f"}, Profile{TTL: time.Hour}, clock)
	assert.Equal(t, reconcilerBase.Add(time.Hour), l.ExpiresAt())
}

func TestLifecycleTracksLastActivity(t *testing.T) {
	clock := NewManualClock(reconcilerBase)
	l := NewLifecycle(Info{}, Profile{TTL: time.Hour}, clock)

	l.Observe(reconcilerBase.Add(5 * time.Minute))
	l.Observe(reconcilerBase.Add(2 * time.Minute)) // out-of-order observation
	assert.Equal(t, reconcilerBase.Add(5*time.Minute), l.LastActivityAt())
}
