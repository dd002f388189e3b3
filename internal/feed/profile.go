package feed

import "time"

// Profile tunes one feed kind: how often the standing and degraded polls run,
// how quickly a dropped subscription is reopened, how wide the
// optimistic-to-confirmed match window is, and how long the feed lives after
// its last activity. Zero TTL means the feed never expires.
type Profile struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	DegradedPollInterval time.Duration `yaml:"degraded_poll_interval"`
	ResubscribeDelay     time.Duration `yaml:"resubscribe_delay"`
	MatchWindow          time.Duration `yaml:"match_window"`
	TTL                  time.Duration `yaml:"ttl"`
}

// DefaultProfile returns the tuning observed in production for the kind:
// chat polls every 5s with a 24h (order) or 7d (support) TTL, location polls
// every 15s and never expires, and every kind reopens a dropped channel
// after 2s.
func DefaultProfile(kind Kind) Profile {
	switch kind {
	case KindOrderChat:
		return Profile{
			PollInterval:         5 * time.Second,
			DegradedPollInterval: 5 * time.Second,
			ResubscribeDelay:     2 * time.Second,
			MatchWindow:          5 * time.Second,
			TTL:                  24 * time.Hour,
		}
	case KindSupportChat:
		return Profile{
			PollInterval:         5 * time.Second,
			DegradedPollInterval: 5 * time.Second,
			ResubscribeDelay:     2 * time.Second,
			MatchWindow:          5 * time.Second,
			TTL:                  7 * 24 * time.Hour,
		}
	case KindLocation:
		return Profile{
			PollInterval:         15 * time.Second,
			DegradedPollInterval: 10 * time.Second,
			ResubscribeDelay:     2 * time.Second,
			MatchWindow:          2 * time.Second,
		}
	default:
		return Profile{
			PollInterval:         5 * time.Second,
			DegradedPollInterval: 5 * time.Second,
			ResubscribeDelay:     2 * time.Second,
			MatchWindow:          5 * time.Second,
		}
	}
}

func (p Profile) withDefaults(kind Kind) Profile {
	def := DefaultProfile(kind)
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.DegradedPollInterval <= 0 {
		p.DegradedPollInterval = def.DegradedPollInterval
	}
	if p.ResubscribeDelay <= 0 {
		p.ResubscribeDelay = def.ResubscribeDelay
	}
	if p.MatchWindow <= 0 {
		p.MatchWindow = def.MatchWindow
	}
	if p.TTL < 0 {
		p.TTL = 0
	}
	return p
}
