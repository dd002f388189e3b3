// Package config loads per-kind feed profiles. Defaults match the tuning
// the dashboards shipped with; a YAML file can override any field per kind.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dispatchwire/feedsync/internal/feed"
)

// Profiles maps feed kinds to their tuning.
type Profiles map[feed.Kind]feed.Profile

// Defaults returns the built-in profile for every kind.
func Defaults() Profiles {
	return Profiles{
		feed.KindOrderChat:   feed.DefaultProfile(feed.KindOrderChat),
		feed.KindSupportChat: feed.DefaultProfile(feed.KindSupportChat),
		feed.KindLocation:    feed.DefaultProfile(feed.KindLocation),
	}
}

// Load reads profile overrides from path. A missing path (or empty string)
// yields the defaults.
func Load(path string) (Profiles, error) {
	profiles := Defaults()
	if path == "" {
		return profiles, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return profiles, nil
		}
		return nil, err
	}

	var raw map[string]feed.Profile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for key, override := range raw {
		kind := feed.Kind(key)
		if !kind.Valid() {
			return nil, fmt.Errorf("parse %s: unknown feed kind %q", path, key)
		}
		base := profiles[kind]
		if override.PollInterval > 0 {
			base.PollInterval = override.PollInterval
		}
		if override.DegradedPollInterval > 0 {
			base.DegradedPollInterval = override.DegradedPollInterval
		}
		if override.ResubscribeDelay > 0 {
			base.ResubscribeDelay = override.ResubscribeDelay
		}
		if override.MatchWindow > 0 {
			base.MatchWindow = override.MatchWindow
		}
		if override.TTL > 0 {
			base.TTL = override.TTL
		}
		profiles[kind] = base
	}
	return profiles, nil
}

// For returns the profile for a kind, falling back to its default.
func (p Profiles) For(kind feed.Kind) feed.Profile {
	if profile, ok := p[kind]; ok {
		return profile
	}
	return feed.DefaultProfile(kind)
}
