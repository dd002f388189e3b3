package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchwire/feedsync/internal/feed"
)

func TestLoadWithoutPathReturnsDefaults(t *testing.T) {
	profiles, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, feed.DefaultProfile(feed.KindOrderChat), profiles.For(feed.KindOrderChat))
	assert.Equal(t, feed.DefaultProfile(feed.KindLocation), profiles.For(feed.KindLocation))
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	profiles, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), profiles)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
order_chat:
  poll_interval: 2s
  ttl: 1h
location:
  degraded_poll_interval: 3s
`), 0o644))

	profiles, err := Load(path)
	require.NoError(t, err)

	order := profiles.For(feed.KindOrderChat)
	assert.Equal(t, 2*time.Second, order.PollInterval)
	assert.Equal(t, time.Hour, order.TTL)
	// Untouched fields keep their defaults.
	assert.Equal(t, 2*time.Second, order.ResubscribeDelay)
	assert.Equal(t, 5*time.Second, order.MatchWindow)

	loc := profiles.For(feed.KindLocation)
	assert.Equal(t, 3*time.Second, loc.DegradedPollInterval)
	assert.Equal(t, 15*time.Second, loc.PollInterval)
	assert.Zero(t, loc.TTL)

	// Kinds absent from the file are untouched.
	assert.Equal(t, feed.DefaultProfile(feed.KindSupportChat), profiles.For(feed.KindSupportChat))
}

func TestLoadRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("video_call:\n  poll_interval: 1s\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown feed kind")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte("order_chat: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestForFallsBackToKindDefault(t *testing.T) {
	profiles := Profiles{}
	assert.Equal(t, feed.DefaultProfile(feed.KindSupportChat), profiles.For(feed.KindSupportChat))
}
