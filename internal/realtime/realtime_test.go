package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/dispatchwire/feedsync/internal/feed"
)

func orderDesc() feed.Descriptor {
	return feed.Descriptor{FeedID: "feed-1", Kind: feed.KindOrderChat}
}

// channelServer accepts one websocket, acknowledges the join, hands the
// connection to script, then drains until the client disconnects.
func channelServer(t *testing.T, script func(ctx context.Context, c *websocket.Conn, join envelope)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		var join envelope
		if err := wsjson.Read(ctx, c, &join); err != nil {
			return
		}
		reply := envelope{Topic: join.Topic, Event: "phx_reply", Ref: join.Ref, Payload: json.RawMessage(`{"status":"ok"}`)}
		if err := wsjson.Write(ctx, c, reply); err != nil {
			return
		}
		if script != nil {
			script(ctx, c, join)
		}
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sendChange(ctx context.Context, t *testing.T, c *websocket.Conn, topic string, rec map[string]any) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"type": "INSERT", "record": rec})
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, c, envelope{Topic: topic, Event: "postgres_changes", Payload: payload}))
}

func TestOpenJoinsChannelAndDeliversChanges(t *testing.T) {
	srv := channelServer(t, func(ctx context.Context, c *websocket.Conn, join envelope) {
		var p joinPayload
		require.NoError(t, json.Unmarshal(join.Payload, &p))
		require.Len(t, p.Config.PostgresChanges, 1)
		assert.Equal(t, "order_chat_messages", p.Config.PostgresChanges[0].Table)
		assert.Equal(t, "feed_id=eq.feed-1", p.Config.PostgresChanges[0].Filter)

		sendChange(ctx, t, c, join.Topic, map[string]any{
			"id":          "row-1",
			"feed_id":     "feed-1",
			"sender_id":   "u1",
			"sender_kind": "courier",
			"body":        "hi",
			"created_at":  "2024-05-20T12:00:00Z",
		})
	})

	src := NewSource(srv.URL, "")
	sub, err := src.Open(context.Background(), orderDesc())
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		select {
		case st := <-sub.Statuses():
			return st == feed.StatusActive
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case it := <-sub.Events():
		assert.Equal(t, "row-1", it.ID)
		assert.Equal(t, "hi", it.Payload.Text)
		assert.Equal(t, feed.OriginConfirmed, it.Origin)
		assert.Equal(t, time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC), it.CreatedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestOpenIgnoresForeignAndMalformedFrames(t *testing.T) {
	srv := channelServer(t, func(ctx context.Context, c *websocket.Conn, join envelope) {
		// Row for another feed.
		sendChange(ctx, t, c, join.Topic, map[string]any{
			"id": "other", "feed_id": "feed-99", "body": "x", "created_at": "2024-05-20T12:00:00Z",
		})
		// Envelope failing schema validation (no event name).
		require.NoError(t, wsjson.Write(ctx, c, map[string]string{"topic": join.Topic}))
		// Record without a creation time.
		sendChange(ctx, t, c, join.Topic, map[string]any{"id": "no-time", "feed_id": "feed-1"})
		// Finally a good one.
		sendChange(ctx, t, c, join.Topic, map[string]any{
			"id": "good", "feed_id": "feed-1", "body": "ok", "created_at": "2024-05-20T12:00:01Z",
		})
	})

	src := NewSource(srv.URL, "")
	sub, err := src.Open(context.Background(), orderDesc())
	require.NoError(t, err)
	defer sub.Close()

	select {
	case it := <-sub.Events():
		assert.Equal(t, "good", it.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("good change never arrived")
	}
	select {
	case it := <-sub.Events():
		t.Fatalf("unexpected extra event %q", it.ID)
	default:
	}
}

func TestSurvivesBurstOfInvalidEnvelopes(t *testing.T) {
	srv := channelServer(t, func(ctx context.Context, c *websocket.Conn, join envelope) {
		for i := 0; i < 500; i++ {
			if err := wsjson.Write(ctx, c, map[string]string{"topic": join.Topic}); err != nil {
				return
			}
		}
		sendChange(ctx, t, c, join.Topic, map[string]any{
			"id": "after-burst", "feed_id": "feed-1", "body": "still here", "created_at": "2024-05-20T12:00:02Z",
		})
	})

	src := NewSource(srv.URL, "")
	sub, err := src.Open(context.Background(), orderDesc())
	require.NoError(t, err)
	defer sub.Close()

	select {
	case it := <-sub.Events():
		assert.Equal(t, "after-burst", it.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("change after invalid burst never arrived")
	}
}

func TestChannelErrorSurfacesAsErroredStatus(t *testing.T) {
	srv := channelServer(t, func(ctx context.Context, c *websocket.Conn, join envelope) {
		_ = wsjson.Write(ctx, c, envelope{Topic: join.Topic, Event: "phx_error", Payload: json.RawMessage(`{}`)})
	})

	src := NewSource(srv.URL, "")
	sub, err := src.Open(context.Background(), orderDesc())
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		select {
		case st := <-sub.Statuses():
			return st == feed.StatusErrored
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenSendsAPIKey(t *testing.T) {
	var gotKey atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.URL.Query().Get("apikey"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		var join envelope
		if err := wsjson.Read(ctx, c, &join); err != nil {
			return
		}
		_ = wsjson.Write(ctx, c, envelope{Topic: join.Topic, Event: "phx_reply", Ref: join.Ref, Payload: json.RawMessage(`{"status":"ok"}`)})
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)

	src := NewSource(srv.URL, "anon-key")
	sub, err := src.Open(context.Background(), orderDesc())
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, "anon-key", gotKey.Load())
}

func TestLocationChangesRequireBothCoordinates(t *testing.T) {
	srv := channelServer(t, func(ctx context.Context, c *websocket.Conn, join envelope) {
		sendChange(ctx, t, c, join.Topic, map[string]any{
			"id": "partial", "feed_id": "drv-1", "latitude": 52.52, "created_at": "2024-05-20T12:00:00Z",
		})
		sendChange(ctx, t, c, join.Topic, map[string]any{
			"id": "full", "feed_id": "drv-1", "latitude": 52.52, "longitude": 13.4,
			"captured_at": "2024-05-20T11:59:58Z", "created_at": "2024-05-20T12:00:00Z",
		})
	})

	src := NewSource(srv.URL, "")
	sub, err := src.Open(context.Background(), feed.Descriptor{FeedID: "drv-1", Kind: feed.KindLocation})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case it := <-sub.Events():
		assert.Equal(t, "full", it.ID)
		assert.Equal(t, 13.4, it.Payload.Longitude)
		assert.False(t, it.Payload.CapturedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("full sample never arrived")
	}
}

func TestTableForKind(t *testing.T) {
	assert.Equal(t, "order_chat_messages", tableFor(feed.KindOrderChat))
	assert.Equal(t, "support_chat_messages", tableFor(feed.KindSupportChat))
	assert.Equal(t, "driver_locations", tableFor(feed.KindLocation))
}

func TestParseWireTime(t *testing.T) {
	want := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, want, parseWireTime("2024-05-20T12:00:00Z"))
	assert.Equal(t, want, parseWireTime("2024-05-20T12:00:00"))
	assert.True(t, parseWireTime("").IsZero())
	assert.True(t, parseWireTime("not a time").IsZero())
}
