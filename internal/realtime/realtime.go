// Package realtime implements the push event source over the hosted
// realtime websocket: a phoenix-style channel per feed publishing row-level
// postgres changes. Events come out raw; de-duplication and ordering are the
// engine's job.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/dispatchwire/feedsync/internal/feed"
	"github.com/dispatchwire/feedsync/internal/logging"
)

const (
	heartbeatInterval = 30 * time.Second
	joinTimeout       = 10 * time.Second
	eventBuffer       = 64
)

// Wire envelopes are validated against this schema before decoding; a
// malformed frame is logged and skipped rather than tearing the channel
// down.
const envelopeSchema = `{
	"type": "object",
	"required": ["topic", "event"],
	"properties": {
		"topic": {"type": "string", "minLength": 1},
		"event": {"type": "string", "minLength": 1},
		"ref": {"type": ["string", "null"]},
		"payload": {"type": ["object", "null"]}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
)

func envelopeValidator() *jsonschema.Schema {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
		if err != nil {
			panic(fmt.Sprintf("realtime: envelope schema: %v", err))
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("envelope.json", doc); err != nil {
			panic(fmt.Sprintf("realtime: envelope schema: %v", err))
		}
		compiledSchema = compiler.MustCompile("envelope.json")
	})
	return compiledSchema
}

type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

type replyPayload struct {
	Status string `json:"status"`
}

type changePayload struct {
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// record is the row shape the realtime service publishes: raw database
// column names.
type record struct {
	ID         string  `json:"id"`
	FeedID     string  `json:"feed_id"`
	SenderID   string  `json:"sender_id"`
	SenderKind string  `json:"sender_kind"`
	Body       string  `json:"body"`
	ImageURL   string  `json:"image_url"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	CapturedAt string  `json:"captured_at"`
	ReadAt     string  `json:"read_at"`
	CreatedAt  string  `json:"created_at"`
}

// Source dials one websocket per subscription. A feed's topic is joined
// with a row filter so only its rows are delivered.
type Source struct {
	wsURL  string
	apiKey string
	log    zerolog.Logger
}

func NewSource(wsURL, apiKey string) *Source {
	return &Source{
		wsURL:  strings.TrimSpace(wsURL),
		apiKey: strings.TrimSpace(apiKey),
		log:    logging.WithComponent("realtime"),
	}
}

func (s *Source) Open(ctx context.Context, desc feed.Descriptor) (feed.Subscription, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if s.wsURL == "" {
		return nil, feed.ErrInvalidInput
	}

	dialURL := s.wsURL
	if s.apiKey != "" {
		sep := "?"
		if strings.Contains(dialURL, "?") {
			sep = "&"
		}
		dialURL += sep + "apikey=" + s.apiKey
	}
	conn, _, err := websocket.Dial(ctx, dialURL, nil)
	if err != nil {
		return nil, &feed.TransportError{Op: "dial", Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		conn:     conn,
		desc:     desc,
		log:      s.log.With().Str("feed", desc.FeedID).Logger(),
		events:   make(chan feed.Item, eventBuffer),
		statuses: make(chan feed.Status, 8),
		cancel:   cancel,
	}
	sub.pushStatus(feed.StatusConnecting)

	if err := sub.join(ctx); err != nil {
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "join failed")
		return nil, err
	}

	sub.wg.Add(2)
	go sub.readLoop(runCtx)
	go sub.heartbeatLoop(runCtx)
	return sub, nil
}

type subscription struct {
	conn *websocket.Conn
	desc feed.Descriptor
	log  zerolog.Logger

	events   chan feed.Item
	statuses chan feed.Status

	writeMu   sync.Mutex
	refSeq    int
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (sub *subscription) Events() <-chan feed.Item { return sub.events }

func (sub *subscription) Statuses() <-chan feed.Status { return sub.statuses }

func (sub *subscription) Close() error {
	sub.closeOnce.Do(func() {
		sub.cancel()
		_ = sub.conn.Close(websocket.StatusNormalClosure, "feed closed")
	})
	return nil
}

func (sub *subscription) topic() string {
	return "realtime:" + string(sub.desc.Kind) + ":" + sub.desc.FeedID
}

// join subscribes the channel to inserts and updates on this feed's rows and
// waits for the acknowledging reply.
func (sub *subscription) join(ctx context.Context) error {
	var payload joinPayload
	payload.Config.PostgresChanges = []changeFilter{{
		Event:  "*",
		Schema: "public",
		Table:  tableFor(sub.desc.Kind),
		Filter: "feed_id=eq." + sub.desc.FeedID,
	}}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	joinRef, err := sub.write(ctx, envelope{Topic: sub.topic(), Event: "phx_join", Payload: raw})
	if err != nil {
		return &feed.TransportError{Op: "join", Err: err}
	}

	deadline, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	for {
		env, err := sub.read(deadline)
		if err != nil {
			return &feed.TransportError{Op: "join reply", Err: err}
		}
		if env.Event != "phx_reply" || env.Ref != joinRef {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(env.Payload, &reply); err != nil || reply.Status != "ok" {
			return &feed.TransportError{Op: "join", Err: fmt.Errorf("channel refused join")}
		}
		sub.pushStatus(feed.StatusActive)
		return nil
	}
}

func (sub *subscription) readLoop(ctx context.Context) {
	defer sub.wg.Done()
	for {
		env, err := sub.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sub.pushStatus(feed.StatusClosed)
			} else {
				sub.log.Debug().Err(err).Msg("read failed")
				sub.pushStatus(feed.StatusErrored)
			}
			return
		}
		switch env.Event {
		case "postgres_changes":
			if env.Topic != sub.topic() {
				continue
			}
			it, ok := sub.decodeChange(env.Payload)
			if !ok {
				continue
			}
			select {
			case sub.events <- it:
			case <-ctx.Done():
				sub.pushStatus(feed.StatusClosed)
				return
			}
		case "phx_error", "phx_close":
			sub.pushStatus(feed.StatusErrored)
			return
		}
	}
}

func (sub *subscription) heartbeatLoop(ctx context.Context) {
	defer sub.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sub.write(ctx, envelope{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`)}); err != nil {
				if ctx.Err() == nil {
					sub.log.Debug().Err(err).Msg("heartbeat failed")
					sub.pushStatus(feed.StatusErrored)
				}
				return
			}
		}
	}
}

func (sub *subscription) decodeChange(raw json.RawMessage) (feed.Item, bool) {
	var change changePayload
	if err := json.Unmarshal(raw, &change); err != nil {
		sub.log.Debug().Err(err).Msg("malformed change payload")
		return feed.Item{}, false
	}
	var rec record
	if err := json.Unmarshal(change.Record, &rec); err != nil || rec.ID == "" {
		sub.log.Debug().Msg("change without usable record")
		return feed.Item{}, false
	}
	if rec.FeedID != sub.desc.FeedID {
		return feed.Item{}, false
	}
	it := feed.Item{
		ID:     rec.ID,
		FeedID: rec.FeedID,
		Origin: feed.OriginConfirmed,
		Payload: feed.Payload{
			Text:       rec.Body,
			ImageURL:   rec.ImageURL,
			SenderID:   rec.SenderID,
			SenderKind: rec.SenderKind,
			Latitude:   rec.Latitude,
			Longitude:  rec.Longitude,
		},
	}
	it.CreatedAt = parseWireTime(rec.CreatedAt)
	it.ReadAt = parseWireTime(rec.ReadAt)
	it.Payload.CapturedAt = parseWireTime(rec.CapturedAt)
	if it.CreatedAt.IsZero() {
		sub.log.Debug().Str("item", rec.ID).Msg("record without creation time")
		return feed.Item{}, false
	}
	// Location rows without both coordinates carry nothing renderable.
	if sub.desc.Kind == feed.KindLocation && !it.Payload.HasCoordinates() {
		return feed.Item{}, false
	}
	return it, true
}

// read decodes and schema-validates frames until one passes. Invalid frames
// are skipped in a loop so a stream of garbage costs nothing but log lines.
func (sub *subscription) read(ctx context.Context) (envelope, error) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, sub.conn, &raw); err != nil {
			return envelope{}, err
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return envelope{}, err
		}
		if err := envelopeValidator().Validate(value); err != nil {
			sub.log.Debug().Err(err).Msg("envelope failed validation")
			continue
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return envelope{}, err
		}
		return env, nil
	}
}

func (sub *subscription) write(ctx context.Context, env envelope) (string, error) {
	sub.writeMu.Lock()
	defer sub.writeMu.Unlock()
	sub.refSeq++
	env.Ref = strconv.Itoa(sub.refSeq)
	if err := wsjson.Write(ctx, sub.conn, env); err != nil {
		return "", err
	}
	return env.Ref, nil
}

func (sub *subscription) pushStatus(st feed.Status) {
	select {
	case sub.statuses <- st:
	default:
	}
}

func tableFor(kind feed.Kind) string {
	switch kind {
	case feed.KindLocation:
		return "driver_locations"
	case feed.KindSupportChat:
		return "support_chat_messages"
	default:
		return "order_chat_messages"
	}
}

func parseWireTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05.999999-07"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var _ feed.EventSource = (*Source)(nil)
