// Package pgstore implements the feed store and its push channel directly on
// Postgres: inserts and snapshot reads over database/sql, row-level push via
// LISTEN/NOTIFY published by an insert/update trigger.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/dispatchwire/feedsync/internal/feed"
	"github.com/dispatchwire/feedsync/internal/logging"
)

const (
	feedsTable = "feedsync_feeds"
	itemsTable = "feedsync_items"
	blobsTable = "feedsync_blobs"

	notifyChannel = "feedsync_items"

	operationTimeout        = 5 * time.Second
	listenerMinReconnect    = 2 * time.Second
	listenerMaxReconnect    = 30 * time.Second
	subscriptionEventBuffer = 64
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Store struct {
	dsn    string
	clock  feed.Clock
	log    zerolog.Logger
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func New(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, feed.ErrInvalidInput
	}
	return &Store{
		dsn:    dsn,
		clock:  feed.SystemClock(),
		log:    logging.WithComponent("pgstore"),
		openDB: sql.Open,
	}, nil
}

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		if err := migrate(ctx, db); err != nil {
			s.initErr = err
			_ = db.Close()
			return
		}
		s.db = db
	})
	return s.initErr
}

func migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			feed_id text PRIMARY KEY,
			kind text NOT NULL,
			last_activity_at timestamptz NOT NULL DEFAULT now(),
			expires_at timestamptz
		)`, feedsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id uuid PRIMARY KEY,
			feed_id text NOT NULL,
			sender_id text NOT NULL DEFAULT '',
			sender_kind text NOT NULL DEFAULT '',
			body text NOT NULL DEFAULT '',
			image_url text NOT NULL DEFAULT '',
			latitude double precision NOT NULL DEFAULT 0,
			longitude double precision NOT NULL DEFAULT 0,
			captured_at timestamptz,
			read_at timestamptz,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, itemsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_feed_created_idx ON %s (feed_id, created_at)`, itemsTable, itemsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			path text PRIMARY KEY,
			data bytea NOT NULL,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, blobsTable),
		// The notify payload carries only the row identity; subscribers
		// fetch the row themselves, which keeps the payload under the
		// pg_notify size limit regardless of message length.
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION feedsync_notify_item() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('%s', json_build_object('id', NEW.id, 'feed_id', NEW.feed_id)::text);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`, notifyChannel),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, itemsTable, itemsTable),
		fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE ON %s
			FOR EACH ROW EXECUTE FUNCTION feedsync_notify_item()`, itemsTable, itemsTable),
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) OpenFeed(ctx context.Context, desc feed.Descriptor) (feed.Info, error) {
	if err := desc.Validate(); err != nil {
		return feed.Info{}, err
	}
	if err := s.ensureReady(); err != nil {
		return feed.Info{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT feed_id, kind, last_activity_at, expires_at FROM %s
		WHERE feed_id = $1 AND (expires_at IS NULL OR expires_at > now())`, feedsTable)
	info, err := scanInfo(s.db.QueryRowContext(ctx, query, desc.FeedID))
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return feed.Info{}, err
	}

	// No active feed: create one, or renew the expired row in place. The
	// upsert also settles the race where two clients open simultaneously.
	now := s.clock.Now()
	var expires sql.NullTime
	if ttl := feed.DefaultProfile(desc.Kind).TTL; ttl > 0 {
		expires = sql.NullTime{Time: now.Add(ttl), Valid: true}
	}
	upsert := fmt.Sprintf(`INSERT INTO %s (feed_id, kind, last_activity_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed_id) DO UPDATE
			SET last_activity_at = EXCLUDED.last_activity_at,
			    expires_at = EXCLUDED.expires_at
		RETURNING feed_id, kind, last_activity_at, expires_at`, feedsTable)
	return scanInfo(s.db.QueryRowContext(ctx, upsert, desc.FeedID, string(desc.Kind), now, expires))
}

func (s *Store) Insert(ctx context.Context, feedID string, p feed.Payload) (feed.Item, error) {
	if err := s.ensureReady(); err != nil {
		return feed.Item{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return feed.Item{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var kind string
	var expires sql.NullTime
	row := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT kind, expires_at FROM %s WHERE feed_id = $1 FOR UPDATE`, feedsTable), feedID)
	if err := row.Scan(&kind, &expires); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return feed.Item{}, feed.ErrNotFound
		}
		return feed.Item{}, err
	}
	if expires.Valid && s.clock.Now().After(expires.Time) {
		return feed.Item{}, &feed.ExpiredError{FeedID: feedID}
	}

	id := uuid.NewString()
	var capturedAt sql.NullTime
	if !p.CapturedAt.IsZero() {
		capturedAt = sql.NullTime{Time: p.CapturedAt, Valid: true}
	}
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, feed_id, sender_id, sender_kind, body, image_url, latitude, longitude, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`, itemsTable),
		id, feedID, p.SenderID, p.SenderKind, p.Text, p.ImageURL, p.Latitude, p.Longitude, capturedAt,
	).Scan(&createdAt)
	if err != nil {
		return feed.Item{}, classifyWriteError(feedID, err)
	}

	// Server-side expiry renewal, in the same transaction as the insert.
	if ttl := feed.DefaultProfile(feed.Kind(kind)).TTL; ttl > 0 {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET expires_at = $2, last_activity_at = $3 WHERE feed_id = $1`, feedsTable),
			feedID, createdAt.Add(ttl), createdAt); err != nil {
			return feed.Item{}, err
		}
	} else {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET last_activity_at = $2 WHERE feed_id = $1`, feedsTable),
			feedID, createdAt); err != nil {
			return feed.Item{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return feed.Item{}, err
	}

	p.ImageData = nil
	return feed.Item{
		ID:        id,
		FeedID:    feedID,
		CreatedAt: createdAt,
		Origin:    feed.OriginConfirmed,
		Payload:   p,
	}, nil
}

func (s *Store) Query(ctx context.Context, feedID string, since time.Time) ([]feed.Item, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT id, feed_id, sender_id, sender_kind, body, image_url,
		latitude, longitude, captured_at, read_at, created_at
		FROM %s WHERE feed_id = $1`, itemsTable)
	args := []any{feedID}
	if !since.IsZero() {
		query += " AND created_at > $2"
		args = append(args, since)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, feedID, readerID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET read_at = now()
		 WHERE feed_id = $1 AND sender_id <> $2 AND read_at IS NULL`, itemsTable),
		feedID, readerID)
	return err
}

func (s *Store) UploadBlob(ctx context.Context, path string, data []byte) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" || len(data) == 0 {
		return "", feed.ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (path, data) VALUES ($1, $2)
		 ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data`, blobsTable),
		path, data)
	if err != nil {
		return "", &feed.AttachmentError{Path: path, Err: err}
	}
	return "pg://blobs/" + path, nil
}

// Open implements feed.EventSource on a dedicated LISTEN connection. The
// notify payload is identity-only, so each notification is resolved with a
// row fetch before it is handed to the engine.
func (s *Store) Open(ctx context.Context, desc feed.Descriptor) (feed.Subscription, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}

	sub := &subscription{
		events:   make(chan feed.Item, subscriptionEventBuffer),
		statuses: make(chan feed.Status, 8),
		done:     make(chan struct{}),
	}
	listener := pq.NewListener(s.dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected, pq.ListenerEventReconnected:
			sub.pushStatus(feed.StatusActive)
		case pq.ListenerEventDisconnected:
			sub.pushStatus(feed.StatusErrored)
		case pq.ListenerEventConnectionAttemptFailed:
			sub.pushStatus(feed.StatusConnecting)
		}
		if err != nil {
			s.log.Debug().Err(err).Str("feed", desc.FeedID).Msg("listener event")
		}
	})
	sub.listener = listener
	if err := listener.Listen(notifyChannel); err != nil {
		_ = listener.Close()
		return nil, &feed.TransportError{Op: "listen", Err: err}
	}

	go sub.run(s, desc)
	return sub, nil
}

type notifyPayload struct {
	ID     string `json:"id"`
	FeedID string `json:"feed_id"`
}

type subscription struct {
	listener *pq.Listener
	events   chan feed.Item
	statuses chan feed.Status

	closeOnce sync.Once
	done      chan struct{}
}

func (sub *subscription) Events() <-chan feed.Item { return sub.events }

func (sub *subscription) Statuses() <-chan feed.Status { return sub.statuses }

func (sub *subscription) Close() error {
	var err error
	sub.closeOnce.Do(func() {
		close(sub.done)
		err = sub.listener.Close()
	})
	return err
}

func (sub *subscription) run(s *Store, desc feed.Descriptor) {
	for {
		select {
		case <-sub.done:
			return
		case n, ok := <-sub.listener.Notify:
			if !ok {
				sub.pushStatus(feed.StatusClosed)
				return
			}
			if n == nil {
				// Reconnect marker from pq; the poll covers the gap.
				continue
			}
			var payload notifyPayload
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				s.log.Debug().Err(err).Msg("bad notify payload")
				continue
			}
			if payload.FeedID != desc.FeedID {
				continue
			}
			it, err := s.fetchItem(payload.ID)
			if err != nil {
				s.log.Debug().Err(err).Str("item", payload.ID).Msg("notify row fetch failed")
				continue
			}
			select {
			case sub.events <- it:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscription) pushStatus(st feed.Status) {
	select {
	case <-sub.done:
	case sub.statuses <- st:
	default:
	}
}

func (s *Store) fetchItem(id string) (feed.Item, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, feed_id, sender_id, sender_kind,
		body, image_url, latitude, longitude, captured_at, read_at, created_at
		FROM %s WHERE id = $1`, itemsTable), id)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (feed.Item, error) {
	var it feed.Item
	var capturedAt, readAt sql.NullTime
	err := row.Scan(&it.ID, &it.FeedID, &it.Payload.SenderID, &it.Payload.SenderKind,
		&it.Payload.Text, &it.Payload.ImageURL, &it.Payload.Latitude, &it.Payload.Longitude,
		&capturedAt, &readAt, &it.CreatedAt)
	if err != nil {
		return feed.Item{}, err
	}
	if capturedAt.Valid {
		it.Payload.CapturedAt = capturedAt.Time
	}
	if readAt.Valid {
		it.ReadAt = readAt.Time
	}
	it.Origin = feed.OriginConfirmed
	return it, nil
}

func scanInfo(row rowScanner) (feed.Info, error) {
	var info feed.Info
	var kind string
	var expires sql.NullTime
	if err := row.Scan(&info.FeedID, &kind, &info.LastActivityAt, &expires); err != nil {
		return feed.Info{}, err
	}
	info.Kind = feed.Kind(kind)
	if expires.Valid {
		info.ExpiresAt = expires.Time
	}
	return info, nil
}

func classifyWriteError(feedID string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Constraint violations are store rejections, not transport faults.
		if strings.HasPrefix(string(pqErr.Code), "23") {
			return &feed.WriteRejectedError{FeedID: feedID, Reason: pqErr.Message, Err: err}
		}
	}
	return err
}

// Register wires the Postgres adapter into the DSN factories. One Store is
// shared per DSN so the schema bootstrap runs once.
func Register() {
	var mu sync.Mutex
	stores := map[string]*Store{}
	factory := func(dsn string) (*Store, error) {
		mu.Lock()
		defer mu.Unlock()
		if st, ok := stores[dsn]; ok {
			return st, nil
		}
		st, err := New(dsn)
		if err != nil {
			return nil, err
		}
		stores[dsn] = st
		return st, nil
	}
	for _, scheme := range []string{"postgres", "postgresql"} {
		feed.RegisterStoreFactory(scheme, func(dsn string) (feed.Store, error) { return factory(dsn) })
		feed.RegisterSourceFactory(scheme, func(dsn string) (feed.EventSource, error) { return factory(dsn) })
	}
}

var _ feed.Store = (*Store)(nil)
var _ feed.EventSource = (*Store)(nil)
