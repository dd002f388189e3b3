// Package feed implements the client-side reconciliation layer for
// server-owned, append-only item streams (chat messages, driver-location
// samples). A feed is fed by two redundant sources, a push subscription and a
// periodic poll, and the engine merges both into one de-duplicated, ordered
// view while locally-originated writes are shown optimistically until the
// store confirms them.
package feed

import (
	"context"
	"strings"
	"time"
)

type Kind string

const (
	KindOrderChat   Kind = "order_chat"
	KindSupportChat Kind = "support_chat"
	KindLocation    Kind = "location"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOrderChat, KindSupportChat, KindLocation:
		return true
	}
	return false
}

// Descriptor identifies one logical stream: the messages of a chat, or the
// location samples of a driver.
type Descriptor struct {
	FeedID string
	Kind   Kind
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.FeedID) == "" {
		return ErrInvalidInput
	}
	if !d.Kind.Valid() {
		return ErrInvalidInput
	}
	return nil
}

type Origin string

const (
	OriginConfirmed  Origin = "confirmed"
	OriginOptimistic Origin = "optimistic"
)

// Payload is the feed-kind specific content of an item. Chat fields and
// location fields are never populated together; the zero fields of the other
// kind are simply left empty, mirroring the row shapes of the backing tables.
type Payload struct {
	// Chat fields.
	Text       string
	ImageURL   string
	SenderID   string
	SenderKind string

	// ImageData holds a not-yet-uploaded attachment. The write path uploads
	// it and replaces it with ImageURL before the insert; confirmed items
	// never carry bytes.
	ImageData []byte

	// Location fields.
	Latitude   float64
	Longitude  float64
	CapturedAt time.Time
}

// HasCoordinates reports whether a location payload carries a usable sample.
// Rows without both coordinates are dropped at the adapter boundary.
func (p Payload) HasCoordinates() bool {
	return p.Latitude != 0 && p.Longitude != 0
}

func (p Payload) empty() bool {
	return strings.TrimSpace(p.Text) == "" && p.ImageURL == "" && len(p.ImageData) == 0 && !p.HasCoordinates()
}

// Item is one unit of feed content. Confirmed items carry a server-assigned
// ID; optimistic items carry only a ClientTempID until the write round-trip
// completes.
type Item struct {
	ID           string
	ClientTempID string
	FeedID       string
	CreatedAt    time.Time
	ReadAt       time.Time
	Origin       Origin
	Payload      Payload
}

func (it Item) Confirmed() bool { return it.Origin == OriginConfirmed }

// Info describes a feed as known by the store: its identity plus the expiry
// bookkeeping the server maintains (a trigger renews ExpiresAt on every
// insert; the client mirrors that rather than owning it).
type Info struct {
	FeedID         string
	Kind           Kind
	LastActivityAt time.Time
	ExpiresAt      time.Time
}

// Status reports the state of a push subscription's underlying channel.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusErrored    Status = "errored"
	StatusClosed     Status = "closed"
)

// Subscription is one open push channel for a single feed. Events are raw:
// no de-duplication and no ordering guarantee beyond roughly-as-produced.
// Transport failure surfaces only on the Status channel, never as a broken
// Events channel.
type Subscription interface {
	Events() <-chan Item
	Statuses() <-chan Status
	Close() error
}

// EventSource opens push subscriptions. Opening is a network operation.
type EventSource interface {
	Open(ctx context.Context, desc Descriptor) (Subscription, error)
}

// Store is the durable collaborator that owns every feed. The engine never
// looks inside it; it only inserts, reads snapshots and uploads attachment
// blobs through this contract.
type Store interface {
	// OpenFeed returns the active (unexpired) feed for the descriptor,
	// creating it with the kind's TTL when none exists.
	OpenFeed(ctx context.Context, desc Descriptor) (Info, error)

	// Insert durably writes one item and returns the authoritative row.
	// Writing to an expired feed fails with ErrFeedExpired.
	Insert(ctx context.Context, feedID string, p Payload) (Item, error)

	// Query reads the full feed ordered by creation time ascending. A
	// non-zero since restricts the read to items created after it.
	Query(ctx context.Context, feedID string, since time.Time) ([]Item, error)

	// MarkRead stamps every unread item in the feed not authored by
	// readerID. Best-effort; failures are logged, never surfaced.
	MarkRead(ctx context.Context, feedID, readerID string) error

	// UploadBlob stores attachment bytes and returns their public URL.
	UploadBlob(ctx context.Context, path string, data []byte) (string, error)
}
