package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchwire/feedsync/internal/feed"
)

func TestNewRejectsEmptyDSN(t *testing.T) {
	_, err := New("   ")
	assert.ErrorIs(t, err, feed.ErrInvalidInput)
}

func TestClassifyWriteError(t *testing.T) {
	constraint := &pq.Error{Code: "23505", Message: "duplicate key"}
	err := classifyWriteError("feed-1", constraint)
	require.ErrorIs(t, err, feed.ErrWriteRejected)
	assert.Contains(t, err.Error(), "duplicate key")

	syntax := &pq.Error{Code: "42601", Message: "syntax error"}
	assert.NotErrorIs(t, classifyWriteError("feed-1", syntax), feed.ErrWriteRejected)

	plain := errors.New("connection reset")
	assert.Equal(t, plain, classifyWriteError("feed-1", plain))
}

// The remaining tests need a live database. Point FEEDSYNC_TEST_POSTGRES_DSN
// at a scratch Postgres to run them; the schema is created on first use.
func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("FEEDSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FEEDSYNC_TEST_POSTGRES_DSN not set")
	}
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func uniqueDesc(kind feed.Kind) feed.Descriptor {
	return feed.Descriptor{FeedID: fmt.Sprintf("test-%s-%s", kind, uuid.NewString()), Kind: kind}
}

func TestIntegrationOpenFeedAndInsert(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	desc := uniqueDesc(feed.KindOrderChat)

	info, err := st.OpenFeed(ctx, desc)
	require.NoError(t, err)
	assert.Equal(t, desc.FeedID, info.FeedID)
	assert.False(t, info.ExpiresAt.IsZero())

	inserted, err := st.Insert(ctx, desc.FeedID, feed.Payload{Text: "hello", SenderID: "u1", SenderKind: "courier"})
	require.NoError(t, err)
	assert.NotEmpty(t, inserted.ID)
	assert.False(t, inserted.CreatedAt.IsZero())

	items, err := st.Query(ctx, desc.FeedID, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, inserted.ID, items[0].ID)
	assert.Equal(t, "hello", items[0].Payload.Text)

	// The insert renews the feed deadline.
	renewed, err := st.OpenFeed(ctx, desc)
	require.NoError(t, err)
	assert.False(t, renewed.ExpiresAt.Before(info.ExpiresAt))
}

func TestIntegrationInsertIntoUnknownFeed(t *testing.T) {
	st := testStore(t)
	_, err := st.Insert(context.Background(), "never-opened-"+uuid.NewString(), feed.Payload{Text: "x", SenderID: "u1"})
	assert.ErrorIs(t, err, feed.ErrNotFound)
}

func TestIntegrationMarkRead(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	desc := uniqueDesc(feed.KindSupportChat)

	_, err := st.OpenFeed(ctx, desc)
	require.NoError(t, err)
	_, err = st.Insert(ctx, desc.FeedID, feed.Payload{Text: "theirs", SenderID: "them"})
	require.NoError(t, err)
	_, err = st.Insert(ctx, desc.FeedID, feed.Payload{Text: "mine", SenderID: "me"})
	require.NoError(t, err)

	require.NoError(t, st.MarkRead(ctx, desc.FeedID, "me"))

	items, err := st.Query(ctx, desc.FeedID, time.Time{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		if it.Payload.SenderID == "them" {
			assert.False(t, it.ReadAt.IsZero())
		} else {
			assert.True(t, it.ReadAt.IsZero())
		}
	}
}

func TestIntegrationUploadBlob(t *testing.T) {
	st := testStore(t)
	path := "test/" + uuid.NewString()
	url, err := st.UploadBlob(context.Background(), path, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "pg://blobs/"+path, url)
}

func TestIntegrationNotifyDeliversInsert(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	desc := uniqueDesc(feed.KindOrderChat)

	_, err := st.OpenFeed(ctx, desc)
	require.NoError(t, err)

	sub, err := st.Open(ctx, desc)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		select {
		case status := <-sub.Statuses():
			return status == feed.StatusActive
		default:
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	inserted, err := st.Insert(ctx, desc.FeedID, feed.Payload{Text: "pushed", SenderID: "u1"})
	require.NoError(t, err)

	select {
	case it := <-sub.Events():
		assert.Equal(t, inserted.ID, it.ID)
		assert.Equal(t, "pushed", it.Payload.Text)
	case <-time.After(10 * time.Second):
		t.Fatal("notify never arrived")
	}
}
