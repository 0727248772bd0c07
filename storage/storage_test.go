package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms-notifier/pkg/notifier"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "notifier.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPublisherLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rk := notifier.ResourceKey{Name: "CourseModule", ID: 7, SubIdentifier: "node-1"}

	_, err := s.FindPublisher(ctx, rk)
	require.ErrorIs(t, err, notifier.ErrNotFound)

	pub, err := s.CreatePublisher(ctx, rk, notifier.PublisherData{Type: "Forum", BusinessPath: "[Forum:7]"}, now)
	require.NoError(t, err)
	assert.Equal(t, rk, pub.Resource)
	assert.True(t, pub.Valid())
	assert.Equal(t, now, pub.CreatedAt)

	again, err := s.CreatePublisher(ctx, rk, notifier.PublisherData{Type: "Other"}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, pub.Key, again.Key, "creating twice must return the existing publisher")
	assert.Equal(t, "Forum", again.Type)

	later := now.Add(2 * time.Hour)
	require.NoError(t, s.UpdatePublisherNews(ctx, pub.Key, later))
	got, err := s.FindPublisher(ctx, rk)
	require.NoError(t, err)
	assert.Equal(t, later, got.LatestNewsAt)

	require.ErrorIs(t, s.UpdatePublisherNews(ctx, 9999, later), notifier.ErrNotFound)
}

func TestCreateSubscriberIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	pub, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Forum", ID: 1}, notifier.PublisherData{Type: "Forum"}, now)
	require.NoError(t, err)

	first, err := s.CreateSubscriber(ctx, pub.Key, "alice", now)
	require.NoError(t, err)
	second, err := s.CreateSubscriber(ctx, pub.Key, "alice", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)

	subs, err := s.SubscribersOf(ctx, pub.Key)
	require.NoError(t, err)
	assert.Len(t, subs, 1)
	assert.Equal(t, now, subs[0].LatestEmailed, "a new subscriber starts caught up")
	assert.Equal(t, now, subs[0].LastModified)
	assert.Equal(t, pub.Key, subs[0].Publisher.Key)
}

func TestCreateSubscriberStartsCaughtUp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	subscribed := created.Add(48 * time.Hour)

	pub, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Forum", ID: 2}, notifier.PublisherData{Type: "Forum"}, created)
	require.NoError(t, err)
	require.NoError(t, s.UpdatePublisherNews(ctx, pub.Key, created.Add(24*time.Hour)))

	sub, err := s.CreateSubscriber(ctx, pub.Key, "bob", subscribed)
	require.NoError(t, err)
	assert.Equal(t, subscribed, sub.CreatedAt)
	assert.Equal(t, subscribed, sub.LatestEmailed)
	assert.False(t, sub.Publisher.LatestNewsAt.After(sub.LatestEmailed), "older news must not reach a late subscriber")
}

func TestCreateSubscriberOnMissingPublisher(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateSubscriber(context.Background(), 4242, "alice", time.Now())
	require.ErrorIs(t, err, notifier.ErrResourceGone)
}

func TestDeletePublishersOfCascades(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	var keys []int64
	for _, sub := range []string{"a", "b"} {
		pub, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Course", ID: 5, SubIdentifier: sub}, notifier.PublisherData{Type: "Forum"}, now)
		require.NoError(t, err)
		keys = append(keys, pub.Key)
		for _, who := range []string{"alice", "bob"} {
			_, err := s.CreateSubscriber(ctx, pub.Key, who, now)
			require.NoError(t, err)
		}
	}
	other, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Course", ID: 6}, notifier.PublisherData{Type: "Forum"}, now)
	require.NoError(t, err)
	_, err = s.CreateSubscriber(ctx, other.Key, "alice", now)
	require.NoError(t, err)

	n, err := s.DeletePublishersOf(ctx, "Course", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	for _, key := range keys {
		subs, err := s.SubscribersOf(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, subs, "no subscriber may reference a deleted publisher")
	}
	pubs, err := s.PublishersOfResource(ctx, "Course", 5)
	require.NoError(t, err)
	assert.Empty(t, pubs)

	remaining, err := s.SubscribersOfIdentity(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, other.Key, remaining[0].PublisherKey)
}

func TestValidSubscribersOrderedByIdentity(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now()

	p1, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Forum", ID: 1}, notifier.PublisherData{Type: "Forum"}, now)
	require.NoError(t, err)
	p2, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Forum", ID: 2}, notifier.PublisherData{Type: "Forum"}, now)
	require.NoError(t, err)
	p3, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Wiki", ID: 3}, notifier.PublisherData{Type: "Wiki"}, now)
	require.NoError(t, err)

	for _, pair := range []struct {
		pub int64
		who string
	}{{p1.Key, "zoe"}, {p1.Key, "adam"}, {p2.Key, "zoe"}, {p2.Key, "adam"}, {p3.Key, "mia"}} {
		_, err := s.CreateSubscriber(ctx, pair.pub, pair.who, now)
		require.NoError(t, err)
	}

	_, err = s.InvalidatePublishers(ctx, "Wiki", 3)
	require.NoError(t, err)

	subs, err := s.ValidSubscribers(ctx)
	require.NoError(t, err)
	var order []string
	for _, sub := range subs {
		order = append(order, sub.Identity)
		assert.True(t, sub.Publisher.Valid())
	}
	assert.Equal(t, []string{"adam", "adam", "zoe", "zoe"}, order)
}

func TestMarkEmailed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	pub, err := s.CreatePublisher(ctx, notifier.ResourceKey{Name: "Forum", ID: 1}, notifier.PublisherData{Type: "Forum"}, now)
	require.NoError(t, err)
	sub, err := s.CreateSubscriber(ctx, pub.Key, "alice", now)
	require.NoError(t, err)

	latest, err := s.LatestEmail(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, latest.IsZero())

	sent := now.Add(time.Hour)
	require.NoError(t, s.MarkEmailed(ctx, "alice", []int64{sub.Key, 12345}, sent))

	latest, err = s.LatestEmail(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, sent, latest)

	got, err := s.FindSubscriber(ctx, pub.Key, "alice")
	require.NoError(t, err)
	assert.Equal(t, sent, got.LatestEmailed)
}

func TestIdentities(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Identity(ctx, "alice")
	require.ErrorIs(t, err, notifier.ErrNotFound)

	id := &notifier.Identity{Name: "alice", Email: "alice@example.com", Status: notifier.StatusActive, Locale: "de"}
	require.NoError(t, s.SaveIdentity(ctx, id))
	require.NoError(t, s.SetInterval(ctx, "alice", "weekly"))

	got, err := s.Identity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "weekly", got.Interval)
	assert.Equal(t, "de", got.Locale)

	require.ErrorIs(t, s.SetInterval(ctx, "nobody", "daily"), notifier.ErrNotFound)

	require.NoError(t, s.SetProperty(ctx, "alice", "k", "v1"))
	require.NoError(t, s.SetProperty(ctx, "alice", "k", "v2"))
	v, err := s.Property(ctx, "alice", "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}
