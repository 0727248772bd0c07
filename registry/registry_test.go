package registry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lms-notifier/events"
	"lms-notifier/pkg/notifier"
	"lms-notifier/storage"
)

type countingRecorder struct {
	mu  sync.Mutex
	ops map[string]int
}

func (r *countingRecorder) RegistryOp(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ops == nil {
		r.ops = make(map[string]int)
	}
	r.ops[op]++
}

func (r *countingRecorder) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ops[op]
}

type fixture struct {
	manager  *Manager
	store    *storage.Store
	bus      *events.Bus
	recorder *countingRecorder
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "registry.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:    st,
		bus:      events.NewBus(),
		recorder: &countingRecorder{},
		now:      time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.manager = New(&Config{
		Store:    st,
		Bus:      f.bus,
		Recorder: f.recorder,
		Logger:   logger,
		Now:      func() time.Time { return f.now },
	})
	return f
}

var forumKey = notifier.ResourceKey{Name: "CourseModule", ID: 42, SubIdentifier: "forum-1"}

func TestSubscribeCreatesPublisherOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := notifier.PublisherData{Type: "Forum", Data: "1", BusinessPath: "[Course:42]"}

	alice, err := f.manager.Subscribe(ctx, "alice", forumKey, data)
	require.NoError(t, err)
	bob, err := f.manager.Subscribe(ctx, "bob", forumKey, data)
	require.NoError(t, err)
	assert.Equal(t, alice.PublisherKey, bob.PublisherKey)

	again, err := f.manager.Subscribe(ctx, "alice", forumKey, data)
	require.NoError(t, err)
	assert.Equal(t, alice.Key, again.Key)
	assert.Equal(t, 2, f.recorder.count("subscribe"))

	subscribed, err := f.manager.IsSubscribed(ctx, "alice", forumKey)
	require.NoError(t, err)
	assert.True(t, subscribed)
}

func TestConcurrentSubscribeSharesPublisher(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := notifier.PublisherData{Type: "Forum"}

	var wg sync.WaitGroup
	keys := make([]int64, 8)
	errs := make([]error, 8)
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := f.manager.Subscribe(ctx, "user"+string(rune('a'+i)), forumKey, data)
			errs[i] = err
			if err == nil {
				keys[i] = sub.PublisherKey
			}
		}(i)
	}
	wg.Wait()

	for i := range keys {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i])
	}
	pubs, err := f.store.PublishersOfResource(ctx, forumKey.Name, forumKey.ID)
	require.NoError(t, err)
	assert.Len(t, pubs, 1)
}

func TestUnsubscribeMissingIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.manager.Unsubscribe(ctx, "alice", forumKey))

	_, err := f.manager.Subscribe(ctx, "bob", forumKey, notifier.PublisherData{Type: "Forum"})
	require.NoError(t, err)
	require.NoError(t, f.manager.Unsubscribe(ctx, "alice", forumKey))
	assert.Equal(t, 0, f.recorder.count("unsubscribe"))

	require.NoError(t, f.manager.Unsubscribe(ctx, "bob", forumKey))
	assert.Equal(t, 1, f.recorder.count("unsubscribe"))

	subscribed, err := f.manager.IsSubscribed(ctx, "bob", forumKey)
	require.NoError(t, err)
	assert.False(t, subscribed)
}

func TestMarkPublisherNews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := notifier.PublisherData{Type: "Forum"}

	alice, err := f.manager.Subscribe(ctx, "alice", forumKey, data)
	require.NoError(t, err)
	bob, err := f.manager.Subscribe(ctx, "bob", forumKey, data)
	require.NoError(t, err)

	ch, unsubscribe := f.bus.Subscribe(4)
	defer unsubscribe()

	f.now = f.now.Add(time.Hour)
	found, err := f.manager.MarkPublisherNews(ctx, forumKey, "alice")
	require.NoError(t, err)
	assert.True(t, found)

	pub, err := f.store.FindPublisher(ctx, forumKey)
	require.NoError(t, err)
	assert.Equal(t, f.now, pub.LatestNewsAt)

	a, err := f.store.FindSubscriber(ctx, pub.Key, "alice")
	require.NoError(t, err)
	assert.Equal(t, f.now, a.LatestEmailed, "the author must not be notified of their own change")
	assert.Equal(t, f.now, a.LastModified)

	b, err := f.store.FindSubscriber(ctx, pub.Key, "bob")
	require.NoError(t, err)
	assert.Equal(t, f.now.Add(-time.Hour), b.LatestEmailed, "bob still has the news pending")

	select {
	case e := <-ch:
		assert.Equal(t, forumKey, e.Resource)
		assert.Equal(t, "alice", e.IgnoredIdentity)
		assert.ElementsMatch(t, []int64{alice.Key, bob.Key}, e.SubscriberKeys)
	case <-time.After(time.Second):
		t.Fatal("no subscription change event published")
	}
}

func TestMarkPublisherNewsWithoutPublisher(t *testing.T) {
	f := newFixture(t)
	found, err := f.manager.MarkPublisherNews(context.Background(), forumKey, "")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, f.recorder.count("news"))
}

func TestDeleteAndInvalidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, sub := range []string{"a", "b"} {
		rk := notifier.ResourceKey{Name: "Course", ID: 9, SubIdentifier: sub}
		_, err := f.manager.Subscribe(ctx, "alice", rk, notifier.PublisherData{Type: "Forum"})
		require.NoError(t, err)
	}

	n, err := f.manager.InvalidatePublishers(ctx, "Course", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	valid, err := f.store.ValidSubscribers(ctx)
	require.NoError(t, err)
	assert.Empty(t, valid)

	n, err = f.manager.DeletePublishersOf(ctx, "Course", 9)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	subs, err := f.manager.SubscriptionsOf(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.manager.MarkRead(ctx, "alice", forumKey), notifier.ErrNotFound)

	_, err := f.manager.Subscribe(ctx, "alice", forumKey, notifier.PublisherData{Type: "Forum"})
	require.NoError(t, err)
	f.now = f.now.Add(30 * time.Minute)
	require.NoError(t, f.manager.MarkRead(ctx, "alice", forumKey))

	subs, err := f.manager.SubscriptionsOf(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, f.now, subs[0].LatestEmailed)
}

// vanishingStore deletes the publisher right before the subscriber is inserted.
type vanishingStore struct {
	*storage.Store
}

func (s vanishingStore) CreateSubscriber(ctx context.Context, publisherKey int64, identity string, now time.Time) (*notifier.Subscriber, error) {
	if _, err := s.DeletePublishersOf(ctx, forumKey.Name, forumKey.ID); err != nil {
		return nil, err
	}
	return s.Store.CreateSubscriber(ctx, publisherKey, identity, now)
}

func TestSubscribeToDeletedPublisher(t *testing.T) {
	f := newFixture(t)
	m := New(&Config{
		Store:  vanishingStore{f.store},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return f.now },
	})

	_, err := m.Subscribe(context.Background(), "alice", forumKey, notifier.PublisherData{Type: "Forum"})
	require.ErrorIs(t, err, notifier.ErrResourceGone)
	subs, err := m.SubscriptionsOf(context.Background(), "alice")
	require.NoError(t, err)
	assert.Empty(t, subs)
}
