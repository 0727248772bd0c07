// Package registry manages publishers and their subscribers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"lms-notifier/events"
	"lms-notifier/lock"
	"lms-notifier/pkg/notifier"
)

// Store interface for publisher and subscriber persistence.
type Store interface {
	FindPublisher(ctx context.Context, rk notifier.ResourceKey) (*notifier.Publisher, error)
	CreatePublisher(ctx context.Context, rk notifier.ResourceKey, data notifier.PublisherData, now time.Time) (*notifier.Publisher, error)
	UpdatePublisherNews(ctx context.Context, publisherKey int64, at time.Time) error
	InvalidatePublishers(ctx context.Context, resourceName string, resourceID int64) (int64, error)
	DeletePublishersOf(ctx context.Context, resourceName string, resourceID int64) (int64, error)

	FindSubscriber(ctx context.Context, publisherKey int64, identity string) (*notifier.Subscriber, error)
	CreateSubscriber(ctx context.Context, publisherKey int64, identity string, now time.Time) (*notifier.Subscriber, error)
	DeleteSubscriber(ctx context.Context, subscriberKey int64) error
	SubscribersOf(ctx context.Context, publisherKey int64) ([]*notifier.Subscriber, error)
	SubscribersOfIdentity(ctx context.Context, identity string) ([]*notifier.Subscriber, error)
	MarkSubscriberRead(ctx context.Context, subscriberKey int64, at time.Time) error
}

// Publisher interface for broadcasting subscription changes.
type Publisher interface {
	Publish(e events.SubscriptionChanged)
}

// Recorder interface for operation metrics.
type Recorder interface {
	RegistryOp(op string)
}

// Manager is the publisher/subscriber registry.
type Manager struct {
	store    Store
	locks    *lock.Table
	bus      Publisher
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Config holds manager dependencies.
type Config struct {
	Store    Store
	Locks    *lock.Table
	Bus      Publisher
	Recorder Recorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// New creates a registry manager.
func New(cfg *Config) *Manager {
	m := &Manager{
		store:    cfg.Store,
		locks:    cfg.Locks,
		bus:      cfg.Bus,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if m.locks == nil {
		m.locks = lock.New()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Subscribe subscribes identity to the publisher of rk, creating the
// publisher on first use. Subscribing twice is a no-op. If the publisher is
// deleted concurrently the error wraps notifier.ErrResourceGone.
func (m *Manager) Subscribe(ctx context.Context, identity string, rk notifier.ResourceKey, data notifier.PublisherData) (*notifier.Subscriber, error) {
	var (
		sub     *notifier.Subscriber
		created bool
	)
	err := m.locks.Do(ctx, rk.String(), func() error {
		pub, err := m.findOrCreatePublisher(ctx, rk, data)
		if err != nil {
			return err
		}
		sub, err = m.store.FindSubscriber(ctx, pub.Key, identity)
		if err == nil {
			return nil
		}
		if !errors.Is(err, notifier.ErrNotFound) {
			return fmt.Errorf("find subscriber: %w", err)
		}
		sub, err = m.store.CreateSubscriber(ctx, pub.Key, identity, m.now())
		if err != nil {
			return fmt.Errorf("create subscriber: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !created {
		m.logger.Debug("Already subscribed", "identity", identity, "resource", rk.String())
		return sub, nil
	}
	m.record("subscribe")
	m.logger.Info("Subscribed", "identity", identity, "resource", rk.String(), "subscriber", sub.Key)
	return sub, nil
}

// findOrCreatePublisher must run inside the critical section of rk.
func (m *Manager) findOrCreatePublisher(ctx context.Context, rk notifier.ResourceKey, data notifier.PublisherData) (*notifier.Publisher, error) {
	pub, err := m.store.FindPublisher(ctx, rk)
	if err == nil {
		return pub, nil
	}
	if !errors.Is(err, notifier.ErrNotFound) {
		return nil, fmt.Errorf("find publisher: %w", err)
	}
	pub, err = m.store.CreatePublisher(ctx, rk, data, m.now())
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}
	m.logger.Info("Publisher created", "resource", rk.String(), "type", data.Type, "publisher", pub.Key)
	return pub, nil
}

// Unsubscribe removes identity's subscription to rk. Unknown publishers or
// subscribers are logged and ignored.
func (m *Manager) Unsubscribe(ctx context.Context, identity string, rk notifier.ResourceKey) error {
	pub, err := m.store.FindPublisher(ctx, rk)
	if errors.Is(err, notifier.ErrNotFound) {
		m.logger.Warn("Cannot unsubscribe, no publisher", "identity", identity, "resource", rk.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("find publisher: %w", err)
	}

	sub, err := m.store.FindSubscriber(ctx, pub.Key, identity)
	if errors.Is(err, notifier.ErrNotFound) {
		m.logger.Warn("Cannot unsubscribe, not subscribed", "identity", identity, "resource", rk.String())
		return nil
	}
	if err != nil {
		return fmt.Errorf("find subscriber: %w", err)
	}

	if err := m.store.DeleteSubscriber(ctx, sub.Key); err != nil {
		if errors.Is(err, notifier.ErrNotFound) {
			m.logger.Warn("Subscriber vanished during unsubscribe", "identity", identity, "resource", rk.String())
			return nil
		}
		return fmt.Errorf("delete subscriber: %w", err)
	}
	m.record("unsubscribe")
	m.logger.Info("Unsubscribed", "identity", identity, "resource", rk.String())
	return nil
}

// MarkPublisherNews records news on the publisher of rk. If ignoreNewsFor is
// set, that identity's subscriber is marked as caught up. Listeners are told
// which subscribers are affected. It reports false if no publisher exists.
func (m *Manager) MarkPublisherNews(ctx context.Context, rk notifier.ResourceKey, ignoreNewsFor string) (bool, error) {
	var (
		pub     *notifier.Publisher
		subs    []*notifier.Subscriber
		now     = m.now()
		missing bool
	)
	err := m.locks.Do(ctx, rk.String(), func() error {
		var err error
		pub, err = m.store.FindPublisher(ctx, rk)
		if errors.Is(err, notifier.ErrNotFound) {
			missing = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("find publisher: %w", err)
		}
		if err := m.store.UpdatePublisherNews(ctx, pub.Key, now); err != nil {
			return fmt.Errorf("update publisher news: %w", err)
		}

		if ignoreNewsFor != "" {
			sub, err := m.store.FindSubscriber(ctx, pub.Key, ignoreNewsFor)
			switch {
			case err == nil:
				if err := m.store.MarkSubscriberRead(ctx, sub.Key, now); err != nil {
					return fmt.Errorf("mark subscriber read: %w", err)
				}
			case errors.Is(err, notifier.ErrNotFound):
				// The author of the change need not be a subscriber.
			default:
				return fmt.Errorf("find subscriber: %w", err)
			}
		}

		subs, err = m.store.SubscribersOf(ctx, pub.Key)
		if err != nil {
			return fmt.Errorf("list subscribers: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if missing {
		m.logger.Debug("No publisher for news", "resource", rk.String())
		return false, nil
	}

	keys := make([]int64, 0, len(subs))
	for _, sub := range subs {
		keys = append(keys, sub.Key)
	}
	if m.bus != nil {
		m.bus.Publish(events.SubscriptionChanged{
			At:              now,
			Resource:        rk,
			IgnoredIdentity: ignoreNewsFor,
			SubscriberKeys:  keys,
			PublisherKey:    pub.Key,
		})
	}
	m.record("news")
	m.logger.Info("Publisher news marked",
		"resource", rk.String(),
		"subscribers", len(keys),
		"ignored_identity", ignoreNewsFor)
	return true, nil
}

// DeletePublishersOf removes every publisher of a resource together with all
// their subscribers.
func (m *Manager) DeletePublishersOf(ctx context.Context, resourceName string, resourceID int64) (int64, error) {
	n, err := m.store.DeletePublishersOf(ctx, resourceName, resourceID)
	if err != nil {
		return 0, fmt.Errorf("delete publishers: %w", err)
	}
	m.record("delete")
	return n, nil
}

// InvalidatePublishers keeps the publishers of a deleted resource but takes
// them, and so their subscribers, out of future digests.
func (m *Manager) InvalidatePublishers(ctx context.Context, resourceName string, resourceID int64) (int64, error) {
	n, err := m.store.InvalidatePublishers(ctx, resourceName, resourceID)
	if err != nil {
		return 0, fmt.Errorf("invalidate publishers: %w", err)
	}
	m.record("invalidate")
	return n, nil
}

// IsSubscribed reports whether identity subscribes to rk.
func (m *Manager) IsSubscribed(ctx context.Context, identity string, rk notifier.ResourceKey) (bool, error) {
	pub, err := m.store.FindPublisher(ctx, rk)
	if errors.Is(err, notifier.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find publisher: %w", err)
	}
	_, err = m.store.FindSubscriber(ctx, pub.Key, identity)
	if errors.Is(err, notifier.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find subscriber: %w", err)
	}
	return true, nil
}

// SubscriptionsOf returns all subscriptions of identity.
func (m *Manager) SubscriptionsOf(ctx context.Context, identity string) ([]*notifier.Subscriber, error) {
	subs, err := m.store.SubscribersOfIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// MarkRead marks identity as caught up with the news of rk.
func (m *Manager) MarkRead(ctx context.Context, identity string, rk notifier.ResourceKey) error {
	pub, err := m.store.FindPublisher(ctx, rk)
	if err != nil {
		return fmt.Errorf("find publisher: %w", err)
	}
	sub, err := m.store.FindSubscriber(ctx, pub.Key, identity)
	if err != nil {
		return fmt.Errorf("find subscriber: %w", err)
	}
	return m.store.MarkSubscriberRead(ctx, sub.Key, m.now())
}

func (m *Manager) record(op string) {
	if m.recorder != nil {
		m.recorder.RegistryOp(op)
	}
}
