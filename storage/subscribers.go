package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lms-notifier/pkg/notifier"
)

const subscriberColumns = `s.subscriber_key, s.publisher_key, s.identity, s.created_at, s.last_modified, s.latest_emailed`

// scanSubscriberWithPublisher scans subscriberColumns followed by publisherColumns.
func scanSubscriberWithPublisher(row scanner) (*notifier.Subscriber, error) {
	var (
		sub                        notifier.Subscriber
		p                          notifier.Publisher
		created, modified, emailed int64
		pubCreated, pubNews        int64
		state                      int
	)
	err := row.Scan(&sub.Key, &sub.PublisherKey, &sub.Identity, &created, &modified, &emailed,
		&p.Key, &p.Resource.Name, &p.Resource.ID, &p.Resource.SubIdentifier,
		&p.Type, &p.Data, &p.BusinessPath, &pubCreated, &pubNews, &state)
	if err != nil {
		return nil, err
	}
	sub.CreatedAt = fromMillis(created)
	sub.LastModified = fromMillis(modified)
	sub.LatestEmailed = fromMillis(emailed)
	p.CreatedAt = fromMillis(pubCreated)
	p.LatestNewsAt = fromMillis(pubNews)
	p.State = notifier.PublisherState(state)
	sub.Publisher = &p
	return &sub, nil
}

func (s *Store) querySubscribers(ctx context.Context, where string, args ...any) ([]*notifier.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+`, `+publisherColumns+`
		 FROM subscriber s JOIN publisher p ON p.publisher_key = s.publisher_key
		 `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*notifier.Subscriber
	for rows.Next() {
		sub, err := scanSubscriberWithPublisher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// FindSubscriber returns the subscriber of identity on a publisher or notifier.ErrNotFound.
func (s *Store) FindSubscriber(ctx context.Context, publisherKey int64, identity string) (*notifier.Subscriber, error) {
	subs, err := s.querySubscribers(ctx,
		`WHERE s.publisher_key = ? AND s.identity = ?`, publisherKey, identity)
	if err != nil {
		return nil, err
	}
	switch len(subs) {
	case 0:
		return nil, fmt.Errorf("subscriber %s on publisher %d: %w", identity, publisherKey, notifier.ErrNotFound)
	case 1:
		return subs[0], nil
	default:
		return nil, fmt.Errorf("subscriber %s on publisher %d: %w", identity, publisherKey, notifier.ErrNotUnique)
	}
}

// CreateSubscriber subscribes identity to a publisher. A new subscriber counts
// as caught up at now, so news from before the subscription is never mailed.
// An existing subscriber is returned unchanged. If the publisher is gone the
// error wraps notifier.ErrResourceGone.
func (s *Store) CreateSubscriber(ctx context.Context, publisherKey int64, identity string, now time.Time) (*notifier.Subscriber, error) {
	at := toMillis(now)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriber (publisher_key, identity, created_at, last_modified, latest_emailed)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (publisher_key, identity) DO NOTHING`,
		publisherKey, identity, at, at, at)
	if isForeignKeyViolation(err) {
		return nil, fmt.Errorf("insert subscriber on publisher %d: %w", publisherKey, notifier.ErrResourceGone)
	}
	if err != nil {
		return nil, fmt.Errorf("insert subscriber: %w", err)
	}
	return s.FindSubscriber(ctx, publisherKey, identity)
}

// DeleteSubscriber removes one subscriber.
func (s *Store) DeleteSubscriber(ctx context.Context, subscriberKey int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriber WHERE subscriber_key = ?`, subscriberKey)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return expectRows(res, fmt.Sprintf("subscriber %d", subscriberKey))
}

// SubscribersOf returns all subscribers of a publisher.
func (s *Store) SubscribersOf(ctx context.Context, publisherKey int64) ([]*notifier.Subscriber, error) {
	return s.querySubscribers(ctx,
		`WHERE s.publisher_key = ? ORDER BY s.subscriber_key`, publisherKey)
}

// SubscribersOfIdentity returns all subscriptions of an identity, valid or not.
func (s *Store) SubscribersOfIdentity(ctx context.Context, identity string) ([]*notifier.Subscriber, error) {
	return s.querySubscribers(ctx,
		`WHERE s.identity = ? ORDER BY s.subscriber_key`, identity)
}

// ValidSubscribers returns every subscriber of a valid publisher, ordered so
// that all subscriptions of one identity are contiguous.
func (s *Store) ValidSubscribers(ctx context.Context) ([]*notifier.Subscriber, error) {
	return s.querySubscribers(ctx,
		`WHERE p.state = ? ORDER BY s.identity, s.subscriber_key`, int(notifier.PublisherValid))
}

// MarkSubscriberRead marks a subscriber as caught up with everything up to at.
func (s *Store) MarkSubscriberRead(ctx context.Context, subscriberKey int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriber SET last_modified = ?, latest_emailed = ? WHERE subscriber_key = ?`,
		toMillis(at), toMillis(at), subscriberKey)
	if err != nil {
		return fmt.Errorf("mark subscriber read: %w", err)
	}
	return expectRows(res, fmt.Sprintf("subscriber %d", subscriberKey))
}

// MarkEmailed records a delivered digest: the subscribers' latest-emailed
// times and the identity's latest-email property advance together.
func (s *Store) MarkEmailed(ctx context.Context, identity string, subscriberKeys []int64, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range subscriberKeys {
			// A subscriber deleted since the digest was built is not an error.
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscriber SET latest_emailed = ? WHERE subscriber_key = ? AND identity = ?`,
				toMillis(at), key, identity); err != nil {
				return fmt.Errorf("update subscriber %d: %w", key, err)
			}
		}
		return setProperty(ctx, tx, identity, LatestEmailProperty, at.UTC().Format(time.RFC3339Nano))
	})
}
