package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lms-notifier/pkg/notifier"
)

const publisherColumns = `p.publisher_key, p.resource_name, p.resource_id, p.sub_identifier,
	p.type, p.data, p.business_path, p.created_at, p.latest_news_at, p.state`

type scanner interface {
	Scan(dest ...any) error
}

func scanPublisher(row scanner) (*notifier.Publisher, error) {
	var (
		p             notifier.Publisher
		created, news int64
		state         int
	)
	err := row.Scan(&p.Key, &p.Resource.Name, &p.Resource.ID, &p.Resource.SubIdentifier,
		&p.Type, &p.Data, &p.BusinessPath, &created, &news, &state)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.LatestNewsAt = fromMillis(news)
	p.State = notifier.PublisherState(state)
	return &p, nil
}

// FindPublisher returns the publisher of rk or notifier.ErrNotFound.
func (s *Store) FindPublisher(ctx context.Context, rk notifier.ResourceKey) (*notifier.Publisher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+publisherColumns+` FROM publisher p
		 WHERE p.resource_name = ? AND p.resource_id = ? AND p.sub_identifier = ?`,
		rk.Name, rk.ID, rk.SubIdentifier)
	if err != nil {
		return nil, fmt.Errorf("query publisher: %w", err)
	}
	defer rows.Close()

	var found *notifier.Publisher
	for rows.Next() {
		if found != nil {
			return nil, fmt.Errorf("publisher %s: %w", rk, notifier.ErrNotUnique)
		}
		found, err = scanPublisher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publisher: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publishers: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("publisher %s: %w", rk, notifier.ErrNotFound)
	}
	return found, nil
}

// CreatePublisher inserts a valid publisher for rk. If one already exists it is returned unchanged.
func (s *Store) CreatePublisher(ctx context.Context, rk notifier.ResourceKey, data notifier.PublisherData, now time.Time) (*notifier.Publisher, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO publisher (resource_name, resource_id, sub_identifier, type, data, business_path, created_at, latest_news_at, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (resource_name, resource_id, sub_identifier) DO NOTHING`,
		rk.Name, rk.ID, rk.SubIdentifier, data.Type, data.Data,
		notifier.TruncateBusinessPath(data.BusinessPath), toMillis(now), toMillis(now), int(notifier.PublisherValid))
	if err != nil {
		return nil, fmt.Errorf("insert publisher: %w", err)
	}
	s.logger.Debug("Publisher created", "resource", rk.String(), "type", data.Type)
	return s.FindPublisher(ctx, rk)
}

// UpdatePublisherNews sets the latest-news time of a publisher.
func (s *Store) UpdatePublisherNews(ctx context.Context, publisherKey int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publisher SET latest_news_at = ? WHERE publisher_key = ?`,
		toMillis(at), publisherKey)
	if err != nil {
		return fmt.Errorf("update publisher news: %w", err)
	}
	return expectRows(res, fmt.Sprintf("publisher %d", publisherKey))
}

// PublishersOfResource returns all publishers of a resource, whatever their sub-identifier.
func (s *Store) PublishersOfResource(ctx context.Context, resourceName string, resourceID int64) ([]*notifier.Publisher, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+publisherColumns+` FROM publisher p
		 WHERE p.resource_name = ? AND p.resource_id = ?
		 ORDER BY p.publisher_key`,
		resourceName, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query publishers: %w", err)
	}
	defer rows.Close()

	var pubs []*notifier.Publisher
	for rows.Next() {
		p, err := scanPublisher(rows)
		if err != nil {
			return nil, fmt.Errorf("scan publisher: %w", err)
		}
		pubs = append(pubs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publishers: %w", err)
	}
	return pubs, nil
}

// InvalidatePublishers marks every publisher of a resource as invalidated.
func (s *Store) InvalidatePublishers(ctx context.Context, resourceName string, resourceID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE publisher SET state = ? WHERE resource_name = ? AND resource_id = ?`,
		int(notifier.PublisherInvalidated), resourceName, resourceID)
	if err != nil {
		return 0, fmt.Errorf("invalidate publishers: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	s.logger.Info("Publishers invalidated", "resource_name", resourceName, "resource_id", resourceID, "count", n)
	return n, nil
}

// DeletePublishersOf removes every subscriber of every publisher of a
// resource, then the publishers, in one transaction.
func (s *Store) DeletePublishersOf(ctx context.Context, resourceName string, resourceID int64) (int64, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		subRes, err := tx.ExecContext(ctx,
			`DELETE FROM subscriber WHERE publisher_key IN (
				SELECT publisher_key FROM publisher WHERE resource_name = ? AND resource_id = ?)`,
			resourceName, resourceID)
		if err != nil {
			return fmt.Errorf("delete subscribers: %w", err)
		}
		subs, err := subRes.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		pubRes, err := tx.ExecContext(ctx,
			`DELETE FROM publisher WHERE resource_name = ? AND resource_id = ?`,
			resourceName, resourceID)
		if err != nil {
			return fmt.Errorf("delete publishers: %w", err)
		}
		deleted, err = pubRes.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		s.logger.Info("Publishers deleted",
			"resource_name", resourceName,
			"resource_id", resourceID,
			"publishers", deleted,
			"subscribers", subs)
		return nil
	})
	return deleted, err
}

func expectRows(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, notifier.ErrNotFound)
	}
	return nil
}
