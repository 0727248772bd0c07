package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lms-notifier/pkg/notifier"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveIdentity inserts or replaces an identity.
func (s *Store) SaveIdentity(ctx context.Context, id *notifier.Identity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity (name, email, status, locale, notification_interval)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			email = excluded.email,
			status = excluded.status,
			locale = excluded.locale,
			notification_interval = excluded.notification_interval`,
		id.Name, id.Email, id.Status, id.Locale, id.Interval)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	s.logger.Debug("Identity saved", "identity", id.Name, "status", id.Status)
	return nil
}

// Identity loads an identity by name.
func (s *Store) Identity(ctx context.Context, name string) (*notifier.Identity, error) {
	var id notifier.Identity
	err := s.db.QueryRowContext(ctx,
		`SELECT name, email, status, locale, notification_interval FROM identity WHERE name = ?`, name).
		Scan(&id.Name, &id.Email, &id.Status, &id.Locale, &id.Interval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %s: %w", name, notifier.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return &id, nil
}

// SetInterval stores the digest interval preference of an identity.
func (s *Store) SetInterval(ctx context.Context, name, interval string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identity SET notification_interval = ? WHERE name = ?`, interval, name)
	if err != nil {
		return fmt.Errorf("set interval: %w", err)
	}
	return expectRows(res, "identity "+name)
}

// Property returns an identity property or notifier.ErrNotFound.
func (s *Store) Property(ctx context.Context, identity, name string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM property WHERE identity = ? AND name = ?`, identity, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("property %s of %s: %w", name, identity, notifier.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load property: %w", err)
	}
	return value, nil
}

// SetProperty stores an identity property.
func (s *Store) SetProperty(ctx context.Context, identity, name, value string) error {
	return setProperty(ctx, s.db, identity, name, value)
}

// LatestEmail returns when the identity last received a digest, zero if never.
func (s *Store) LatestEmail(ctx context.Context, identity string) (time.Time, error) {
	v, err := s.Property(ctx, identity, LatestEmailProperty)
	if errors.Is(err, notifier.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.logger.Warn("Unparseable latest email property, ignoring", "identity", identity, "value", v)
		return time.Time{}, nil
	}
	return t, nil
}

func setProperty(ctx context.Context, db execer, identity, name, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO property (identity, name, value) VALUES (?, ?, ?)
		 ON CONFLICT (identity, name) DO UPDATE SET value = excluded.value`,
		identity, name, value)
	if err != nil {
		return fmt.Errorf("set property %s: %w", name, err)
	}
	return nil
}
