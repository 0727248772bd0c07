// Package archive persists digest run reports.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"lms-notifier/pkg/notifier"
)

const keyPrefix = "run-"

// Store writes reports to a local directory or, when localPath is empty, to
// a Cloud Storage bucket.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a report store.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// ReportKey returns the object name of a run id, or "" if the id contains
// anything but letters, digits, '-' and '_'.
func ReportKey(id string) string {
	if id == "" || len(id) > 128 {
		return ""
	}
	for _, c := range id {
		ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_'
		if !ok {
			return ""
		}
	}
	return keyPrefix + id + ".json"
}

func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying archive operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Save stores a report under its id.
func (s *Store) Save(ctx context.Context, r *notifier.RunReport) error {
	key := ReportKey(r.ID)
	if key == "" {
		return fmt.Errorf("invalid report id %q", r.ID)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if s.localPath != "" {
		path := filepath.Join(s.localPath, key)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		s.logger.Debug("Report saved to local storage", "path", path)
		return nil
	}

	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "save", key)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	s.logger.Debug("Report saved", "bucket", s.bucket, "key", key)
	return nil
}

// Load reads the report of a run id. Missing reports yield notifier.ErrNotFound.
func (s *Store) Load(ctx context.Context, id string) (*notifier.RunReport, error) {
	key := ReportKey(id)
	if key == "" {
		return nil, fmt.Errorf("report %q: %w", id, notifier.ErrNotFound)
	}
	data, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}
	var r notifier.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("report %s: %w", key, notifier.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if errors.Is(openErr, storage.ErrObjectNotExist) {
				return retry.Unrecoverable(fmt.Errorf("report %s: %w", key, notifier.ErrNotFound))
			}
			if openErr != nil {
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOpts(ctx, s.logger, "load", key)...,
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

// List returns up to limit reports, newest first. limit <= 0 means all.
// Unreadable reports are logged and skipped.
func (s *Store) List(ctx context.Context, limit int) ([]*notifier.RunReport, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	// Run ids start with their UTC start time, so name order is time order.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	reports := make([]*notifier.RunReport, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ".json")
		r, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Warn("Failed to load report", "key", key, "error", err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	var keys []string
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, keyPrefix) || !strings.HasSuffix(name, ".json") {
				continue
			}
			keys = append(keys, name)
		}
		return keys, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: keyPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if strings.HasSuffix(attrs.Name, ".json") {
			keys = append(keys, attrs.Name)
		}
	}
	return keys, nil
}
