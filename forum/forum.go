// Package forum renders digest items for forum thread publishers.
package forum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"lms-notifier/pkg/notifier"
)

// Type is the publisher type served by this handler.
const Type = "Forum"

const defaultUserAgent = "lms-notifier/1.0 (+digest)"

// Config configures a forum handler.
type Config struct {
	Client    *http.Client
	Logger    *slog.Logger
	CacheTTL  time.Duration // how long fetched pages are reused, default 5m
	Rate      rate.Limit    // requests per second against the forum, default 2
	Attempts  uint          // fetch attempts per page, default 5
	Delay     time.Duration // initial retry delay, default 1s
	UserAgent string
}

// Handler fetches forum threads and reports posts newer than a subscriber's
// last digest.
type Handler struct {
	client    *http.Client
	logger    *slog.Logger
	cache     *ttlcache.Cache[string, *Page]
	limiter   *rate.Limiter
	attempts  uint
	delay     time.Duration
	userAgent string
}

// New creates a forum handler. Close stops its cache janitor.
func New(cfg Config) *Handler {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 2
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	cache := ttlcache.New[string, *Page](
		ttlcache.WithTTL[string, *Page](cfg.CacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *Page](),
	)
	go cache.Start()

	return &Handler{
		client:    cfg.Client,
		logger:    cfg.Logger,
		cache:     cache,
		limiter:   rate.NewLimiter(cfg.Rate, 1),
		attempts:  cfg.Attempts,
		delay:     cfg.Delay,
		userAgent: cfg.UserAgent,
	}
}

// Close stops the page cache.
func (h *Handler) Close() {
	h.cache.Stop()
}

// Type implements handler.Handler.
func (*Handler) Type() string { return Type }

// Item implements handler.Handler. The thread URL is taken from the
// publisher's business path, or from its data when the path is not a URL.
func (h *Handler) Item(ctx context.Context, pub *notifier.Publisher, sub *notifier.Subscriber, _ string, since time.Time) (*notifier.SubscriptionItem, error) {
	if !pub.LatestNewsAt.After(since) {
		return nil, nil
	}

	threadURL := threadURLOf(pub)
	if threadURL == "" {
		return nil, fmt.Errorf("publisher %d has no thread url", pub.Key)
	}

	page, err := h.fetchThread(ctx, threadURL, since)
	if err != nil {
		if errors.Is(err, notifier.ErrResourceGone) {
			h.logger.Info("Forum thread gone", "url", threadURL, "publisher", pub.Key)
		}
		return nil, err
	}

	var entries []notifier.Entry
	for _, post := range page.Posts {
		if !post.At.After(since) {
			continue
		}
		html := post.HTML
		if html == "" {
			html = post.Content
		}
		entries = append(entries, notifier.Entry{
			At:          post.At,
			Title:       page.Title,
			Author:      post.Author,
			Link:        post.URL,
			HTMLContent: html,
		})
	}
	if len(entries) == 0 {
		h.logger.Debug("No posts newer than since", "url", threadURL, "since", since)
		return nil, nil
	}

	return &notifier.SubscriptionItem{
		Subscriber:  sub,
		Title:       page.Title,
		Link:        entries[len(entries)-1].Link,
		Description: fmt.Sprintf("%d new post(s)", len(entries)),
		Entries:     entries,
	}, nil
}

func threadURLOf(pub *notifier.Publisher) string {
	for _, candidate := range []string{pub.BusinessPath, pub.Data} {
		if strings.HasPrefix(candidate, "http://") || strings.HasPrefix(candidate, "https://") {
			return candidate
		}
	}
	return ""
}
