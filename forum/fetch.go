package forum

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/jellydator/ttlcache/v3"

	"lms-notifier/pkg/notifier"
)

// Post is one forum message.
type Post struct {
	ID      string
	Author  string
	At      time.Time
	HTML    string
	URL     string
	Content string
}

// Page is one parsed thread page.
type Page struct {
	Posts       []*Post
	Title       string
	LastPage    int // 0 if single page
	CurrentPage int
}

// HTTP403Error indicates the thread requires login.
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// fetchThread returns the posts of the newest pages of a thread. The
// second-to-last page is included when the last page holds only posts newer
// than since.
func (h *Handler) fetchThread(ctx context.Context, threadURL string, since time.Time) (*Page, error) {
	firstPage, err := h.fetchPage(ctx, threadURL)
	if err != nil {
		return nil, fmt.Errorf("fetch first page: %w", err)
	}

	h.logger.Debug("First page fetched",
		"title", firstPage.Title,
		"current_page", firstPage.CurrentPage,
		"last_page", firstPage.LastPage,
		"posts_on_page", len(firstPage.Posts))

	if firstPage.LastPage <= 1 || firstPage.CurrentPage == firstPage.LastPage {
		return firstPage, nil
	}

	lastPage, err := h.fetchPage(ctx, pageURL(threadURL, firstPage.LastPage))
	if err != nil {
		return nil, fmt.Errorf("fetch last page: %w", err)
	}

	posts := lastPage.Posts
	if len(posts) > 0 && posts[0].At.After(since) && firstPage.LastPage > 2 {
		prev, err := h.fetchPage(ctx, pageURL(threadURL, firstPage.LastPage-1))
		if err != nil {
			h.logger.Warn("Failed to fetch second-to-last page, continuing with last page only", "error", err)
		} else {
			posts = append(prev.Posts, lastPage.Posts...)
		}
	}

	return &Page{
		Posts:       posts,
		Title:       firstPage.Title,
		LastPage:    firstPage.LastPage,
		CurrentPage: lastPage.CurrentPage,
	}, nil
}

// fetchPage fetches one page, consulting the page cache first.
func (h *Handler) fetchPage(ctx context.Context, url string) (*Page, error) {
	if item := h.cache.Get(url); item != nil {
		h.logger.Debug("Thread page cache hit", "url", url)
		return item.Value(), nil
	}

	var page *Page
	err := retry.Do(
		func() error {
			if err := h.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("User-Agent", h.userAgent)
			req.Header.Set("Accept", "text/html,application/xhtml+xml")

			start := time.Now()
			resp, err := h.client.Do(req)
			if err != nil {
				h.logger.Warn("HTTP request failed, will retry",
					"url", url,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					h.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			h.logger.Debug("HTTP request completed",
				"url", url,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds())

			switch resp.StatusCode {
			case http.StatusOK:
			case http.StatusForbidden:
				return &HTTP403Error{URL: url}
			case http.StatusNotFound, http.StatusGone:
				return retry.Unrecoverable(fmt.Errorf("thread %s: HTTP %d: %w", url, resp.StatusCode, notifier.ErrResourceGone))
			default:
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			page, err = parsePage(resp.Body, url)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(h.attempts),
		retry.Delay(h.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(h.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			h.logger.Info("Retrying thread fetch after error", "url", url, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsHTTP403Error(err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	h.cache.Set(url, page, ttlcache.DefaultTTL)
	return page, nil
}

func pageURL(baseURL string, pageNum int) string {
	if pageNum <= 1 {
		return baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return fmt.Sprintf("%s/page-%d", baseURL, pageNum)
}

// Timestamp layouts found in <time datetime="..."> attributes.
var timeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05-0700"}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func parsePage(body io.Reader, url string) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find("h1.p-title-value").First().Text())
	if title == "" {
		raw := strings.TrimSpace(doc.Find("title").First().Text())
		if idx := strings.Index(raw, " | "); idx > 0 {
			title = raw[:idx]
		} else {
			title = raw
		}
	}
	if title == "" {
		title = "Forum thread"
	}

	var lastPage, currentPage int
	if nav := strings.TrimSpace(doc.Find("span.pageNavHeader").First().Text()); nav != "" {
		var curr, last int
		if _, err := fmt.Sscanf(nav, "Page %d of %d", &curr, &last); err == nil {
			currentPage = curr
			lastPage = last
		}
	}
	if currentPage == 0 {
		currentPage = 1
	}

	threadURL := url
	if i := strings.Index(url, "/page-"); i > 0 {
		threadURL = url[:i]
	}
	threadURL = strings.TrimSuffix(threadURL, "/") + "/"

	var posts []*Post
	doc.Find("li.message").Each(func(_ int, s *goquery.Selection) {
		idAttr, ok := s.Attr("id")
		if !ok || !strings.HasPrefix(idAttr, "post-") {
			return
		}
		id := strings.TrimPrefix(idAttr, "post-")
		stamp, _ := s.Find("time").First().Attr("datetime")

		msg := s.Find("blockquote.messageText").First()
		html, err := msg.Html()
		if err != nil {
			html = ""
		}
		content := strings.TrimSpace(msg.Text())
		if content == "" {
			content = "(empty post)"
		}

		posts = append(posts, &Post{
			ID:      id,
			Author:  strings.TrimSpace(s.Find("a.username").First().Text()),
			At:      parseTime(stamp),
			HTML:    strings.TrimSpace(html),
			Content: content,
			URL:     threadURL + "#post-" + id,
		})
	})

	if len(posts) == 0 {
		return nil, fmt.Errorf("no posts found (title=%q, lastPage=%d, currentPage=%d)", title, lastPage, currentPage)
	}

	return &Page{
		Posts:       posts,
		Title:       title,
		LastPage:    lastPage,
		CurrentPage: currentPage,
	}, nil
}
