// Package notifier contains the core domain types for the notification digest service.
package notifier

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxBusinessPathLength bounds the stored business path of a publisher.
const MaxBusinessPathLength = 255

var (
	// ErrNotFound is returned when a publisher, subscriber or identity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotUnique is returned when more than one row matches a key that must be unique.
	// It signals a data-integrity problem and is never retried.
	ErrNotUnique = errors.New("more than one row for unique key")

	// ErrResourceGone is returned by notification handlers when the underlying
	// resource was deleted while a digest was being built.
	ErrResourceGone = errors.New("resource gone")
)

// PublisherState is the validity state of a publisher.
type PublisherState int

// Publisher states.
const (
	PublisherValid       PublisherState = 0
	PublisherInvalidated PublisherState = 1
)

func (s PublisherState) String() string {
	switch s {
	case PublisherValid:
		return "valid"
	case PublisherInvalidated:
		return "invalidated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ResourceKey identifies the resource a publisher reports on.
type ResourceKey struct {
	Name          string `json:"resource_name"`
	ID            int64  `json:"resource_id"`
	SubIdentifier string `json:"sub_identifier"`
}

// String returns the critical-section key of the publisher.
func (k ResourceKey) String() string {
	return fmt.Sprintf("%s:%d:%s", k.Name, k.ID, k.SubIdentifier)
}

// Resource returns the key of the resource regardless of sub-identifier.
func (k ResourceKey) Resource() string {
	return fmt.Sprintf("%s:%d", k.Name, k.ID)
}

// PublisherData is the metadata given when a publisher is created lazily.
type PublisherData struct {
	Type         string `json:"type"`
	Data         string `json:"data"`
	BusinessPath string `json:"business_path"`
}

// Publisher is the durable "something changed" record of one resource.
type Publisher struct {
	CreatedAt    time.Time      `json:"created_at"`
	LatestNewsAt time.Time      `json:"latest_news_at"`
	Resource     ResourceKey    `json:"resource"`
	Type         string         `json:"type"`
	Data         string         `json:"data"`
	BusinessPath string         `json:"business_path"`
	Key          int64          `json:"key"`
	State        PublisherState `json:"state"`
}

// Valid reports whether the publisher is still valid.
func (p *Publisher) Valid() bool {
	return p.State == PublisherValid
}

// Subscriber records that one identity listens to one publisher.
type Subscriber struct {
	CreatedAt     time.Time  `json:"created_at"`
	LastModified  time.Time  `json:"last_modified"`  // Last time the subscriber caught up
	LatestEmailed time.Time  `json:"latest_emailed"` // Zero if never emailed
	Publisher     *Publisher `json:"publisher,omitempty"`
	Identity      string     `json:"identity"`
	Key           int64      `json:"key"`
	PublisherKey  int64      `json:"publisher_key"`
}

// Identity statuses. Lower is more active.
const (
	StatusPermanent    = 1
	StatusActive       = 2
	StatusVisibleLimit = 100
	StatusLoginDenied  = 101
	StatusDeleted      = 199
)

// Identity is a user that can receive digests.
type Identity struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Locale   string `json:"locale"`
	Interval string `json:"interval"` // Empty means system default
	Status   int    `json:"status"`
}

// Eligible reports whether the identity may receive digest emails.
func (i *Identity) Eligible() bool {
	return i.Status < StatusVisibleLimit
}

// Entry is one piece of news inside a subscription item.
type Entry struct {
	At          time.Time `json:"at"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Link        string    `json:"link"`
	HTMLContent string    `json:"html_content"`
}

// SubscriptionItem is the human-readable news of one subscription.
type SubscriptionItem struct {
	Subscriber  *Subscriber `json:"-"`
	Title       string      `json:"title"`
	Link        string      `json:"link"`
	Description string      `json:"description"`
	Entries     []Entry     `json:"entries"`
}

// TruncateBusinessPath caps a business path to MaxBusinessPathLength bytes
// without splitting a UTF-8 sequence.
func TruncateBusinessPath(path string) string {
	if len(path) <= MaxBusinessPathLength {
		return path
	}
	cut := MaxBusinessPathLength
	for cut > 0 && !utf8.RuneStart(path[cut]) {
		cut--
	}
	return path[:cut]
}

// RunReport summarizes one digest run.
type RunReport struct {
	ID          string            `json:"id"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Subscribers int               `json:"subscribers"`
	Sent        []string          `json:"sent"`
	Failed      []DeliveryFailure `json:"failed,omitempty"`
	Vetoed      int               `json:"vetoed"`
	Skipped     int               `json:"skipped"`
	Items       int               `json:"items"`
	Error       string            `json:"error,omitempty"`
}

// DeliveryFailure records a digest that could not be delivered.
type DeliveryFailure struct {
	Identity string `json:"identity"`
	Error    string `json:"error"`
}

// Duration returns how long the run took.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
