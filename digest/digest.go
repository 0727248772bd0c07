// Package digest builds and sends the periodic notification digest emails.
package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lms-notifier/email"
	"lms-notifier/handler"
	"lms-notifier/interval"
	"lms-notifier/pkg/notifier"
)

// MaxAge is the oldest news a digest ever reports.
const MaxAge = 30 * 24 * time.Hour

// ErrAlreadyRunning is returned when Run is called while a run is in progress.
var ErrAlreadyRunning = errors.New("digest run already in progress")

// Store interface for the data a run reads and advances.
type Store interface {
	ValidSubscribers(ctx context.Context) ([]*notifier.Subscriber, error)
	Identity(ctx context.Context, name string) (*notifier.Identity, error)
	LatestEmail(ctx context.Context, identity string) (time.Time, error)
	MarkEmailed(ctx context.Context, identity string, subscriberKeys []int64, at time.Time) error
}

// Handlers interface for resolving notification handlers by publisher type.
type Handlers interface {
	Lookup(publisherType string) (handler.Handler, bool)
}

// Mailer interface for delivering a digest.
type Mailer interface {
	SendDigest(ctx context.Context, identity *notifier.Identity, items []*notifier.SubscriptionItem, tr email.Translator) error
}

// Translations interface for resolving a translator by locale.
type Translations interface {
	For(locale string) email.Translator
}

// Resolver interface for the effective interval of an identity.
type Resolver interface {
	UserIntervalOrDefault(id *notifier.Identity) string
}

// Archive interface for storing run reports.
type Archive interface {
	Save(ctx context.Context, r *notifier.RunReport) error
}

// Recorder interface for run metrics.
type Recorder interface {
	DigestRun(result string, d time.Duration)
	EmailSent()
	EmailFailed()
	Skipped(reason string)
}

// Config holds the collaborators of a Job. Archive and Recorder are optional.
type Config struct {
	Store        Store
	Handlers     Handlers
	Mailer       Mailer
	Translations Translations
	Resolver     Resolver
	Archive      Archive
	Recorder     Recorder
	Logger       *slog.Logger
	Now          func() time.Time
}

// Job runs digests.
type Job struct {
	store    Store
	handlers Handlers
	mailer   Mailer
	trans    Translations
	resolver Resolver
	archive  Archive
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
	running  atomic.Bool
}

// New creates a digest job.
func New(cfg *Config) *Job {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Job{
		store:    cfg.Store,
		handlers: cfg.Handlers,
		mailer:   cfg.Mailer,
		trans:    cfg.Translations,
		resolver: cfg.Resolver,
		archive:  cfg.Archive,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		now:      now,
	}
}

// pending is the digest accumulated for one identity.
type pending struct {
	identity *notifier.Identity
	tr       email.Translator
	items    []*notifier.SubscriptionItem
	keys     []int64
	interval string
	veto     bool
	skip     string // Non-empty when every subscription of the identity is skipped
}

// Run sends one digest to every identity with news that is due for one.
// A report is returned even when the run aborts.
func (j *Job) Run(ctx context.Context) (*notifier.RunReport, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	now := j.now()
	report := &notifier.RunReport{
		ID:        runID(now),
		StartedAt: now,
		Sent:      []string{},
	}
	log := j.logger.With("run_id", report.ID)
	log.Info("Starting digest run", "timestamp", now.Format(time.RFC3339))

	err := j.run(ctx, log, report, now)

	report.FinishedAt = j.now()
	result := "ok"
	if err != nil {
		result = "error"
		report.Error = err.Error()
		log.Error("Digest run aborted", "error", err)
	}
	if j.recorder != nil {
		j.recorder.DigestRun(result, report.Duration())
	}
	if j.archive != nil {
		// The run context may be cancelled already; the report is still worth keeping.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if saveErr := j.archive.Save(saveCtx, report); saveErr != nil {
			log.Warn("Failed to archive run report", "error", saveErr)
		}
		cancel()
	}

	log.Info("Digest run completed",
		"subscribers", report.Subscribers,
		"sent", len(report.Sent),
		"failed", len(report.Failed),
		"vetoed", report.Vetoed,
		"skipped", report.Skipped,
		"items", report.Items,
		"duration", report.Duration().String())
	return report, err
}

func (j *Job) run(ctx context.Context, log *slog.Logger, report *notifier.RunReport, now time.Time) error {
	subs, err := j.store.ValidSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("list valid subscribers: %w", err)
	}
	report.Subscribers = len(subs)

	floor := now.Add(-MaxAge)
	var cur *pending
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			log.Info("Context cancelled, stopping digest run", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		if cur == nil || cur.identity.Name != sub.Identity {
			if cur != nil {
				if err := j.flush(ctx, log, report, cur, now); err != nil {
					return err
				}
			}
			cur, err = j.begin(ctx, log, sub.Identity, now)
			if err != nil {
				return err
			}
		}

		switch {
		case cur.skip != "":
			report.Skipped++
			j.skipped(cur.skip)
			continue
		case cur.veto:
			report.Vetoed++
			j.skipped("vetoed")
			continue
		}

		item, err := j.item(ctx, sub, cur, floor)
		if err != nil {
			if isFatal(err) {
				return err
			}
			reason := "handler_error"
			if errors.Is(err, notifier.ErrResourceGone) {
				reason = "resource_gone"
				log.Debug("Resource gone, skipping subscriber", "identity", sub.Identity, "subscriber", sub.Key)
			} else {
				log.Warn("Failed to build subscription item", "identity", sub.Identity, "subscriber", sub.Key, "error", err)
			}
			report.Skipped++
			j.skipped(reason)
			continue
		}
		if item == nil {
			continue
		}
		cur.items = append(cur.items, item)
		cur.keys = append(cur.keys, sub.Key)
	}

	if cur != nil {
		return j.flush(ctx, log, report, cur, now)
	}
	return nil
}

// begin loads the identity of a new group of subscribers and decides whether
// it gets a digest at all.
func (j *Job) begin(ctx context.Context, log *slog.Logger, name string, now time.Time) (*pending, error) {
	p := &pending{identity: &notifier.Identity{Name: name}}

	id, err := j.store.Identity(ctx, name)
	if errors.Is(err, notifier.ErrNotFound) {
		log.Warn("Subscriber without identity, skipping", "identity", name)
		p.skip = "unknown_identity"
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity %s: %w", name, err)
	}
	p.identity = id

	if !id.Eligible() {
		log.Debug("Identity not active, skipping", "identity", name, "status", id.Status)
		p.skip = "inactive"
		return p, nil
	}

	p.interval = j.resolver.UserIntervalOrDefault(id)
	if p.interval == interval.Never {
		p.skip = "never"
		return p, nil
	}

	latest, err := j.store.LatestEmail(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load latest email of %s: %w", name, err)
	}
	if !latest.IsZero() && latest.After(interval.CompareDate(p.interval, now)) {
		log.Debug("Identity already notified within interval",
			"identity", name,
			"interval", p.interval,
			"latest_email", latest.Format(time.RFC3339))
		p.veto = true
		return p, nil
	}

	p.tr = j.trans.For(id.Locale)
	return p, nil
}

func (j *Job) item(ctx context.Context, sub *notifier.Subscriber, p *pending, floor time.Time) (*notifier.SubscriptionItem, error) {
	pub := sub.Publisher
	if pub == nil {
		return nil, fmt.Errorf("subscriber %d: publisher %d: %w", sub.Key, sub.PublisherKey, notifier.ErrResourceGone)
	}

	since := sub.LatestEmailed
	if since.IsZero() || since.Before(floor) {
		since = floor
	}
	if !pub.LatestNewsAt.After(since) {
		return nil, nil
	}

	h, ok := j.handlers.Lookup(pub.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for publisher type %q", pub.Type)
	}
	item, err := h.Item(ctx, pub, sub, p.tr.Locale(), since)
	if err != nil {
		return nil, fmt.Errorf("build %s item for %s: %w", pub.Type, pub.Resource, err)
	}
	if item != nil {
		item.Subscriber = sub
	}
	return item, nil
}

// flush sends the accumulated digest and advances the emailed timestamps
// only when the send succeeded.
func (j *Job) flush(ctx context.Context, log *slog.Logger, report *notifier.RunReport, p *pending, now time.Time) error {
	if len(p.items) == 0 {
		return nil
	}
	name := p.identity.Name

	if err := j.mailer.SendDigest(ctx, p.identity, p.items, p.tr); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Failed = append(report.Failed, notifier.DeliveryFailure{Identity: name, Error: err.Error()})
		if j.recorder != nil {
			j.recorder.EmailFailed()
		}
		log.Error("Digest delivery failed", "identity", name, "items", len(p.items), "error", err)
		return nil
	}

	if err := j.store.MarkEmailed(ctx, name, p.keys, now); err != nil {
		return fmt.Errorf("mark %s emailed: %w", name, err)
	}
	report.Sent = append(report.Sent, name)
	report.Items += len(p.items)
	if j.recorder != nil {
		j.recorder.EmailSent()
	}
	log.Info("Digest delivered", "identity", name, "items", len(p.items), "interval", p.interval)
	return nil
}

func (j *Job) skipped(reason string) {
	if j.recorder != nil {
		j.recorder.Skipped(reason)
	}
}

// isFatal reports whether err must abort the whole run.
func isFatal(err error) bool {
	return errors.Is(err, notifier.ErrNotUnique) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// runID starts with the UTC start time so ids sort chronologically.
func runID(t time.Time) string {
	return t.UTC().Format("20060102T150405Z") + "-" + uuid.NewString()[:8]
}
