// Package schedule triggers periodic jobs from cron specs.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSpec runs the digest every quarter hour.
const DefaultSpec = "@every 15m"

// ErrNotStarted is returned by AddCron before Start.
var ErrNotStarted = errors.New("scheduler not started")

// Config controls the scheduler.
type Config struct {
	Timezone       string // IANA name, e.g. "Europe/Zurich"; empty means local time
	DefaultTimeout time.Duration
	HistorySize    int
}

// HistoryItem records one job execution.
type HistoryItem struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// Entry describes a registered job.
type Entry struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

type job struct {
	id      string
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
}

// Service runs jobs on their cron schedules.
type Service struct {
	mu     sync.Mutex
	log    *slog.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	jobs   []*job
	runCtx context.Context
	cancel context.CancelFunc

	hmu     sync.Mutex
	history []HistoryItem
}

// New creates a scheduler. Jobs are added after Start.
func New(cfg Config, log *slog.Logger) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start starts the cron loop. Jobs run with contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.loc = s.loadLocationLocked()

	logger := cronLogger{s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs {
		if err := s.addLocked(j); err != nil {
			s.log.Warn("Failed to re-register job", "job", j.name, "error", err)
		}
	}
	s.c.Start()
	s.log.Info("Scheduler started", "tz", s.loc.String(), "jobs", len(s.jobs))
}

// Stop stops the cron loop and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("Scheduler stop timed out, cancelling running jobs")
	}
	cancel()
	s.log.Info("Scheduler stopped")
}

// AddCron registers fn under spec. A zero timeout uses the default timeout.
func (s *Service) AddCron(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSpec
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return "", ErrNotStarted
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	j := &job{
		id:      fmt.Sprintf("cron:%d", len(s.jobs)+1),
		name:    name,
		spec:    spec,
		timeout: timeout,
		run:     fn,
	}
	if err := s.addLocked(j); err != nil {
		return "", err
	}
	s.jobs = append(s.jobs, j)
	s.log.Info("Job scheduled", "job", name, "spec", spec, "timeout", timeout.String())
	return j.id, nil
}

func (s *Service) addLocked(j *job) error {
	ctx := s.runCtx
	id, err := s.c.AddFunc(j.spec, func() { s.exec(ctx, j) })
	if err != nil {
		return fmt.Errorf("add job %s: %w", j.name, err)
	}
	j.entryID = id
	return nil
}

// Entries returns the registered jobs with their next and previous firing.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{ID: j.id, Name: j.name, Spec: j.spec}
		if s.c != nil {
			ce := s.c.Entry(j.entryID)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	return out
}

// History returns the most recent executions, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) exec(ctx context.Context, j *job) {
	start := time.Now()
	runCtx := ctx
	if j.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	err := j.run(runCtx)

	item := HistoryItem{
		ID:       j.id,
		Name:     j.name,
		Started:  start,
		Duration: time.Since(start),
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("Job failed", "job", j.name, "duration", item.Duration.String(), "error", err)
	} else {
		s.log.Info("Job completed", "job", j.name, "duration", item.Duration.String())
	}

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("Invalid timezone, falling back to local time", "tz", tz, "error", err)
		return time.Local
	}
	return loc
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
