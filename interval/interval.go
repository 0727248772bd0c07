// Package interval resolves per-identity digest intervals.
package interval

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"lms-notifier/pkg/notifier"
)

// Interval names.
const (
	Never      = "never"
	Monthly    = "monthly"
	Weekly     = "weekly"
	Daily      = "daily"
	HalfDaily  = "half-daily"
	FourHourly = "four-hourly"
	TwoHourly  = "two-hourly"
)

// hours maps an interval name to the minimum spacing between digests.
// Never maps to zero: callers must check for Never before using CompareDate.
var hours = map[string]int{
	Never:      0,
	Monthly:    720,
	Weekly:     168,
	Daily:      24,
	HalfDaily:  12,
	FourHourly: 4,
	TwoHourly:  2,
}

// All returns every known interval name, longest spacing first.
func All() []string {
	return []string{Never, Monthly, Weekly, Daily, HalfDaily, FourHourly, TwoHourly}
}

// Hours returns the hour offset of an interval.
func Hours(name string) (int, bool) {
	h, ok := hours[name]
	return h, ok
}

// CompareDate returns now minus the interval's hour offset.
// Unknown names are treated like Never.
func CompareDate(name string, now time.Time) time.Time {
	return now.Add(-time.Duration(hours[name]) * time.Hour)
}

// Resolver picks the effective interval of an identity.
type Resolver struct {
	logger  *slog.Logger
	def     string
	enabled []string
}

// NewResolver creates a resolver for the enabled intervals and default.
func NewResolver(enabled []string, def string, logger *slog.Logger) (*Resolver, error) {
	if len(enabled) == 0 {
		enabled = All()
	}
	for _, name := range enabled {
		if _, ok := hours[name]; !ok {
			return nil, fmt.Errorf("unknown interval %q", name)
		}
	}
	if !slices.Contains(enabled, def) {
		return nil, fmt.Errorf("default interval %q is not enabled", def)
	}
	return &Resolver{
		logger:  logger,
		def:     def,
		enabled: slices.Clone(enabled),
	}, nil
}

// Default returns the system-wide default interval.
func (r *Resolver) Default() string {
	return r.def
}

// Enabled returns the enabled interval names.
func (r *Resolver) Enabled() []string {
	return slices.Clone(r.enabled)
}

// IsEnabled reports whether name is an enabled interval.
func (r *Resolver) IsEnabled(name string) bool {
	return slices.Contains(r.enabled, name)
}

// UserIntervalOrDefault returns the identity's interval if it is enabled,
// otherwise the system default.
func (r *Resolver) UserIntervalOrDefault(id *notifier.Identity) string {
	if id.Interval == "" {
		return r.def
	}
	if !r.IsEnabled(id.Interval) {
		r.logger.Warn("User interval not enabled, using default",
			"identity", id.Name,
			"interval", id.Interval,
			"default", r.def)
		return r.def
	}
	return id.Interval
}
