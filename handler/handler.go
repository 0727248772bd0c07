// Package handler maps publisher types to the code that renders their news.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"lms-notifier/pkg/notifier"
)

// ErrDuplicateType is returned when two handlers claim the same publisher type.
var ErrDuplicateType = errors.New("duplicate handler type")

// Handler renders the digest entry of one subscriber.
//
// Item returns nil when the publisher has nothing to report since the given
// time. notifier.ErrResourceGone means the underlying resource disappeared.
type Handler interface {
	Type() string
	Item(ctx context.Context, pub *notifier.Publisher, sub *notifier.Subscriber, locale string, since time.Time) (*notifier.SubscriptionItem, error)
}

// Registry is an immutable type-to-handler map.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from handlers.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[string]Handler, len(handlers))}
	for _, h := range handlers {
		t := h.Type()
		if t == "" {
			return nil, errors.New("handler with empty type")
		}
		if _, exists := r.handlers[t]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateType, t)
		}
		r.handlers[t] = h
	}
	return r, nil
}

// Lookup returns the handler for a publisher type.
func (r *Registry) Lookup(publisherType string) (Handler, bool) {
	h, ok := r.handlers[publisherType]
	return h, ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
