package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"lms-notifier/pkg/notifier"
)

// Generic renders items for publishers whose data blob carries a title and
// description, for example {"title":"Week 3","description":"New files"}.
type Generic struct {
	typ     string
	baseURL string
}

// NewGeneric creates a generic handler for one publisher type. Business paths
// are resolved against baseURL to form item links.
func NewGeneric(publisherType, baseURL string) *Generic {
	return &Generic{typ: publisherType, baseURL: strings.TrimSuffix(baseURL, "/")}
}

type genericData struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Type implements Handler.
func (g *Generic) Type() string { return g.typ }

// Item implements Handler.
func (g *Generic) Item(_ context.Context, pub *notifier.Publisher, sub *notifier.Subscriber, _ string, since time.Time) (*notifier.SubscriptionItem, error) {
	if !pub.LatestNewsAt.After(since) {
		return nil, nil
	}

	var data genericData
	if pub.Data != "" {
		// Non-JSON data is used verbatim as the title.
		if err := json.Unmarshal([]byte(pub.Data), &data); err != nil {
			data.Title = pub.Data
		}
	}
	if data.Title == "" {
		data.Title = pub.Resource.Name
	}

	return &notifier.SubscriptionItem{
		Subscriber:  sub,
		Title:       data.Title,
		Link:        g.link(pub.BusinessPath),
		Description: data.Description,
		Entries: []notifier.Entry{{
			At:    pub.LatestNewsAt,
			Title: data.Title,
		}},
	}, nil
}

func (g *Generic) link(businessPath string) string {
	if businessPath == "" {
		return g.baseURL
	}
	if strings.HasPrefix(businessPath, "http://") || strings.HasPrefix(businessPath, "https://") {
		return businessPath
	}
	return g.baseURL + "/url/" + strings.TrimPrefix(businessPath, "/")
}
