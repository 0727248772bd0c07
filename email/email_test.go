package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"

	"lms-notifier/pkg/notifier"
)

type stubTranslator struct{}

func (stubTranslator) Locale() string { return "en" }

func (stubTranslator) T(key string, params ...string) string {
	if len(params) == 0 {
		return key
	}
	return key + "(" + strings.Join(params, ",") + ")"
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func digestItems() []*notifier.SubscriptionItem {
	at := time.Date(2024, 4, 3, 8, 30, 0, 0, time.UTC)
	return []*notifier.SubscriptionItem{
		{
			Title:       "Course chat",
			Link:        "https://forum.example.com/threads/t.1/#post-8",
			Description: "1 new post(s)",
			Entries: []notifier.Entry{{
				At:          at,
				Author:      "carol",
				Link:        "https://forum.example.com/threads/t.1/#post-8",
				HTMLContent: `<b>see</b> <a href="https://docs.example.com/a">notes</a><script>x()</script>`,
			}},
		},
		{
			Title: "Week <3> files",
			Link:  "https://lms.example.com/url/[Course:1]",
		},
	}
}

func TestSendDigest(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	sender := New(mock, discardLogger(), "https://lms.example.com/")
	identity := &notifier.Identity{Name: "alice", Email: "alice@example.com"}

	if err := sender.SendDigest(t.Context(), identity, digestItems(), stubTranslator{}); err != nil {
		t.Fatalf("SendDigest() error = %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.To != "alice@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if msg.Subject != "digest.subject(2)" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{
		`<html lang="en">`,
		"digest.heading(alice)",
		"<b>see</b>",
		"Week &lt;3&gt; files",
		"digest.by(carol) &bull; 2024-04-03 08:30 UTC",
		`href="https://lms.example.com/identities/alice/subscriptions"`,
	} {
		if !strings.Contains(msg.HTML, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Error("HTML contains unsanitized script tag")
	}
	for _, want := range []string{"Course chat", "notes <https://docs.example.com/a>", "digest.footer"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("Text missing %q:\n%s", want, msg.Text)
		}
	}
	if strings.Contains(msg.Text, "<b>") {
		t.Errorf("Text contains markup:\n%s", msg.Text)
	}
}

func TestSendDigestEmptyIsNoop(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	sender := New(mock, discardLogger(), "")
	if err := sender.SendDigest(t.Context(), &notifier.Identity{Name: "bob"}, nil, stubTranslator{}); err != nil {
		t.Fatalf("SendDigest() error = %v", err)
	}
	if n := len(mock.Sent()); n != 0 {
		t.Errorf("sent %d messages, want 0", n)
	}
}

func TestSendDigestErrors(t *testing.T) {
	mock := NewMockProvider(discardLogger())
	mock.Reject("bob@example.com")
	sender := New(mock, discardLogger(), "")

	err := sender.SendDigest(t.Context(), &notifier.Identity{Name: "nomail"}, digestItems(), stubTranslator{})
	if !errors.Is(err, ErrNoAddress) {
		t.Errorf("SendDigest() without address error = %v, want ErrNoAddress", err)
	}

	err = sender.SendDigest(t.Context(), &notifier.Identity{Name: "bob", Email: "bob@example.com"}, digestItems(), stubTranslator{})
	if !errors.Is(err, ErrMockRejected) {
		t.Errorf("SendDigest() error = %v, want ErrMockRejected", err)
	}
}

func TestPlainText(t *testing.T) {
	got, err := plainText(`<html><head><style>p{}</style></head><body><h2>Hi</h2><p>one<br>two</p><a href="https://x.example.com">https://x.example.com</a></body></html>`)
	if err != nil {
		t.Fatalf("plainText() error = %v", err)
	}
	want := "Hi\none\ntwo\nhttps://x.example.com"
	if got != want {
		t.Errorf("plainText() = %q, want %q", got, want)
	}
}

func TestBuildMIME(t *testing.T) {
	msg := buildMIME("a@example.com\r\nBcc: evil@example.com", "Digest\n", "<p>hi</p>", "hi", "b1")
	if strings.Contains(msg, "\r\nBcc:") {
		t.Error("header injection not sanitized")
	}
	for _, want := range []string{
		"To: a@example.comBcc: evil@example.com\r\n",
		"Subject: Digest\r\n",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"--b1\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nhi",
		"--b1--",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("MIME missing %q:\n%s", want, msg)
		}
	}

	htmlOnly := buildMIME("a@example.com", "s", "<p>hi</p>", "", "b1")
	if strings.Contains(htmlOnly, "multipart") {
		t.Error("HTML-only message should not be multipart")
	}
}

func TestBrevoProvider(t *testing.T) {
	var requests atomic.Int32
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewBrevoProvider("key", "noreply@example.com", "LMS", discardLogger())
	p.endpoint = srv.URL
	if err := p.Send(context.Background(), "alice@example.com", "subj", "<p>x</p>", "x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.To[0].Email != "alice@example.com" || got.Text != "x" || got.Sender.Name != "LMS" {
		t.Errorf("request = %+v", got)
	}

	bad := NewBrevoProvider("wrong", "noreply@example.com", "LMS", discardLogger())
	bad.endpoint = srv.URL
	before := requests.Load()
	if err := bad.Send(context.Background(), "alice@example.com", "subj", "<p>x</p>", ""); err == nil {
		t.Fatal("Send() with bad key succeeded")
	}
	if n := requests.Load() - before; n != 1 {
		t.Errorf("client error retried: %d requests", n)
	}
}

func TestSendGridProvider(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != sendgridEndpoint || r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewSendGridProvider("key", "noreply@example.com", "LMS", discardLogger())
	p.host = srv.URL
	if err := p.Send(context.Background(), "alice@example.com", "subj", "<p>x</p>", "x"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	content, ok := body["content"].([]any)
	if !ok || len(content) != 2 {
		t.Fatalf("content = %v, want text and html parts", body["content"])
	}
	if first := content[0].(map[string]any); first["type"] != "text/plain" {
		t.Errorf("first part type = %v, want text/plain", first["type"])
	}
}

func TestGmailErrorRetries(t *testing.T) {
	tests := []struct {
		err   error
		calls int
	}{
		{&googleapi.Error{Code: http.StatusBadRequest}, 1},
		{&googleapi.Error{Code: http.StatusForbidden}, 1},
		{&googleapi.Error{Code: http.StatusTooManyRequests}, 3},
		{&googleapi.Error{Code: http.StatusServiceUnavailable}, 3},
		{errors.New("connection reset"), 3},
	}
	for _, tt := range tests {
		calls := 0
		err := retry.Do(func() error {
			calls++
			return gmailError(tt.err)
		}, retry.Attempts(3), retry.Delay(time.Millisecond))
		if err == nil {
			t.Errorf("gmailError(%v) swallowed the error", tt.err)
		}
		if calls != tt.calls {
			t.Errorf("gmailError(%v): %d attempts, want %d", tt.err, calls, tt.calls)
		}
	}
}
