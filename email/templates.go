package email

import (
	"fmt"
	"net/url"
	"strings"

	"lms-notifier/pkg/notifier"
)

const digestStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.item { margin-bottom: 30px; padding-bottom: 20px; border-bottom: 2px solid #2c7be5; }
.item:last-of-type { border-bottom: none; }
.item h3 { margin: 0 0 6px 0; }
.description { color: #555; margin-bottom: 10px; }
.entry { margin: 12px 0 12px 12px; }
.meta { color: #7f8c8d; font-size: 0.9em; }
.content blockquote { border-left: 3px solid #ddd; padding-left: 15px; margin: 10px 0; color: #666; }
.content img { max-width: 100%; height: auto; display: block; }
.footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }
a { color: #2c7be5; text-decoration: none; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.description, .meta, .footer { color: #a0a0a0; }
.footer { border-top-color: #444; }
a { color: #6ea8fe; }
}
`

// formatDigestBody renders one HTML digest. Entry content is untrusted and
// goes through sanitizeHTML, all other text through escapeHTML.
func (s *Sender) formatDigestBody(identity *notifier.Identity, items []*notifier.SubscriptionItem, tr Translator) string {
	var b strings.Builder

	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html lang=\"%s\">\n<head>\n", escapeHTML(tr.Locale()))
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n" + digestStyle + "</style>\n</head>\n<body>\n")

	fmt.Fprintf(&b, "<h2>%s</h2>\n", escapeHTML(tr.T(KeyHeading, identity.Name)))
	fmt.Fprintf(&b, "<p>%s</p>\n", escapeHTML(tr.T(KeyIntro, fmt.Sprint(len(items)))))

	for _, item := range items {
		b.WriteString("<div class=\"item\">\n")
		if item.Link != "" {
			fmt.Fprintf(&b, "<h3><a href=\"%s\">%s</a></h3>\n", escapeHTML(item.Link), escapeHTML(item.Title))
		} else {
			fmt.Fprintf(&b, "<h3>%s</h3>\n", escapeHTML(item.Title))
		}
		if item.Description != "" {
			fmt.Fprintf(&b, "<div class=\"description\">%s</div>\n", escapeHTML(item.Description))
		}

		for _, e := range item.Entries {
			b.WriteString("<div class=\"entry\">\n<div class=\"meta\">")
			if e.Author != "" {
				b.WriteString(escapeHTML(tr.T(KeyBy, e.Author)))
			}
			if !e.At.IsZero() {
				if e.Author != "" {
					b.WriteString(" &bull; ")
				}
				b.WriteString(e.At.UTC().Format("2006-01-02 15:04 UTC"))
			}
			b.WriteString("</div>\n")
			if e.HTMLContent != "" {
				fmt.Fprintf(&b, "<div class=\"content\">%s</div>\n", sanitizeHTML(e.HTMLContent))
			}
			if e.Link != "" && e.Link != item.Link {
				fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", escapeHTML(e.Link), escapeHTML(tr.T(KeyView)))
			}
			b.WriteString("</div>\n")
		}
		b.WriteString("</div>\n")
	}

	manageURL := fmt.Sprintf("%s/identities/%s/subscriptions", strings.TrimSuffix(s.baseURL, "/"), url.PathEscape(identity.Name))
	b.WriteString("<div class=\"footer\">\n")
	fmt.Fprintf(&b, "<p>%s</p>\n", escapeHTML(tr.T(KeyFooter)))
	fmt.Fprintf(&b, "<a href=\"%s\">%s</a>\n", escapeHTML(manageURL), escapeHTML(tr.T(KeyManage)))
	b.WriteString("</div>\n</body>\n</html>")

	return b.String()
}
