package email

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// plainText derives the text/plain alternative of a rendered digest.
// Links are kept as "text <url>" and block elements end a line.
func plainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find("style, script, head").Remove()

	doc.Find("a").Each(func(_ int, a *goquery.Selection) {
		href, ok := a.Attr("href")
		if !ok || href == "" || strings.TrimSpace(a.Text()) == href {
			return
		}
		a.AppendHtml(" &lt;" + escapeHTML(href) + "&gt;")
	})
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, h2, h3, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	var lines []string
	blank := false
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		blank = false
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), nil
}
