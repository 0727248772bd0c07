package email

import "strings"

var allowedTags = map[string]bool{
	"p": true, "br": true, "b": true, "strong": true, "i": true, "em": true, "u": true,
	"blockquote": true, "img": true, "a": true, "ul": true, "ol": true, "li": true,
	"div": true, "span": true,
}

// Tags replaced by a visible placeholder instead of being escaped.
var placeholderTags = map[string]bool{"video": true, "embed": true, "object": true}

var dangerousSchemes = []string{"javascript:", "data:", "vbscript:", "file:", "about:"}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// sanitizeHTML keeps a fixed set of tags and, for img and a, only their
// src/alt/href attributes with safe URLs. Other opening tags are escaped,
// other closing tags dropped.
func sanitizeHTML(html string) string {
	var out strings.Builder
	inTag := false
	tagStart := 0

	for i := 0; i < len(html); i++ {
		switch {
		case html[i] == '<':
			if inTag {
				out.WriteString("&lt;")
			}
			inTag = true
			tagStart = i
		case html[i] == '>' && inTag:
			writeTag(&out, html[tagStart+1:i])
			inTag = false
		case !inTag:
			out.WriteByte(html[i])
		}
	}
	if inTag {
		out.WriteString("&lt;")
		out.WriteString(escapeHTML(html[tagStart+1:]))
	}
	return out.String()
}

func writeTag(out *strings.Builder, content string) {
	closing := strings.HasPrefix(content, "/")
	if closing {
		content = content[1:]
	}
	name := content
	if idx := strings.IndexAny(content, " \t\n"); idx != -1 {
		name = content[:idx]
	}
	name = strings.ToLower(name)

	if !allowedTags[name] {
		if closing {
			return
		}
		switch {
		case name == "iframe":
			if src := extractAttribute(content, "src"); src != "" && isSafeURL(src) {
				out.WriteString(`[iframe: <a href="` + escapeHTML(src) + `">` + escapeHTML(src) + "</a>]")
			} else {
				out.WriteString("[replaced iframe]")
			}
		case placeholderTags[name]:
			out.WriteString("[replaced " + name + "]")
		default:
			out.WriteString("&lt;" + escapeHTML(content) + "&gt;")
		}
		return
	}

	if closing {
		out.WriteString("</" + name + ">")
		return
	}
	out.WriteString("<" + name)
	switch name {
	case "img":
		if src := extractAttribute(content, "src"); src != "" && isSafeURL(src) {
			writeAttr(out, "src", src)
		}
		if alt := extractAttribute(content, "alt"); alt != "" {
			writeAttr(out, "alt", alt)
		}
	case "a":
		if href := extractAttribute(content, "href"); href != "" && isSafeURL(href) {
			writeAttr(out, "href", href)
		}
	}
	out.WriteString(">")
}

func writeAttr(out *strings.Builder, name, value string) {
	out.WriteString(" " + name + `="` + escapeHTML(value) + `"`)
}

// extractAttribute returns the quoted value of attrName in a tag body.
func extractAttribute(tag, attrName string) string {
	lower := strings.ToLower(tag)
	for _, quote := range []byte{'"', '\''} {
		pattern := attrName + "=" + string(quote)
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		end := strings.IndexByte(tag[start:], quote)
		if end == -1 {
			continue
		}
		return tag[start : start+end]
	}
	return ""
}

// isSafeURL allows http, https and relative URLs only.
func isSafeURL(raw string) bool {
	u := strings.TrimSpace(strings.ToLower(raw))
	for _, scheme := range dangerousSchemes {
		if strings.HasPrefix(u, scheme) {
			return false
		}
	}
	return strings.HasPrefix(u, "http://") ||
		strings.HasPrefix(u, "https://") ||
		strings.HasPrefix(u, "/") ||
		(!strings.Contains(u, ":") && u != "")
}
