package email

import (
	"strings"
	"testing"
)

func TestSanitizeHTML(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantNot []string
	}{
		{
			name:    "formatting kept, attributes stripped",
			input:   `<p class="x"><b>Week 3</b><br /><span style="color:red">notes</span></p>`,
			want:    []string{"<p>", "<b>Week 3</b>", "<br>", "<span>notes</span>"},
			wantNot: []string{"class=", "style="},
		},
		{
			name:    "link keeps only href",
			input:   `<a href="https://lms.example.com/x" target="_blank" rel="nofollow">x</a>`,
			want:    []string{`<a href="https://lms.example.com/x">x</a>`},
			wantNot: []string{"target=", "rel="},
		},
		{
			name:    "image keeps src and alt",
			input:   `<img src="/files/a.png" alt="diagram" onerror="alert(1)" />`,
			want:    []string{`<img src="/files/a.png" alt="diagram">`},
			wantNot: []string{"onerror"},
		},
		{
			name:    "javascript href dropped",
			input:   `<a href="javascript:alert('xss')">Click</a>`,
			want:    []string{"<a>Click</a>"},
			wantNot: []string{"javascript:"},
		},
		{
			name:    "script escaped",
			input:   `<script>alert('xss')</script>`,
			want:    []string{"&lt;script&gt;"},
			wantNot: []string{"<script"},
		},
		{
			name:    "iframe becomes link",
			input:   `<iframe width="640" src="https://video.example.com/embed/1" allowfullscreen=""></iframe>`,
			want:    []string{`[iframe: <a href="https://video.example.com/embed/1">https://video.example.com/embed/1</a>]`},
			wantNot: []string{"<iframe", "allowfullscreen"},
		},
		{
			name:  "iframe without src",
			input: `<iframe></iframe>`,
			want:  []string{"[replaced iframe]"},
		},
		{
			name:    "media placeholders",
			input:   `<video src="v.mp4"></video><embed src="f.swf"><object data="p.swf"></object>`,
			want:    []string{"[replaced video]", "[replaced embed]", "[replaced object]"},
			wantNot: []string{"<video", "<embed", "<object"},
		},
		{
			name:  "unclosed tag escaped",
			input: `text <b`,
			want:  []string{"text &lt;b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizeHTML(tt.input)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("sanitizeHTML(%q) = %q, missing %q", tt.input, got, w)
				}
			}
			for _, w := range tt.wantNot {
				if strings.Contains(got, w) {
					t.Errorf("sanitizeHTML(%q) = %q, must not contain %q", tt.input, got, w)
				}
			}
		})
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"<script>", "&lt;script&gt;"},
		{"Q&A", "Q&amp;A"},
		{`"quotes"`, "&quot;quotes&quot;"},
		{"it's", "it&#39;s"},
	}
	for _, tt := range tests {
		if got := escapeHTML(tt.input); got != tt.want {
			t.Errorf("escapeHTML(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestIsSafeURL(t *testing.T) {
	tests := []struct {
		url  string
		safe bool
	}{
		{"https://lms.example.com/course/1", true},
		{"http://example.com", true},
		{"/relative/path", true},
		{"./relative", true},
		{"../relative", true},
		{"image.jpg", true},
		{"", false},
		{"javascript:alert('xss')", false},
		{"JavaScript:alert(1)", false},
		{"data:text/html,hi", false},
		{"vbscript:msgbox", false},
		{"file:///etc/passwd", false},
		{"about:blank", false},
		{"mailto:a@example.com", false},
	}
	for _, tt := range tests {
		if got := isSafeURL(tt.url); got != tt.safe {
			t.Errorf("isSafeURL(%q) = %v, want %v", tt.url, got, tt.safe)
		}
	}
}

func TestExtractAttribute(t *testing.T) {
	tests := []struct {
		tag, attr, want string
	}{
		{`img src="a.png" alt="A"`, "src", "a.png"},
		{`img src='b.png'`, "src", "b.png"},
		{`a HREF="https://x"`, "href", "https://x"},
		{`img alt="A"`, "src", ""},
		{`img src="unterminated`, "src", ""},
	}
	for _, tt := range tests {
		if got := extractAttribute(tt.tag, tt.attr); got != tt.want {
			t.Errorf("extractAttribute(%q, %q) = %q, want %q", tt.tag, tt.attr, got, tt.want)
		}
	}
}
