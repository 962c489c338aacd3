package models

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle("github"),
			),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
		),
	)

	// The highlighter emits inline styles on <pre> and <span>, so the policy keeps them.
	sanitizer = func() *bluemonday.Policy {
		p := bluemonday.UGCPolicy()
		p.AllowAttrs("style").OnElements("pre", "span", "code")
		return p
	}()
)

// RenderMarkdown converts the markdown content of a message into sanitized HTML, ready to be
// embedded in a template. Newlines are kept as line breaks, and fenced code blocks are highlighted.
func RenderMarkdown(content string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(content), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	// #nosec G203 -- the output has been sanitized.
	return template.HTML(sanitizer.SanitizeBytes(buf.Bytes())), nil
}

// Preview returns the first n runes of text followed by an ellipsis.
func Preview(text string, n int) string {
	r := []rune(text)
	if len(r) > n {
		r = r[:n]
	}
	return string(r) + "..."
}
