// Package templates renders Handlebars templates for the template relay
// action and the render preview API. Templates authored as markdown are
// compiled to HTML after rendering.
package templates

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Template body formats accepted by RenderHTML.
const (
	TypeMarkdown = "markdown"
	TypeHTML     = "html"
)

// excerptLen bounds how much of a failing template source is echoed back in
// error messages.
const excerptLen = 120

type Engine struct {
	markdown goldmark.Markdown
}

func NewEngine() *Engine {
	return &Engine{
		// GFM tables and strikethrough are common in notification bodies.
		// Raw HTML passes through so authors can mix markdown and markup.
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
	}
}

// Render parses and executes one Handlebars template against ctx. Parse and
// execution errors carry a truncated excerpt of the template source so a
// failing template can be identified from logs and outcome records alone.
func (e *Engine) Render(source string, ctx map[string]interface{}) (string, error) {
	tpl, err := raymond.Parse(source)
	if err != nil {
		return "", fmt.Errorf("template parse failed (%s): %w", excerpt(source), err)
	}
	registerHelpers(tpl)

	out, err := tpl.Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("template execution failed (%s): %w", excerpt(source), err)
	}
	return out, nil
}

// RenderHTML renders the template and returns HTML. For TypeMarkdown the
// rendered output is compiled markdown-to-HTML; for TypeHTML it is returned
// as-is. An unknown templateType is rejected rather than guessed at.
func (e *Engine) RenderHTML(source, templateType string, ctx map[string]interface{}) (string, error) {
	rendered, err := e.Render(source, ctx)
	if err != nil {
		return "", err
	}

	switch templateType {
	case TypeHTML, "":
		return rendered, nil
	case TypeMarkdown:
		var buf bytes.Buffer
		if err := e.markdown.Convert([]byte(rendered), &buf); err != nil {
			return "", fmt.Errorf("markdown compile failed (%s): %w", excerpt(source), err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("unknown template type %q", templateType)
	}
}

func excerpt(source string) string {
	s := strings.Join(strings.Fields(source), " ")
	if len(s) > excerptLen {
		return s[:excerptLen] + "..."
	}
	return s
}
