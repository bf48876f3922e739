// Package markdown renders note markdown to HTML for plugins.
package markdown

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/dshills/quillhost/internal/plugin/host"
)

// Renderer converts GitHub-flavoured markdown to HTML. Raw HTML in the
// source is omitted unless AllowHTML is set.
type Renderer struct {
	md               goldmark.Markdown
	stripFrontmatter bool
}

// Option configures a Renderer.
type Option func(*options)

type options struct {
	allowHTML        bool
	stripFrontmatter bool
}

// AllowHTML passes raw HTML through to the output.
func AllowHTML() Option {
	return func(o *options) { o.allowHTML = true }
}

// KeepFrontmatter renders a leading frontmatter block as markdown instead
// of dropping it.
func KeepFrontmatter() Option {
	return func(o *options) { o.stripFrontmatter = false }
}

// New creates a renderer.
func New(opts ...Option) *Renderer {
	o := options{stripFrontmatter: true}
	for _, opt := range opts {
		opt(&o)
	}

	rendererOpts := []goldmark.Option{
		goldmark.WithExtensions(extension.GFM, extension.Footnote),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	}
	if o.allowHTML {
		rendererOpts = append(rendererOpts, goldmark.WithRendererOptions(html.WithUnsafe()))
	}
	return &Renderer{
		md:               goldmark.New(rendererOpts...),
		stripFrontmatter: o.stripFrontmatter,
	}
}

var _ host.MarkdownRenderer = (*Renderer)(nil)

// Render returns the HTML for src.
func (r *Renderer) Render(src string) (string, error) {
	if r.stripFrontmatter {
		if _, body, ok, err := host.ParseFrontmatter(src); err == nil && ok {
			src = body
		}
	}
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return buf.String(), nil
}
