// Package ingest loads standards documents into the knowledge base.
//
// Files are extracted into heading-scoped sections, split into
// overlapping chunks, embedded, and upserted as verified standard
// nodes. Retrieval, status queries, and board consultations read
// those nodes back out.
package ingest

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is one heading-scoped slice of an extracted document. PDF
// extraction produces one section per page; HTML produces a single
// section titled by the article title.
type Section struct {
	Heading string
	Text    string
}

// ContentType identifies the format of a standards file.
type ContentType string

const (
	TypePlainText ContentType = "text/plain"
	TypeMarkdown  ContentType = "text/markdown"
	TypeHTML      ContentType = "text/html"
	TypePDF       ContentType = "application/pdf"
)

// ContentTypeFromExtension maps file extensions to content types.
// Unknown extensions fall back to plain text.
func ContentTypeFromExtension(ext string) ContentType {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "md", "markdown":
		return TypeMarkdown
	case "html", "htm":
		return TypeHTML
	case "pdf":
		return TypePDF
	default:
		return TypePlainText
	}
}

// Extract converts raw file content into sections based on the file
// name's extension.
func Extract(content []byte, name string) ([]Section, error) {
	ct := ContentTypeFromExtension(ext(name))
	switch ct {
	case TypeMarkdown:
		return extractMarkdown(content)
	case TypeHTML:
		return extractHTML(content, name)
	case TypePDF:
		return extractPDF(content)
	default:
		return extractPlainText(content), nil
	}
}

func ext(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return ""
}

// extractMarkdown parses markdown with goldmark and gathers text under
// each heading into its own section. Heading markers, emphasis, and
// link targets are dropped; code block contents are kept verbatim
// since standards often carry example snippets.
func extractMarkdown(content []byte) ([]Section, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(content))

	var sections []Section
	var heading string
	var body strings.Builder

	flush := func() {
		t := strings.TrimSpace(body.String())
		if t != "" {
			sections = append(sections, Section{Heading: heading, Text: t})
		}
		body.Reset()
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				flush()
				heading = inlineText(node, content)
				return ast.WalkSkipChildren, nil
			}
		case *ast.Text:
			if entering {
				body.Write(node.Segment.Value(content))
				if node.SoftLineBreak() || node.HardLineBreak() {
					body.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				body.Write(node.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				writeBlockLines(&body, content, n)
				return ast.WalkSkipChildren, nil
			}
		case *ast.Paragraph, *ast.ListItem, *ast.Blockquote:
			if !entering {
				body.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse markdown: %w", err)
	}
	flush()
	return sections, nil
}

// inlineText collects the plain text of a node's inline children.
func inlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := c.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
		case *ast.String:
			b.Write(node.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func writeBlockLines(b *strings.Builder, source []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		line := lines.At(i)
		b.Write(line.Value(source))
	}
	b.WriteByte('\n')
}

// extractHTML runs readability extraction on an HTML document and
// returns the readable article body as a single section.
func extractHTML(content []byte, name string) ([]Section, error) {
	pageURL, _ := url.Parse("file:///" + name)
	article, err := readability.FromReader(bytes.NewReader(content), pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract html %s: %w", name, err)
	}
	body := strings.TrimSpace(article.TextContent)
	if body == "" {
		return nil, fmt.Errorf("extract html %s: no readable content", name)
	}
	return []Section{{Heading: strings.TrimSpace(article.Title), Text: body}}, nil
}

// extractPDF extracts text page by page. Unreadable pages are skipped
// rather than failing the whole document.
func extractPDF(content []byte) ([]Section, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("extract pdf: empty content")
	}
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("extract pdf: %w", err)
	}

	var sections []Section
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		sections = append(sections, Section{
			Heading: fmt.Sprintf("стр. %d", i),
			Text:    pageText,
		})
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("extract pdf: no readable pages")
	}
	return sections, nil
}

func extractPlainText(content []byte) []Section {
	body := strings.TrimSpace(string(content))
	if body == "" {
		return nil
	}
	return []Section{{Text: body}}
}
