// ABOUTME: Renders assistant markdown as plain terminal text with ANSI styling
// ABOUTME: Walks the goldmark AST instead of producing HTML

package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var (
	headingStyle = color.New(color.Bold, color.Underline)
	strongStyle  = color.New(color.Bold)
	emStyle      = color.New(color.Italic)
	codeStyle    = color.New(color.FgCyan)
	linkStyle    = color.New(color.FgBlue, color.Underline)
	faintStyle   = color.New(color.Faint)
)

// renderer turns markdown into terminal text.
type renderer struct {
	md goldmark.Markdown
}

func newRenderer() *renderer {
	return &renderer{md: goldmark.New()}
}

// Render returns src as terminal text without a trailing newline.
func (r *renderer) Render(src string) string {
	source := []byte(src)
	doc := r.md.Parser().Parse(text.NewReader(source))

	w := &termWriter{source: source}
	if err := ast.Walk(doc, w.walk); err != nil {
		return src
	}
	return strings.TrimRight(w.buf.String(), "\n")
}

type listState struct {
	ordered bool
	next    int
}

type termWriter struct {
	source []byte
	buf    strings.Builder
	quotes int
	lists  []listState
	marker string
}

func (w *termWriter) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		switch n.(type) {
		case *ast.Blockquote:
			w.quotes--
		case *ast.List:
			w.lists = w.lists[:len(w.lists)-1]
		}
		return ast.WalkContinue, nil
	}
	if n.Type() == ast.TypeBlock {
		w.separate(n)
	}

	switch node := n.(type) {
	case *ast.Heading:
		w.lines(w.inline(node), headingStyle.Sprint)
		return ast.WalkSkipChildren, nil

	case *ast.Paragraph, *ast.TextBlock:
		w.lines(w.inline(node), fmt.Sprint)
		return ast.WalkSkipChildren, nil

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		w.code(node)
		return ast.WalkSkipChildren, nil

	case *ast.HTMLBlock:
		w.code(node)
		return ast.WalkSkipChildren, nil

	case *ast.ThematicBreak:
		w.lines(strings.Repeat("─", 24), faintStyle.Sprint)
		return ast.WalkSkipChildren, nil

	case *ast.Blockquote:
		w.quotes++

	case *ast.List:
		w.lists = append(w.lists, listState{ordered: node.IsOrdered(), next: node.Start})

	case *ast.ListItem:
		if len(w.lists) > 0 {
			top := &w.lists[len(w.lists)-1]
			if top.ordered {
				w.marker = fmt.Sprintf("%d. ", top.next)
				top.next++
			} else {
				w.marker = "• "
			}
		}
	}
	return ast.WalkContinue, nil
}

// separate puts a blank line between sibling blocks outside lists.
func (w *termWriter) separate(n ast.Node) {
	if n.PreviousSibling() == nil {
		return
	}
	switch n.Parent().(type) {
	case *ast.Document, *ast.Blockquote:
	default:
		return
	}
	w.buf.WriteString(strings.TrimRight(strings.Repeat("│ ", w.quotes), " "))
	w.buf.WriteByte('\n')
}

func (w *termWriter) prefix() string {
	p := strings.Repeat("│ ", w.quotes)
	if depth := len(w.lists); depth > 0 {
		p += strings.Repeat("  ", depth-1)
		if w.marker != "" {
			p += w.marker
			w.marker = ""
		} else {
			p += "  "
		}
	}
	return p
}

func (w *termWriter) lines(s string, style func(...any) string) {
	for _, line := range strings.Split(s, "\n") {
		w.buf.WriteString(w.prefix())
		w.buf.WriteString(style(line))
		w.buf.WriteByte('\n')
	}
}

func (w *termWriter) code(n ast.Node) {
	segs := n.Lines()
	for i := 0; i < segs.Len(); i++ {
		seg := segs.At(i)
		line := strings.TrimRight(string(seg.Value(w.source)), "\n")
		w.buf.WriteString(w.prefix())
		w.buf.WriteString("    ")
		w.buf.WriteString(codeStyle.Sprint(line))
		w.buf.WriteByte('\n')
	}
}

// inline flattens the inline children of n into styled text.
func (w *termWriter) inline(n ast.Node) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(w.source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(node.Value)
		case *ast.CodeSpan:
			b.WriteString(codeStyle.Sprint(w.inline(node)))
		case *ast.Emphasis:
			if node.Level >= 2 {
				b.WriteString(strongStyle.Sprint(w.inline(node)))
			} else {
				b.WriteString(emStyle.Sprint(w.inline(node)))
			}
		case *ast.Link:
			label := w.inline(node)
			dest := string(node.Destination)
			b.WriteString(linkStyle.Sprint(label))
			if dest != "" && dest != label {
				b.WriteString(" (" + dest + ")")
			}
		case *ast.AutoLink:
			b.WriteString(linkStyle.Sprint(string(node.URL(w.source))))
		case *ast.Image:
			b.WriteString(faintStyle.Sprintf("[image: %s]", w.inline(node)))
		case *ast.RawHTML:
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				b.Write(seg.Value(w.source))
			}
		default:
			b.WriteString(w.inline(node))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
