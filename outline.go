package quill

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Section is one chapter-scoped fragment of an outline.
type Section struct {
	Title string // Heading text, empty for a headingless outline
	Body  string // The full fragment including its heading line
}

// markdown is shared; goldmark parsers are safe for concurrent use.
var markdown = goldmark.New()

// SplitOutline breaks an outline at every level-1 and level-2 heading.
// Text before the first heading is kept with the first section. An outline
// without such headings comes back as a single section.
func SplitOutline(outline string) []Section {
	outline = strings.TrimSpace(outline)
	if outline == "" {
		return nil
	}

	src := []byte(outline)
	doc := markdown.Parser().Parse(text.NewReader(src))

	type cut struct {
		start int
		title string
	}
	var cuts []cut
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Level > 2 || h.Lines().Len() == 0 {
			continue
		}
		first := h.Lines().At(0)
		cuts = append(cuts, cut{
			start: lineStart(src, first.Start),
			title: headingTitle(h, src),
		})
	}

	if len(cuts) == 0 {
		return []Section{{Body: outline}}
	}

	// Preamble rides with the first section.
	cuts[0].start = 0

	sections := make([]Section, 0, len(cuts))
	for i, c := range cuts {
		end := len(src)
		if i+1 < len(cuts) {
			end = cuts[i+1].start
		}
		body := strings.TrimSpace(string(src[c.start:end]))
		if body == "" {
			continue
		}
		sections = append(sections, Section{Title: c.title, Body: body})
	}
	return sections
}

// lineStart returns the offset of the line containing pos.
func lineStart(src []byte, pos int) int {
	for pos > 0 && src[pos-1] != '\n' {
		pos--
	}
	return pos
}

func headingTitle(h *ast.Heading, src []byte) string {
	var b strings.Builder
	lines := h.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		if i > 0 {
			b.WriteByte(' ')
		}
		b.Write(seg.Value(src))
	}
	return strings.TrimSpace(b.String())
}
