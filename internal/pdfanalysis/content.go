package pdfanalysis

import (
	"bytes"
	"cmp"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// document is what the heuristics need from a parsed PDF.
type document struct {
	pageCount  int
	pages      []string
	hasFonts   bool
	hasCreator bool
}

// Layout gaps, as multiples of the font size.
const (
	lineTolerance = 0.5
	wordGap       = 0.2
	columnGap     = 1.5
	paragraphGap  = 2.0
)

// readPDF validates data with pdfcpu and extracts the text of up to maxPages
// pages (all when maxPages <= 0).
func readPDF(data []byte, maxPages int) (*document, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to validate PDF: %w", err)
	}

	doc := &document{
		pageCount:  ctx.PageCount,
		hasCreator: strings.TrimSpace(ctx.Creator) != "" || strings.TrimSpace(ctx.Producer) != "",
	}
	limit := doc.pageCount
	if maxPages > 0 && maxPages < limit {
		limit = maxPages
	}
	doc.pages, doc.hasFonts, err = textLayer(data, limit)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// textLayer decodes the text of the first limit pages through each font's
// encoding and ToUnicode map. It reports whether any page declares fonts.
func textLayer(data []byte, limit int) ([]string, bool, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, false, fmt.Errorf("failed to open PDF text layer: %w", err)
	}
	pages := make([]string, 0, limit)
	hasFonts := false
	for pageNr := 1; pageNr <= limit; pageNr++ {
		p := r.Page(pageNr)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		hasFonts = hasFonts || len(p.Fonts()) > 0
		pages = append(pages, layoutText(p.Content().Text))
	}
	return pages, hasFonts, nil
}

var flattenWhitespace = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")

type textLine struct {
	y, size float64
	glyphs  []pdf.Text
}

// layoutText rebuilds reading order from positioned glyphs: top to bottom,
// then left to right. Word gaps become spaces, column gaps tabs, and a
// vertical gap of more than two lines a blank line.
func layoutText(glyphs []pdf.Text) string {
	sorted := make([]pdf.Text, 0, len(glyphs))
	for _, g := range glyphs {
		if g.S != "" {
			sorted = append(sorted, g)
		}
	}
	slices.SortStableFunc(sorted, func(a, b pdf.Text) int { return cmp.Compare(b.Y, a.Y) })

	var lines []*textLine
	for _, g := range sorted {
		size := fontSize(g)
		if n := len(lines); n > 0 {
			l := lines[n-1]
			if l.y-g.Y <= lineTolerance*max(l.size, size) {
				l.glyphs = append(l.glyphs, g)
				continue
			}
		}
		lines = append(lines, &textLine{y: g.Y, size: size, glyphs: []pdf.Text{g}})
	}

	var out strings.Builder
	for i, l := range lines {
		if i > 0 {
			out.WriteByte('\n')
			if prev := lines[i-1]; prev.y-l.y > paragraphGap*max(prev.size, l.size) {
				out.WriteByte('\n')
			}
		}
		out.WriteString(lineText(l.glyphs))
	}
	return strings.TrimSpace(out.String())
}

func lineText(glyphs []pdf.Text) string {
	slices.SortStableFunc(glyphs, func(a, b pdf.Text) int { return cmp.Compare(a.X, b.X) })

	var b []byte
	for i, g := range glyphs {
		if i > 0 {
			prev := glyphs[i-1]
			size := max(fontSize(prev), fontSize(g))
			gap := g.X - (prev.X + advance(prev))
			switch {
			case gap > columnGap*size:
				b = append(bytes.TrimRight(b, " "), '\t')
			case gap > wordGap*size:
				b = appendSpace(b)
			}
		}
		s := flattenWhitespace.Replace(g.S)
		if s == " " {
			b = appendSpace(b)
			continue
		}
		b = append(b, s...)
	}
	return strings.TrimRight(string(b), " \t")
}

func appendSpace(b []byte) []byte {
	if len(b) == 0 || b[len(b)-1] == ' ' || b[len(b)-1] == '\t' {
		return b
	}
	return append(b, ' ')
}

// advance is the horizontal extent of a glyph. Fonts without a widths
// table report zero, so half an em is assumed.
func advance(g pdf.Text) float64 {
	if g.W > 0 {
		return g.W
	}
	return 0.5 * fontSize(g)
}

func fontSize(g pdf.Text) float64 {
	return max(math.Abs(g.FontSize), 1)
}
