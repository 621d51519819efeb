package pdfanalysis

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"testing"
	"unicode/utf16"
)

// testPDF assembles a minimal PDF from raw object bodies.
type testPDF struct {
	objects []string
}

func (p *testPDF) add(body string) int {
	p.objects = append(p.objects, body)
	return len(p.objects)
}

func (p *testPDF) stream(data string) int {
	return p.add(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(data)+1, data))
}

func (p *testPDF) bytes(root, info int) []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(p.objects))
	for i, body := range p.objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(p.objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root %d 0 R", len(p.objects)+1, root)
	if info > 0 {
		fmt.Fprintf(&buf, " /Info %d 0 R", info)
	}
	fmt.Fprintf(&buf, " >>\nstartxref\n%d\n%%%%EOF\n", xref)
	return buf.Bytes()
}

// fontFunc adds a font and returns its object number.
type fontFunc func(p *testPDF) int

// helvetica is a WinAnsi Helvetica with every glyph 500 units wide.
func helvetica(p *testPDF) int {
	widths := strings.TrimSpace(strings.Repeat("500 ", 256-32))
	return p.add(fmt.Sprintf("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding /FirstChar 32 /LastChar 255 /Widths [%s] >>", widths))
}

// identityFont is a Type0 Identity-H font showing two-byte glyph ids, the way
// subset-embedding producers write text. Its ToUnicode map sends the code of
// each rune of alphabet (its index plus one) back to the rune.
func identityFont(alphabet []rune) fontFunc {
	return func(p *testPDF) int {
		desc := p.add("<< /Type /FontDescriptor /FontName /AAAAAA+TestSans /Flags 32 /FontBBox [0 -200 1000 900] /ItalicAngle 0 /Ascent 900 /Descent -200 /CapHeight 700 /StemV 80 >>")
		cid := p.add(fmt.Sprintf("<< /Type /Font /Subtype /CIDFontType2 /BaseFont /AAAAAA+TestSans /CIDSystemInfo << /Registry (Adobe) /Ordering (Identity) /Supplement 0 >> /FontDescriptor %d 0 R /DW 500 /CIDToGIDMap /Identity >>", desc))

		var cmap strings.Builder
		cmap.WriteString("/CIDInit /ProcSet findresource begin\n12 dict begin\nbegincmap\n")
		cmap.WriteString("/CIDSystemInfo << /Registry (Adobe) /Ordering (UCS) /Supplement 0 >> def\n")
		cmap.WriteString("/CMapName /Adobe-Identity-UCS def\n/CMapType 2 def\n")
		cmap.WriteString("1 begincodespacerange\n<0000> <FFFF>\nendcodespacerange\n")
		for start := 0; start < len(alphabet); start += 100 {
			chunk := alphabet[start:min(start+100, len(alphabet))]
			fmt.Fprintf(&cmap, "%d beginbfchar\n", len(chunk))
			for i, r := range chunk {
				fmt.Fprintf(&cmap, "<%04X> <", start+i+1)
				for _, u := range utf16.Encode([]rune{r}) {
					fmt.Fprintf(&cmap, "%04X", u)
				}
				cmap.WriteString(">\n")
			}
			cmap.WriteString("endbfchar\n")
		}
		cmap.WriteString("endcmap\nCMapName currentdict /CMap defineresource pop\nend\nend")
		toUnicode := p.stream(cmap.String())

		return p.add(fmt.Sprintf("<< /Type /Font /Subtype /Type0 /BaseFont /AAAAAA+TestSans /Encoding /Identity-H /DescendantFonts [%d 0 R] /ToUnicode %d 0 R >>", cid, toUnicode))
	}
}

// alphabetOf returns the distinct runes of text in first-seen order.
func alphabetOf(text string) []rune {
	var out []rune
	for _, r := range text {
		if !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

// identityHex encodes text as an Identity-H hex string for identityFont(alphabet).
func identityHex(alphabet []rune, text string) string {
	var b strings.Builder
	b.WriteByte('<')
	for _, r := range text {
		fmt.Fprintf(&b, "%04X", slices.Index(alphabet, r)+1)
	}
	b.WriteByte('>')
	return b.String()
}

// contentPDF writes one page per content stream. The font, when given, is
// available to every page as /F1.
func contentPDF(t *testing.T, font fontFunc, withInfo bool, contents ...string) []byte {
	t.Helper()
	p := &testPDF{}
	catalog := p.add("") // filled once the page tree id is known
	pagesID := p.add("")

	resources := "<< >>"
	if font != nil {
		resources = fmt.Sprintf("<< /Font << /F1 %d 0 R >> >>", font(p))
	}
	var kids []string
	for _, content := range contents {
		contentID := p.stream(content)
		pageID := p.add(fmt.Sprintf("<< /Type /Page /Parent %d 0 R /MediaBox [0 0 612 792] /Resources %s /Contents %d 0 R >>", pagesID, resources, contentID))
		kids = append(kids, fmt.Sprintf("%d 0 R", pageID))
	}
	p.objects[catalog-1] = fmt.Sprintf("<< /Type /Catalog /Pages %d 0 R >>", pagesID)
	p.objects[pagesID-1] = fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(kids))

	info := 0
	if withInfo {
		info = p.add("<< /Producer (invoicectl test) /Creator (invoicectl test) >>")
	}
	return p.bytes(catalog, info)
}

// linesContent shows each line 14 points below the previous one.
func linesContent(lines []string, encode func(string) string) string {
	var content strings.Builder
	content.WriteString("BT\n/F1 10 Tf\n72 760 Td\n")
	for i, line := range lines {
		if i > 0 {
			content.WriteString("0 -14 Td\n")
		}
		fmt.Fprintf(&content, "%s Tj\n", encode(line))
	}
	content.WriteString("ET")
	return content.String()
}

// buildPDF writes a PDF with one Helvetica text block per page.
func buildPDF(t *testing.T, pages [][]string, withInfo bool) []byte {
	t.Helper()
	contents := make([]string, len(pages))
	for i, lines := range pages {
		contents[i] = linesContent(lines, literalPDF)
	}
	return contentPDF(t, helvetica, withInfo, contents...)
}

// literalPDF writes s as a literal string, with non-ASCII runes as WinAnsi
// octal escapes.
func literalPDF(s string) string {
	var b strings.Builder
	b.WriteByte('(')
	for _, r := range s {
		switch {
		case r == '(' || r == ')' || r == '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case r == '€':
			b.WriteString(`\200`)
		case r > 0x7E && r <= 0xFF:
			fmt.Fprintf(&b, `\%03o`, r)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte(')')
	return b.String()
}
