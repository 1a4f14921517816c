// Package parsertest builds minimal documents for tests of the parser and
// its callers.
package parsertest

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// TextPage is a content stream showing text on two lines. The page text
// extracted from it is text followed by " second line".
func TextPage(text string) string {
	return fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj 0 -14 Td [(second) -300 (line)] TJ ET", text)
}

// font returns the dictionary of the page font /F1 and the objects it
// references, numbered from first.
type font func(first int) (dict string, objs []string)

func helvetica(int) (string, []string) {
	return "<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>", nil
}

// glyphOffset maps a printable ASCII rune to the glyph ID a subsetted
// TrueType font commonly gives it, 'H' being 0x2B.
const glyphOffset = 29

// toUnicodeCMap maps the glyph IDs of identityFont back to ASCII.
var toUnicodeCMap = strings.Join([]string{
	"/CIDInit /ProcSet findresource begin",
	"12 dict begin",
	"begincmap",
	"/CIDSystemInfo << /Registry (Adobe) /Ordering (UCS) /Supplement 0 >> def",
	"/CMapName /Adobe-Identity-UCS def",
	"/CMapType 2 def",
	"1 begincodespacerange",
	"<0000> <FFFF>",
	"endcodespacerange",
	fmt.Sprintf("1 beginbfrange\n<%04X> <%04X> <0020>\nendbfrange", ' '-glyphOffset, '~'-glyphOffset),
	"endcmap",
	"CMapName currentdict /CMap defineresource pop",
	"end",
	"end",
}, "\n")

// identityFont is a Type0 font with Identity-H encoding, the way word
// processors and browsers embed TrueType fonts.
func identityFont(first int) (string, []string) {
	return fmt.Sprintf("<< /Type /Font /Subtype /Type0 /BaseFont /ArialMT /Encoding /Identity-H /DescendantFonts [%d 0 R] /ToUnicode %d 0 R >>", first, first+2),
		[]string{
			fmt.Sprintf("<< /Type /Font /Subtype /CIDFontType2 /BaseFont /ArialMT /CIDSystemInfo << /Registry (Adobe) /Ordering (Identity) /Supplement 0 >> /FontDescriptor %d 0 R /CIDToGIDMap /Identity /DW 500 >>", first+1),
			"<< /Type /FontDescriptor /FontName /ArialMT /Flags 32 /FontBBox [-665 -325 2000 1040] /ItalicAngle 0 /Ascent 905 /Descent -212 /CapHeight 716 /StemV 80 >>",
			streamObject(toUnicodeCMap),
		}
}

func streamObject(content string) string {
	return fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content)
}

func build(pages []string, f font) []byte {
	kids := make([]string, len(pages))
	for i := range pages {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	fontDict, fontObjs := f(4 + 2*len(pages))

	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), len(pages)),
		fontDict,
	}
	for i, stream := range pages {
		objs = append(objs,
			fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i),
			streamObject(stream),
		)
	}
	objs = append(objs, fontObjs...)

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, obj := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

// BuildPDF assembles a minimal uncompressed PDF with one content stream per
// page. The pages share a Helvetica font named /F1.
func BuildPDF(pages []string) []byte {
	return build(pages, helvetica)
}

// TextPDF builds a PDF with one page per text.
func TextPDF(pages ...string) []byte {
	streams := make([]string, len(pages))
	for i, text := range pages {
		streams[i] = TextPage(text)
	}
	return BuildPDF(streams)
}

// GlyphIDs encodes printable ASCII text as the 2-byte glyph IDs shown with
// the font of IdentityFontPDF.
func GlyphIDs(text string) string {
	var b strings.Builder
	b.WriteByte('<')
	for _, r := range text {
		fmt.Fprintf(&b, "%04X", r-glyphOffset)
	}
	b.WriteByte('>')
	return b.String()
}

// IdentityFontPDF builds a PDF with one page per text, each shown as glyph
// IDs of a Type0 font. Only a ToUnicode map links the glyphs to the text.
func IdentityFontPDF(pages ...string) []byte {
	streams := make([]string, len(pages))
	for i, text := range pages {
		streams[i] = fmt.Sprintf("BT /F1 12 Tf 72 720 Td %s Tj ET", GlyphIDs(text))
	}
	return build(streams, identityFont)
}

// EncryptedPDF returns TextPDF(pages...) encrypted with AES-256. It can't be
// opened without userPassword.
func EncryptedPDF(userPassword string, pages ...string) ([]byte, error) {
	var buf bytes.Buffer
	conf := model.NewAESConfiguration(userPassword, userPassword+"-owner", 256)
	if err := api.Encrypt(bytes.NewReader(TextPDF(pages...)), &buf, conf); err != nil {
		return nil, fmt.Errorf("encrypting pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// cfbSignature opens the compound file container Office uses for encrypted
// documents.
var cfbSignature = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// EncryptedDOCX returns the head of a password protected Word document.
func EncryptedDOCX() []byte {
	return append(append([]byte(nil), cfbSignature...), make([]byte, 512)...)
}
