package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

// PDFTextExtractor reads the text layer of a PDF. Image-only pages yield no
// text; the extraction gate decides what to do with that.
type PDFTextExtractor struct {
	maxPages int
}

// NewPDFTextExtractor creates an extractor. maxPages <= 0 reads every page.
func NewPDFTextExtractor(maxPages int) *PDFTextExtractor {
	return &PDFTextExtractor{maxPages: maxPages}
}

// ExtractText returns the concatenated plain text of the document.
// Parameters:
//   - ctx: checked between pages.
//   - document: raw PDF bytes.
// Returns:
//   - string: extracted text, possibly empty.
//   - error: non-nil if the PDF cannot be parsed.
func (e *PDFTextExtractor) ExtractText(ctx context.Context, document []byte) (text string, err error) {
	if len(document) == 0 {
		return "", errors.New("document is empty")
	}

	// The parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed PDF: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}

	pages := reader.NumPage()
	if e.maxPages > 0 && pages > e.maxPages {
		pages = e.maxPages
	}

	var buf bytes.Buffer
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, name := range page.Fonts() {
			if _, ok := fonts[name]; !ok {
				f := page.Font(name)
				fonts[name] = &f
			}
		}
		content, err := page.GetPlainText(fonts)
		if err != nil {
			return "", fmt.Errorf("read page %d: %w", i, err)
		}
		buf.WriteString(content)
		buf.WriteByte('\n')
	}
	return buf.String(), nil
}
