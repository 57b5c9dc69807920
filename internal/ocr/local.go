package ocr

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/clausechat/clausechat/provider"
)

// LocalPDF extracts text from PDF bytes in-process. It stands in for
// the hosted document intelligence service when none is configured,
// which keeps the pipeline usable in development. Only PDFs are
// supported and no annotations are produced.
type LocalPDF struct{}

func (LocalPDF) ExtractText(_ context.Context, data []byte, mimeType string) ([]provider.Page, error) {
	if mimeType != "application/pdf" {
		return nil, fmt.Errorf("local extraction supports only PDF, got %s", mimeType)
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	var pages []provider.Page
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", i, err)
		}
		pages = append(pages, provider.Page{Index: i, Text: text})
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdf produced no pages")
	}
	return pages, nil
}

func (LocalPDF) ExtractAnnotations(context.Context, []byte, string, int) (provider.Annotation, error) {
	return provider.Annotation{}, fmt.Errorf("local extraction does not produce annotations")
}
