package decoders

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

// PDFDecoder extracts plain text from PDF files, one section per page.
// Page text flows, so sections are marked sentences-incomplete and the
// partitioner may overlap across page boundaries.
type PDFDecoder struct{}

// NewPDFDecoder creates a PDF decoder.
func NewPDFDecoder() *PDFDecoder { return &PDFDecoder{} }

func (d *PDFDecoder) SupportedMimeTypes() []string {
	return []string{MimePDF}
}

func (d *PDFDecoder) Decode(ctx context.Context, filename string, data []byte) (*types.FileContent, error) {
	content := &types.FileContent{}
	if len(data) == 0 {
		return content, nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errdefs.Validation(fmt.Errorf("failed to open pdf %s: %w", filename, err))
	}

	number := 0
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, errdefs.Validation(fmt.Errorf("failed to extract text from page %d of %s: %w", pageNum, filename, err))
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		number++
		content.Sections = append(content.Sections, types.Section{
			Number:            number,
			Text:              text,
			SentencesComplete: false,
		})
	}
	return content, nil
}
