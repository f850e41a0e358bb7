package decoders

import (
	"context"
	"strings"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

// Common mime types the pipeline recognizes.
const (
	MimeTextPlain   = "text/plain"
	MimeMarkdown    = "text/markdown"
	MimeHTML        = "text/html"
	MimePDF         = "application/pdf"
	MimeJSON        = "application/json"
	MimeImagePNG    = "image/png"
	MimeImageJPEG   = "image/jpeg"
	MimeOctetStream = "application/octet-stream"
)

// Decoder extracts text sections from one file format.
type Decoder interface {
	// SupportedMimeTypes lists the mime types this decoder accepts.
	SupportedMimeTypes() []string

	// Decode extracts ordered text sections from data. Empty input
	// yields zero sections, not an error.
	Decode(ctx context.Context, filename string, data []byte) (*types.FileContent, error)
}

// OCREngine turns images into text. The pipeline has no built-in
// engine; importing an image without one registered fails the pipeline.
type OCREngine interface {
	ExtractText(ctx context.Context, filename string, data []byte) (string, error)
}

// Registry maps mime types to decoders.
type Registry struct {
	byMime map[string]Decoder
}

// NewRegistry creates a registry preloaded with the built-in decoders.
func NewRegistry() *Registry {
	r := &Registry{byMime: make(map[string]Decoder)}
	r.Register(NewTextDecoder())
	r.Register(NewMarkdownDecoder())
	r.Register(NewHTMLDecoder())
	r.Register(NewPDFDecoder())
	return r
}

// Register adds a decoder for all of its mime types, replacing any
// previous registration.
func (r *Registry) Register(d Decoder) {
	for _, mime := range d.SupportedMimeTypes() {
		r.byMime[normalizeMime(mime)] = d
	}
}

// RegisterOCR wires an OCR engine as the decoder for image types.
func (r *Registry) RegisterOCR(engine OCREngine) {
	r.Register(&ocrDecoder{engine: engine})
}

// Lookup returns the decoder for a mime type, or a validation error
// naming the missing decoder.
func (r *Registry) Lookup(mime string) (Decoder, error) {
	if d, ok := r.byMime[normalizeMime(mime)]; ok {
		return d, nil
	}
	return nil, errdefs.Validationf("no decoder registered for mime type %q", mime)
}

// MimeFromFilename guesses a mime type from the file extension. Files
// without an extension are treated as plain text; unrecognized
// extensions map to application/octet-stream, which no decoder accepts,
// so binary uploads without an explicit mime type fail extraction
// instead of being decoded as text.
func MimeFromFilename(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".txt"):
		return MimeTextPlain
	case strings.HasSuffix(lower, ".md") || strings.HasSuffix(lower, ".markdown"):
		return MimeMarkdown
	case strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm"):
		return MimeHTML
	case strings.HasSuffix(lower, ".pdf"):
		return MimePDF
	case strings.HasSuffix(lower, ".json"):
		return MimeJSON
	case strings.HasSuffix(lower, ".png"):
		return MimeImagePNG
	case strings.HasSuffix(lower, ".jpg") || strings.HasSuffix(lower, ".jpeg"):
		return MimeImageJPEG
	case !strings.Contains(lower, "."):
		return MimeTextPlain
	default:
		return MimeOctetStream
	}
}

func normalizeMime(mime string) string {
	// Strip parameters such as "; charset=utf-8".
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

type ocrDecoder struct {
	engine OCREngine
}

func (d *ocrDecoder) SupportedMimeTypes() []string {
	return []string{MimeImagePNG, MimeImageJPEG}
}

func (d *ocrDecoder) Decode(ctx context.Context, filename string, data []byte) (*types.FileContent, error) {
	text, err := d.engine.ExtractText(ctx, filename, data)
	if err != nil {
		return nil, err
	}
	content := &types.FileContent{}
	if strings.TrimSpace(text) != "" {
		content.Sections = append(content.Sections, types.Section{Number: 1, Text: text, SentencesComplete: false})
	}
	return content, nil
}
