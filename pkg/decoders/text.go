package decoders

import (
	"context"
	"strings"

	"github.com/recallio/kermem/pkg/types"
)

// TextDecoder handles plain text: the whole file is one section.
type TextDecoder struct{}

// NewTextDecoder creates a plain-text decoder.
func NewTextDecoder() *TextDecoder { return &TextDecoder{} }

func (d *TextDecoder) SupportedMimeTypes() []string {
	return []string{MimeTextPlain, MimeJSON}
}

func (d *TextDecoder) Decode(ctx context.Context, filename string, data []byte) (*types.FileContent, error) {
	content := &types.FileContent{}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return content, nil
	}
	content.Sections = append(content.Sections, types.Section{
		Number:            1,
		Text:              text,
		SentencesComplete: false,
	})
	return content, nil
}

// MarkdownDecoder treats markdown as text, splitting on top-level
// headings so each heading starts a section.
type MarkdownDecoder struct{}

// NewMarkdownDecoder creates a markdown decoder.
func NewMarkdownDecoder() *MarkdownDecoder { return &MarkdownDecoder{} }

func (d *MarkdownDecoder) SupportedMimeTypes() []string {
	return []string{MimeMarkdown}
}

func (d *MarkdownDecoder) Decode(ctx context.Context, filename string, data []byte) (*types.FileContent, error) {
	content := &types.FileContent{}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return content, nil
	}
	number := 0
	var current []string
	flush := func() {
		section := strings.TrimSpace(strings.Join(current, "\n"))
		current = current[:0]
		if section == "" {
			return
		}
		number++
		content.Sections = append(content.Sections, types.Section{
			Number:            number,
			Text:              section,
			SentencesComplete: false,
		})
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "# ") && len(current) > 0 {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return content, nil
}
