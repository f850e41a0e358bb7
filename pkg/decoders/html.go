package decoders

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/types"
)

// HTMLDecoder extracts visible text from HTML documents, skipping
// script, style, and head content.
type HTMLDecoder struct{}

// NewHTMLDecoder creates an HTML decoder.
func NewHTMLDecoder() *HTMLDecoder { return &HTMLDecoder{} }

func (d *HTMLDecoder) SupportedMimeTypes() []string {
	return []string{MimeHTML}
}

func (d *HTMLDecoder) Decode(ctx context.Context, filename string, data []byte) (*types.FileContent, error) {
	content := &types.FileContent{}
	if len(bytes.TrimSpace(data)) == 0 {
		return content, nil
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, errdefs.Validation(fmt.Errorf("failed to parse html in %s: %w", filename, err))
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "head", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlockElement(n.Data) && sb.Len() > 0 {
			sb.WriteByte('\n')
		}
	}
	walk(root)

	text := strings.TrimSpace(sb.String())
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

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr", "br", "section", "article":
		return true
	}
	return false
}
