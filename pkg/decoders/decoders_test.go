package decoders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/kermem/pkg/errdefs"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	for _, mime := range []string{MimeTextPlain, MimeMarkdown, MimeHTML, MimePDF, "text/plain; charset=utf-8"} {
		_, err := r.Lookup(mime)
		assert.NoError(t, err, mime)
	}

	_, err := r.Lookup("application/x-unknown")
	assert.True(t, errdefs.IsValidation(err))
	assert.Contains(t, err.Error(), "no decoder registered")
}

func TestImagesRequireOCR(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(MimeImagePNG)
	assert.True(t, errdefs.IsValidation(err))
}

func TestTextDecoder(t *testing.T) {
	d := NewTextDecoder()
	ctx := context.Background()

	content, err := d.Decode(ctx, "a.txt", []byte("hello world"))
	require.NoError(t, err)
	require.Len(t, content.Sections, 1)
	assert.Equal(t, "hello world", content.Sections[0].Text)
	assert.Equal(t, 1, content.Sections[0].Number)

	// Empty input decodes to zero sections.
	content, err = d.Decode(ctx, "empty.txt", nil)
	require.NoError(t, err)
	assert.Empty(t, content.Sections)

	content, err = d.Decode(ctx, "blank.txt", []byte("   \n  "))
	require.NoError(t, err)
	assert.Empty(t, content.Sections)
}

func TestMarkdownDecoderSplitsOnHeadings(t *testing.T) {
	d := NewMarkdownDecoder()
	input := []byte("# Intro\nfirst part\n# Details\nsecond part\n")

	content, err := d.Decode(context.Background(), "doc.md", input)
	require.NoError(t, err)
	require.Len(t, content.Sections, 2)
	assert.Contains(t, content.Sections[0].Text, "Intro")
	assert.Contains(t, content.Sections[1].Text, "Details")
	assert.Equal(t, 1, content.Sections[0].Number)
	assert.Equal(t, 2, content.Sections[1].Number)
}

func TestHTMLDecoderStripsMarkup(t *testing.T) {
	d := NewHTMLDecoder()
	input := []byte(`<html><head><title>t</title><style>body{}</style></head>
		<body><script>var x=1;</script><p>visible text</p><div>more text</div></body></html>`)

	content, err := d.Decode(context.Background(), "page.html", input)
	require.NoError(t, err)
	require.Len(t, content.Sections, 1)
	text := content.Sections[0].Text
	assert.Contains(t, text, "visible text")
	assert.Contains(t, text, "more text")
	assert.NotContains(t, text, "var x=1")
	assert.NotContains(t, text, "body{}")
	assert.NotContains(t, text, "<p>")

	// Empty input decodes to zero sections.
	content, err = d.Decode(context.Background(), "empty.html", nil)
	require.NoError(t, err)
	assert.Empty(t, content.Sections)
}

func TestPDFDecoderEmptyInput(t *testing.T) {
	d := NewPDFDecoder()
	content, err := d.Decode(context.Background(), "empty.pdf", nil)
	require.NoError(t, err)
	assert.Empty(t, content.Sections)
}

func TestMimeFromFilename(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"report.pdf", MimePDF},
		{"notes.md", MimeMarkdown},
		{"page.HTML", MimeHTML},
		{"data.json", MimeJSON},
		{"photo.png", MimeImagePNG},
		{"readme", MimeTextPlain},
		{"blob.bin", MimeOctetStream},
		{"archive.xyz", MimeOctetStream},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MimeFromFilename(tt.file), tt.file)
	}
}
