package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIndexName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"empty maps to default", "", "default", false},
		{"default stays default", "default", "default", false},
		{"underscores become hyphens", "My_Index", "my-index", false},
		{"uppercase lowered", "NEWS", "news", false},
		{"already canonical", "my-index.v2", "my-index.v2", false},
		{"surrounding spaces trimmed", "  docs  ", "docs", false},
		{"reserved -default maps to default", "-default", "default", false},
		{"illegal characters rejected", "my index!", "", true},
		{"over-length rejected", strings.Repeat("a", 129), "", true},
		{"max length accepted", strings.Repeat("a", 128), strings.Repeat("a", 128), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeIndexName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateDocumentID(t *testing.T) {
	assert.NoError(t, ValidateDocumentID("doc-001"))
	assert.NoError(t, ValidateDocumentID("report.2024"))
	assert.Error(t, ValidateDocumentID("has space"))
	assert.Error(t, ValidateDocumentID(strings.Repeat("x", 129)))
	assert.Error(t, ValidateDocumentID(""))
}
