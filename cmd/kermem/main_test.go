package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/recallio/kermem/pkg/errdefs"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", errdefs.Validationf("bad index name"), 1},
		{"not found", errdefs.NotFound("document %s", "doc-1"), 1},
		{"wrapped validation", fmt.Errorf("upload: %w", errdefs.Validationf("no files")), 1},
		{"system", errors.New("connection refused"), 2},
		{"configuration", errdefs.Configurationf("missing api key"), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestArgValidatorsReturnUserErrors(t *testing.T) {
	err := exactArgs(1)(searchCmd, nil)
	assert.True(t, errdefs.IsValidation(err))
	assert.Equal(t, 1, exitCode(err))

	err = minimumArgs(1)(uploadCmd, nil)
	assert.True(t, errdefs.IsValidation(err))

	// The right number of arguments passes through.
	assert.NoError(t, exactArgs(1)(searchCmd, []string{"query"}))
}
