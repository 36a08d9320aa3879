package jobs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	err := NewError(ErrTool, "exit status %d", 1)
	assert.Equal(t, "tool_error: exit status 1", err.Error())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantNil       bool
		wantKind      ErrorKind
		wantTransient bool
	}{
		{
			name:    "nil error",
			err:     nil,
			wantNil: true,
		},
		{
			name:          "structured error passes through",
			err:           NewError(ErrInvalidRequest, "bad kind"),
			wantKind:      ErrInvalidRequest,
			wantTransient: false,
		},
		{
			name:          "wrapped structured error passes through",
			err:           fmt.Errorf("attempt failed: %w", NewTransientError(ErrTimeout, "deadline exceeded")),
			wantKind:      ErrTimeout,
			wantTransient: true,
		},
		{
			name:          "plain error becomes transient tool error",
			err:           errors.New("connection reset"),
			wantKind:      ErrTool,
			wantTransient: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)

			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantTransient, got.Transient)
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransientError(ErrFetch, "connection refused")))
	assert.False(t, IsTransient(NewError(ErrTool, "unknown encoder")))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", NewTransientError(ErrTimeout, "timed out"))))
	assert.False(t, IsTransient(errors.New("no kind attached")))
	assert.False(t, IsTransient(nil))
}
