package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"storage unavailable", ErrStorageUnavailable, ErrorTransient},
		{"deadline exceeded", context.DeadlineExceeded, ErrorTransient},
		{"invalid data", ErrInvalidData, ErrorInvalid},
		{"parsing failed", ErrParsingFailed, ErrorInvalid},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"missing config", ErrMissingConfig, ErrorFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_WrappedSentinel(t *testing.T) {
	err := fmt.Errorf("poll cycle: %w", ErrGatewayUnreachable)
	assert.True(t, IsTransient(err))
	assert.Equal(t, ErrorTransient, Classify(err))
}

func TestWrapTransient_PreservesChain(t *testing.T) {
	err := WrapTransient(ErrConnectionLost, "StreamAdapter", "readLoop", "receive frame")

	assert.True(t, Is(err, ErrConnectionLost))
	assert.True(t, IsTransient(err))

	var ce *ClassifiedError
	assert.True(t, As(err, &ce))
	assert.Equal(t, "StreamAdapter", ce.Component)
	assert.Equal(t, "readLoop", ce.Operation)
}

func TestWrapInvalid_Classification(t *testing.T) {
	err := WrapInvalid(ErrInvalidData, "PollAdapter", "parse", "decode response")
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "PollAdapter.parse")
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(New("schema mismatch")))
	assert.False(t, IsTransient(nil))
}
