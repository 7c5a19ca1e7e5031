package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormatsContext(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Registry", "IngestAnnouncement", "schema check")
	require.Error(t, err)
	assert.Equal(t, "Registry.IngestAnnouncement: schema check failed: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
	assert.NoError(t, WrapTransient(nil, "c", "m", "a"))
	assert.NoError(t, WrapInvalid(nil, "c", "m", "a"))
	assert.NoError(t, WrapFatal(nil, "c", "m", "a"))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapInvalid(ErrInvalidAnnouncement, "Registry", "IngestAnnouncement", "validate")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorInvalid, ce.Class)
	assert.Equal(t, "Registry", ce.Component)
	assert.ErrorIs(t, err, ErrInvalidAnnouncement)
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"invalid announcement", ErrInvalidAnnouncement, ErrorInvalid},
		{"validation failure", ErrValidationFailed, ErrorInvalid},
		{"unknown format", ErrUnknownFormat, ErrorInvalid},
		{"transform failure", ErrTransformFailed, ErrorInvalid},
		{"invalid topic", ErrInvalidTopic, ErrorInvalid},
		{"connection lost", ErrConnectionLost, ErrorTransient},
		{"storage unavailable", ErrStorageUnavailable, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"missing config", ErrMissingConfig, ErrorFatal},
		{"unknown error defaults transient", stderrors.New("mystery"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrappedClassificationWins(t *testing.T) {
	// A wrapped class takes precedence over sentinel-based classification.
	err := WrapTransient(ErrInvalidData, "KV", "Put", "cache write")
	assert.True(t, IsTransient(err))
	assert.False(t, IsInvalid(err))
}

func TestTransientMessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("nats: connection refused")))
	assert.True(t, IsTransient(stderrors.New("request timeout")))
	assert.False(t, IsTransient(nil))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
