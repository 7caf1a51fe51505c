package protoerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindMatching(t *testing.T) {
	err := Validation("trust.observe", ReasonInvalidMasterKeyWindow, nil)
	wrapped := fmt.Errorf("decode batch: %w", err)

	assert.True(t, errors.Is(wrapped, ErrValidation))
	assert.False(t, errors.Is(wrapped, ErrStorage))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindValidation, Reason: ReasonInvalidMasterKeyWindow}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindValidation, Reason: ReasonBadSignature}))
	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, ReasonInvalidMasterKeyWindow, ReasonOf(wrapped))
}

func TestFatalAndSkippable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		fatal     bool
		skippable bool
	}{
		{"validation", Validation("op", "", nil), false, true},
		{"decryption", Decryption("op", nil), false, true},
		{"trust", TrustViolation("op", ReasonCodeMismatch, nil), true, false},
		{"network", Network("op", errors.New("refused")), false, false},
		{"storage", Storage("op", errors.New("disk full")), true, false},
		{"plain", errors.New("boom"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, Fatal(tt.err))
			assert.Equal(t, tt.skippable, Skippable(tt.err))
		})
	}
	assert.False(t, Fatal(nil))
}

func TestErrorString(t *testing.T) {
	err := Storage("store.put", errors.New("disk full"))
	assert.Equal(t, "store.put: storage: disk full", err.Error())

	err = Validation("", ReasonBadSignature, nil)
	assert.Equal(t, "validation (BadSignature)", err.Error())

	cause := errors.New("disk full")
	assert.ErrorIs(t, Storage("x", cause), cause)
	assert.Nil(t, Wrapf(nil, "nothing"))
}
