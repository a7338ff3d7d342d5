package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, None},
		{"typed", New(NoCredits, "send"), NoCredits},
		{"wrapped", fmt.Errorf("outer: %w", New(EPInvalid, "activate")), EPInvalid},
		{"untyped", errors.New("plain"), Unspecified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := Wrap(NoMsgs, "fetch", errors.New("empty"))
	assert.True(t, Is(err, NoMsgs))
	assert.False(t, Is(err, NoCredits))

	// errors.Is matches on the code regardless of operation
	assert.True(t, errors.Is(err, New(NoMsgs, "")))
}

func TestErrorString(t *testing.T) {
	err := New(NoPerm, "mgate.write")
	assert.Contains(t, err.Error(), "mgate.write")
	assert.Contains(t, err.Error(), "NoPerm")
	assert.Contains(t, err.Error(), "permission denied")
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("inner")
	err := Wrap(Abort, "op", inner)
	assert.Equal(t, inner, errors.Unwrap(err))
}
