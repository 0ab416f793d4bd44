package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerRejected(t *testing.T) {
	err := Wrap(ServerRejected(503, "maintenance"), "post subscription")

	assert.True(t, Is(err, ErrServerRejected))
	assert.False(t, Is(err, ErrPermissionDenied))
	assert.Equal(t, 503, StatusOf(err))
	assert.Contains(t, err.Error(), "503")

	var se *StatusError
	assert.True(t, As(err, &se))
	assert.Equal(t, "maintenance", se.Body)
}

func TestStatusOfPlainError(t *testing.T) {
	assert.Zero(t, StatusOf(New("boom")))
	assert.Zero(t, StatusOf(nil))
}

func TestMarkKeepsSentinel(t *testing.T) {
	err := Mark(Wrap(New("manifest missing"), "install"), ErrRegistrationFailed)
	assert.True(t, Is(err, ErrRegistrationFailed))
	assert.Contains(t, err.Error(), "manifest missing")
}
