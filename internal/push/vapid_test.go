package push

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeApplicationServerKey(t *testing.T) {
	raw := []byte{0xf8, 0xff, 0xfe, 0x3e, 0x3f, 0x00, 0x10}
	key := base64.RawURLEncoding.EncodeToString(raw)
	require.Contains(t, key, "-", "fixture exercises the url-safe alphabet")
	require.Contains(t, key, "_")

	got, err := DecodeApplicationServerKey(key)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	padded := base64.URLEncoding.EncodeToString(raw)
	got, err = DecodeApplicationServerKey(padded)
	require.NoError(t, err, "already padded keys decode too")
	assert.Equal(t, raw, got)
}

func TestDecodeApplicationServerKeyPadding(t *testing.T) {
	for n := 1; n <= 6; n++ {
		raw := make([]byte, n)
		for i := range raw {
			raw[i] = byte(0xf0 + i)
		}
		got, err := DecodeApplicationServerKey(base64.RawURLEncoding.EncodeToString(raw))
		require.NoError(t, err, "length %d", n)
		assert.Equal(t, raw, got)
	}
}

func TestDecodeApplicationServerKeyInvalid(t *testing.T) {
	for _, key := range []string{"", "   ", "not base64!", "A"} {
		_, err := DecodeApplicationServerKey(key)
		assert.Error(t, err, "%q", key)
	}
}
