package push

import (
	"encoding/base64"
	"strings"

	"buzzworker/internal/errors"
)

var urlSafeToStd = strings.NewReplacer("-", "+", "_", "/")

// DecodeApplicationServerKey turns a URL-safe base64 VAPID public key into
// raw bytes: URL-safe characters are mapped to the standard alphabet, the
// text is padded with '=' to a multiple of four, then decoded.
func DecodeApplicationServerKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("empty VAPID public key")
	}
	padding := strings.Repeat("=", (4-len(key)%4)%4)
	raw, err := base64.StdEncoding.DecodeString(urlSafeToStd.Replace(key + padding))
	if err != nil {
		return nil, errors.Wrap(err, "decode VAPID public key")
	}
	return raw, nil
}
