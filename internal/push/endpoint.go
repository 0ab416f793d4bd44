package push

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/google/uuid"
)

// MintEndpointID returns a fresh push endpoint id. With a secret the id
// carries a MAC of its nonce, so the worker accepts pushes to it without
// keeping a list of minted endpoints.
func MintEndpointID(secret string) string {
	nonce := uuid.NewString()
	if secret == "" {
		return nonce
	}
	return nonce + "." + endpointMAC(secret, nonce)
}

// VerifyEndpointID reports whether id was minted with secret.
func VerifyEndpointID(secret, id string) bool {
	if secret == "" {
		return false
	}
	nonce, mac, ok := strings.Cut(id, ".")
	if !ok || nonce == "" {
		return false
	}
	return hmac.Equal([]byte(mac), []byte(endpointMAC(secret, nonce)))
}

func endpointMAC(secret, nonce string) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
