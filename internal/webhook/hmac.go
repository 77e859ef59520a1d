package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errSignature is deliberately vague; callers answer 403 without detail.
var errSignature = errors.New("webhook verification failed")

// verifySignature checks an HMAC-SHA256 signature of body, given as plain
// hex or "sha256=<hex>".
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errSignature
	}
	if !hmac.Equal(mac(body, secret), got) {
		return errSignature
	}
	return nil
}

// Sign returns the "sha256=<hex>" signature a sender puts in the signature header.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(mac(body, secret))
}

func mac(body []byte, secret string) []byte {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return m.Sum(nil)
}
