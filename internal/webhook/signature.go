// Package webhook receives and validates provider webhook traffic: the
// subscription handshake, signature checks, payload parsing, event
// deduplication, and per-sender rate limiting.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifySignature checks an X-Hub-Signature-256 style header against the
// raw request body using HMAC-SHA256. The header may carry a "sha256="
// prefix or be bare hex. Malformed input counts as a failed verification,
// never an error, and the digest comparison is constant-time.
func VerifySignature(body []byte, header string, secret []byte) bool {
	if header == "" || len(secret) == 0 {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
