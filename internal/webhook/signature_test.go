package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	secret := []byte("shhh")
	body := []byte(`{"object":"whatsapp_business_account","entry":[]}`)
	valid := sign(body, secret)

	tests := []struct {
		name   string
		body   []byte
		header string
		secret []byte
		want   bool
	}{
		{"prefixed hex", body, "sha256=" + valid, secret, true},
		{"bare hex", body, valid, secret, true},
		{"wrong secret", body, "sha256=" + sign(body, []byte("other")), secret, false},
		{"tampered body", []byte(`{"object":"x"}`), "sha256=" + valid, secret, false},
		{"empty header", body, "", secret, false},
		{"not hex", body, "sha256=zzzz", secret, false},
		{"truncated digest", body, "sha256=" + valid[:16], secret, false},
		{"empty secret", body, "sha256=" + valid, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.body, tt.header, tt.secret); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySignatureSingleBitFlip(t *testing.T) {
	secret := []byte("shhh")
	body := []byte(`{"object":"whatsapp_business_account"}`)
	header := "sha256=" + sign(body, secret)

	flipped := make([]byte, len(body))
	copy(flipped, body)
	flipped[10] ^= 0x01
	if VerifySignature(flipped, header, secret) {
		t.Fatal("signature verified against a body with one bit flipped")
	}
}

func TestVerifySignatureUsesRawBody(t *testing.T) {
	secret := []byte("shhh")
	// Same JSON value, different byte representation. Only the exact raw
	// bytes may verify.
	raw := []byte("{\"a\": 1}")
	reserialized := []byte(`{"a":1}`)
	header := "sha256=" + sign(raw, secret)

	if !VerifySignature(raw, header, secret) {
		t.Fatal("signature rejected for the exact raw body")
	}
	if VerifySignature(reserialized, header, secret) {
		t.Fatal("signature verified against re-serialized JSON")
	}
}
