// Package identity canonicalizes phone-style identifiers so every layer of
// the bridge keys on the same value for the same remote contact.
package identity

import "strings"

const (
	// Brazilian numbers that lost the mobile "9" prefix: country code 55
	// plus a 2-digit area code plus an 8-digit subscriber is 12 digits.
	brCountryCode = "55"
	brShortLen    = 12

	minDigits = 10
	maxDigits = 15
)

// Normalize reduces a raw identifier to its canonical digits-only form.
// Transport routing suffixes ("5511...@s.whatsapp.net") are cut at the
// first "@", every non-digit character is dropped, and Brazilian mobile
// numbers missing their leading 9 get it reinserted. Idempotent: the
// reinserted form is 13 digits and never matches the 12-digit rule again.
func Normalize(raw string) string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			b.WriteByte(raw[i])
		}
	}
	digits := b.String()
	if len(digits) == brShortLen && strings.HasPrefix(digits, brCountryCode) {
		digits = digits[:4] + "9" + digits[4:]
	}
	return digits
}

// IsValid reports whether id looks like a canonical identifier: digits
// only, between 10 and 15 of them.
func IsValid(id string) bool {
	if len(id) < minDigits || len(id) > maxDigits {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

const (
	maskKeepPrefix = 4
	maskKeepSuffix = 2
)

// Mask blanks the middle of an identifier for log output, keeping the
// first four and last two characters. Values too short to mask partially
// are masked in full.
func Mask(id string) string {
	if len(id) <= maskKeepPrefix+maskKeepSuffix {
		return strings.Repeat("*", len(id))
	}
	masked := len(id) - maskKeepPrefix - maskKeepSuffix
	return id[:maskKeepPrefix] + strings.Repeat("*", masked) + id[len(id)-maskKeepSuffix:]
}
