// Package phone canonicalizes Brazilian phone numbers so every WhatsApp
// provider format joins on the same key.
package phone

import (
	"errors"
	"fmt"
	"strings"
)

// CountryCode is the Brazilian international dialing prefix.
const CountryCode = "55"

// ErrInvalidPhone is returned (wrapped) for any input that cannot be canonicalized.
var ErrInvalidPhone = errors.New("phone: invalid phone")

// Canonical is a digits-only number: 55 + DDD + 8 (landline) or 9 (mobile) digits.
type Canonical string

// validDDD is the Anatel area code set.
var validDDD = map[string]struct{}{}

func init() {
	codes := []string{
		"11", "12", "13", "14", "15", "16", "17", "18", "19",
		"21", "22", "24", "27", "28",
		"31", "32", "33", "34", "35", "37", "38",
		"41", "42", "43", "44", "45", "46", "47", "48", "49",
		"51", "53", "54", "55",
		"61", "62", "63", "64", "65", "66", "67", "68", "69",
		"71", "73", "74", "75", "77", "79",
		"81", "82", "83", "84", "85", "86", "87", "88", "89",
		"91", "92", "93", "94", "95", "96", "97", "98", "99",
	}
	for _, c := range codes {
		validDDD[c] = struct{}{}
	}
}

// IsValidDDD reports whether ddd is a Brazilian area code.
func IsValidDDD(ddd string) bool {
	_, ok := validDDD[ddd]
	return ok
}

// Normalize canonicalizes raw. Numbers without an area code are rejected.
func Normalize(raw string) (Canonical, error) {
	return NormalizeWithDefaultDDD(raw, "")
}

// NormalizeWithDefaultDDD canonicalizes raw, using defaultDDD for 8/9 digit
// local numbers that carry no area code.
func NormalizeWithDefaultDDD(raw, defaultDDD string) (Canonical, error) {
	digits := extractDigits(raw)
	if digits == "" {
		return "", fmt.Errorf("%w: %q has no digits", ErrInvalidPhone, raw)
	}

	var national string
	switch n := len(digits); {
	case (n == 12 || n == 13) && strings.HasPrefix(digits, CountryCode):
		national = digits[2:]
	case n == 10 || n == 11:
		national = digits
	case n == 8 || n == 9:
		if defaultDDD == "" {
			return "", fmt.Errorf("%w: %q is missing the area code", ErrInvalidPhone, raw)
		}
		national = defaultDDD + digits
	default:
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidPhone, raw, n)
	}

	ddd, subscriber := national[:2], national[2:]
	if !IsValidDDD(ddd) {
		return "", fmt.Errorf("%w: unknown area code %s", ErrInvalidPhone, ddd)
	}

	switch len(subscriber) {
	case 9:
		if subscriber[0] != '9' {
			return "", fmt.Errorf("%w: 9-digit number must start with 9", ErrInvalidPhone)
		}
	case 8:
		switch subscriber[0] {
		case '6', '7', '8', '9':
			// Legacy mobile; the modern plan adds the leading 9.
			subscriber = "9" + subscriber
		case '2', '3', '4', '5':
		default:
			return "", fmt.Errorf("%w: invalid subscriber prefix %c", ErrInvalidPhone, subscriber[0])
		}
	default:
		return "", fmt.Errorf("%w: subscriber has %d digits", ErrInvalidPhone, len(subscriber))
	}

	return Canonical(CountryCode + ddd + subscriber), nil
}

// extractDigits drops WhatsApp JID suffixes, non-digits and trunk zeros.
func extractDigits(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "0")
}

// String implements fmt.Stringer.
func (c Canonical) String() string { return string(c) }

// DDD returns the two-digit area code.
func (c Canonical) DDD() string {
	if len(c) < 4 {
		return ""
	}
	return string(c[2:4])
}

// IsMobile reports whether the number is in the 9-digit mobile plan.
func (c Canonical) IsMobile() bool {
	return len(c) == 13
}

// E164 returns the +55 form used by providers that expect a plus sign.
func (c Canonical) E164() string {
	if c == "" {
		return ""
	}
	return "+" + string(c)
}

// WhatsAppJID returns the personal chat JID for the number.
func (c Canonical) WhatsAppJID() string {
	return string(c) + "@s.whatsapp.net"
}

// Masked hides the middle digits for logs.
func (c Canonical) Masked() string {
	s := string(c)
	if len(s) < 8 {
		return s
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
