package contactsdb

import "strings"

// normalizePhoneNumber reduces a phone number to the opaque comparison form
// used for matching and aggregation (spec §4.D, §4.G): strip everything but
// digits and a single leading '+', then drop the leading '+' and any
// leading international trunk prefix so that "+1 555-0100", "001 555 0100"
// and "5550100" normalize to comparable forms differing only in country
// code handling. The function is intentionally pure and idempotent:
// normalizePhoneNumber(normalizePhoneNumber(n)) == normalizePhoneNumber(n).
func normalizePhoneNumber(raw string) string {
	var b strings.Builder

	leadingPlus := false

	for i, r := range raw {
		switch {
		case r == '+' && i == 0:
			leadingPlus = true
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			// All other characters (spaces, hyphens, parens, letters) are
			// formatting noise and are dropped.
		}
	}

	digits := b.String()

	if leadingPlus {
		return digits
	}

	// A long run of leading zeros is an international trunk prefix (e.g.
	// "00" in much of Europe); collapse it the same way a leading '+' would
	// so that "0044..." and "+44..." normalize identically.
	trimmed := strings.TrimLeft(digits, "0")
	if len(digits)-len(trimmed) >= 2 {
		return trimmed
	}

	return digits
}
