package session

import "strings"

// normalizeRecipient turns a loosely formatted phone number into a protocol
// recipient address:
//   - anything after "@" is discarded so already-addressed input is not
//     double-suffixed
//   - non-digit characters are stripped
//   - a leading local "0" is rewritten to the configured country code
//   - the domain suffix is appended
func normalizeRecipient(raw, countryCode, suffix string) string {
	if idx := strings.IndexByte(raw, '@'); idx >= 0 {
		raw = raw[:idx]
	}

	var b strings.Builder
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			b.WriteRune(c)
		}
	}
	digits := b.String()

	if strings.HasPrefix(digits, "0") {
		digits = countryCode + digits[1:]
	}
	return digits + suffix
}
