package authkeys

import "strings"

// SplitOptionList splits a comma-separated OpenSSH options string into its
// individual option tokens, honoring quoted values that may contain commas.
// A bare options string (no embedded commas) returns a single-element slice.
func SplitOptionList(options string) []string {
	if options == "" {
		return nil
	}
	var out []string
	var b strings.Builder
	inQuotes := false
	for i := 0; i < len(options); i++ {
		c := options[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			b.WriteByte(c)
		case c == ',' && !inQuotes:
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	out = append(out, b.String())
	return out
}

// NormalizeOptions re-renders an options string through a parser/printer
// round trip: each option token is trimmed of incidental whitespace and
// rejoined with a single comma. This is deliberately ORDER-SENSITIVE —
// "no-pty,no-X11-forwarding" and "no-X11-forwarding,no-pty" normalize to
// different strings. A fully order-independent comparison (sort tokens,
// then compare) would be a correctness improvement; the diff engine
// intentionally does not do that, since two authorized_keys lines that
// differ only in option order are a real (if cosmetic) difference an
// operator may want surfaced.
func NormalizeOptions(options string) string {
	tokens := SplitOptionList(options)
	if tokens == nil {
		return ""
	}
	for i, t := range tokens {
		tokens[i] = strings.TrimSpace(t)
	}
	return strings.Join(tokens, ",")
}
