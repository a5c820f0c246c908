package authkeys

import (
	"strconv"
	"strings"
)

// HasPragma reports whether content contains both the begin and end pragma
// markers, as the keyfile fetcher uses to set ParsedState.HasPragma.
func HasPragma(content string) bool {
	return strings.Contains(content, PragmaBegin) && strings.Contains(content, PragmaEnd)
}

// ParseBeginSerial extracts the serial:N field Generate writes onto the
// pragma begin line (e.g. "# keysyncd-BEGIN managed-by:keysyncd host:web1
// login:deploy serial:3"). ok is false if line isn't a begin line or
// carries no parseable serial field, which a hand-edited pragma or one
// written by an older keysyncd can produce.
func ParseBeginSerial(line string) (serial int, ok bool) {
	if !strings.HasPrefix(line, PragmaBegin) {
		return 0, false
	}
	for _, field := range strings.Fields(line) {
		value, found := strings.CutPrefix(field, "serial:")
		if !found {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
