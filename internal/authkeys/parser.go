// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package authkeys parses and renders OpenSSH authorized_keys lines. The
// entry parser and the authorized-keys generator both live here since they
// are two directions of the same grammar.
package authkeys // import "github.com/opskeys/keysyncd/internal/authkeys"

import (
	"strings"

	"github.com/opskeys/keysyncd/internal/model"
)

// knownAlgorithmPrefixes lists the token prefixes that mark the start of the
// key-type field in an authorized_keys line, distinguishing it from a
// leading options list.
var knownAlgorithmPrefixes = []string{"ssh-", "ecdsa-", "sk-"}

// ParseLine parses one non-blank, non-comment authorized_keys line into
// either an AuthorizedEntry or a ParseError. It never panics and never
// returns a Go error — every failure is folded into the returned Entry so
// the diff engine can surface it as a FaultyKey item.
func ParseLine(line string) model.Entry {
	raw := line
	trimmed := strings.TrimRight(line, "\r\n")

	options, rest, err := splitOptions(trimmed)
	if err != nil {
		return fail(err.Error(), raw)
	}

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return fail("missing algorithm or key data after options", raw)
	}
	if !looksLikeAlgorithm(fields[0]) {
		return fail("no recognized key algorithm found", raw)
	}

	algorithm := fields[0]
	base64Blob := fields[1]
	comment := ""
	if len(fields) > 2 {
		comment = strings.TrimSpace(strings.Join(fields[2:], " "))
	}

	return model.Entry{Authorized: &model.AuthorizedEntry{
		Options:   options,
		Algorithm: algorithm,
		Base64:    base64Blob,
		Comment:   comment,
	}}
}

func fail(msg, original string) model.Entry {
	return model.Entry{Error: &model.ParseError{Message: msg, OriginalLine: original}}
}

func looksLikeAlgorithm(field string) bool {
	for _, p := range knownAlgorithmPrefixes {
		if strings.HasPrefix(field, p) {
			return true
		}
	}
	return false
}

// splitOptions separates a leading comma-separated options list from the
// rest of the line. Options may be quoted and a quoted value may itself
// contain commas — those must not split the list. If the line's first
// whitespace-delimited token already looks like an algorithm, there are no
// options and rest is the line unchanged.
func splitOptions(line string) (options, rest string, err error) {
	trimmed := strings.TrimLeft(line, " \t")
	firstField := trimmed
	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		firstField = trimmed[:idx]
	}
	if looksLikeAlgorithm(firstField) {
		return "", trimmed, nil
	}

	var b strings.Builder
	inQuotes := false
	i := 0
	for i < len(trimmed) {
		c := trimmed[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			b.WriteByte(c)
		case (c == ' ' || c == '\t') && !inQuotes:
			// End of the options list: the rest of the line is the key.
			return b.String(), strings.TrimLeft(trimmed[i:], " \t"), nil
		default:
			b.WriteByte(c)
		}
		i++
	}
	if inQuotes {
		return "", "", errUnterminatedQuote
	}
	// Consumed the whole line without finding a key — not a valid entry.
	return "", "", errNoKeyAfterOptions
}
