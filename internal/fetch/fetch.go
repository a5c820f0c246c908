// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package fetch implements the keyfile fetcher: it runs a small remote
// script over an already-open transport.Conn that enumerates real login
// accounts and their authorized_keys files, then parses the result
// in-process into a model.ParsedState.
package fetch

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/opskeys/keysyncd/internal/authkeys"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/transport"
)

// FetchError reports that the remote enumeration itself failed — as
// opposed to a per-entry model.ParseError, which means the enumeration
// succeeded but one line of one keyfile was malformed.
type FetchError struct {
	HostName string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: %s: %v", e.HostName, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetch runs the remote enumeration script over conn and parses its output
// into a model.ParsedState. It never returns a partial state: either the
// whole host's listing came back and was parsed, or a FetchError is
// returned; the host-state cache stores that error as the host's entry,
// replacing any earlier state.
func Fetch(conn transport.Conn, hostName string) (*model.ParsedState, error) {
	exitCode, output, err := conn.Exec(remoteScript)
	if err != nil {
		return nil, &FetchError{HostName: hostName, Err: err}
	}
	if exitCode != 0 {
		return nil, &FetchError{HostName: hostName, Err: fmt.Errorf("enumeration script exited %d: %s", exitCode, output)}
	}

	state, err := parseListing(output)
	if err != nil {
		return nil, &FetchError{HostName: hostName, Err: err}
	}
	return state, nil
}

// parseListing decodes the script's tab-separated LOGIN records into a
// ParsedState, parsing each keyfile's lines through authkeys.ParseLine.
func parseListing(output string) (*model.ParsedState, error) {
	state := &model.ParsedState{}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) != 5 || fields[0] != "LOGIN" {
			return nil, fmt.Errorf("malformed enumeration record: %q", line)
		}

		login := fields[1]
		hasPragma, err := strconv.ParseBool(normalizeBoolFlag(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("malformed has_pragma flag for login %s: %q", login, fields[2])
		}
		readonlyCondition := fields[3]
		encoded := fields[4]

		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("malformed base64 content for login %s: %w", login, err)
		}

		ls := model.LoginState{
			Login:             login,
			HasPragma:         hasPragma,
			ReadonlyCondition: readonlyCondition,
		}
		for _, keyLine := range strings.Split(string(content), "\n") {
			keyLine = strings.TrimSpace(keyLine)
			if keyLine == "" {
				continue
			}
			if strings.HasPrefix(keyLine, "#") {
				if serial, ok := authkeys.ParseBeginSerial(keyLine); ok {
					ls.Serial, ls.HasSerial = serial, true
				}
				continue
			}
			ls.Entries = append(ls.Entries, authkeys.ParseLine(keyLine))
		}
		state.Logins = append(state.Logins, ls)
	}

	return state, nil
}

func normalizeBoolFlag(f string) string {
	if f == "1" {
		return "true"
	}
	return "false"
}
