// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
)

// The error taxonomy used by the SSH transport layer.
// Every operation-level failure is one of these, wrapped with
// fmt.Errorf("...: %w", ...) so errors.Is/errors.As keep working through
// the call stack.
var (
	ErrLookupFailure = errors.New("transport: DNS lookup failed")
	ErrTimeout       = errors.New("transport: operation exceeded configured timeout")
	ErrUnknownKey    = errors.New("transport: host key does not match pinned fingerprint")
	ErrNoHostkey     = errors.New("transport: hop has no pinned host key yet")
	ErrNoSuchHost    = errors.New("transport: unknown host")
	ErrPortCastFailed = errors.New("transport: configured port is out of range")
)

// ExecutionError wraps an unexpected failure while running a remote
// command or opening a channel — anything that isn't a clean non-zero exit.
type ExecutionError struct {
	Op  string
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CommandFailed reports a remote command that ran but did not satisfy the
// caller's expectation (non-zero exit, or output that failed a sanity
// check such as the post-connect whoami assertion).
type CommandFailed struct {
	Command     string
	ExitCode    int
	Output      string
	Expectation string
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("transport: command %q failed (%s): exit=%d output=%q", e.Command, e.Expectation, e.ExitCode, e.Output)
}
