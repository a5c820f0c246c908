// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package tofu

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// Probe connects to address:port just far enough to observe the server's
// host key, then aborts the handshake deliberately. It never authenticates
// and never sends a byte after the host key is rejected. It is built on
// top of Handler.BeginProbe/ServerKey so the same state machine governs
// both the probe and any later authenticated connection.
func Probe(address string, port int, timeout time.Duration) (string, error) {
	sender := make(chan string, 1)
	h := NewHandler()
	if err := h.BeginProbe(sender); err != nil {
		return "", err
	}

	config := &ssh.ClientConfig{
		User:            "keysyncd-probe",
		HostKeyCallback: h.HostKeyCallback(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	_, err := ssh.Dial("tcp", addr, config)
	if err == nil {
		return "", fmt.Errorf("tofu: probe dial to %s succeeded unexpectedly, no host key observed", addr)
	}

	select {
	case fp := <-sender:
		return fp, nil
	default:
		return "", fmt.Errorf("tofu: probe dial to %s failed before a host key was observed: %w", addr, err)
	}
}

// ErrAwaitingConfirmation distinguishes "we captured a fingerprint and
// refused" from a genuine dial failure, for callers that want to surface a
// different message to the operator than a plain connection error.
var ErrAwaitingConfirmation = errors.New("tofu: fingerprint captured, refused pending operator confirmation")
