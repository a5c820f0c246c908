// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package tofu implements the trust-on-first-use first-connection handler:
// a state machine over {None, KeySender, Pinned} that captures an unknown
// host's key fingerprint once, refuses the connection it was captured on,
// and only accepts the fingerprint for real traffic after an operator has
// pinned it.
package tofu

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/opskeys/keysyncd/internal/transport"
)

// ErrMisuse reports a transition attempted from a state that forbids it
// (e.g. calling ServerKey before BeginProbe): a programmer error.
var ErrMisuse = errors.New("tofu: invalid state transition")

// state is the sealed tag of the handler's state machine.
type state interface {
	isState()
}

type noneState struct{}

func (noneState) isState() {}

// noCopy makes keySenderState non-copyable: go vet's copylocks check flags
// any accidental copy of a value containing it, catching at build time the
// fact that cloning a KeySender state is a programmer error.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

type keySenderState struct {
	_      noCopy
	sender chan<- string
}

func (*keySenderState) isState() {}

type pinnedState struct {
	fingerprint string
}

func (pinnedState) isState() {}

// Handler is the per-host first-connection state machine. The zero value is
// in state None; use NewHandler or NewPinnedHandler to construct one
// explicitly.
type Handler struct {
	mu    sync.Mutex
	state state
}

// NewHandler returns a Handler in state None, ready for BeginProbe.
func NewHandler() *Handler {
	return &Handler{state: noneState{}}
}

// NewPinnedHandler returns a Handler already in state Pinned(fingerprint),
// as used once an operator has confirmed a fingerprint out of band and the
// handler is reused with that fingerprint pinned.
func NewPinnedHandler(fingerprint string) *Handler {
	return &Handler{state: pinnedState{fingerprint: fingerprint}}
}

// BeginProbe transitions None -> KeySender(sender). sender must be a
// one-shot channel with capacity at least 1; ServerKey sends exactly once
// and never closes it.
func (h *Handler) BeginProbe(sender chan<- string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.state.(noneState); !ok && h.state != nil {
		return fmt.Errorf("%w: BeginProbe requires state None", ErrMisuse)
	}
	h.state = &keySenderState{sender: sender}
	return nil
}

// ServerKey feeds an observed server host key into the handler. Its return
// value is suitable for direct use as the result of an ssh.HostKeyCallback.
func (h *Handler) ServerKey(key ssh.PublicKey) error {
	fp := transport.Fingerprint(key)

	h.mu.Lock()
	defer h.mu.Unlock()

	switch st := h.state.(type) {
	case noneState:
		return fmt.Errorf("%w: ServerKey called before BeginProbe or Pin", ErrMisuse)

	case *keySenderState:
		st.sender <- fp
		h.state = pinnedState{fingerprint: fp}
		return fmt.Errorf("%w: %w", transport.ErrUnknownKey, ErrAwaitingConfirmation)

	case pinnedState:
		if fp != st.fingerprint {
			return fmt.Errorf("%w: presented %s, pinned %s", transport.ErrUnknownKey, fp, st.fingerprint)
		}
		return nil

	default:
		return fmt.Errorf("%w: unrecognized state", ErrMisuse)
	}
}

// Pinned reports the fingerprint this handler currently trusts, if any.
func (h *Handler) Pinned() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.state.(pinnedState)
	return st.fingerprint, ok
}

// HostKeyCallback adapts ServerKey to the signature x/crypto/ssh expects.
func (h *Handler) HostKeyCallback() ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		return h.ServerKey(key)
	}
}
