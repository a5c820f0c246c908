// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package transporttest provides in-memory test doubles for
// transport.Connector and transport.Conn, so fetch/diff/reconcile/tofu
// tests never open a real socket. It implements a full fake filesystem
// plus scripted command responses.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/opskeys/keysyncd/internal/transport"
)

// ExecResponse is a scripted reply to a single command.
type ExecResponse struct {
	ExitCode int
	Output   string
	Err      error
}

// Fake implements transport.Conn over an in-memory file map and a table of
// scripted command responses, keyed by exact command string.
type Fake struct {
	mu        sync.Mutex
	files     map[string][]byte
	perms     map[string]uint32
	responses map[string]ExecResponse
	closed    bool

	// DefaultWhoami is returned for "whoami" unless ScriptExec registered a
	// response for it;
	// Dialer.Connect's sanity check depends on this matching the login the
	// test dials as.
	DefaultWhoami string
}

// NewFake returns a Fake ready to use. whoami is the username returned by an
// unscripted "whoami" exec, satisfying Session's post-connect sanity check.
func NewFake(whoami string) *Fake {
	return &Fake{
		files:         make(map[string][]byte),
		perms:         make(map[string]uint32),
		responses:     make(map[string]ExecResponse),
		DefaultWhoami: whoami,
	}
}

// SeedFile preloads remotePath with content, as if a prior write (or the
// host's pre-existing state) had put it there.
func (f *Fake) SeedFile(remotePath string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = append([]byte(nil), content...)
}

// ScriptExec registers the response returned every time cmd is executed
// verbatim.
func (f *Fake) ScriptExec(cmd string, resp ExecResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmd] = resp
}

func (f *Fake) Exec(cmd string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp, ok := f.responses[cmd]; ok {
		return resp.ExitCode, resp.Output, resp.Err
	}
	if cmd == "whoami" {
		return 0, f.DefaultWhoami + "\n", nil
	}
	return 1, "", fmt.Errorf("transporttest: no scripted response for %q", cmd)
}

func (f *Fake) WriteFile(remotePath string, content []byte, perm uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[remotePath] = append([]byte(nil), content...)
	f.perms[remotePath] = perm
	return nil
}

func (f *Fake) ReadFile(remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("transporttest: %s does not exist", remotePath)
	}
	return append([]byte(nil), content...), nil
}

// Contents returns what is currently stored at remotePath, for assertions.
func (f *Fake) Contents(remotePath string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[remotePath]
	return c, ok
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Closed reports whether Close has been called, for assertions.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ transport.Conn = (*Fake)(nil)

// Connector is a transport.Connector that hands back the Fake registered
// with Add for each host name, or a scripted per-host error (e.g. to simulate
// ErrTimeout or ErrUnknownKey at dial time).
type Connector struct {
	mu        sync.Mutex
	conns     map[string]*Fake
	dialError map[string]error
}

// NewConnector returns an empty Connector; register hosts with Add.
func NewConnector() *Connector {
	return &Connector{conns: make(map[string]*Fake), dialError: make(map[string]error)}
}

// Add registers conn as the Fake returned for spec.Name.
func (c *Connector) Add(hostName string, conn *Fake) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[hostName] = conn
}

// FailDial makes Connect return err for hostName instead of dialing.
func (c *Connector) FailDial(hostName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialError[hostName] = err
}

func (c *Connector) Connect(_ context.Context, spec transport.HostSpec) (transport.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.dialError[spec.Name]; ok {
		return nil, err
	}
	conn, ok := c.conns[spec.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoSuchHost, spec.Name)
	}
	return conn, nil
}

var _ transport.Connector = (*Connector)(nil)
