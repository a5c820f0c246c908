// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package transport

import "context"

// Conn is the narrow surface the rest of keysyncd depends on instead of the
// concrete *Session, so fetch/reconcile/tofu can be tested against
// transporttest.Fake without dialing real SSH.
type Conn interface {
	Exec(cmd string) (exitCode int, output string, err error)
	WriteFile(remotePath string, content []byte, perm uint32) error
	ReadFile(remotePath string) ([]byte, error)
	Close()
}

var _ Conn = (*Session)(nil)

// Connector is the narrow surface of Dialer that callers needing to open a
// Conn depend on, so production code can take a Connector and tests can
// substitute transporttest.Connector.
type Connector interface {
	Connect(ctx context.Context, spec HostSpec) (Conn, error)
}

// dialerConnector adapts *Dialer.Connect's concrete *Session return to the
// Connector interface's Conn return.
type dialerConnector struct{ *Dialer }

func (d dialerConnector) Connect(ctx context.Context, spec HostSpec) (Conn, error) {
	return d.Dialer.Connect(ctx, spec)
}

// AsConnector adapts a *Dialer to the Connector interface.
func AsConnector(d *Dialer) Connector { return dialerConnector{d} }
