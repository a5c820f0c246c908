// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package reconcile implements the reconciler sequence: force-refresh
// diff, render the desired file per affected login, write it back, then
// invalidate the cache. It operates per-login and stops (does not roll
// back) on the first write failure.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/opskeys/keysyncd/internal/authkeys"
	"github.com/opskeys/keysyncd/internal/cache"
	"github.com/opskeys/keysyncd/internal/diff"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/transport"
)

// Source is the narrow slice of the repository layer the reconciler needs.
// Production code backs it with internal/repo.Store; tests back it with an
// in-memory stub.
type Source interface {
	ExpectedAuthorizations(ctx context.Context, hostName string) ([]diff.ExpectedAuthorization, error)
	KnownKeys(ctx context.Context) ([]diff.KnownKey, error)
	ManagerKey(ctx context.Context) (model.ManagerKey, error)
	GrantedKeys(ctx context.Context, hostName, login string) ([]authkeys.GrantedKey, error)
}

// WriteFailed reports that rendering or writing one login's file failed,
// stopping the reconcile run. Logins processed before this one remain
// written; there is no rollback.
type WriteFailed struct {
	HostName string
	Login    string
	Err      error
}

func (e *WriteFailed) Error() string {
	return fmt.Sprintf("reconcile: %s/%s: %v", e.HostName, e.Login, e.Err)
}

func (e *WriteFailed) Unwrap() error { return e.Err }

// Reconcile runs one reconciler pass for host: force-refresh the cache,
// diff, and — if the diff is non-empty — render and install each affected
// login's file sequentially before invalidating the cache entry. An empty
// diff is a no-op: Reconcile returns nil without writing or invalidating
// anything.
func Reconcile(ctx context.Context, host transport.HostSpec, connector transport.Connector, c *cache.Cache, src Source) error {
	entry := c.Get(ctx, host.Name, true)
	if entry.Err != nil {
		return fmt.Errorf("reconcile: %s: fetch failed: %w", host.Name, entry.Err)
	}

	expected, err := src.ExpectedAuthorizations(ctx, host.Name)
	if err != nil {
		return fmt.Errorf("reconcile: %s: load expected authorizations: %w", host.Name, err)
	}
	known, err := src.KnownKeys(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %s: load known keys: %w", host.Name, err)
	}
	managerKey, err := src.ManagerKey(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %s: load manager key: %w", host.Name, err)
	}

	items := diff.Diff(expected, known, managerKey.PublicKey, managerKey.Serial, entry.State)
	if len(items) == 0 {
		return nil
	}

	logins := distinctLogins(expected)

	conn, err := connector.Connect(ctx, host)
	if err != nil {
		return fmt.Errorf("reconcile: %s: connect: %w", host.Name, err)
	}
	defer conn.Close()

	for _, login := range logins {
		if err := writeLogin(ctx, conn, host.Name, login, managerKey, src, entry.State); err != nil {
			return err
		}
	}

	c.Invalidate(host.Name)
	return nil
}

func writeLogin(ctx context.Context, conn transport.Conn, hostName, login string, managerKey model.ManagerKey, src Source, remote *model.ParsedState) error {
	granted, err := src.GrantedKeys(ctx, hostName, login)
	if err != nil {
		return &WriteFailed{HostName: hostName, Login: login, Err: err}
	}

	readonlyCondition := readonlyConditionFor(remote, login)
	content, err := authkeys.Generate(hostName, login, managerKey, granted, readonlyCondition)
	if err != nil {
		return &WriteFailed{HostName: hostName, Login: login, Err: err}
	}

	path := authorizedKeysPath(login)
	if err := conn.WriteFile(path, []byte(content), 0600); err != nil {
		return &WriteFailed{HostName: hostName, Login: login, Err: err}
	}
	return nil
}

// Decommission writes an empty desired-state file (the manager key only,
// no granted keys) to every login in logins, reusing the same connect/
// write machinery as Reconcile. It is meant to run once, just before a
// Host row is deleted, as a best-effort attempt to leave the box without
// a dangling keysyncd-managed region; any error here still lets the
// caller go ahead and delete the row, since the host may simply be
// unreachable by the time it's decommissioned.
func Decommission(ctx context.Context, host transport.HostSpec, connector transport.Connector, managerKey model.ManagerKey, logins []string) error {
	if len(logins) == 0 {
		return nil
	}

	conn, err := connector.Connect(ctx, host)
	if err != nil {
		return fmt.Errorf("reconcile: %s: decommission connect: %w", host.Name, err)
	}
	defer conn.Close()

	for _, login := range logins {
		content, err := authkeys.Generate(host.Name, login, managerKey, nil, "")
		if err != nil {
			return &WriteFailed{HostName: host.Name, Login: login, Err: err}
		}
		if err := conn.WriteFile(authorizedKeysPath(login), []byte(content), 0600); err != nil {
			return &WriteFailed{HostName: host.Name, Login: login, Err: err}
		}
	}
	return nil
}

func readonlyConditionFor(remote *model.ParsedState, login string) string {
	if remote == nil {
		return ""
	}
	for _, ls := range remote.Logins {
		if ls.Login == login {
			return ls.ReadonlyCondition
		}
	}
	return ""
}

func authorizedKeysPath(login string) string {
	home := "/home/" + login
	if login == "root" {
		home = "/root"
	}
	return home + "/.ssh/authorized_keys"
}

func distinctLogins(expected []diff.ExpectedAuthorization) []string {
	seen := make(map[string]bool)
	var logins []string
	for _, e := range expected {
		if seen[e.Login] {
			continue
		}
		seen[e.Login] = true
		logins = append(logins, e.Login)
	}
	sort.Strings(logins)
	return logins
}
