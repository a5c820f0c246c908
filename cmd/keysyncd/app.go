// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/config"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/repo"
	"github.com/opskeys/keysyncd/internal/transport"
)

// app bundles everything a command needs once config and the database have
// been set up: the repository, the connector used to dial managed hosts,
// and the loaded configuration.
type app struct {
	cfg       config.Config
	store     repo.Store
	source    repo.ReconcileSource
	connector transport.Connector
}

// currentApp and appCleanup are populated once by the root command's
// PersistentPreRunE and consumed by every subcommand; every subcommand here
// needs a live database and SSH transport, so there is no value in opening
// either more than once per invocation.
var (
	currentApp *app
	appCleanup func()
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	var optionalPath *string
	if cmd != nil {
		if path, err := cmd.Flags().GetString("config"); err == nil && path != "" {
			if _, statErr := os.Stat(path); statErr != nil {
				return config.Config{}, fmt.Errorf("config file %q: %w", path, statErr)
			}
			optionalPath = &path
		}
	}
	return config.LoadConfig[config.Config](cmd, config.Defaults(), optionalPath)
}

// openApp validates the configuration surface and opens the database and
// SSH transport. It returns an *exitError with the exact exit code a
// failure at this stage should produce: 1 for a missing or unparsable
// manager private key, 3 for anything else configuration-related.
func openApp(cmd *cobra.Command) (*app, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, &exitError{code: 3, err: err}
	}

	if cfg.SessionKey == "" {
		return nil, nil, &exitError{code: 3, err: fmt.Errorf("config: session_key is required")}
	}
	if cfg.HtpasswdPath != "" {
		if err := ensureWritableParent(cfg.HtpasswdPath); err != nil {
			return nil, nil, &exitError{code: 3, err: fmt.Errorf("config: htpasswd_path %q is not writable: %w", cfg.HtpasswdPath, err)}
		}
	}

	dialect, dsn, err := repo.ParseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, &exitError{code: 3, err: err}
	}
	db, err := repo.Open(context.Background(), dialect, dsn)
	if err != nil {
		return nil, nil, &exitError{code: 3, err: fmt.Errorf("opening database: %w", err)}
	}
	store := repo.NewBunStore(db)

	keyPath := cfg.SSH.PrivateKeyFile
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		store.Close()
		return nil, nil, &exitError{code: 1, err: fmt.Errorf(
			"manager private key not found at %q: %w\nGenerate one with: ssh-keygen -t ed25519 -f %s -N ''", keyPath, err, keyPath)}
	}
	dialer, err := transport.NewDialer(keyPEM, []byte(cfg.SSH.PrivateKeyPassphrase), timeoutOrDefault(cfg))
	if err != nil {
		store.Close()
		return nil, nil, &exitError{code: 1, err: fmt.Errorf("parsing manager private key %q: %w", keyPath, err)}
	}

	a := &app{
		cfg:       cfg,
		store:     store,
		source:    repo.ReconcileSource{Store: store},
		connector: transport.AsConnector(dialer),
	}
	cleanup := func() {
		dialer.CloseHops()
		store.Close()
	}
	return a, cleanup, nil
}

// timeoutOrDefault resolves the per-operation SSH timeout (ssh.timeout,
// default 120 seconds).
func timeoutOrDefault(cfg config.Config) time.Duration {
	if cfg.SSH.TimeoutSeconds <= 0 {
		return transport.DefaultTimeout
	}
	return time.Duration(cfg.SSH.TimeoutSeconds) * time.Second
}

func ensureWritableParent(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%q is not a directory", dir)
	}
	probe := filepath.Join(dir, ".keysyncd-write-check")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	f.Close()
	os.Remove(probe)
	return nil
}

// hostSpec resolves host (and, recursively, its jump chain) into a
// transport.HostSpec ready for connector.Connect.
func hostSpec(ctx context.Context, store repo.Store, h model.Host) (transport.HostSpec, error) {
	spec := transport.HostSpec{
		Name:              h.Name,
		Address:           h.Address,
		Port:              h.Port,
		Login:             h.Login,
		PinnedFingerprint: h.HostKeyFingerprint,
	}
	if h.JumpVia != nil {
		jump, err := store.GetHost(ctx, *h.JumpVia)
		if err != nil {
			return transport.HostSpec{}, fmt.Errorf("resolving jump host for %s: %w", h.Name, err)
		}
		jumpSpec, err := hostSpec(ctx, store, *jump)
		if err != nil {
			return transport.HostSpec{}, err
		}
		spec.JumpVia = &jumpSpec
	}
	return spec, nil
}

func allHostNames(ctx context.Context, store repo.Store) ([]string, error) {
	hosts, err := store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h.Disabled {
			continue
		}
		names = append(names, h.Name)
	}
	return names, nil
}
