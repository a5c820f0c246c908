// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/opskeys/keysyncd/internal/diff"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/reconcile"
	"github.com/opskeys/keysyncd/internal/tofu"
	"github.com/opskeys/keysyncd/internal/transport"
)

// bootstrapSessionTTL bounds how long an operator has to install a
// temporary bootstrap key by hand before keysyncd refuses to verify it.
const bootstrapSessionTTL = 15 * time.Minute

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Manage fleet hosts",
	}
	cmd.AddCommand(newHostAddCmd(), newHostListCmd(), newHostRmCmd(), newHostTrustCmd(), newHostBootstrapCmd())
	return cmd
}

func newHostAddCmd() *cobra.Command {
	var address, login string
	var port int
	var jumpVia string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			h := &model.Host{Name: args[0], Address: address, Port: port, Login: login}
			if jumpVia != "" {
				jump, err := a.store.GetHostByName(ctx, jumpVia)
				if err != nil {
					return fmt.Errorf("jump host %q: %w", jumpVia, err)
				}
				h.JumpVia = &jump.ID
			}
			if err := a.store.CreateHost(ctx, h); err != nil {
				return err
			}
			fmt.Printf("host %q added (id=%d)\n", h.Name, h.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "host address or IP")
	cmd.Flags().IntVar(&port, "port", 22, "SSH port")
	cmd.Flags().StringVar(&login, "login", "root", "default login used to reach this host")
	cmd.Flags().StringVar(&jumpVia, "jump-via", "", "name of an already-registered host to tunnel through")
	cmd.MarkFlagRequired("address")
	return cmd
}

func newHostListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			hosts, err := a.store.ListHosts(context.Background())
			if err != nil {
				return err
			}
			for _, h := range hosts {
				status := "active"
				if h.Disabled {
					status = "disabled"
				}
				fingerprint := h.HostKeyFingerprint
				if fingerprint == "" {
					fingerprint = "(untrusted)"
				}
				fmt.Printf("%-20s %s:%d login=%s %-10s %s\n", h.Name, h.Address, h.Port, h.Login, status, fingerprint)
			}
			return nil
		},
	}
}

func newHostRmCmd() *cobra.Command {
	var skipCleanup bool
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a host and its authorizations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()
			h, err := a.store.GetHostByName(ctx, args[0])
			if err != nil {
				return err
			}

			if !skipCleanup && h.HostKeyFingerprint != "" {
				if err := decommissionHost(ctx, a, *h); err != nil {
					fmt.Printf("warning: best-effort cleanup of %q failed, removing it anyway: %v\n", h.Name, err)
				} else {
					fmt.Printf("%q's managed region was cleared before removal\n", h.Name)
				}
			}

			if err := a.store.DeleteHost(ctx, h.ID); err != nil {
				return err
			}
			fmt.Printf("host %q removed\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipCleanup, "skip-cleanup", false, "skip the best-effort remote cleanup pass before removing the host")
	return cmd
}

// decommissionHost writes an empty desired-state authorized_keys file (the
// manager key only) to every login h granted authorizations for, so a
// removed host isn't left with a keysyncd-managed region nobody will ever
// update again. A host that was never reached (no pinned fingerprint) or
// never granted any logins has nothing to clean up.
func decommissionHost(ctx context.Context, a *app, h model.Host) error {
	expected, err := a.source.ExpectedAuthorizations(ctx, h.Name)
	if err != nil {
		return err
	}
	if len(expected) == 0 {
		return nil
	}
	managerKey, err := a.source.ManagerKey(ctx)
	if err != nil {
		return err
	}
	spec, err := hostSpec(ctx, a.store, h)
	if err != nil {
		return err
	}
	return reconcile.Decommission(ctx, spec, a.connector, managerKey, distinctLogins(expected))
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
	return logins
}

// newHostTrustCmd implements TOFU host-key capture: probe the host, print
// the fingerprint for operator confirmation, then pin it on --confirm.
func newHostTrustCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "trust <name>",
		Short: "Probe a host's SSH key and pin its fingerprint (trust-on-first-use)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()
			h, err := a.store.GetHostByName(ctx, args[0])
			if err != nil {
				return err
			}

			fingerprint, err := tofu.Probe(h.Address, h.Port, timeoutOrDefault(a.cfg))
			if err != nil {
				return fmt.Errorf("probing %s: %w", h.Name, err)
			}

			if h.HostKeyFingerprint != "" && h.HostKeyFingerprint != fingerprint {
				fmt.Printf("WARNING: %s's pinned fingerprint changed: %s -> %s\n", h.Name, h.HostKeyFingerprint, fingerprint)
			}
			fmt.Printf("%s presented host key fingerprint: %s\n", h.Name, fingerprint)

			if !confirm {
				fmt.Println("Re-run with --confirm to pin this fingerprint.")
				return nil
			}
			if err := a.store.SetHostFingerprint(ctx, h.ID, fingerprint); err != nil {
				return err
			}
			fmt.Printf("pinned %s for host %q\n", fingerprint, h.Name)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "confirm", false, "pin the observed fingerprint instead of only printing it")
	return cmd
}

// newHostBootstrapCmd implements the temporary-key first-contact workflow:
// an operator without a standing manager-key trust relationship to a host
// generates a throwaway keypair here, installs the public half by hand
// (console access, a provisioning tool, whatever got the box up in the
// first place), then re-runs with --verify to prove the manager can now
// reach the host before any real authorization ever gets written to it.
func newHostBootstrapCmd() *cobra.Command {
	var tempKeyPath, login, sessionID string
	var confirm, verify bool
	cmd := &cobra.Command{
		Use:   "bootstrap <name>",
		Short: "Generate (or verify) a temporary key for a host's first-contact handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()
			h, err := a.store.GetHostByName(ctx, args[0])
			if err != nil {
				return err
			}

			if verify {
				if sessionID == "" {
					return fmt.Errorf("--verify requires --session (printed by the initial bootstrap run)")
				}
				return verifyBootstrap(ctx, a, h, sessionID, tempKeyPath, login)
			}
			return beginBootstrap(ctx, a, h, tempKeyPath, confirm)
		},
	}
	cmd.Flags().StringVar(&tempKeyPath, "temp-key", "", "path to write (or, with --verify, read) the temporary private key")
	cmd.Flags().StringVar(&login, "login", "root", "login to verify the temporary key against")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "pin the probed host key fingerprint (required before --verify can connect)")
	cmd.Flags().BoolVar(&verify, "verify", false, "verify a previously generated temporary key was installed and the host is reachable")
	cmd.Flags().StringVar(&sessionID, "session", "", "bootstrap session ID printed by the initial run (required with --verify)")
	cmd.MarkFlagRequired("temp-key")
	return cmd
}

// beginBootstrap probes the host's key (exactly like host trust), pins it
// on --confirm, generates an ephemeral ed25519 keypair, writes the private
// half to tempKeyPath, and records a pending BootstrapSession so --verify
// can later look it up by ID.
func beginBootstrap(ctx context.Context, a *app, h *model.Host, tempKeyPath string, confirm bool) error {
	fingerprint, err := tofu.Probe(h.Address, h.Port, timeoutOrDefault(a.cfg))
	if err != nil {
		return fmt.Errorf("probing %s: %w", h.Name, err)
	}
	fmt.Printf("%s presented host key fingerprint: %s\n", h.Name, fingerprint)
	if !confirm {
		fmt.Println("Re-run with --confirm to pin this fingerprint and generate a temporary key.")
		return nil
	}
	if err := a.store.SetHostFingerprint(ctx, h.ID, fingerprint); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating temporary key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "keysyncd-bootstrap-"+h.Name)
	if err != nil {
		return fmt.Errorf("marshaling temporary key: %w", err)
	}
	if err := os.WriteFile(tempKeyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("writing temporary key to %q: %w", tempKeyPath, err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("deriving public key: %w", err)
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))

	session := &model.BootstrapSession{
		ID:            uuid.NewString(),
		HostID:        h.ID,
		TempPublicKey: pubLine,
		CreatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(bootstrapSessionTTL),
		Status:        "pending",
	}
	if err := a.store.CreateBootstrapSession(ctx, session); err != nil {
		return err
	}

	fmt.Printf("temporary private key written to %s\n", tempKeyPath)
	fmt.Println("Install this public key on the host by hand, e.g.:")
	fmt.Printf("  echo %q >> ~%s/.ssh/authorized_keys\n", pubLine, h.Login)
	fmt.Printf("Then verify within %s:\n", bootstrapSessionTTL)
	fmt.Printf("  keysyncd host bootstrap %s --verify --session %s --temp-key %s --login %s\n",
		h.Name, session.ID, tempKeyPath, h.Login)
	return nil
}

// verifyBootstrap dials the host using the temporary private key instead
// of the manager key, proving the operator's hand-installed key actually
// works, and records the outcome on the BootstrapSession row.
func verifyBootstrap(ctx context.Context, a *app, h *model.Host, sessionID, tempKeyPath, login string) error {
	session, err := a.store.GetBootstrapSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("looking up bootstrap session %s: %w", sessionID, err)
	}
	if session.HostID != h.ID {
		return fmt.Errorf("bootstrap session %s belongs to a different host", sessionID)
	}
	if session.Status != "pending" {
		return fmt.Errorf("bootstrap session %s is %s, not pending", sessionID, session.Status)
	}
	if time.Now().After(session.ExpiresAt) {
		_ = a.store.UpdateBootstrapSessionStatus(ctx, sessionID, "expired")
		return fmt.Errorf("bootstrap session %s expired at %s", sessionID, session.ExpiresAt)
	}
	if h.HostKeyFingerprint == "" {
		return fmt.Errorf("%s has no pinned fingerprint; re-run the initial bootstrap step with --confirm first", h.Name)
	}

	keyPEM, err := os.ReadFile(tempKeyPath)
	if err != nil {
		return fmt.Errorf("reading temporary key %q: %w", tempKeyPath, err)
	}
	dialer, err := transport.NewDialer(keyPEM, nil, timeoutOrDefault(a.cfg))
	if err != nil {
		return fmt.Errorf("parsing temporary key %q: %w", tempKeyPath, err)
	}
	defer dialer.CloseHops()

	spec, err := hostSpec(ctx, a.store, *h)
	if err != nil {
		return err
	}
	spec.Login = login

	sess, connErr := dialer.Connect(ctx, spec)
	if connErr != nil {
		_ = a.store.UpdateBootstrapSessionStatus(ctx, sessionID, "failed")
		return fmt.Errorf("verifying bootstrap for %s: %w", h.Name, connErr)
	}
	sess.Close()

	if err := a.store.UpdateBootstrapSessionStatus(ctx, sessionID, "completed"); err != nil {
		return err
	}
	if err := a.store.DeleteBootstrapSession(ctx, sessionID); err != nil {
		fmt.Printf("warning: verified but failed to clean up bootstrap session %s: %v\n", sessionID, err)
	}
	fmt.Printf("%s is reachable with the temporary key as %q; it's safe to reconcile the manager key onto it now\n", h.Name, login)
	return nil
}
