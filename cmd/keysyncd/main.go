// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface for keysyncd using Cobra. It
// defines the root command, subcommands (host, user, key, auth, diff,
// sync, serve, migrate), flags, and the process entry point.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/logging"
)

var version = "dev" // set by the linker

var cfgFile string

func main() {
	rootCmd := NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
			os.Exit(ee.code)
		}
		// The root command sets SilenceErrors, so Cobra prints nothing; a
		// generic failure is printed here and counts as a
		// configuration/runtime error.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(3)
	}
	os.Exit(0)
}

// exitError carries the process exit code a given failure should produce:
// 1 for a missing or unparsable manager private key, for drift reported by
// diff and for hosts that failed during sync; 3 for everything else
// configuration-related.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// NewRootCmd builds the root command and its full subcommand tree. Kept as
// a constructor (rather than a package-level var) so tests can build fresh,
// isolated instances.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "keysyncd",
		Short:   "keysyncd centralizes fleet authorized_keys management over SSH.",
		Version: version,
		Long: `keysyncd plants one manager key per managed login and uses it as a
foothold to observe and rewrite each host's authorized_keys file. A
relational store is the source of truth; the diff engine and reconciler
never trust the remote file between runs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("database_url", "", "database DSN (e.g. sqlite://ssm.db)")
	cmd.PersistentFlags().String("loglevel", "", "log level (debug, info, warn, error)")

	// Every subcommand here needs the database and SSH transport, so the
	// root's PersistentPreRunE opens both once and hands the result down
	// through the package-level currentApp for every subsequent command
	// to use.
	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := openApp(cmd)
		if err != nil {
			return err
		}
		if err := logging.SetLevel(a.cfg.LogLevel); err != nil {
			cleanup()
			return &exitError{code: 3, err: err}
		}
		currentApp = a
		appCleanup = cleanup
		return nil
	}
	cmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if appCleanup != nil {
			appCleanup()
		}
		return nil
	}

	cmd.AddCommand(
		newHostCmd(),
		newUserCmd(),
		newKeyCmd(),
		newAuthCmd(),
		newDiffCmd(),
		newSyncCmd(),
		newServeCmd(),
		newMigrateCmd(),
	)
	return cmd
}
