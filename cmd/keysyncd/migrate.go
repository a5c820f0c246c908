// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCmd applies any pending embedded SQL migrations. repo.Open
// already runs migrations as part of opening the database (which
// PersistentPreRunE has done by the time this runs), so this command
// exists for operators who want an explicit, no-op-safe step in a deploy
// pipeline rather than relying on first connection to apply schema changes.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply any pending database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("database schema is up to date")
			return nil
		},
	}
}
