// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/authkeys"
	"github.com/opskeys/keysyncd/internal/model"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage public keys owned by users",
	}
	cmd.AddCommand(newKeyAddCmd(), newKeyListCmd(), newKeyRmCmd(), newKeyAssignCmd(), newKeyUnassignCmd())
	return cmd
}

func newKeyAddCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add <username> <authorized_keys-line>",
		Short: "Add a public key to a user, in standard authorized_keys line format",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			u, err := a.store.GetUserByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user %q: %w", args[0], err)
			}

			entry := authkeys.ParseLine(args[1])
			if entry.Error != nil {
				return fmt.Errorf("invalid key line: %s", entry.Error.Message)
			}

			k := &model.PublicKey{
				OwnerUserID:  u.ID,
				Algorithm:    entry.Authorized.Algorithm,
				Base64Blob:   entry.Authorized.Base64,
				Name:         name,
				ExtraComment: entry.Authorized.Comment,
			}
			if err := a.store.AddPublicKey(ctx, k); err != nil {
				return err
			}
			fmt.Printf("key added for %q (id=%d)\n", args[0], k.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "short label for the key (e.g. alice@laptop)")
	return cmd
}

func newKeyListCmd() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List public keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			var keys []model.PublicKey
			var err error
			if username != "" {
				u, err := a.store.GetUserByUsername(ctx, username)
				if err != nil {
					return err
				}
				keys, err = a.store.ListPublicKeysForUser(ctx, u.ID)
				if err != nil {
					return err
				}
			} else {
				keys, err = a.store.ListPublicKeys(ctx)
				if err != nil {
					return err
				}
			}
			for _, k := range keys {
				fmt.Printf("%-4d %-20s %s\n", k.ID, k.Name, k.Line())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "only list keys owned by this user")
	return cmd
}

// newKeyAssignCmd moves a key to a different owner. A PublicKey always has
// exactly one owner, so "assign" means reassigning that owner rather than
// adding a second one.
func newKeyAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <key-id> <username>",
		Short: "Assign (reassign) a key's ownership to a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			var id int
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			u, err := a.store.GetUserByUsername(ctx, args[1])
			if err != nil {
				return fmt.Errorf("user %q: %w", args[1], err)
			}
			if err := a.store.ReassignPublicKey(ctx, id, u.ID); err != nil {
				return err
			}
			fmt.Printf("key %d assigned to %q\n", id, args[1])
			return nil
		},
	}
}

// newKeyUnassignCmd removes a key from its current owner. It requires
// naming that owner so operators don't accidentally detach the wrong key by
// ID alone; since ownership here is mandatory, unassigning a key deletes
// its record.
func newKeyUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <key-id> <username>",
		Short: "Remove a key from its current owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			var id int
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			k, err := a.store.GetPublicKey(ctx, id)
			if err != nil {
				return err
			}
			u, err := a.store.GetUserByUsername(ctx, args[1])
			if err != nil {
				return fmt.Errorf("user %q: %w", args[1], err)
			}
			if k.OwnerUserID != u.ID {
				return fmt.Errorf("key %d is not owned by %q", id, args[1])
			}
			if err := a.store.DeletePublicKey(ctx, id); err != nil {
				return err
			}
			fmt.Printf("key %d unassigned from %q\n", id, args[1])
			return nil
		},
	}
}

func newKeyRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <key-id>",
		Short: "Remove a public key by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			var id int
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			if err := a.store.DeletePublicKey(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("key %d removed\n", id)
			return nil
		},
	}
}
