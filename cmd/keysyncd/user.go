// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/model"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage operator-managed identities",
	}
	cmd.AddCommand(newUserAddCmd(), newUserListCmd(), newUserRmCmd(), newUserSetEnabledCmd(true), newUserSetEnabledCmd(false))
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			u := &model.User{Username: args[0], Enabled: true, Comment: comment}
			if err := a.store.CreateUser(context.Background(), u); err != nil {
				return err
			}
			fmt.Printf("user %q added (id=%d)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			users, err := a.store.ListUsers(context.Background())
			if err != nil {
				return err
			}
			for _, u := range users {
				status := "enabled"
				if !u.Enabled {
					status = "disabled"
				}
				fmt.Printf("%-20s %s\n", u.Username, status)
			}
			return nil
		},
	}
}

func newUserRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <username>",
		Short: "Remove a user and their keys/authorizations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()
			u, err := a.store.GetUserByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.store.DeleteUser(ctx, u.ID); err != nil {
				return err
			}
			fmt.Printf("user %q removed\n", args[0])
			return nil
		},
	}
}

func newUserSetEnabledCmd(enabled bool) *cobra.Command {
	use := "disable <username>"
	short := "Disable a user (revoked from all future reconciles, keys stay recorded)"
	if enabled {
		use = "enable <username>"
		short = "Re-enable a previously disabled user"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()
			u, err := a.store.GetUserByUsername(ctx, args[0])
			if err != nil {
				return err
			}
			u.Enabled = enabled
			if err := a.store.UpdateUser(ctx, u); err != nil {
				return err
			}
			fmt.Printf("user %q is now %v\n", args[0], enabled)
			return nil
		},
	}
}
