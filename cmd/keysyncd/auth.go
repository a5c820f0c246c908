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

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage which users may log in as which account on which host",
	}
	cmd.AddCommand(newAuthGrantCmd(), newAuthRevokeCmd(), newAuthListCmd())
	return cmd
}

func newAuthGrantCmd() *cobra.Command {
	var options, comment string
	cmd := &cobra.Command{
		Use:   "grant <username> <host> <login>",
		Short: "Grant a user the right to log in as login on host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			u, err := a.store.GetUserByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("user %q: %w", args[0], err)
			}
			h, err := a.store.GetHostByName(ctx, args[1])
			if err != nil {
				return fmt.Errorf("host %q: %w", args[1], err)
			}

			grant := &model.Authorization{
				HostID:  h.ID,
				UserID:  u.ID,
				Login:   args[2],
				Options: options,
				Comment: comment,
			}
			if err := a.store.CreateAuthorization(ctx, grant); err != nil {
				return err
			}
			fmt.Printf("granted %s login as %q on %q\n", args[0], args[2], args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&options, "options", "", "verbatim authorized_keys options for this grant")
	cmd.Flags().StringVar(&comment, "comment", "", "free-form comment")
	return cmd
}

func newAuthRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <authorization-id>",
		Short: "Revoke a grant by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			var id int
			if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
				return fmt.Errorf("invalid authorization id %q", args[0])
			}
			if err := a.store.DeleteAuthorization(context.Background(), id); err != nil {
				return err
			}
			fmt.Printf("authorization %d revoked\n", id)
			return nil
		},
	}
}

func newAuthListCmd() *cobra.Command {
	var host, username string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List grants for a host or a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			switch {
			case host != "":
				list, err := a.store.ListAuthorizationsForHost(ctx, host)
				if err != nil {
					return err
				}
				for _, d := range list {
					fmt.Printf("%-4d %-20s %-10s %s (user=%s options=%q)\n", d.Authorization.ID, d.HostName, d.Authorization.Login, d.Key.Line(), d.Username, d.Authorization.Options)
				}
			case username != "":
				list, err := a.store.ListAuthorizationsForUser(ctx, username)
				if err != nil {
					return err
				}
				for _, d := range list {
					fmt.Printf("%-4d %-20s %-10s %s (options=%q)\n", d.Authorization.ID, d.HostName, d.Authorization.Login, d.Key.Line(), d.Authorization.Options)
				}
			default:
				return fmt.Errorf("specify --host or --user")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "list grants for this host")
	cmd.Flags().StringVar(&username, "user", "", "list grants for this user")
	return cmd
}
