// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/cache"
	"github.com/opskeys/keysyncd/internal/reconcile"
	"github.com/opskeys/keysyncd/internal/transport"
)

func newSyncCmd() *cobra.Command {
	var onlyHost string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile one or all hosts (diff, then push corrected authorized_keys files)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			hosts, err := hostsToProcess(ctx, a, onlyHost)
			if err != nil {
				return err
			}

			failed := 0
			for _, h := range hosts {
				spec, err := hostSpec(ctx, a.store, h)
				if err != nil {
					fmt.Printf("%s: %v\n", h.Name, err)
					failed++
					continue
				}
				c := cache.New(cache.NewTransportFetcher(a.connector, func(string) transport.HostSpec { return spec }))
				if err := reconcile.Reconcile(ctx, spec, a.connector, c, a.source); err != nil {
					fmt.Printf("%s: %v\n", h.Name, err)
					failed++
					continue
				}
				fmt.Printf("%s: synced\n", h.Name)
			}
			if failed > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d host(s) failed to sync", failed)}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&onlyHost, "host", "", "only sync this host")
	return cmd
}
