// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/cache"
	"github.com/opskeys/keysyncd/internal/diff"
	"github.com/opskeys/keysyncd/internal/model"
	"github.com/opskeys/keysyncd/internal/transport"
)

func newDiffCmd() *cobra.Command {
	var onlyHost string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Run the diff engine against one or all hosts and print discrepancies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp
			ctx := context.Background()

			hosts, err := hostsToProcess(ctx, a, onlyHost)
			if err != nil {
				return err
			}

			anyFindings := false
			for _, h := range hosts {
				items, err := diffOneHost(ctx, a, h)
				if err != nil {
					fmt.Printf("%s: %v\n", h.Name, err)
					continue
				}
				if len(items) == 0 {
					fmt.Printf("%s: in sync\n", h.Name)
					continue
				}
				anyFindings = true
				fmt.Printf("%s:\n", h.Name)
				for _, it := range items {
					fmt.Printf("  %s\n", it.String())
				}
			}
			if anyFindings {
				return &exitError{code: 1, err: fmt.Errorf("drift detected")}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&onlyHost, "host", "", "only diff this host")
	return cmd
}

func hostsToProcess(ctx context.Context, a *app, onlyHost string) ([]model.Host, error) {
	if onlyHost != "" {
		h, err := a.store.GetHostByName(ctx, onlyHost)
		if err != nil {
			return nil, err
		}
		return []model.Host{*h}, nil
	}
	all, err := a.store.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	var enabled []model.Host
	for _, h := range all {
		if !h.Disabled {
			enabled = append(enabled, h)
		}
	}
	return enabled, nil
}

// diffOneHost builds a throwaway single-fetch cache for host and runs the
// diff engine once against it. The long-lived Cache used by `serve` is
// shared by every scheduler pass for the life of the process; a CLI
// invocation only ever needs one fetch.
func diffOneHost(ctx context.Context, a *app, h model.Host) ([]diff.Item, error) {
	spec, err := hostSpec(ctx, a.store, h)
	if err != nil {
		return nil, err
	}
	c := cache.New(cache.NewTransportFetcher(a.connector, func(string) transport.HostSpec { return spec }))
	entry := c.Get(ctx, h.Name, true)
	if entry.Err != nil {
		return nil, entry.Err
	}

	expected, err := a.source.ExpectedAuthorizations(ctx, h.Name)
	if err != nil {
		return nil, err
	}
	known, err := a.source.KnownKeys(ctx)
	if err != nil {
		return nil, err
	}
	managerKey, err := a.source.ManagerKey(ctx)
	if err != nil {
		return nil, err
	}
	return diff.Diff(expected, known, managerKey.PublicKey, managerKey.Serial, entry.State), nil
}
