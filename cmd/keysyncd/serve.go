// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opskeys/keysyncd/internal/cache"
	"github.com/opskeys/keysyncd/internal/diff"
	"github.com/opskeys/keysyncd/internal/logging"
	"github.com/opskeys/keysyncd/internal/reconcile"
	"github.com/opskeys/keysyncd/internal/scheduler"
	"github.com/opskeys/keysyncd/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the check and update cron schedules until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := currentApp

			c := cache.New(cache.NewTransportFetcher(a.connector, func(hostName string) transport.HostSpec {
				return specForHostOrZero(context.Background(), a, hostName)
			}))

			hosts := func() []string {
				names, err := allHostNames(context.Background(), a.store)
				if err != nil {
					logging.Errorf("serve: listing hosts: %v", err)
					return nil
				}
				return names
			}

			sched, err := scheduler.New(
				a.cfg.SSH.CheckSchedule,
				a.cfg.SSH.UpdateSchedule,
				hosts,
				checkPass(a, c),
				updatePass(a, c),
				logging.L,
			)
			if err != nil {
				return &exitError{code: 3, err: err}
			}

			sched.Start()
			logging.Infof("serve: scheduler started (check=%q update=%q)", a.cfg.SSH.CheckSchedule, a.cfg.SSH.UpdateSchedule)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			logging.Infof("serve: shutting down")
			<-sched.Stop().Done()
			return nil
		},
	}
}

// checkPass is the scheduler's observation-only pass: it diffs a host and
// logs any findings, never writing anything back.
func checkPass(a *app, c *cache.Cache) scheduler.PassFunc {
	return func(ctx context.Context, hostName string) error {
		h, err := a.store.GetHostByName(ctx, hostName)
		if err != nil {
			return err
		}
		spec, err := hostSpec(ctx, a.store, *h)
		if err != nil {
			return err
		}
		entry := c.Get(ctx, hostName, false)
		if entry.Err != nil {
			return entry.Err
		}

		expected, err := a.source.ExpectedAuthorizations(ctx, hostName)
		if err != nil {
			return err
		}
		known, err := a.source.KnownKeys(ctx)
		if err != nil {
			return err
		}
		managerKey, err := a.source.ManagerKey(ctx)
		if err != nil {
			return err
		}

		items := diff.Diff(expected, known, managerKey.PublicKey, managerKey.Serial, entry.State)
		for _, it := range items {
			logging.Warnf("check %s: %s", spec.Name, it.String())
		}
		if len(items) == 0 {
			logging.Debugf("check %s: in sync", spec.Name)
		}
		return nil
	}
}

// updatePass is the scheduler's reconcile pass: diff, then push corrected
// files for any affected login.
func updatePass(a *app, c *cache.Cache) scheduler.PassFunc {
	return func(ctx context.Context, hostName string) error {
		h, err := a.store.GetHostByName(ctx, hostName)
		if err != nil {
			return err
		}
		spec, err := hostSpec(ctx, a.store, *h)
		if err != nil {
			return err
		}
		if err := reconcile.Reconcile(ctx, spec, a.connector, c, a.source); err != nil {
			return err
		}
		logging.Infof("update %s: reconciled", spec.Name)
		return nil
	}
}

func specForHostOrZero(ctx context.Context, a *app, hostName string) transport.HostSpec {
	h, err := a.store.GetHostByName(ctx, hostName)
	if err != nil {
		return transport.HostSpec{}
	}
	spec, err := hostSpec(ctx, a.store, *h)
	if err != nil {
		return transport.HostSpec{}
	}
	return spec
}
