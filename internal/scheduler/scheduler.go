// Copyright (c) 2025 opskeys
// keysyncd - fleet authorized_keys management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package scheduler drives two independent cron-like passes: "check" (diff
// only, observation) and "update" (diff + reconcile), both optional. A
// missed tick is dropped, not queued, and a single pass never overlaps
// itself. Built on github.com/robfig/cron/v3, following that library's own
// idiomatic usage (AddFunc + Start/Stop).
package scheduler

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

// PassFunc runs one schedule's action against a single host.
type PassFunc func(ctx context.Context, hostName string) error

// Scheduler owns a cron.Cron instance and the dropped-tick guards for the
// check and update passes.
type Scheduler struct {
	cron *cron.Cron
	log  *log.Logger

	hosts func() []string
	check PassFunc
	update PassFunc

	checkRunning  atomic.Bool
	updateRunning atomic.Bool
}

// New builds a Scheduler. Either checkSpec or updateSpec may be empty to
// disable that schedule; both empty is valid (a Scheduler with nothing to
// run). Specs are 5- or 6-field cron expressions (seconds optional,
// defaulting to 0).
func New(checkSpec, updateSpec string, hosts func() []string, check, update PassFunc, logger *log.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(cron.WithSeconds()),
		log:    logger,
		hosts:  hosts,
		check:  check,
		update: update,
	}

	if checkSpec != "" {
		if _, err := s.cron.AddFunc(normalizeSchedule(checkSpec), s.runCheckPass); err != nil {
			return nil, err
		}
	}
	if updateSpec != "" {
		if _, err := s.cron.AddFunc(normalizeSchedule(updateSpec), s.runUpdatePass); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// normalizeSchedule pads a 5-field cron expression with a leading "0"
// seconds field, since the Scheduler's cron.Cron always runs WithSeconds().
func normalizeSchedule(spec string) string {
	if len(strings.Fields(spec)) == 5 {
		return "0 " + spec
	}
	return spec
}

// Start begins running scheduled passes asynchronously.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop signals the scheduler to stop and returns a context that is done
// once any in-flight pass has finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

func (s *Scheduler) runCheckPass() {
	if !s.checkRunning.CompareAndSwap(false, true) {
		s.log.Warn("check pass skipped: previous pass still running")
		return
	}
	defer s.checkRunning.Store(false)
	s.runPass("check", s.check)
}

func (s *Scheduler) runUpdatePass() {
	if !s.updateRunning.CompareAndSwap(false, true) {
		s.log.Warn("update pass skipped: previous pass still running")
		return
	}
	defer s.updateRunning.Store(false)
	s.runPass("update", s.update)
}

// runPass processes every host sequentially within the pass; one host's
// failure is logged and does not prevent the rest of the pass from
// running. Partial-failure stop semantics belong to the reconciler, not to
// a scheduler pass as a whole.
func (s *Scheduler) runPass(name string, fn PassFunc) {
	ctx := context.Background()
	for _, host := range s.hosts() {
		if err := fn(ctx, host); err != nil {
			s.log.Error("scheduled pass failed", "pass", name, "host", host, "error", err)
		}
	}
}
