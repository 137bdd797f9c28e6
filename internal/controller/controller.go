// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package controller drives the periodic reconciliation between the data
// plane registers and the decay engine: sync the flag registers, age every
// index, write the transitions back and redistribute the meter budget.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/darkmon-ebpf/internal/dataplane"
	"github.com/darkmon-ebpf/internal/decay"
	"github.com/darkmon-ebpf/internal/meter"
	"github.com/darkmon-ebpf/internal/register"
	"github.com/darkmon-ebpf/internal/types"
	"google.golang.org/grpc/health"
)

// CycleStats summarises one control cycle.
type CycleStats struct {
	// Shards is the number of shards whose transitions were committed.
	Shards        int
	Flagged       int
	Activated     int
	Deactivated   int
	Inactive      uint32
	MetersWritten int
	Active        uint64
	Dark          uint64
	Duration      time.Duration
}

// Controller runs control cycles over one data plane.
type Controller struct {
	dp       *dataplane.Dataplane
	engine   *decay.Engine
	rates    *meter.Redistributor
	interval time.Duration
	metrics  *metrics
	health   *health.Server

	now        func() time.Time
	afterCycle func(CycleStats, error)
}

// New returns a controller over an already populated data plane.
func New(dp *dataplane.Dataplane, engine *decay.Engine, rates *meter.Redistributor, interval time.Duration) (*Controller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0, got %v", interval)
	}
	if engine.Shards() != dp.Scheme.Shards {
		return nil, fmt.Errorf("engine has %d shards, data plane %d", engine.Shards(), dp.Scheme.Shards)
	}
	if err := dp.Check(engine.PerShard()); err != nil {
		return nil, err
	}
	return &Controller{
		dp:       dp,
		engine:   engine,
		rates:    rates,
		interval: interval,
		metrics:  newMetrics(),
		now:      time.Now,
	}, nil
}

func (c *Controller) observe(p Phase, since time.Time) {
	c.metrics.phaseDuration.WithLabelValues(p.String()).Observe(c.now().Sub(since).Seconds())
}

// RunCycle performs one SYNC_START .. RATE_UPDATE pass. When a shard fails
// the remaining shards are skipped; shards committed before the failure
// still feed the rate update. The returned error is a *CycleError unless
// ctx was cancelled.
func (c *Controller) RunCycle(ctx context.Context) (CycleStats, error) {
	start := c.now()
	var st CycleStats
	inactive := make(map[uint32]uint32)
	var total uint32

	err := c.reconcile(ctx, &st, inactive, &total)

	if total > 0 {
		t := c.now()
		n, rerr := c.rates.Update(inactive, total)
		c.observe(PhaseRateUpdate, t)
		st.MetersWritten = n
		c.metrics.meterUpdatesTotal.Add(float64(n))
		if rerr != nil && err == nil {
			err = &CycleError{Phase: PhaseRateUpdate, Shard: -1, Err: rerr}
		}
	}

	st.Active = c.engine.Active()
	st.Dark = c.engine.Dark()
	st.Duration = c.now().Sub(start)
	c.metrics.activeIndices.Set(float64(st.Active))
	c.metrics.darkIndices.Set(float64(st.Dark))
	c.metrics.flaggedIndices.Set(float64(st.Flagged))
	c.metrics.cycleDurationSeconds.Set(st.Duration.Seconds())

	var ce *CycleError
	switch {
	case err == nil:
		c.metrics.cyclesTotal.Inc()
		setServing(c.health, true)
	case errors.As(err, &ce):
		c.metrics.abortsTotal.WithLabelValues(ce.Phase.String()).Inc()
		setServing(c.health, false)
	}
	return st, err
}

func (c *Controller) reconcile(ctx context.Context, st *CycleStats, inactive map[uint32]uint32, total *uint32) error {
	shards := c.dp.Flags
	handles := make([]*register.SyncHandle, len(shards))
	defer c.drain(handles)

	t := c.now()
	for i, r := range shards {
		h, err := r.BeginSync(ctx)
		if err != nil {
			return &CycleError{Phase: PhaseSyncStart, Shard: i, Err: err}
		}
		handles[i] = h
	}
	c.observe(PhaseSyncStart, t)

	t = c.now()
	for i, r := range shards {
		if err := r.AwaitSync(ctx, handles[i]); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &CycleError{Phase: PhaseSyncWait, Shard: i, Err: err}
		}
	}
	c.observe(PhaseSyncWait, t)

	perShard := c.engine.PerShard()
	for i := range shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		shard := uint32(i)

		t = c.now()
		flags, err := shards[i].ReadRange(0, perShard)
		c.observe(PhaseRead, t)
		if err != nil {
			return &CycleError{Phase: PhaseRead, Shard: i, Err: err}
		}

		t = c.now()
		plan, err := c.engine.Plan(shard, flags)
		c.observe(PhaseDecay, t)
		if err != nil {
			return &CycleError{Phase: PhaseDecay, Shard: i, Err: err}
		}

		t = c.now()
		committed, err := c.writeback(shard, plan)
		c.observe(PhaseWriteback, t)
		if committed {
			c.account(st, plan, inactive, total)
		}
		if err != nil {
			return &CycleError{Phase: PhaseWriteback, Shard: i, Err: err}
		}
		slog.Debug("shard reconciled", "shard", i, "flagged", len(plan.Flagged),
			"activated", len(plan.Activate), "deactivated", len(plan.Deactivate))
	}
	return nil
}

// writeback applies a plan to the shard's global registers, commits it and
// only then clears the flags it consumed. A flag left set by a failed clear
// re-arms its index on the next cycle without a second activation.
func (c *Controller) writeback(shard uint32, p *decay.Plan) (bool, error) {
	g := c.dp.Globals[shard]
	if err := g.WriteBatch(p.Activate, types.GlobalActive); err != nil {
		return false, fmt.Errorf("activate: %w", err)
	}
	if err := g.WriteBatch(p.Deactivate, types.GlobalInactive); err != nil {
		return false, fmt.Errorf("deactivate: %w", err)
	}
	if err := c.engine.Commit(p); err != nil {
		return false, err
	}
	if err := c.dp.Flags[shard].WriteBatch(p.Flagged, 0); err != nil {
		return true, fmt.Errorf("clear flags: %w", err)
	}
	return true, nil
}

func (c *Controller) account(st *CycleStats, p *decay.Plan, inactive map[uint32]uint32, total *uint32) {
	st.Shards++
	st.Flagged += len(p.Flagged)
	st.Activated += len(p.Activate)
	st.Deactivated += len(p.Deactivate)
	c.metrics.transitionsTotal.WithLabelValues("activate").Add(float64(len(p.Activate)))
	c.metrics.transitionsTotal.WithLabelValues("deactivate").Add(float64(len(p.Deactivate)))
	for b, n := range p.Inactive {
		inactive[b] += n
		*total += n
	}
	st.Inactive = *total
}

// drain waits for syncs that are still in flight after an abort so the next
// cycle can start new ones.
func (c *Controller) drain(handles []*register.SyncHandle) {
	for i, h := range handles {
		if h == nil {
			continue
		}
		select {
		case <-h.Done():
		case <-time.After(c.interval):
			slog.Warn("sync still pending after abort", "shard", i)
		}
	}
}

// Loop runs cycles every interval until ctx is cancelled. Cycle errors are
// logged and retried on the next tick.
func (c *Controller) Loop(ctx context.Context) error {
	slog.Info("control loop started", "interval", c.interval, "shards", len(c.dp.Flags),
		"addr_cnt", c.engine.AddrCnt(), "alpha", c.engine.Alpha())
	for cycle := uint64(1); ; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := c.RunCycle(ctx)
		if ctx.Err() != nil {
			slog.Debug("context canceled, exiting control loop")
			return ctx.Err()
		}
		if err != nil {
			slog.Error("cycle aborted", "cycle", cycle, "err", err, "committed_shards", st.Shards)
		} else {
			slog.Info("cycle done", "cycle", cycle, "flagged", st.Flagged, "activated", st.Activated,
				"deactivated", st.Deactivated, "meters", st.MetersWritten, "active", st.Active,
				"dark", st.Dark, "took", st.Duration)
		}
		if c.afterCycle != nil {
			c.afterCycle(st, err)
		}

		sleep := c.interval - st.Duration
		if sleep <= 0 {
			c.metrics.overrunsTotal.Inc()
			slog.Warn("cycle overran interval, skipping sleep", "cycle", cycle, "took", st.Duration,
				"interval", c.interval)
			continue
		}
		t := c.now()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		c.observe(PhaseSleep, t)
	}
}
