package engine

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/defiflow/defiflow/store"
	"github.com/defiflow/defiflow/types"
)

// Daemon runs a strategy against wall-clock time: sleep until a
// periodic node is due, fire it, persist a state snapshot. It owns the
// engine's concurrency story — execution holds the write lock, status
// queries take the read lock, so a TVL probe never observes a
// half-applied rebalance.
type Daemon struct {
	mu        sync.RWMutex
	engine    *Engine
	scheduler *CronScheduler
	store     store.Store
	runID     string
	events    types.EventSink

	snapshotEvery int
	lastWake      int64

	reloadMu sync.Mutex
	pending  *types.Workflow
}

// NewDaemon wires an engine to a scheduler and a persistence backend.
// runID keys the state snapshots: reuse the same id to resume a
// strategy after a restart.
func NewDaemon(eng *Engine, st store.Store, runID string, opts *types.EngineOptions) *Daemon {
	if opts == nil {
		opts = types.NewEngineOptions()
	}
	return &Daemon{
		engine:        eng,
		scheduler:     NewCronScheduler(eng.Workflow()),
		store:         st,
		runID:         runID,
		events:        opts.Events,
		snapshotEvery: opts.SnapshotEvery,
	}
}

// RunID identifies this daemon's state snapshots.
func (d *Daemon) RunID() string {
	return d.runID
}

// Engine exposes the underlying engine for setup (seeding balances)
// before Run starts. Not safe to touch while the daemon is running.
func (d *Daemon) Engine() *Engine {
	return d.engine
}

// Run drives the strategy until the context ends. A fresh run deploys
// first; a resumed run (a snapshot exists with deploy completed)
// restores balances and fire stamps instead, so periodic nodes do not
// double-fire across restarts.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return errors.Trace(err)
	}

	wakeups := 0
	for {
		due := d.scheduler.WaitForNext(ctx)
		if due == nil {
			d.events.Emit(types.Event{RunID: d.runID, Type: types.EventStopped, At: time.Now()})
			return ctx.Err()
		}

		d.applyPendingReload()
		d.fire(ctx, due)

		wakeups++
		if d.snapshotEvery > 0 && wakeups%d.snapshotEvery == 0 {
			if err := d.save(ctx); err != nil {
				log.Errorf("state snapshot failed: %v", err)
			}
		}
	}
}

// RunOnce executes a single full pass: deploy (or restore), fire every
// periodic node once, snapshot. Useful for cron-style hosting where an
// external scheduler owns the cadence.
func (d *Daemon) RunOnce(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		return errors.Trace(err)
	}
	d.fire(ctx, d.scheduler.AllDue())
	return errors.Trace(d.save(ctx))
}

func (d *Daemon) start(ctx context.Context) error {
	state, err := LoadState(ctx, d.store, d.runID)
	if err != nil {
		return errors.Trace(err)
	}
	if state != nil && state.DeployCompleted {
		d.mu.Lock()
		d.engine.RestoreState(state)
		d.mu.Unlock()
		log.WithField("run_id", d.runID).Info("resumed from snapshot")
		return nil
	}

	d.mu.Lock()
	err = d.engine.Deploy(ctx)
	d.mu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.save(ctx))
}

// fire executes the due nodes sequentially under the write lock. One
// node's failure is contained so the rest of the batch still runs.
func (d *Daemon) fire(ctx context.Context, due []string) {
	now := time.Now().Unix()
	dt := float64(0)
	if d.lastWake > 0 {
		dt = float64(now - d.lastWake)
	}
	d.lastWake = now

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.engine.TickVenues(ctx, now, dt); err != nil {
		log.Warnf("venue tick failed: %v", err)
	}
	for _, id := range due {
		d.engine.MarkFired(id, now)
		if err := d.engine.ExecuteNode(ctx, id); err != nil {
			log.WithField("node", id).Errorf("scheduled execution failed: %v", err)
			d.events.Emit(types.Event{
				RunID: d.runID, Type: types.EventError, Node: id,
				At: time.Now(), Err: err.Error(),
			})
		}
	}
}

// Reload queues a parameter update. It is applied before the next
// scheduled execution; structural changes are rejected there.
func (d *Daemon) Reload(next *types.Workflow) {
	d.reloadMu.Lock()
	d.pending = next
	d.reloadMu.Unlock()
}

func (d *Daemon) applyPendingReload() {
	d.reloadMu.Lock()
	next := d.pending
	d.pending = nil
	d.reloadMu.Unlock()
	if next == nil {
		return
	}

	d.mu.Lock()
	changed, err := d.engine.UpdateWorkflow(next)
	d.mu.Unlock()
	if err != nil {
		log.Errorf("workflow reload rejected: %v", err)
		return
	}
	if changed {
		log.Info("workflow parameters reloaded")
	}
}

func (d *Daemon) save(ctx context.Context) error {
	d.mu.RLock()
	state := d.engine.ExportState()
	d.mu.RUnlock()
	return errors.Trace(SaveState(ctx, d.store, d.runID, state))
}

// DaemonStatus is a read-only snapshot of a running strategy.
type DaemonStatus struct {
	RunID    string
	Deployed bool
	LastTick int64
	Balances map[string]map[string]string
}

// Status reports the current run state. Safe to call from any goroutine
// while the daemon runs.
func (d *Daemon) Status() DaemonStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DaemonStatus{
		RunID:    d.runID,
		Deployed: d.engine.Deployed(),
		LastTick: d.engine.lastTick,
		Balances: d.engine.Balances().Snapshot(),
	}
}

// TVL reports the strategy's current total value. Safe to call from any
// goroutine while the daemon runs.
func (d *Daemon) TVL(ctx context.Context) decimal.Decimal {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine.TotalTVL(ctx)
}

// Balances reports a copy of the current ledger.
func (d *Daemon) Balances() map[string]map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine.Balances().Snapshot()
}
