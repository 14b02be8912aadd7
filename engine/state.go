package engine

import (
	"context"

	"github.com/juju/errors"

	"github.com/defiflow/defiflow/store"
	"github.com/defiflow/defiflow/types"
	"github.com/defiflow/defiflow/utils"
)

const runStatePrefix = "/run_state/"

// RunState is the durable snapshot of a running strategy: everything
// needed to resume after a restart without re-running the deploy phase
// or double-firing periodic nodes.
type RunState struct {
	DeployCompleted bool                         `json:"deploy_completed"`
	LastTick        int64                        `json:"last_tick"`
	Balances        map[string]map[string]string `json:"balances"`
	LastFired       map[string]int64             `json:"last_fired"`
}

// ExportState captures the engine's resumable state.
func (e *Engine) ExportState() *RunState {
	fired := make(map[string]int64, len(e.lastFired))
	for id, ts := range e.lastFired {
		fired[id] = ts
	}
	return &RunState{
		DeployCompleted: e.deployed,
		LastTick:        e.lastTick,
		Balances:        e.ledger.Snapshot(),
		LastFired:       fired,
	}
}

// RestoreState rehydrates the engine from a snapshot. Allocators that
// had fired before the snapshot keep their drift gate armed.
func (e *Engine) RestoreState(state *RunState) {
	if state == nil {
		return
	}
	e.deployed = state.DeployCompleted
	e.lastTick = state.LastTick
	e.ledger.Restore(state.Balances)
	e.lastFired = make(map[string]int64, len(state.LastFired))
	for id, ts := range state.LastFired {
		e.lastFired[id] = ts
		if _, ok := e.nodes[id].(*types.Allocator); ok {
			e.allocated[id] = true
		}
	}
}

// SaveState persists a snapshot under the given run id.
func SaveState(ctx context.Context, s store.Store, runID string, state *RunState) error {
	raw, err := utils.Serialize(state)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(s.Set(ctx, runStatePrefix, runID, raw), "saving run state %s", runID)
}

// LoadState reads a snapshot back, nil when none was ever saved.
func LoadState(ctx context.Context, s store.Store, runID string) (*RunState, error) {
	raw, err := s.Get(ctx, runStatePrefix, runID)
	if err != nil {
		return nil, errors.Annotatef(err, "loading run state %s", runID)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	state := &RunState{}
	if err := utils.Unserialize(raw, state); err != nil {
		return nil, errors.Annotatef(err, "decoding run state %s", runID)
	}
	return state, nil
}
