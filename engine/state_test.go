package engine

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/defiflow/defiflow/store/mem"
	"github.com/defiflow/defiflow/types"
)

func TestRunState_SaveLoad(t *testing.T) {
	ctx := context.Background()
	s := mem.NewMemStore()

	state := &RunState{
		DeployCompleted: true,
		LastTick:        1700003600,
		Balances:        map[string]map[string]string{"w": {"USDC": "100.5"}},
		LastFired:       map[string]int64{"alloc": 1700000000},
	}
	assert.Nil(t, SaveState(ctx, s, "run-1", state))

	loaded, err := LoadState(ctx, s, "run-1")
	assert.Nil(t, err)
	assert.Equal(t, state, loaded)

	// never-saved run loads as nil
	loaded, err = LoadState(ctx, s, "run-2")
	assert.Nil(t, err)
	assert.Nil(t, loaded)
}

func TestEngine_ExportRestoreState(t *testing.T) {
	alloc := staticAllocator(0.5, types.AllocationTarget{Nodes: []string{"lend"}})
	alloc.Cron = &types.Trigger{Interval: types.Hourly}

	build := func() *Engine {
		w := &types.Workflow{
			Nodes: []types.Node{walletNode("funding"), alloc, plainNode("lend")},
			Edges: []types.Edge{edge("funding", "alloc")},
		}
		eng, err := New(w, nil, nil)
		assert.Nil(t, err)
		return eng
	}

	eng := build()
	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(500))
	eng.deployed = true
	eng.lastTick = 1700003600
	eng.MarkFired("alloc", 1700000000)

	state := eng.ExportState()

	restored := build()
	restored.RestoreState(state)
	assert.True(t, restored.Deployed())
	assert.Equal(t, "500", restored.Balances().Get("funding", "USDC").String())
	assert.Equal(t, int64(1700000000), restored.lastFired["alloc"])
	// an allocator that had fired keeps its drift gate armed
	assert.True(t, restored.allocated["alloc"])
}
