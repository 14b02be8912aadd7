package engine

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/defiflow/defiflow/types"
)

// stubVenue is a scripted venue for engine tests.
type stubVenue struct {
	value decimal.Decimal
	execs int

	fail   bool
	swapTo string // non-empty: act as a swap returning this token
}

func (s *stubVenue) Execute(ctx context.Context, node types.Node, input decimal.Decimal) (types.ExecutionResult, error) {
	s.execs++
	if s.fail {
		return types.Noop(), errors.New("venue down")
	}
	if s.swapTo != "" {
		return types.TokenOutput(s.swapTo, input), nil
	}
	s.value = s.value.Add(input)
	return types.PositionUpdate(input), nil
}

func (s *stubVenue) TotalValue(ctx context.Context) (decimal.Decimal, error) {
	return s.value, nil
}

func (s *stubVenue) Tick(ctx context.Context, now int64, dtSecs float64) error {
	return nil
}

func (s *stubVenue) Unwind(ctx context.Context, fraction float64) (decimal.Decimal, error) {
	freed := s.value.Mul(decimal.NewFromFloat(fraction))
	s.value = s.value.Sub(freed)
	return freed, nil
}

type captureSink struct {
	events []types.Event
}

func (c *captureSink) Emit(event types.Event) {
	c.events = append(c.events, event)
}

func (c *captureSink) count(eventType types.EventType) int {
	n := 0
	for _, e := range c.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func movementNode(id, from, to string) types.Node {
	n := &types.Movement{Kind: "swap", Provider: "sim", FromToken: from, ToToken: to}
	n.NodeID = id
	return n
}

func fixedEdge(from, to, token, amount string) types.Edge {
	return types.Edge{FromNode: from, ToNode: to, Token: token, Amount: types.FixedAmount(amount)}
}

func newTestEngine(t *testing.T, w *types.Workflow, venues map[string]types.Venue) (*Engine, *captureSink) {
	sink := &captureSink{}
	opts := types.NewEngineOptions()
	opts.Events = sink
	eng, err := New(w, venues, opts)
	assert.Nil(t, err)
	return eng, sink
}

func TestEngine_DeploySwapChain(t *testing.T) {
	w := &types.Workflow{
		Nodes: []types.Node{
			walletNode("funding"),
			movementNode("swap", "USDC", "ETH"),
			plainNode("lend"),
		},
		Edges: []types.Edge{
			{FromNode: "funding", ToNode: "swap", Token: "USDC", Amount: types.AllAmount()},
			{FromNode: "swap", ToNode: "lend", Token: "ETH", Amount: types.AllAmount()},
		},
	}
	swap := &stubVenue{swapTo: "ETH"}
	lend := &stubVenue{}
	eng, sink := newTestEngine(t, w, map[string]types.Venue{"swap": swap, "lend": lend})

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(100))
	assert.Nil(t, eng.Deploy(context.Background()))

	assert.True(t, eng.Deployed())
	assert.True(t, eng.Balances().Get("funding", "USDC").IsZero())
	assert.True(t, eng.Balances().Get("swap", "USDC").IsZero())
	assert.Equal(t, "100", lend.value.String())
	assert.Equal(t, 1, sink.count(types.EventDeployed))
	assert.Equal(t, "100", eng.TotalTVL(context.Background()).String())
}

func TestEngine_DeployFailsFast(t *testing.T) {
	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), plainNode("a"), plainNode("b")},
		Edges: []types.Edge{edge("funding", "a"), edge("a", "b")},
	}
	broken := &stubVenue{fail: true}
	after := &stubVenue{}
	eng, _ := newTestEngine(t, w, map[string]types.Venue{"a": broken, "b": after})

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(100))
	err := eng.Deploy(context.Background())
	assert.NotNil(t, err)
	assert.False(t, eng.Deployed())
	// downstream of the failure never ran
	assert.Equal(t, 0, after.execs)
}

func TestEngine_PercentageFanOut(t *testing.T) {
	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), plainNode("a"), plainNode("b")},
		Edges: []types.Edge{
			{FromNode: "funding", ToNode: "a", Token: "USDC", Amount: types.PercentageAmount(50)},
			{FromNode: "funding", ToNode: "b", Token: "USDC", Amount: types.PercentageAmount(50)},
		},
	}
	eng, _ := newTestEngine(t, w, nil)

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(100))
	assert.Nil(t, eng.Deploy(context.Background()))

	// both edges resolve against the pre-depletion balance
	assert.Equal(t, "50", eng.Balances().Get("a", "USDC").String())
	assert.Equal(t, "50", eng.Balances().Get("b", "USDC").String())
	assert.True(t, eng.Balances().Get("funding", "USDC").IsZero())
}

func TestEngine_TickContainsNodeFailure(t *testing.T) {
	w := &types.Workflow{
		Nodes: []types.Node{
			walletNode("funding"),
			periodicNode("a"), periodicNode("b"), periodicNode("c"),
		},
		Edges: []types.Edge{
			fixedEdge("funding", "a", "USDC", "10"),
			fixedEdge("funding", "b", "USDC", "10"),
			fixedEdge("funding", "c", "USDC", "10"),
		},
	}
	va, vb, vc := &stubVenue{}, &stubVenue{fail: true}, &stubVenue{}
	eng, sink := newTestEngine(t, w, map[string]types.Venue{"a": va, "b": vb, "c": vc})

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(100))
	eng.SetClock(NewSimClock([]int64{1700000000}))

	more, err := eng.Tick(context.Background())
	assert.Nil(t, err)
	assert.True(t, more)

	// b blew up, its siblings still ran and the tick completed
	assert.Equal(t, 1, va.execs)
	assert.Equal(t, 1, vb.execs)
	assert.Equal(t, 1, vc.execs)
	assert.Equal(t, 1, sink.count(types.EventError))
	assert.Equal(t, 1, sink.count(types.EventTickCompleted))

	// b is stamped: it does not re-fire within the same interval
	assert.Equal(t, int64(1700000000), eng.lastFired["b"])

	more, err = eng.Tick(context.Background())
	assert.Nil(t, err)
	assert.False(t, more)
}

func TestEngine_TriggerInterval(t *testing.T) {
	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), periodicNode("a")},
		Edges: []types.Edge{fixedEdge("funding", "a", "USDC", "1")},
	}
	va := &stubVenue{}
	eng, _ := newTestEngine(t, w, map[string]types.Venue{"a": va})

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(100))
	// fifteen-minute ticks: the hourly node fires on every fourth
	eng.SetClock(UniformClock(1700000000, 1700000000+2*3600, 900))

	assert.Nil(t, eng.Run(context.Background()))
	assert.Equal(t, 3, va.execs)
}

func TestEngine_MovementRecovery(t *testing.T) {
	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), movementNode("swap", "USDC", "ETH")},
		Edges: []types.Edge{
			{FromNode: "funding", ToNode: "swap", Token: "ETH", Amount: types.AllAmount()},
		},
	}
	venue := &stubVenue{swapTo: "ETH"}
	eng, _ := newTestEngine(t, w, map[string]types.Venue{"swap": venue})

	// a prior partial failure left the output token upstream
	eng.Balances().Add("funding", "ETH", decimal.NewFromInt(5))
	assert.Nil(t, eng.Deploy(context.Background()))

	// the swap is skipped, the balance just flows through
	assert.Equal(t, 0, venue.execs)
	assert.Equal(t, "5", eng.Balances().Get("swap", "ETH").String())
}

func TestEngine_UpdateWorkflow(t *testing.T) {
	build := func(action string) *types.Workflow {
		n := &types.Lending{Asset: "USDC", Action: action}
		n.NodeID = "lend"
		return &types.Workflow{
			Nodes: []types.Node{walletNode("funding"), n},
			Edges: []types.Edge{edge("funding", "lend")},
		}
	}

	eng, sink := newTestEngine(t, build("supply"), nil)
	order := eng.DeployOrder()

	// identical parameters: no-op
	changed, err := eng.UpdateWorkflow(build("supply"))
	assert.Nil(t, err)
	assert.False(t, changed)

	// parameter change applies in place
	changed, err = eng.UpdateWorkflow(build("withdraw"))
	assert.Nil(t, err)
	assert.True(t, changed)
	lend := eng.Workflow().Node("lend").(*types.Lending)
	assert.Equal(t, "withdraw", lend.Action)
	assert.Equal(t, order, eng.DeployOrder())

	// structural change is rejected
	next := build("supply")
	next.Nodes = append(next.Nodes, plainNode("extra"))
	_, err = eng.UpdateWorkflow(next)
	assert.NotNil(t, err)
	assert.Equal(t, 1, sink.count(types.EventReloadRejected))

	// variant tag change under the same id is structural too
	next = build("supply")
	spot := &types.Spot{Venue: "x", Pair: "ETH/USDC", Side: "buy"}
	spot.NodeID = "lend"
	next.Nodes[1] = spot
	_, err = eng.UpdateWorkflow(next)
	assert.NotNil(t, err)
}

func TestEngine_AllocatorDeploysTargets(t *testing.T) {
	alloc := staticAllocator(0.5,
		types.AllocationTarget{Nodes: []string{"a"}, ExpectedReturn: floatPtr(0.20), Volatility: floatPtr(0.30)},
		types.AllocationTarget{Nodes: []string{"b"}, ExpectedReturn: floatPtr(0.05), Volatility: floatPtr(0.10)},
	)
	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), alloc, plainNode("a"), plainNode("b")},
		Edges: []types.Edge{fixedEdge("funding", "alloc", "USDC", "10000")},
	}
	va, vb := &stubVenue{}, &stubVenue{}
	sink := &captureSink{}
	counters := &types.Counters{}
	opts := types.NewEngineOptions()
	opts.Events = sink
	opts.Metrics = counters
	eng, err := New(w, map[string]types.Venue{"a": va, "b": vb}, opts)
	assert.Nil(t, err)

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(10000))
	assert.Nil(t, eng.Deploy(context.Background()))

	valueA, _ := va.value.Float64()
	valueB, _ := vb.value.Float64()
	assert.InDelta(t, 3076.9, valueA, 1.0)
	assert.InDelta(t, 6923.1, valueB, 1.0)
	assert.Equal(t, 1, counters.Rebalances())
	assert.Equal(t, 1, sink.count(types.EventRebalance))
}

func TestEngine_AllocatorDriftGate(t *testing.T) {
	alloc := staticAllocator(0.5,
		types.AllocationTarget{Nodes: []string{"a"}, ExpectedReturn: floatPtr(0.20), Volatility: floatPtr(0.30)},
		types.AllocationTarget{Nodes: []string{"b"}, ExpectedReturn: floatPtr(0.05), Volatility: floatPtr(0.10)},
	)
	alloc.DriftThreshold = 0.05
	alloc.Cron = &types.Trigger{Interval: types.Hourly}

	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), alloc, plainNode("a"), plainNode("b")},
		Edges: []types.Edge{
			{FromNode: "funding", ToNode: "alloc", Token: "USDC", Amount: types.AllAmount()},
		},
	}
	va, vb := &stubVenue{}, &stubVenue{}
	counters := &types.Counters{}
	opts := types.NewEngineOptions()
	opts.Metrics = counters
	eng, err := New(w, map[string]types.Venue{"a": va, "b": vb}, opts)
	assert.Nil(t, err)

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(10000))
	// three hourly ticks: first fire allocates, later fires hold while
	// weights stay inside the drift threshold
	eng.SetClock(UniformClock(1700000000, 1700000000+2*3600, 3600))

	assert.Nil(t, eng.Run(context.Background()))
	assert.Equal(t, 1, counters.Rebalances())

	// knock one leg badly off target: next fire rebalances again
	va.value = va.value.Mul(decimal.NewFromInt(3))
	eng.SetClock(NewSimClock([]int64{1700000000 + 3*3600}))
	_, err = eng.Tick(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, 2, counters.Rebalances())
}

func TestEngine_AllocatorDeployFailureAborts(t *testing.T) {
	alloc := staticAllocator(0.5,
		types.AllocationTarget{Nodes: []string{"a"}, ExpectedReturn: floatPtr(0.20), Volatility: floatPtr(0.30)},
	)
	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), alloc, plainNode("a")},
		Edges: []types.Edge{fixedEdge("funding", "alloc", "USDC", "10000")},
	}
	va := &stubVenue{fail: true}
	eng, _ := newTestEngine(t, w, map[string]types.Venue{"a": va})

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(10000))
	err := eng.Deploy(context.Background())

	// a leg venue failing during deploy fails the whole deploy
	assert.NotNil(t, err)
	assert.False(t, eng.Deployed())
	// the cash it tried to move is back on the allocator
	assert.Equal(t, "10000", eng.Balances().Get("alloc", "USDC").String())
}

func TestEngine_AllocatorTickFailureContained(t *testing.T) {
	alloc := staticAllocator(0.5,
		types.AllocationTarget{Nodes: []string{"a"}, ExpectedReturn: floatPtr(0.20), Volatility: floatPtr(0.30)},
	)
	alloc.Cron = &types.Trigger{Interval: types.Hourly}

	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), alloc, plainNode("a")},
		Edges: []types.Edge{
			{FromNode: "funding", ToNode: "alloc", Token: "USDC", Amount: types.AllAmount()},
		},
	}
	va := &stubVenue{fail: true}
	eng, sink := newTestEngine(t, w, map[string]types.Venue{"a": va})

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(10000))
	eng.SetClock(NewSimClock([]int64{1700000000}))

	// on a periodic fire the same failure is contained by the tick loop
	more, err := eng.Tick(context.Background())
	assert.Nil(t, err)
	assert.True(t, more)
	assert.Equal(t, 1, sink.count(types.EventError))
	assert.Equal(t, 1, sink.count(types.EventTickCompleted))
	assert.Equal(t, int64(1700000000), eng.lastFired["alloc"])
}

func TestEngine_AllocatorOnTargetPassSkipsCounter(t *testing.T) {
	alloc := staticAllocator(0.5,
		types.AllocationTarget{Nodes: []string{"a"}, ExpectedReturn: floatPtr(0.20), Volatility: floatPtr(0.30)},
	)
	alloc.MaxAllocation = floatPtr(0.5)
	alloc.Cron = &types.Trigger{Interval: types.Hourly}

	w := &types.Workflow{
		Nodes: []types.Node{walletNode("funding"), alloc, plainNode("a")},
		Edges: []types.Edge{
			{FromNode: "funding", ToNode: "alloc", Token: "USDC", Amount: types.AllAmount()},
		},
	}
	va := &stubVenue{}
	sink := &captureSink{}
	counters := &types.Counters{}
	opts := types.NewEngineOptions()
	opts.Events = sink
	opts.Metrics = counters
	eng, err := New(w, map[string]types.Venue{"a": va}, opts)
	assert.Nil(t, err)

	eng.Balances().Add("funding", "USDC", decimal.NewFromInt(10000))
	// no drift threshold: the allocator runs a full pass on every fire,
	// but the second pass finds the 50% cap already met exactly
	eng.SetClock(UniformClock(1700000000, 1700000000+3600, 3600))

	assert.Nil(t, eng.Run(context.Background()))
	assert.Equal(t, "5000", va.value.String())
	assert.Equal(t, "5000", eng.Balances().Get("alloc", "USDC").String())
	assert.Equal(t, 1, counters.Rebalances())
	assert.Equal(t, 1, sink.count(types.EventRebalance))
}
