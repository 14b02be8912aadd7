package engine

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/defiflow/defiflow/types"
)

// defaultCashToken is the allocator cash token of last resort, when the
// node has no input token and no incoming edge to derive one from.
const defaultCashToken = "USDC"

type cronTrigger struct {
	node   string
	period int64 // seconds
}

// Engine executes a strategy graph: a one-time deploy pass over the
// non-periodic subgraph in dependency order, then a tick regime firing
// periodic nodes on their cron schedules. It owns the balance ledger and
// dispatches node actions to registered venues. Node/edge structure is
// immutable for the engine's lifetime; only parameters may be reloaded.
//
// The engine itself is not safe for concurrent use — the live daemon
// wraps it in a reader/writer lock, and backtests drive it from a single
// goroutine.
type Engine struct {
	workflow *types.Workflow
	venues   map[string]types.Venue
	ledger   *Ledger

	deployOrder []string
	triggers    []cronTrigger
	lastFired   map[string]int64
	allocated   map[string]bool

	nodes map[string]types.Node

	clock *SimClock

	events  types.EventSink
	metrics types.Metrics

	deployed bool
	lastTick int64

	// Percentage edges resolve against these pre-depletion snapshots
	// during deploy, so a 50%+50% fan-out actually splits 50/50.
	snapshots map[string]decimal.Decimal
}

// New builds an engine over an already-validated workflow. The deploy
// order and trigger set are computed once, here; a cyclic non-periodic
// subgraph fails construction.
func New(workflow *types.Workflow, venues map[string]types.Venue, opts *types.EngineOptions) (*Engine, error) {
	if opts == nil {
		opts = types.NewEngineOptions()
	}

	order, err := DeployOrder(workflow)
	if err != nil {
		return nil, errors.Trace(err)
	}

	nodes := make(map[string]types.Node, len(workflow.Nodes))
	var triggers []cronTrigger
	for _, node := range workflow.Nodes {
		nodes[node.ID()] = node
		if trigger := node.Trigger(); trigger != nil {
			if secs := trigger.Interval.Seconds(); secs > 0 {
				triggers = append(triggers, cronTrigger{node: node.ID(), period: secs})
			}
		}
	}

	if venues == nil {
		venues = map[string]types.Venue{}
	}

	return &Engine{
		workflow:    workflow,
		venues:      venues,
		ledger:      NewLedger(),
		deployOrder: order,
		triggers:    triggers,
		lastFired:   make(map[string]int64),
		allocated:   make(map[string]bool),
		nodes:       nodes,
		events:      opts.Events,
		metrics:     opts.Metrics,
	}, nil
}

// SetClock attaches the simulation clock driving Tick in backtests.
func (e *Engine) SetClock(clock *SimClock) {
	e.clock = clock
}

// DeployOrder returns the one-time execution order (for diagnostics).
func (e *Engine) DeployOrder() []string {
	out := make([]string, len(e.deployOrder))
	copy(out, e.deployOrder)
	return out
}

// Balances exposes the ledger for seeding wallet funds and for read-only
// status queries.
func (e *Engine) Balances() *Ledger {
	return e.ledger
}

// Deployed reports whether the one-time deploy pass has completed.
func (e *Engine) Deployed() bool {
	return e.deployed
}

// Workflow returns the current workflow.
func (e *Engine) Workflow() *types.Workflow {
	return e.workflow
}

// Deploy runs the one-time deploy phase: every non-periodic node in
// topological order. The first failure aborts the whole pass — a broken
// dependency step means downstream steps cannot safely run.
func (e *Engine) Deploy(ctx context.Context) error {
	e.snapshotPercentageSources()
	for _, id := range e.deployOrder {
		if err := e.ExecuteNode(ctx, id); err != nil {
			return errors.Annotatef(err, "deploying node %q", id)
		}
	}
	e.snapshots = nil
	e.deployed = true
	e.emit(types.EventDeployed, "", nil)
	return nil
}

// snapshotPercentageSources records the balance of every source node
// that has outgoing percentage edges, before any of them deduct.
func (e *Engine) snapshotPercentageSources() {
	e.snapshots = make(map[string]decimal.Decimal)
	for _, edge := range e.workflow.Edges {
		if edge.Amount.Kind != types.AmountPercentage {
			continue
		}
		key := edge.FromNode + "|" + edge.Token
		if _, exists := e.snapshots[key]; !exists {
			e.snapshots[key] = e.ledger.Get(edge.FromNode, edge.Token)
		}
	}
}

// ExecuteNode runs one node: gather inputs along incoming edges, then
// either run the capital allocator or delegate to the node's venue, and
// fold the result back into the ledger.
func (e *Engine) ExecuteNode(ctx context.Context, id string) error {
	node, exists := e.nodes[id]
	if !exists {
		return errors.NotFoundf("node %q", id)
	}

	inputToken, inputAmount := e.gatherInputs(id)

	if alloc, ok := node.(*types.Allocator); ok {
		cashToken := inputToken
		if cashToken == "" {
			if edges := e.workflow.IncomingEdges(id); len(edges) > 0 {
				cashToken = edges[0].Token
			} else {
				cashToken = defaultCashToken
			}
		}
		if err := e.executeAllocator(ctx, alloc, cashToken); err != nil {
			return errors.Annotatef(err, "allocator %q", id)
		}
		e.emit(types.EventNodeExecuted, id, nil)
		return nil
	}

	// Recovery: a movement node that already holds its output token (a
	// prior run swapped but failed downstream) skips the venue call; the
	// balance flows onward via edges as usual.
	if mv, ok := node.(*types.Movement); ok {
		if inputToken == mv.ToToken && mv.ToToken != mv.FromToken && inputAmount.IsPositive() {
			log.WithField("node", id).Infof("already holds %s, skipping %s", mv.ToToken, mv.Kind)
			e.emit(types.EventNodeExecuted, id, nil)
			return nil
		}
	}

	// Skip the venue on zero input — avoids pointless transactions. A
	// node without a venue (e.g. a wallet sink) is done after gathering.
	if inputAmount.IsPositive() {
		if venue, registered := e.venues[id]; registered {
			result, err := venue.Execute(ctx, node, inputAmount)
			if err != nil {
				return errors.Annotatef(err, "executing node %q", id)
			}
			e.applyResult(id, inputToken, result)
		}
	}

	if err := e.extractSpotHoldings(ctx, id, node); err != nil {
		return errors.Trace(err)
	}

	e.emit(types.EventNodeExecuted, id, nil)
	return nil
}

// gatherInputs resolves every edge targeting the node and moves tokens
// from the sources. Returns the primary input token (first non-empty
// transfer) and the total moved.
func (e *Engine) gatherInputs(id string) (string, decimal.Decimal) {
	total := decimal.Zero
	primaryToken := ""

	for _, edge := range e.workflow.IncomingEdges(id) {
		base := e.ledger.Get(edge.FromNode, edge.Token)
		if edge.Amount.Kind == types.AmountPercentage {
			if snap, exists := e.snapshots[edge.FromNode+"|"+edge.Token]; exists {
				base = snap
			}
		}
		amount := Resolve(base, edge.Amount)

		// Cap at what the source actually still holds.
		available := e.ledger.Get(edge.FromNode, edge.Token)
		if amount.GreaterThan(available) {
			amount = available
		}
		if !amount.IsPositive() {
			continue
		}

		e.ledger.Deduct(edge.FromNode, edge.Token, amount)
		e.ledger.Add(id, edge.Token, amount)
		total = total.Add(amount)
		if primaryToken == "" {
			primaryToken = edge.Token
		}
	}

	return primaryToken, total
}

// applyResult folds a venue's execution result into the ledger.
func (e *Engine) applyResult(id, inputToken string, result types.ExecutionResult) {
	switch result.Kind {
	case types.ResultTokenOutput:
		// The venue consumed the input and produced a new token.
		held := e.ledger.Get(id, inputToken)
		e.ledger.Deduct(id, inputToken, held)
		e.ledger.Add(id, result.Token, result.Amount)
	case types.ResultPositionUpdate:
		e.ledger.Deduct(id, inputToken, result.Consumed)
		if result.OutputToken != "" {
			e.ledger.Add(id, result.OutputToken, result.OutputAmount)
		}
	case types.ResultNoop:
	}
}

// extractSpotHoldings moves a spot buy's acquired base tokens out of the
// venue and onto the node balance when a downstream edge expects them,
// so the edge system can route them onward (e.g. buy ETH, then lend it).
func (e *Engine) extractSpotHoldings(ctx context.Context, id string, node types.Node) error {
	spot, ok := node.(*types.Spot)
	if !ok || spot.Side != "buy" {
		return nil
	}
	base := spot.Pair
	if i := strings.Index(base, "/"); i >= 0 {
		base = base[:i]
	}

	hasDownstream := false
	for _, edge := range e.workflow.OutgoingEdges(id) {
		if edge.Token == base {
			hasDownstream = true
			break
		}
	}
	if !hasDownstream {
		return nil
	}

	unwinder, ok := e.venues[id].(types.Unwinder)
	if !ok {
		return nil
	}
	freed, err := unwinder.Unwind(ctx, 1.0)
	if err != nil {
		return errors.Annotatef(err, "extracting holdings of %q", id)
	}
	if freed.IsPositive() {
		e.ledger.Add(id, base, freed)
	}
	return nil
}

// Tick advances the simulation clock one step, accrues venue state, then
// fires every periodic node whose interval has elapsed. Returns false
// once the clock is exhausted.
//
// A fired node's failure is contained: reported and logged, but sibling
// nodes due in the same tick still run and the tick succeeds. This is
// the partial-failure guarantee — a misbehaving venue cannot halt the
// whole strategy.
func (e *Engine) Tick(ctx context.Context) (bool, error) {
	if e.clock == nil {
		return false, errors.BadRequestf("engine has no simulation clock")
	}
	if !e.clock.Advance() {
		return false, nil
	}
	now := e.clock.Current()
	dt := float64(e.clock.DtSeconds())

	if err := e.TickVenues(ctx, now, dt); err != nil {
		return false, errors.Trace(err)
	}

	for _, trigger := range e.triggers {
		if now-e.lastFired[trigger.node] < trigger.period {
			continue
		}
		// Stamp before executing: at most one fire per interval even on
		// failure.
		e.lastFired[trigger.node] = now
		if err := e.ExecuteNode(ctx, trigger.node); err != nil {
			log.WithField("node", trigger.node).Errorf("trigger fire failed: %v", err)
			e.emit(types.EventError, trigger.node, err)
			continue
		}
	}

	e.lastTick = now
	e.emit(types.EventTickCompleted, "", nil)
	return true, nil
}

// Run drives Tick until the clock is exhausted or the context ends.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		more, err := e.Tick(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if !more {
			return nil
		}
	}
}

// TickVenues advances every registered venue's internal accrual. Used by
// Tick and by the live daemon, which does its own scheduling.
func (e *Engine) TickVenues(ctx context.Context, now int64, dtSecs float64) error {
	ids := make([]string, 0, len(e.venues))
	for id := range e.venues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := e.venues[id].Tick(ctx, now, dtSecs); err != nil {
			return errors.Annotatef(err, "ticking venue %q", id)
		}
	}
	return nil
}

// MarkFired stamps a periodic node as fired at the given instant. The
// daemon calls this after the scheduler returns a due node.
func (e *Engine) MarkFired(id string, now int64) {
	e.lastFired[id] = now
}

// TotalTVL is the portfolio value: every venue's mark-to-market value
// plus undeployed ledger balances. A venue that fails to report counts
// as zero rather than failing the aggregate.
func (e *Engine) TotalTVL(ctx context.Context) decimal.Decimal {
	total := e.ledger.TotalValue()
	for id, venue := range e.venues {
		value, err := venue.TotalValue(ctx)
		if err != nil {
			log.WithField("node", id).Warnf("venue valuation failed: %v", err)
			continue
		}
		total = total.Add(value)
	}
	return total
}

// UpdateWorkflow hot-reloads node parameters in place. Structural
// changes (node ids, variant tags, edge topology) are rejected: the
// deploy order and trigger set were computed once at construction and
// are not recomputed. Returns whether any parameters actually changed.
func (e *Engine) UpdateWorkflow(next *types.Workflow) (bool, error) {
	if !e.structurallyCompatible(next) {
		e.emit(types.EventReloadRejected, "", nil)
		return false, errors.NotValidf("workflow structure changed")
	}

	changed := false
	for i, old := range e.workflow.Nodes {
		if !reflect.DeepEqual(old, next.Nodes[i]) {
			log.WithField("node", old.ID()).Info("node parameters changed")
			changed = true
		}
	}
	for i, old := range e.workflow.Edges {
		if !reflect.DeepEqual(old, next.Edges[i]) {
			log.Infof("edge %s->%s changed", old.FromNode, old.ToNode)
			changed = true
		}
	}
	if !changed {
		return false, nil
	}

	e.workflow.Nodes = next.Nodes
	e.workflow.Edges = next.Edges
	for _, node := range next.Nodes {
		e.nodes[node.ID()] = node
	}
	return true, nil
}

// structurallyCompatible checks that a reload only changes parameters:
// same node ids and variant tags, same edge topology.
func (e *Engine) structurallyCompatible(next *types.Workflow) bool {
	if len(e.workflow.Nodes) != len(next.Nodes) || len(e.workflow.Edges) != len(next.Edges) {
		return false
	}

	current := make(map[string]string, len(e.workflow.Nodes))
	for _, node := range e.workflow.Nodes {
		current[node.ID()] = node.Type()
	}
	for _, node := range next.Nodes {
		if tag, exists := current[node.ID()]; !exists || tag != node.Type() {
			return false
		}
	}

	type link struct{ from, to string }
	edges := make(map[link]bool, len(e.workflow.Edges))
	for _, edge := range e.workflow.Edges {
		edges[link{edge.FromNode, edge.ToNode}] = true
	}
	for _, edge := range next.Edges {
		if !edges[link{edge.FromNode, edge.ToNode}] {
			return false
		}
	}
	return true
}

func (e *Engine) emit(eventType types.EventType, node string, err error) {
	event := types.Event{Type: eventType, Node: node, At: time.Now()}
	if err != nil {
		event.Err = err.Error()
	}
	e.events.Emit(event)
}
