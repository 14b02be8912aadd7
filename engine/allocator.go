package engine

import (
	"context"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/defiflow/defiflow/types"
)

// rebalanceDust is the smallest imbalance (in cash-token units) worth
// moving. Below it a group is considered on target.
const rebalanceDust = 1.0

// executeAllocator runs one allocator pass: gather adaptive stats from
// the target venues, size each group with fractional Kelly, then
// rebalance in two phases — unwind over-allocated groups into cash
// first, so the freed capital can fund the under-allocated ones.
func (e *Engine) executeAllocator(ctx context.Context, node *types.Allocator, cashToken string) error {
	result, err := ComputeAllocations(node, e.gatherAlphaStats(node), e.gatherRiskParams(node))
	if err != nil {
		return errors.Trace(err)
	}

	cash, _ := e.ledger.Get(node.ID(), cashToken).Float64()
	total := cash
	groupValues := make([]float64, len(result.Groups))
	for i, group := range result.Groups {
		for _, id := range group.Nodes {
			groupValues[i] += e.effectiveValue(ctx, id)
		}
		total += groupValues[i]
	}

	// After the first allocation, only rebalance when actual weights have
	// drifted past the threshold. Keeps churn (and venue fees) down. The
	// counter ticks only when the drift check actually trips, never on a
	// pass that finds the weights already on target.
	tripped := shouldRebalance(groupValues, result.Groups, total, node.DriftThreshold)
	if node.DriftThreshold > 0 && e.allocated[node.ID()] && !tripped {
		log.WithField("node", node.ID()).Debug("within drift threshold, holding")
		return nil
	}
	if tripped {
		if e.metrics != nil {
			e.metrics.IncRebalances()
		}
		e.emit(types.EventRebalance, node.ID(), nil)
	}

	// Phase 1: free capital from over-allocated groups.
	for i, group := range result.Groups {
		excess := groupValues[i] - group.Fraction*total
		if excess <= rebalanceDust || groupValues[i] <= 0 {
			continue
		}
		freed := e.unwindGroup(ctx, group.Nodes, excess/groupValues[i])
		if freed.IsPositive() {
			e.ledger.Add(node.ID(), cashToken, freed)
		}
	}

	// Phase 2: fund under-allocated groups from cash, split equally
	// across the group's legs. Leg failures propagate: during deploy the
	// whole pass must abort, and on a periodic fire the tick loop applies
	// its per-node containment to the allocator as a unit.
	for i, group := range result.Groups {
		deficit := group.Fraction*total - groupValues[i]
		if deficit <= rebalanceDust {
			continue
		}
		available, _ := e.ledger.Get(node.ID(), cashToken).Float64()
		if available < deficit {
			deficit = available
		}
		if deficit <= 0 {
			continue
		}
		perLeg := deficit / float64(len(group.Nodes))
		for _, legID := range group.Nodes {
			if err := e.deployToLeg(ctx, node.ID(), cashToken, legID, perLeg); err != nil {
				return errors.Trace(err)
			}
		}
	}

	e.allocated[node.ID()] = true
	return nil
}

// gatherAlphaStats collects annualized return/vol from every target
// venue that can report them.
func (e *Engine) gatherAlphaStats(node *types.Allocator) map[string]AlphaStats {
	stats := make(map[string]AlphaStats)
	for _, target := range node.Targets {
		for _, id := range target.Nodes {
			reporter, ok := e.venues[id].(types.AlphaReporter)
			if !ok {
				continue
			}
			if ret, vol, ok := reporter.AlphaStats(); ok {
				stats[id] = AlphaStats{Return: ret, Vol: vol}
			}
		}
	}
	return stats
}

// gatherRiskParams collects tail-risk parameters from every target venue
// that models them.
func (e *Engine) gatherRiskParams(node *types.Allocator) map[string]types.RiskParams {
	risks := make(map[string]types.RiskParams)
	for _, target := range node.Targets {
		for _, id := range target.Nodes {
			reporter, ok := e.venues[id].(types.RiskReporter)
			if !ok {
				continue
			}
			if params := reporter.RiskParams(); params != nil {
				risks[id] = *params
			}
		}
	}
	return risks
}

// effectiveValue is a leg's deployed value including everything
// downstream of it: a leg that routed its tokens into a lending node
// still owns that capital for drift accounting.
func (e *Engine) effectiveValue(ctx context.Context, id string) float64 {
	total := 0.0
	visited := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		if venue, exists := e.venues[current]; exists {
			if value, err := venue.TotalValue(ctx); err == nil {
				f, _ := value.Float64()
				total += f
			}
		}
		for _, edge := range e.workflow.OutgoingEdges(current) {
			queue = append(queue, edge.ToNode)
		}
	}
	return total
}

// unwindGroup liquidates the given fraction from every leg of a group,
// following edges downstream so routed capital is recalled too. Unwind
// failures are logged and skipped; whatever was freed still returns.
func (e *Engine) unwindGroup(ctx context.Context, nodes []string, fraction float64) decimal.Decimal {
	freed := decimal.Zero
	visited := make(map[string]bool)
	queue := append([]string(nil), nodes...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		if unwinder, ok := e.venues[current].(types.Unwinder); ok {
			value, err := unwinder.Unwind(ctx, fraction)
			if err != nil {
				log.WithField("node", current).Warnf("unwind failed: %v", err)
			} else {
				freed = freed.Add(value)
			}
		}
		for _, edge := range e.workflow.OutgoingEdges(current) {
			queue = append(queue, edge.ToNode)
		}
	}
	return freed
}

// deployToLeg moves cash from the allocator to one leg and executes it,
// then pushes any resulting holdings further down the graph. On venue
// failure the cash goes back to the allocator.
func (e *Engine) deployToLeg(ctx context.Context, allocID, cashToken, legID string, amount float64) error {
	node, exists := e.nodes[legID]
	if !exists {
		return errors.NotFoundf("allocation target %q", legID)
	}

	token := cashToken
	for _, edge := range e.workflow.OutgoingEdges(allocID) {
		if edge.ToNode == legID && edge.Token != "" {
			token = edge.Token
			break
		}
	}

	moved := e.ledger.Deduct(allocID, cashToken, decimal.NewFromFloat(amount))
	if !moved.IsPositive() {
		return nil
	}

	venue, registered := e.venues[legID]
	if !registered {
		e.ledger.Add(legID, token, moved)
		return nil
	}

	result, err := venue.Execute(ctx, node, moved)
	if err != nil {
		e.ledger.Add(allocID, cashToken, moved)
		return errors.Annotatef(err, "deploying to %q", legID)
	}
	e.ledger.Add(legID, token, moved)
	e.applyResult(legID, token, result)

	if err := e.extractSpotHoldings(ctx, legID, node); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.routeDownstream(ctx, legID))
}

// routeDownstream executes the nodes reachable from id so freshly
// acquired tokens keep flowing along their edges (buy ETH, then the
// lending node downstream picks it up).
func (e *Engine) routeDownstream(ctx context.Context, id string) error {
	visited := map[string]bool{id: true}
	var queue []string
	for _, edge := range e.workflow.OutgoingEdges(id) {
		queue = append(queue, edge.ToNode)
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		if err := e.ExecuteNode(ctx, current); err != nil {
			return errors.Trace(err)
		}
		for _, edge := range e.workflow.OutgoingEdges(current) {
			queue = append(queue, edge.ToNode)
		}
	}
	return nil
}
