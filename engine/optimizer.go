package engine

import (
	"math"

	"github.com/juju/errors"

	"github.com/defiflow/defiflow/types"
)

const (
	// unwindCostFloor is the residual severity left after a hedged group
	// nets out its tail risk: unwind slippage on forced liquidation.
	unwindCostFloor = 0.02

	gridPoints      = 200
	goldenIters     = 50
	goldenTolerance = 1e-8
)

// goldenRatio is (3 - sqrt 5) / 2, the golden-section step.
var goldenRatio = (3.0 - math.Sqrt(5.0)) / 2.0

// AlphaStats are annualized return/volatility for one allocation target.
type AlphaStats struct {
	Return float64
	Vol    float64
}

// GroupAllocation is one target's share of the allocator's capital.
type GroupAllocation struct {
	Nodes    []string
	Fraction float64
}

// AllocationResult is the optimizer's output: non-negative fractions
// summing to at most 1. Capital may deliberately stay unallocated.
type AllocationResult struct {
	Groups []GroupAllocation
}

// ComputeAllocations sizes each of an allocator's targets with
// risk-adjusted fractional Kelly. venueStats and venueRisks map node ids
// to adaptive inputs gathered from venues; missing entries fall back as
// spec'd (high-volatility stats, zero risk).
func ComputeAllocations(
	node *types.Allocator,
	venueStats map[string]AlphaStats,
	venueRisks map[string]types.RiskParams,
) (*AllocationResult, error) {
	if len(node.Targets) == 0 {
		return nil, types.NewFatalErrorf("allocator %q has no allocation targets", node.ID())
	}
	if node.KellyFraction <= 0 || node.KellyFraction > 1 {
		return nil, errors.BadRequestf("allocator %q kelly_fraction %v out of (0, 1]",
			node.ID(), node.KellyFraction)
	}

	fractions := make([]float64, 0, len(node.Targets))
	for _, target := range node.Targets {
		stats := combineStats(target, venueStats)
		risk := combineRisks(target.Nodes, venueRisks)
		f := optimalFraction(stats, risk, node.KellyFraction)
		if node.MaxAllocation != nil && f > *node.MaxAllocation {
			f = *node.MaxAllocation
		}
		if f < 0 {
			f = 0
		}
		fractions = append(fractions, f)
	}

	// Renormalize only when over-committed; idle capital is allowed.
	sum := 0.0
	for _, f := range fractions {
		sum += f
	}
	if sum > 1.0 {
		for i := range fractions {
			fractions[i] /= sum
		}
	}

	result := &AllocationResult{Groups: make([]GroupAllocation, 0, len(node.Targets))}
	for i, target := range node.Targets {
		result.Groups = append(result.Groups, GroupAllocation{
			Nodes:    target.Nodes,
			Fraction: fractions[i],
		})
	}
	return result, nil
}

// combineStats derives a target's (return, vol). Venue stats for a
// multi-node group combine as summed returns and the square root of
// summed variances (legs treated as uncorrelated). Static overrides win
// component-wise. No data at all degrades to (0, 1): assume high
// volatility so sizing collapses toward zero instead of over-allocating.
func combineStats(target types.AllocationTarget, venueStats map[string]AlphaStats) AlphaStats {
	sumReturn := 0.0
	sumVariance := 0.0
	found := false
	for _, id := range target.Nodes {
		if s, exists := venueStats[id]; exists {
			sumReturn += s.Return
			sumVariance += s.Vol * s.Vol
			found = true
		}
	}

	stats := AlphaStats{Return: 0.0, Vol: 1.0}
	if found {
		stats = AlphaStats{Return: sumReturn, Vol: math.Sqrt(sumVariance)}
	}
	if target.ExpectedReturn != nil {
		stats.Return = *target.ExpectedReturn
	}
	if target.Volatility != nil {
		stats.Vol = *target.Volatility
	}
	return stats
}

// combineRisks derives a target group's effective risk parameters.
//
// Legs reporting risk params are the risky legs; legs without any risk
// model act as hedges (a delta-neutral pairing largely cancels tail
// risk). Capital splits equally per leg, so the severity netting weights
// are leg-count fractions, floored at the unwind-cost constant for
// multi-leg groups. No risk data anywhere degrades to zero risk —
// classic unconstrained Kelly.
func combineRisks(nodes []string, venueRisks map[string]types.RiskParams) types.RiskParams {
	var (
		combined  types.RiskParams
		maxSev    float64
		riskyLegs int
	)
	reported := 0
	for _, id := range nodes {
		r, exists := venueRisks[id]
		if !exists {
			continue
		}
		reported++
		if r.PLoss > combined.PLoss {
			combined.PLoss = r.PLoss
		}
		combined.RebalanceCost += r.RebalanceCost
		if r.LossSeverity > maxSev {
			maxSev = r.LossSeverity
		}
		if r.LossSeverity > 0 {
			riskyLegs++
		}
	}
	if reported == 0 {
		return types.RiskParams{}
	}

	if len(nodes) == 1 {
		combined.LossSeverity = maxSev
		return combined
	}

	legs := float64(len(nodes))
	riskyFraction := float64(riskyLegs) / legs
	hedgeFraction := float64(len(nodes)-reported) / legs
	severity := maxSev * (riskyFraction - hedgeFraction)
	if severity < unwindCostFloor {
		severity = unwindCostFloor
	}
	combined.LossSeverity = severity
	return combined
}

// optimalFraction maximizes expected log-growth
//
//	E[log(1+fR)] ≈ (1-p)·(f·r - 0.5·f²·σ²) + p·ln(1 - f·s)
//
// with r = max(return - rebalance_cost, 0). With no loss event and no
// cost the optimum is the closed-form Kelly fraction r/σ², taken
// directly. Otherwise a 200-point grid scan bounds the optimum and
// golden-section search refines it. The result is scaled by the global
// Kelly fraction and floored at zero.
func optimalFraction(stats AlphaStats, risk types.RiskParams, kellyFraction float64) float64 {
	netReturn := stats.Return - risk.RebalanceCost
	if netReturn < 0 {
		netReturn = 0
	}
	if stats.Vol <= 0 {
		return 0
	}

	if risk.PLoss == 0 && risk.RebalanceCost == 0 {
		f := netReturn / (stats.Vol * stats.Vol)
		f *= kellyFraction
		if f < 0 {
			return 0
		}
		return f
	}

	maxF := 1.0 / kellyFraction
	if risk.LossSeverity > 0 {
		if ruin := 0.99 / risk.LossSeverity; ruin < maxF {
			maxF = ruin
		}
	}

	objective := func(f float64) float64 {
		growth := (1.0 - risk.PLoss) * (f*netReturn - 0.5*f*f*stats.Vol*stats.Vol)
		if risk.PLoss > 0 {
			loss := 1.0 - f*risk.LossSeverity
			if loss <= 0 {
				return math.Inf(-1)
			}
			growth += risk.PLoss * math.Log(loss)
		}
		return growth
	}

	bestIdx := 0
	bestVal := math.Inf(-1)
	for i := 1; i <= gridPoints; i++ {
		f := maxF * float64(i) / gridPoints
		if v := objective(f); v > bestVal {
			bestVal = v
			bestIdx = i
		}
	}

	lo := maxF * float64(bestIdx-1) / gridPoints
	hi := maxF * float64(bestIdx+1) / gridPoints
	if hi > maxF {
		hi = maxF
	}
	fStar := goldenSection(objective, lo, hi)

	fStar *= kellyFraction
	if fStar < 0 {
		return 0
	}
	return fStar
}

// goldenSection refines a unimodal maximum inside [lo, hi].
func goldenSection(objective func(float64) float64, lo, hi float64) float64 {
	a := lo + goldenRatio*(hi-lo)
	b := hi - goldenRatio*(hi-lo)
	fa := objective(a)
	fb := objective(b)

	for i := 0; i < goldenIters && hi-lo > goldenTolerance; i++ {
		if fa > fb {
			hi = b
			b = a
			fb = fa
			a = lo + goldenRatio*(hi-lo)
			fa = objective(a)
		} else {
			lo = a
			a = b
			fa = fb
			b = hi - goldenRatio*(hi-lo)
			fb = objective(b)
		}
	}
	return (lo + hi) / 2.0
}

// shouldRebalance reports whether any group's actual fraction of the
// portfolio has drifted past the threshold from its target fraction.
func shouldRebalance(groupValues []float64, groups []GroupAllocation, total, threshold float64) bool {
	if total <= 0 {
		return false
	}
	for i, group := range groups {
		actual := groupValues[i] / total
		if math.Abs(actual-group.Fraction) > threshold {
			return true
		}
	}
	return false
}
