package engine

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
)

// ScenarioFactory builds one independent backtest scenario: a fresh
// engine with its own venues, clock and seeded randomness. Scenarios
// must not share mutable state — each runs on its own goroutine.
type ScenarioFactory func(seed int64) (*Engine, error)

// MonteCarloResult summarizes a batch of scenario runs by final TVL.
type MonteCarloResult struct {
	Runs     int
	Failures int

	Mean float64
	P5   float64
	P50  float64
	P95  float64

	FinalTVLs []float64
}

// MonteCarlo runs the factory's scenarios across a worker pool and
// aggregates final portfolio values. A failing scenario counts as a
// failure without sinking the batch.
func MonteCarlo(ctx context.Context, factory ScenarioFactory, runs, concurrency int) (*MonteCarloResult, error) {
	if runs <= 0 {
		return nil, errors.BadRequestf("runs must be positive, got %d", runs)
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	pool := workerpool.New(concurrency)
	var mu sync.Mutex
	finals := make([]float64, 0, runs)
	failures := 0

	for i := 0; i < runs; i++ {
		seed := int64(i)
		pool.Submit(func() {
			tvl, err := runScenario(ctx, factory, seed)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithField("seed", seed).Warnf("scenario failed: %v", err)
				failures++
				return
			}
			finals = append(finals, tvl)
		})
	}
	pool.StopWait()

	sort.Float64s(finals)
	result := &MonteCarloResult{
		Runs:      runs,
		Failures:  failures,
		FinalTVLs: finals,
	}
	if len(finals) > 0 {
		sum := 0.0
		for _, v := range finals {
			sum += v
		}
		result.Mean = sum / float64(len(finals))
		result.P5 = percentile(finals, 0.05)
		result.P50 = percentile(finals, 0.50)
		result.P95 = percentile(finals, 0.95)
	}
	return result, nil
}

func runScenario(ctx context.Context, factory ScenarioFactory, seed int64) (float64, error) {
	eng, err := factory(seed)
	if err != nil {
		return 0, errors.Annotatef(err, "building scenario %d", seed)
	}
	if err := eng.Deploy(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	if err := eng.Run(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	tvl, _ := eng.TotalTVL(ctx).Float64()
	return tvl, nil
}

// percentile interpolates linearly on pre-sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
