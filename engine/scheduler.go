package engine

import (
	"context"
	"time"

	"github.com/defiflow/defiflow/types"
)

type scheduleEntry struct {
	node   string
	period time.Duration
}

// CronScheduler drives the live daemon: it tracks every periodic node's
// interval against wall-clock time and sleeps until the next one is due.
// A never-fired node is due immediately, so a fresh daemon executes all
// periodic nodes on its first pass.
type CronScheduler struct {
	entries   []scheduleEntry
	lastFired map[string]time.Time

	now func() time.Time // swapped in tests
}

// NewCronScheduler builds a scheduler over the workflow's periodic
// nodes. Nodes with an unknown interval are skipped.
func NewCronScheduler(workflow *types.Workflow) *CronScheduler {
	s := &CronScheduler{
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, node := range workflow.Nodes {
		trigger := node.Trigger()
		if trigger == nil {
			continue
		}
		if period := trigger.Interval.Period(); period > 0 {
			s.entries = append(s.entries, scheduleEntry{node: node.ID(), period: period})
		}
	}
	return s
}

// HasTriggers reports whether anything is scheduled at all.
func (s *CronScheduler) HasTriggers() bool {
	return len(s.entries) > 0
}

// WaitForNext blocks until at least one node is due (or the context
// ends, returning nil) and returns the due node ids, stamping them as
// fired. With no triggers it blocks until cancellation: an empty
// schedule means an empty strategy, not a busy loop.
func (s *CronScheduler) WaitForNext(ctx context.Context) []string {
	if len(s.entries) == 0 {
		<-ctx.Done()
		return nil
	}

	for {
		now := s.now()
		due, wait := s.collect(now)
		if len(due) > 0 {
			return due
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// AllDue returns every scheduled node and stamps them all as fired.
// Used for single-shot runs where the caller wants one full pass.
func (s *CronScheduler) AllDue() []string {
	now := s.now()
	due := make([]string, 0, len(s.entries))
	for _, entry := range s.entries {
		due = append(due, entry.node)
		s.lastFired[entry.node] = now
	}
	return due
}

// collect gathers the nodes due at now, stamping them, and reports how
// long to sleep when nothing is due yet.
func (s *CronScheduler) collect(now time.Time) ([]string, time.Duration) {
	var due []string
	minWait := time.Duration(0)
	for _, entry := range s.entries {
		last, fired := s.lastFired[entry.node]
		if !fired || now.Sub(last) >= entry.period {
			due = append(due, entry.node)
			s.lastFired[entry.node] = now
			continue
		}
		wait := entry.period - now.Sub(last)
		if minWait == 0 || wait < minWait {
			minWait = wait
		}
	}
	if len(due) > 0 {
		return due, 0
	}
	return nil, minWait
}
