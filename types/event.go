package types

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// EventType tags structured engine events.
type EventType string

const (
	EventDeployed       EventType = "deployed"
	EventNodeExecuted   EventType = "node_executed"
	EventTickCompleted  EventType = "tick_completed"
	EventRebalance      EventType = "rebalance"
	EventError          EventType = "error"
	EventReloadRejected EventType = "reload_rejected"
	EventStopped        EventType = "stopped"
)

// Event is a structured notification emitted by the engine. The embedding
// process decides what to do with it (persist, stream, count).
type Event struct {
	RunID  string
	Type   EventType
	Node   string
	At     time.Time
	Err    string
	Fields Data
}

// EventSink receives engine events. Implementations must be safe for
// sequential use from the engine's owner; the engine never emits from
// two goroutines at once.
type EventSink interface {
	Emit(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink writes events through logrus.
type LogSink struct{}

func (LogSink) Emit(event Event) {
	entry := log.WithField("event", string(event.Type))
	if event.Node != "" {
		entry = entry.WithField("node", event.Node)
	}
	if event.RunID != "" {
		entry = entry.WithField("run_id", event.RunID)
	}
	if event.Err != "" {
		entry.Error(event.Err)
		return
	}
	entry.Info("engine event")
}

// RunSink stamps every event with a run id before forwarding.
type RunSink struct {
	RunID string
	Inner EventSink
}

func (s RunSink) Emit(event Event) {
	event.RunID = s.RunID
	s.Inner.Emit(event)
}

// Metrics accumulates engine counters. Passed in at construction so the
// embedding process owns the numbers, not the orchestration core.
type Metrics interface {
	IncRebalances()
}

// Counters is the default in-memory Metrics implementation.
type Counters struct {
	mu         sync.Mutex
	rebalances int
}

func (c *Counters) IncRebalances() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebalances++
}

func (c *Counters) Rebalances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebalances
}
