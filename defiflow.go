// Package defiflow executes DeFi strategies declared as graphs of
// financial operations. Nodes are actions (swap, lend, open a perp,
// allocate capital), edges move tokens between them, and the engine
// runs the graph either against a simulation clock for backtests or on
// wall-clock cron schedules for live operation.
package defiflow

import (
	"os"

	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/defiflow/defiflow/engine"
	"github.com/defiflow/defiflow/store"
	"github.com/defiflow/defiflow/store/mem"
	"github.com/defiflow/defiflow/store/postgres"
	"github.com/defiflow/defiflow/store/sqlite"
	"github.com/defiflow/defiflow/types"
	"github.com/defiflow/defiflow/utils"
)

// New builds an execution engine for the workflow. The caller registers
// one venue per actionable node id; unregistered nodes only move
// balances. For backtests attach a SimClock and drive Tick/Run; live
// strategies should go through NewDaemon instead.
func New(workflow *types.Workflow, venues map[string]types.Venue, options ...types.EngineOption) (*engine.Engine, error) {
	opts := types.NewEngineOptions()
	for _, option := range options {
		option(opts)
	}
	eng, err := engine.New(workflow, venues, opts)
	return eng, errors.Trace(err)
}

// NewDaemon builds a live runner: the engine plus a cron scheduler and
// a persistence backend for run-state snapshots. The workflow name keys
// the snapshots, so restarting with the same name resumes the run.
func NewDaemon(workflow *types.Workflow, venues map[string]types.Venue, options ...types.EngineOption) (*engine.Daemon, error) {
	opts := types.NewEngineOptions()
	for _, option := range options {
		option(opts)
	}

	runID := workflow.Name
	if runID == "" {
		runID = uuid.NewString()
	}
	opts.Events = types.RunSink{RunID: runID, Inner: opts.Events}

	st, err := newStore(opts)
	if err != nil {
		return nil, errors.Trace(err)
	}

	eng, err := engine.New(workflow, venues, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return engine.NewDaemon(eng, st, runID, opts), nil
}

// newStore picks the snapshot backend: postgres, then sqlite, then the
// in-memory store.
func newStore(opts *types.EngineOptions) (store.Store, error) {
	if pg := opts.PostgresConfig; pg != nil {
		st, err := postgres.NewPostgresStore(&postgres.Config{
			Host:     pg.Host,
			Port:     pg.Port,
			User:     pg.User,
			Password: pg.Password,
			Database: pg.Database,
			SSLMode:  pg.SSLMode,
		})
		return st, errors.Trace(err)
	}
	if opts.SQLitePath != "" {
		st, err := sqlite.NewSQLiteStore(opts.SQLitePath)
		return st, errors.Trace(err)
	}
	if !opts.MemStore {
		log.Warn("no store configured, run state will not survive restarts")
	}
	return mem.NewMemStore(), nil
}

// LoadWorkflow reads a workflow definition from a JSON file.
func LoadWorkflow(path string) (*types.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading workflow %s", path)
	}
	workflow := &types.Workflow{}
	if err := utils.Unserialize(raw, workflow); err != nil {
		return nil, errors.Annotatef(err, "parsing workflow %s", path)
	}
	return workflow, nil
}
