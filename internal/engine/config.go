package engine

import (
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/budget"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/coverage"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/gate"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/journal"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/policy"
)

// #region config

// Config aggregates every component's configuration plus the session-level
// wiring knobs.
type Config struct {
	// DataDir holds the journal, snapshots and audit index for one session.
	DataDir string

	// SnapshotEveryFrames is the full-state snapshot cadence.
	SnapshotEveryFrames int

	// BacklogCapacity bounds the deferred-work queue.
	BacklogCapacity int

	Coverage coverage.Config
	Gate     gate.Config
	Budget   budget.Config
	FSM      fsm.Config
	Policy   policy.Config
	Journal  journal.Config
	Async    journal.AsyncConfig
}

// DefaultConfig returns the calibrated session parameters.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		SnapshotEveryFrames: 100,
		BacklogCapacity:     64,
		Coverage:            coverage.DefaultConfig(),
		Gate:                gate.DefaultConfig(),
		Budget:              budget.DefaultConfig(),
		FSM:                 fsm.DefaultConfig(),
		Policy:              policy.DefaultConfig(),
		Journal:             journal.DefaultConfig(),
		Async:               journal.DefaultAsyncConfig(),
	}
}

// Validate checks the cross-component invariants before a session opens.
func (c Config) Validate() error {
	return c.Gate.Validate()
}

// #endregion config
