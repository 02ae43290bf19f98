package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/audit"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/backlog"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/budget"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/coverage"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/gate"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/journal"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/policy"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/snapshot"
)

// ErrNoValidState means neither a verifiable snapshot nor a readable journal
// survived: the session must halt rather than silently reinitialize over
// unexplained data loss.
var ErrNoValidState = errors.New("no valid persisted state: refusing to reinitialize")

// #region session

// Session is one capture session's decision core: it scores coverage and
// quality, advances the state machine, resolves a disposition policy per
// frame, and journals every decision durably.
type Session struct {
	config Config
	logger *slog.Logger

	tracker  *coverage.Tracker
	gate     *gate.Computer
	budget   *budget.Resolver
	machine  *fsm.Machine
	resolver *policy.Resolver
	backlog  *backlog.Queue

	journal   *journal.AsyncWriter
	snapshots *snapshot.Store
	audit     *audit.Store
	recovery  journal.Summary

	mu                     sync.Mutex
	frameCount             uint64
	framesSinceKeyframe    int
	framesSinceStateChange int
	framesSinceSnapshot    int
	lastQuality            gate.Quality
	lastMetrics            gate.Inputs
	lastProof              policy.Proof
	haveProof              bool
}

// Open recovers persisted state from DataDir and starts a session. A fresh
// directory starts clean; a directory where both snapshot slots are dead and
// the journal is unreadable from its first byte returns ErrNoValidState.
func Open(config Config, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if err := os.MkdirAll(config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	s := &Session{
		config:   config,
		logger:   logger,
		tracker:  coverage.NewTracker(config.Coverage),
		gate:     gate.NewComputer(config.Gate),
		budget:   budget.NewResolver(config.Budget),
		machine:  fsm.NewMachine(config.FSM),
		resolver: policy.NewResolver(config.Policy, nil),
		backlog:  backlog.NewQueue(config.BacklogCapacity),
	}

	s.snapshots = snapshot.NewStore(filepath.Join(config.DataDir, "snapshots"), nil)
	state, meta, snapErr := s.snapshots.Load()
	switch {
	case snapErr == nil:
		if err := s.restore(state); err != nil {
			return nil, fmt.Errorf("restore snapshot %s: %w", meta.SnapshotID, err)
		}
		logger.Info("restored snapshot",
			"snapshot_id", meta.SnapshotID, "seq", meta.SequenceNumber, "slot", meta.Slot)
	case errors.Is(snapErr, snapshot.ErrNoSnapshot):
		// Fresh session.
	case errors.Is(snapErr, snapshot.ErrNoValidState):
		// Both slots dead; the journal below decides whether this is fatal.
	default:
		return nil, fmt.Errorf("load snapshot: %w", snapErr)
	}

	journalPath := filepath.Join(config.DataDir, "journal.wal")
	w, summary, err := journal.OpenWriter(journalPath, config.Journal, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	s.recovery = summary

	if errors.Is(snapErr, snapshot.ErrNoValidState) && summary.UnreadableFromStart() {
		w.Close()
		return nil, ErrNoValidState
	}

	// The snapshot is a periodic baseline; the journal holds every decision
	// since. Re-apply the tail so a session killed between snapshots resumes
	// with the state the journal already made durable.
	if err := s.replayJournalTail(journalPath); err != nil {
		w.Close()
		return nil, fmt.Errorf("replay journal tail: %w", err)
	}

	s.audit, err = audit.NewStore(filepath.Join(config.DataDir, "audit.db"))
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	s.journal = journal.NewAsyncWriter(w, config.Async, logger, func(kind, detail string) {
		if err := s.audit.RecordEvent(audit.SeverityCritical, kind, detail); err != nil {
			logger.Error("audit write failed", "kind", kind, "error", err)
		}
	})

	logger.Info("session opened",
		"data_dir", config.DataDir,
		"journal_status", string(summary.Status),
		"entries_recovered", summary.EntriesRecovered,
		"truncated_bytes", summary.TruncatedBytes)
	return s, nil
}

// Close snapshots the final state and releases every resource.
func (s *Session) Close() error {
	s.mu.Lock()
	if err := s.saveSnapshot(time.Now()); err != nil {
		s.logger.Error("final snapshot failed", "error", err)
	}
	s.mu.Unlock()

	jerr := s.journal.Close()
	aerr := s.audit.Close()
	if jerr != nil {
		return jerr
	}
	return aerr
}

// #endregion session

// #region queries

// CurrentState returns the state machine's condition.
func (s *Session) CurrentState() fsm.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// LatestQuality returns the most recent gate score.
func (s *Session) LatestQuality() gate.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuality
}

// LatestGateQuality scores one patch's current coverage under the most
// recent frame's geometric and photometric conditions. The active patch
// scores identically to the last frame result; other patches differ only by
// their coverage terms.
func (s *Session) LatestGateQuality(patchID string) (gate.Quality, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.tracker.Stats(patchID)
	if !ok {
		return gate.Quality{}, false
	}
	in := s.lastMetrics
	in.ThetaSpanDeg = stats.ThetaSpanDeg
	in.PhiSpanDeg = stats.PhiSpanDeg
	in.L2PlusCount = float64(stats.L2PlusCount)
	in.L3Count = float64(stats.L3Count)
	return s.gate.Score(in), true
}

// LastProof returns the most recent policy proof, if any frame has run.
func (s *Session) LastProof() (policy.Proof, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProof, s.haveProof
}

// ProofFor looks up the most recent proof recorded for a specific frame.
func (s *Session) ProofFor(frameID uint64) (policy.Proof, bool, error) {
	return s.audit.LastProof(frameID)
}

// RecoverySummary reports what journal recovery found at open time.
func (s *Session) RecoverySummary() journal.Summary {
	return s.recovery
}

// BacklogDepth returns the number of parked deferred items.
func (s *Session) BacklogDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.Len()
}

// JournalDegraded reports whether journaling fell back to memory-only mode.
func (s *Session) JournalDegraded() bool {
	return s.journal.Degraded()
}

// CoverageStats returns derived coverage statistics for one patch.
func (s *Session) CoverageStats(patchID string) (coverage.Stats, bool) {
	return s.tracker.Stats(patchID)
}

// RelocSummary returns the retained relocalization summary.
func (s *Session) RelocSummary() fsm.RelocSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.RelocSummary()
}

// #endregion queries

// #region persist

// persistedState is the JSON snapshot body: everything a session needs to
// resume mid-capture.
type persistedState struct {
	FrameCount             uint64                            `json:"frame_count"`
	FramesSinceKeyframe    int                               `json:"frames_since_keyframe"`
	FramesSinceStateChange int                               `json:"frames_since_state_change"`
	Machine                fsm.ExportedState                 `json:"machine"`
	Coverage               map[string][]coverage.Observation `json:"coverage"`
}

// saveSnapshot serializes and persists the full session state. Caller holds
// the session lock.
func (s *Session) saveSnapshot(now time.Time) error {
	state := persistedState{
		FrameCount:             s.frameCount,
		FramesSinceKeyframe:    s.framesSinceKeyframe,
		FramesSinceStateChange: s.framesSinceStateChange,
		Machine:                s.machine.Export(),
		Coverage:               s.tracker.Export(),
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	meta, err := s.snapshots.Save(body, s.frameCount, now)
	if err != nil {
		return err
	}
	s.framesSinceSnapshot = 0
	s.logger.Debug("snapshot saved", "snapshot_id", meta.SnapshotID, "seq", meta.SequenceNumber)
	return nil
}

func (s *Session) restore(body []byte) error {
	var state persistedState
	if err := json.Unmarshal(body, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	s.frameCount = state.FrameCount
	s.framesSinceKeyframe = state.FramesSinceKeyframe
	s.framesSinceStateChange = state.FramesSinceStateChange
	s.machine.Restore(state.Machine)
	s.tracker.Restore(state.Coverage)
	return nil
}

// replayJournalTail re-applies journaled entries that postdate the snapshot
// baseline: transitions rebuild the state machine, proofs advance the frame
// counters. Entries at or below the snapshot's frame count are already folded
// into the restored state and are skipped.
func (s *Session) replayJournalTail(path string) error {
	entries, err := journal.ReadAll(path)
	if err != nil {
		return err
	}

	base := s.frameCount
	state := s.machine.Export()
	frameCount := s.frameCount
	framesSinceChange := s.framesSinceStateChange
	framesSinceKey := s.framesSinceKeyframe
	framesReplayed := 0
	lastTransitionFrame := uint64(0)
	haveTransition := false
	applied := false

	for _, e := range entries {
		switch e.Type {
		case journal.EntryPolicyProof:
			var p policy.Proof
			if json.Unmarshal(e.Payload, &p) != nil || p.FrameID <= base {
				continue
			}
			if p.FrameID > frameCount {
				frameCount = p.FrameID
			}
			framesReplayed++
			framesSinceKey++
			// The transition for a frame precedes its proof; the change frame
			// itself does not count toward time-in-state.
			if !haveTransition || p.FrameID != lastTransitionFrame {
				framesSinceChange++
				if state.State == fsm.StateRelocalizing {
					state.Reloc.FramesInReloc++
				}
			}
			applied = true

		case journal.EntryTransition:
			var tr transitionPayload
			if json.Unmarshal(e.Payload, &tr) != nil || tr.FrameID <= base {
				continue
			}
			to, ok := fsm.ParseState(tr.To)
			if !ok {
				continue
			}
			state.State = to
			framesSinceChange = 0
			lastTransitionFrame = tr.FrameID
			haveTransition = true
			if to == fsm.StateRelocalizing {
				state.Reloc = fsm.RelocSummary{EnteredAtFrame: int(tr.FrameID)}
			}
			applied = true
		}
	}
	if !applied {
		return nil
	}

	state.FrameCount += framesReplayed
	state.FramesInState = framesSinceChange
	s.machine.Restore(state)
	s.frameCount = frameCount
	s.framesSinceKeyframe = framesSinceKey
	s.framesSinceStateChange = framesSinceChange
	s.logger.Info("journal tail reapplied",
		"frames", framesReplayed, "state", state.State.String(), "frame_count", frameCount)
	return nil
}

// #endregion persist
