package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/audit"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/backlog"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/budget"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/coverage"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/gate"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/journal"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/policy"
)

// #region frame-io

// FrameInput carries one frame's measurements into the decision pipeline.
type FrameInput struct {
	FrameID   uint64
	Timestamp time.Time

	// Active patch observation.
	PatchID            string
	CameraPos          coverage.Vec3
	PatchCenter        coverage.Vec3
	ObservationQuality float64

	// Geometric and photometric frame metrics.
	ReprojRmsPx   float64
	EdgeRmsPx     float64
	Sharpness     float64
	Overexposure  float64
	Underexposure float64

	// Condition signals for the state machine.
	Signals fsm.Signals

	Provenance     policy.ProvenanceClass
	MemoryPressure float64

	// External subsystem rate proposals merged with the engine's own.
	RateProposals []budget.ProposedFactor
}

// FrameResult is the resolved outcome for one frame.
type FrameResult struct {
	Quality    gate.Quality
	Transition fsm.Transition
	Decision   policy.Decision
	Proof      policy.Proof
	Rate       budget.Resolution

	// JournalDegraded reports that this frame's records went to memory only.
	JournalDegraded bool
}

// #endregion frame-io

// #region payloads

type transitionPayload struct {
	FrameID uint64 `json:"frame_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Kind    string `json:"kind"`
	Reason  string `json:"reason"`
}

type discardPayload struct {
	FrameID  uint64  `json:"frame_id"`
	ItemID   string  `json:"item_id"`
	Priority int     `json:"priority"`
	Score    float64 `json:"score"`
	Cause    string  `json:"cause"`
}

// #endregion payloads

// #region process

// ProcessFrame runs the full decision pipeline for one frame: coverage
// update, gate score, state machine step, rate resolution, policy decision,
// then durable journaling of the proof and any transitions or discards. The
// journal degrading never fails the frame; the degradation is surfaced on the
// result and capture continues.
func (s *Session) ProcessFrame(in FrameInput) (FrameResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frameCount++
	now := in.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	if in.PatchID != "" {
		s.tracker.Record(in.PatchID, in.CameraPos, in.PatchCenter, in.ObservationQuality, now)
		s.machine.NoteCandidatePatch()
	}

	gin := s.gateInputs(in)
	quality := s.gate.Score(gin)
	s.lastQuality = quality
	s.lastMetrics = gin

	tr := s.machine.Step(in.Signals)
	if tr.Changed() {
		s.framesSinceStateChange = 0
		s.recordTransition(in.FrameID, tr)
	} else {
		s.framesSinceStateChange++
	}

	rate := s.budget.Resolve(s.rateProposals(in, quality))

	decision, proof := s.resolver.Resolve(policy.Inputs{
		FrameID:                in.FrameID,
		TimestampNs:            now.UnixNano(),
		State:                  s.machine.State(),
		EvidenceLevel:          quality.Composite,
		TrackingConfidence:     in.Signals.TrackingConfidence,
		FeatureCount:           in.Signals.FeatureCount,
		Luminance:              in.Signals.Luminance,
		MotionMagnitude:        in.Signals.MotionMagnitude,
		TextureScore:           in.Signals.TextureScore,
		Provenance:             in.Provenance,
		DeferQueueDepth:        s.backlog.Len(),
		MemoryPressure:         in.MemoryPressure,
		FramesSinceKeyframe:    s.framesSinceKeyframe,
		FramesSinceStateChange: s.framesSinceStateChange,
	})

	// Second line of defense: the machine's own guard, in case the resolver's
	// view of the state went stale within the frame.
	if guarded, downgraded := s.machine.GuardDisposition(decision.Disposition); downgraded {
		decision.Disposition = guarded
		decision.PolicyID = policy.PolicyKeepRawOnly
		decision.Ledger = policy.PolicyLedgerWithhold
		decision.Keyframe = policy.PolicyKeyframeSkip
		decision.Downgraded = true
	}
	if decision.Downgraded {
		s.auditEvent(audit.SeverityWarn, "disposition.downgraded",
			fmt.Sprintf("frame %d downgraded to keep_raw_only while relocalizing", in.FrameID))
	}

	if decision.Keyframe == policy.PolicyKeyframePromote {
		s.framesSinceKeyframe = 0
	} else {
		s.framesSinceKeyframe++
	}

	degraded := false
	if decision.Disposition == fsm.DispositionDefer {
		if s.deferFrame(in.FrameID, decision, quality) {
			degraded = true
		}
	}

	if s.journalProof(proof) {
		degraded = true
	}
	if err := s.audit.RecordProof(proof); err != nil {
		s.logger.Error("audit proof write failed", "frame", in.FrameID, "error", err)
	}
	s.lastProof = proof
	s.haveProof = true

	s.framesSinceSnapshot++
	if s.config.SnapshotEveryFrames > 0 && s.framesSinceSnapshot >= s.config.SnapshotEveryFrames {
		if err := s.saveSnapshot(now); err != nil {
			s.logger.Error("snapshot failed", "frame", in.FrameID, "error", err)
		}
	}

	return FrameResult{
		Quality:         quality,
		Transition:      tr,
		Decision:        decision,
		Proof:           proof,
		Rate:            rate,
		JournalDegraded: degraded,
	}, nil
}

// Emergency forces a hysteresis-bypassing state change, journaling the
// transition like any other.
func (s *Session) Emergency(target fsm.State, reason string, now time.Time) fsm.Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	tr := s.machine.Emergency(target, reason, now)
	s.framesSinceStateChange = 0
	s.recordTransition(s.frameCount, tr)
	if tr.Kind == fsm.KindEmergencySoft {
		s.auditEvent(audit.SeverityWarn, "emergency.rate_limited", tr.Reason)
	}
	return tr
}

// #endregion process

// #region pipeline-helpers

// gateInputs folds the active patch's coverage stats into the scorer inputs.
func (s *Session) gateInputs(in FrameInput) gate.Inputs {
	var stats coverage.Stats
	if in.PatchID != "" {
		stats, _ = s.tracker.Stats(in.PatchID)
	}
	return gate.Inputs{
		ThetaSpanDeg:  stats.ThetaSpanDeg,
		PhiSpanDeg:    stats.PhiSpanDeg,
		L2PlusCount:   float64(stats.L2PlusCount),
		L3Count:       float64(stats.L3Count),
		ReprojRmsPx:   in.ReprojRmsPx,
		EdgeRmsPx:     in.EdgeRmsPx,
		Sharpness:     in.Sharpness,
		Overexposure:  in.Overexposure,
		Underexposure: in.Underexposure,
	}
}

// rateProposals merges external proposals with the engine's own condition and
// quality based ones.
func (s *Session) rateProposals(in FrameInput, q gate.Quality) []budget.ProposedFactor {
	proposals := make([]budget.ProposedFactor, 0, len(in.RateProposals)+2)
	proposals = append(proposals, in.RateProposals...)

	switch s.machine.State() {
	case fsm.StateRelocalizing:
		proposals = append(proposals, budget.ProposedFactor{ModuleID: "fsm", Factor: 0.5, Priority: 3})
	case fsm.StateHighMotion:
		proposals = append(proposals, budget.ProposedFactor{ModuleID: "fsm", Factor: 0.7, Priority: 2})
	}

	// Low composite quality argues for slowing down; high for speeding up.
	if q.Composite < 0.3 {
		proposals = append(proposals, budget.ProposedFactor{ModuleID: "gate", Factor: 0.8, Priority: 1})
	} else if q.Composite > 0.8 {
		proposals = append(proposals, budget.ProposedFactor{ModuleID: "gate", Factor: 1.2, Priority: 1})
	}
	return proposals
}

// deferFrame parks the frame's heavy work on the backlog, journaling any
// discard the bounded queue forces out. Returns true when the journal is
// degraded.
func (s *Session) deferFrame(frameID uint64, d policy.Decision, q gate.Quality) bool {
	priority := 1
	if q.Composite > 0.5 {
		priority = 2
	}
	discards := s.backlog.Push(backlog.Item{
		ID:       uuid.New().String(),
		FrameID:  frameID,
		Priority: priority,
		Score:    q.Composite,
	})

	degraded := false
	for _, item := range discards {
		payload, err := json.Marshal(discardPayload{
			FrameID:  item.FrameID,
			ItemID:   item.ID,
			Priority: item.Priority,
			Score:    item.Score,
			Cause:    "backlog overflow",
		})
		if err != nil {
			continue
		}
		if errors.Is(s.journal.Enqueue(journal.EntryDiscard, payload), journal.ErrJournalDegraded) {
			degraded = true
		}
		s.auditEvent(audit.SeverityInfo, "backlog.discard",
			fmt.Sprintf("item %s (frame %d) discarded on overflow", item.ID, item.FrameID))
	}
	return degraded
}

// recordTransition journals and indexes one state change. Caller holds the
// session lock.
func (s *Session) recordTransition(frameID uint64, tr fsm.Transition) {
	payload, err := json.Marshal(transitionPayload{
		FrameID: frameID,
		From:    tr.From.String(),
		To:      tr.To.String(),
		Kind:    string(tr.Kind),
		Reason:  tr.Reason,
	})
	if err == nil {
		s.journal.Enqueue(journal.EntryTransition, payload)
	}
	if err := s.audit.RecordTransition(audit.TransitionRow{
		FrameID:   frameID,
		FromState: tr.From.String(),
		ToState:   tr.To.String(),
		Kind:      string(tr.Kind),
		Reason:    tr.Reason,
	}); err != nil {
		s.logger.Error("audit transition write failed", "frame", frameID, "error", err)
	}
	s.logger.Info("state transition",
		"frame", frameID, "from", tr.From.String(), "to", tr.To.String(), "kind", string(tr.Kind))
}

// journalProof enqueues the proof; returns true when the journal is degraded.
func (s *Session) journalProof(proof policy.Proof) bool {
	payload, err := json.Marshal(proof)
	if err != nil {
		s.logger.Error("marshal proof failed", "frame", proof.FrameID, "error", err)
		return false
	}
	return errors.Is(s.journal.Enqueue(journal.EntryPolicyProof, payload), journal.ErrJournalDegraded)
}

func (s *Session) auditEvent(severity, kind, detail string) {
	if err := s.audit.RecordEvent(severity, kind, detail); err != nil {
		s.logger.Error("audit event write failed", "kind", kind, "error", err)
	}
}

// #endregion pipeline-helpers
