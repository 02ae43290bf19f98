package policy

import (
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

// #region resolver

// Resolver maps frame inputs to a disposition policy and an explainable,
// hash-verifiable proof. It is deterministic: identical inputs always yield
// the identical decision and proof.
type Resolver struct {
	config Config
	hasher seal.Hasher
}

// NewResolver creates a resolver. hasher defaults to SHA-256 when nil.
func NewResolver(config Config, hasher seal.Hasher) *Resolver {
	if hasher == nil {
		hasher = seal.SHA256Hasher{}
	}
	return &Resolver{config: config, hasher: hasher}
}

// Resolve produces the decision and its proof for one frame.
// Invalid inputs fail closed: the most conservative disposition is selected
// and the invalid-input reason leads the proof, never a permissive default.
func (r *Resolver) Resolve(in Inputs) (Decision, Proof) {
	if err := Validate(in); err != nil {
		decision := Decision{
			PolicyID:    PolicyKeepRawOnly,
			Disposition: fsm.DispositionKeepRawOnly,
			Ledger:      PolicyLedgerWithhold,
			Keyframe:    PolicyKeyframeSkip,
		}
		reasons := []ScoredReason{{Reason: ReasonInvalidInput, Score: 1.0}}
		return decision, r.proof(in, decision.PolicyID, reasons)
	}

	reasons := r.scoreReasons(in)
	decision := r.selectPolicy(in, reasons)
	return decision, r.proof(in, decision.PolicyID, topReasons(reasons, 3))
}

func (r *Resolver) proof(in Inputs, selected ID, reasons []ScoredReason) Proof {
	return Proof{
		InputsHash:       HashInputs(in, r.hasher),
		SelectedPolicyID: selected,
		TopReasons:       reasons,
		FrameID:          in.FrameID,
		TimestampNs:      in.TimestampNs,
		EngineVersion:    EngineVersion,
	}
}

// #endregion resolver

// #region validation

// Validate rejects NaN, negative counts and out-of-range values.
func Validate(in Inputs) error {
	unit := []struct {
		name string
		v    float64
	}{
		{"evidence_level", in.EvidenceLevel},
		{"tracking_confidence", in.TrackingConfidence},
		{"luminance", in.Luminance},
		{"texture_score", in.TextureScore},
		{"memory_pressure", in.MemoryPressure},
	}
	for _, f := range unit {
		if math.IsNaN(f.v) || f.v < 0 || f.v > 1 {
			return fmt.Errorf("%s %.4f outside [0,1]", f.name, f.v)
		}
	}
	if math.IsNaN(in.MotionMagnitude) || in.MotionMagnitude < 0 {
		return fmt.Errorf("motion_magnitude %.4f invalid", in.MotionMagnitude)
	}
	counts := []struct {
		name string
		v    int
	}{
		{"feature_count", in.FeatureCount},
		{"defer_queue_depth", in.DeferQueueDepth},
		{"frames_since_keyframe", in.FramesSinceKeyframe},
		{"frames_since_state_change", in.FramesSinceStateChange},
	}
	for _, c := range counts {
		if c.v < 0 {
			return fmt.Errorf("%s %d negative", c.name, c.v)
		}
	}
	if in.State > fsm.StateRelocalizing {
		return fmt.Errorf("state %d out of range", in.State)
	}
	if in.Provenance > ProvenanceSynthetic {
		return fmt.Errorf("provenance %d out of range", in.Provenance)
	}
	return nil
}

// #endregion validation

// #region scoring

// scoreReasons evaluates every rule category and returns the candidate
// reasons with their contribution scores.
func (r *Resolver) scoreReasons(in Inputs) []ScoredReason {
	cfg := r.config
	var out []ScoredReason
	add := func(reason Reason, score float64) {
		if score > 0 {
			out = append(out, ScoredReason{Reason: reason, Score: score})
		}
	}

	// Quality
	if in.EvidenceLevel >= cfg.HighEvidence {
		add(ReasonHighQuality, in.EvidenceLevel)
	} else if in.EvidenceLevel < cfg.LowEvidence {
		add(ReasonLowQuality, 1-in.EvidenceLevel)
	}

	// Lighting
	if in.Luminance < cfg.LowLightLevel {
		add(ReasonLowLight, (cfg.LowLightLevel-in.Luminance)/cfg.LowLightLevel)
	}

	// Motion
	if in.MotionMagnitude > cfg.HighMotionLevel {
		add(ReasonHighMotion, math.Min(in.MotionMagnitude, 1))
	}

	// Texture
	if in.TextureScore < cfg.WeakTextureLevel {
		add(ReasonWeakTexture, (cfg.WeakTextureLevel-in.TextureScore)/cfg.WeakTextureLevel)
	}

	// Timing
	if cfg.KeyframeInterval > 0 && in.FramesSinceKeyframe >= cfg.KeyframeInterval {
		add(ReasonKeyframeDue, math.Min(1, float64(in.FramesSinceKeyframe)/float64(2*cfg.KeyframeInterval)))
	}
	if in.DeferQueueDepth > cfg.DeferDepthLimit {
		add(ReasonBacklogPressure, math.Min(1, float64(in.DeferQueueDepth)/float64(2*cfg.DeferDepthLimit)))
	}
	if in.MemoryPressure > cfg.MemoryPressureSoft {
		add(ReasonMemoryPressure, in.MemoryPressure)
	}

	// State
	if in.State == fsm.StateRelocalizing {
		add(ReasonRelocalizing, 1.0)
	} else if in.State != fsm.StateNormal {
		add(ReasonDegradedState, 0.6)
	}

	// Consistency
	if in.FramesSinceStateChange < cfg.StabilizationFrames {
		add(ReasonStateUnstable, 0.5)
	}

	// Provenance
	switch in.Provenance {
	case ProvenanceSynthetic:
		add(ReasonProvenanceUntrusted, 0.8)
	case ProvenanceExternal:
		add(ReasonProvenanceUntrusted, 0.5)
	}

	// Dynamic scene: strong tracking but persistent motion suggests the
	// scene moved, not the camera.
	if in.MotionMagnitude > 0.5 && in.TrackingConfidence > 0.7 && in.State == fsm.StateHighMotion {
		add(ReasonDynamicScene, 0.4)
	}

	return out
}

// topReasons sorts by score descending (ties broken by reason string for
// determinism) and keeps at most n.
func topReasons(reasons []ScoredReason, n int) []ScoredReason {
	sorted := make([]ScoredReason, len(reasons))
	copy(sorted, reasons)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].Reason < sorted[j].Reason
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// #endregion scoring

// #region selection

// selectPolicy applies the rule ladder, then the relocalizing protection.
func (r *Resolver) selectPolicy(in Inputs, reasons []ScoredReason) Decision {
	cfg := r.config

	keyframe := PolicyKeyframeSkip
	if cfg.KeyframeInterval > 0 && in.FramesSinceKeyframe >= cfg.KeyframeInterval {
		keyframe = PolicyKeyframePromote
	}

	var d Decision
	switch {
	case in.MemoryPressure > cfg.MemoryPressureHard && in.EvidenceLevel < cfg.LowEvidence:
		// Nothing worth keeping and the device is drowning.
		d = Decision{PolicyID: PolicyDiscardBoth, Disposition: fsm.DispositionDiscardBoth,
			Ledger: PolicyLedgerWithhold, Keyframe: PolicyKeyframeSkip}

	case in.EvidenceLevel < cfg.LowEvidence:
		d = Decision{PolicyID: PolicyDefer, Disposition: fsm.DispositionDefer,
			Ledger: PolicyLedgerWithhold, Keyframe: PolicyKeyframeSkip}

	case in.EvidenceLevel >= cfg.HighEvidence && in.TrackingConfidence >= cfg.MinCommitConfidence:
		d = Decision{PolicyID: PolicyKeepAll, Disposition: fsm.DispositionKeepAll,
			Ledger: PolicyLedgerCommit, Keyframe: keyframe}

	case in.MemoryPressure > cfg.MemoryPressureSoft || in.DeferQueueDepth > cfg.DeferDepthLimit:
		d = Decision{PolicyID: PolicyKeepRawOnly, Disposition: fsm.DispositionKeepRawOnly,
			Ledger: PolicyLedgerWithhold, Keyframe: PolicyKeyframeSkip}

	default:
		d = Decision{PolicyID: PolicyDefer, Disposition: fsm.DispositionDefer,
			Ledger: PolicyLedgerWithhold, Keyframe: keyframe}
	}

	// Relocalizing protection: at most keep-raw-only, never a ledger commit,
	// and discard-both is illegal. The downgrade is recorded on the decision.
	if in.State == fsm.StateRelocalizing && d.Disposition != fsm.DispositionKeepRawOnly {
		d.PolicyID = PolicyKeepRawOnly
		d.Disposition = fsm.DispositionKeepRawOnly
		d.Ledger = PolicyLedgerWithhold
		d.Keyframe = PolicyKeyframeSkip
		d.Downgraded = true
	}

	return d
}

// #endregion selection
