package policy

import (
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
)

// EngineVersion is stamped into every proof so an audit can tell which rule
// set produced a decision.
const EngineVersion = "capture-engine/1.0.0"

// #region policy-id

// ID is a closed enumeration of selectable policies. New IDs append; values
// never change meaning, or historical proofs stop verifying.
type ID string

const (
	// Disposition policies
	PolicyKeepAll     ID = "disposition.keep_all"
	PolicyKeepRawOnly ID = "disposition.keep_raw_only"
	PolicyDefer       ID = "disposition.defer"
	PolicyDiscardBoth ID = "disposition.discard_both"

	// State-transition policies
	PolicyStateHold  ID = "state.hold"
	PolicyStateShift ID = "state.shift"

	// Keyframe policies
	PolicyKeyframePromote ID = "keyframe.promote"
	PolicyKeyframeSkip    ID = "keyframe.skip"

	// Ledger policies
	PolicyLedgerCommit   ID = "ledger.commit"
	PolicyLedgerWithhold ID = "ledger.withhold"
)

// #endregion policy-id

// #region reason

// Reason is a closed enumeration of decision rationales, spanning the
// quality, lighting, motion, texture, timing, state, provenance,
// consistency and dynamic-scene categories.
type Reason string

const (
	ReasonHighQuality         Reason = "quality.high"
	ReasonLowQuality          Reason = "quality.low"
	ReasonLowLight            Reason = "lighting.low"
	ReasonHighMotion          Reason = "motion.high"
	ReasonWeakTexture         Reason = "texture.weak"
	ReasonKeyframeDue         Reason = "timing.keyframe_due"
	ReasonBacklogPressure     Reason = "timing.backlog_pressure"
	ReasonMemoryPressure      Reason = "timing.memory_pressure"
	ReasonRelocalizing        Reason = "state.relocalizing"
	ReasonDegradedState       Reason = "state.degraded"
	ReasonProvenanceUntrusted Reason = "provenance.untrusted"
	ReasonStateUnstable       Reason = "consistency.state_unstable"
	ReasonDynamicScene        Reason = "dynamic_scene.detected"
	ReasonInvalidInput        Reason = "input.invalid"
)

// ScoredReason pairs a reason with its numeric contribution.
type ScoredReason struct {
	Reason Reason  `json:"reason"`
	Score  float64 `json:"score"`
}

// #endregion reason

// #region provenance

// ProvenanceClass classifies where a frame's measurements came from.
type ProvenanceClass uint8

const (
	ProvenanceOnDevice ProvenanceClass = iota
	ProvenanceExternal
	ProvenanceSynthetic
)

func (p ProvenanceClass) String() string {
	switch p {
	case ProvenanceOnDevice:
		return "on_device"
	case ProvenanceExternal:
		return "external"
	case ProvenanceSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// #endregion provenance

// #region inputs

// Inputs is the fully specified, canonically hashable decision input for one
// frame. Field order is fixed: CanonicalBytes depends on it.
type Inputs struct {
	FrameID                uint64
	TimestampNs            int64
	State                  fsm.State
	EvidenceLevel          float64
	TrackingConfidence     float64
	FeatureCount           int
	Luminance              float64
	MotionMagnitude        float64
	TextureScore           float64
	Provenance             ProvenanceClass
	DeferQueueDepth        int
	MemoryPressure         float64
	FramesSinceKeyframe    int
	FramesSinceStateChange int
}

// #endregion inputs

// #region decision

// Decision is the resolved disposition bundle for one frame.
type Decision struct {
	PolicyID    ID
	Disposition fsm.Disposition
	Ledger      ID
	Keyframe    ID
	Downgraded  bool // true when the relocalizing protection rewrote the disposition
}

// Proof is the immutable, journaled explanation of a decision.
// VerifyInputs recomputes InputsHash from the inputs to audit
// reproducibility after the fact.
type Proof struct {
	InputsHash       string         `json:"inputs_hash"`
	SelectedPolicyID ID             `json:"selected_policy_id"`
	TopReasons       []ScoredReason `json:"top_reasons"`
	FrameID          uint64         `json:"frame_id"`
	TimestampNs      int64          `json:"timestamp_ns"`
	EngineVersion    string         `json:"engine_version"`
}

// #endregion decision

// #region config

// Config holds the rule thresholds of the resolver.
type Config struct {
	HighEvidence        float64
	LowEvidence         float64
	MinCommitConfidence float64
	LowLightLevel       float64
	HighMotionLevel     float64
	WeakTextureLevel    float64
	KeyframeInterval    int
	StabilizationFrames int
	MemoryPressureSoft  float64
	MemoryPressureHard  float64
	DeferDepthLimit     int
}

// DefaultConfig returns the calibrated rule thresholds.
func DefaultConfig() Config {
	return Config{
		HighEvidence:        0.75,
		LowEvidence:         0.35,
		MinCommitConfidence: 0.50,
		LowLightLevel:       0.25,
		HighMotionLevel:     0.70,
		WeakTextureLevel:    0.30,
		KeyframeInterval:    30,
		StabilizationFrames: 5,
		MemoryPressureSoft:  0.80,
		MemoryPressureHard:  0.90,
		DeferDepthLimit:     64,
	}
}

// #endregion config
