package fsm

import "time"

// #region state

// State enumerates the capture-session conditions.
type State uint8

const (
	StateNormal State = iota
	StateLowLight
	StateWeakTexture
	StateHighMotion
	StateRelocalizing
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateLowLight:
		return "low_light"
	case StateWeakTexture:
		return "weak_texture"
	case StateHighMotion:
		return "high_motion"
	case StateRelocalizing:
		return "relocalizing"
	default:
		return "unknown"
	}
}

// ParseState maps a state name back to its value, for rebuilding machine
// state from journaled transitions.
func ParseState(name string) (State, bool) {
	switch name {
	case "normal":
		return StateNormal, true
	case "low_light":
		return StateLowLight, true
	case "weak_texture":
		return StateWeakTexture, true
	case "high_motion":
		return StateHighMotion, true
	case "relocalizing":
		return StateRelocalizing, true
	default:
		return StateNormal, false
	}
}

// #endregion state

// #region disposition

// Disposition is the retain/defer/discard decision for a frame's data.
type Disposition uint8

const (
	DispositionKeepAll Disposition = iota
	DispositionKeepRawOnly
	DispositionDefer
	DispositionDiscardBoth
)

func (d Disposition) String() string {
	switch d {
	case DispositionKeepAll:
		return "keep_all"
	case DispositionKeepRawOnly:
		return "keep_raw_only"
	case DispositionDefer:
		return "defer"
	case DispositionDiscardBoth:
		return "discard_both"
	default:
		return "unknown"
	}
}

// #endregion disposition

// #region signals

// Signals carries the continuous per-frame condition inputs. Luminance,
// texture and motion are normalized to [0,1] by the acquisition layer.
type Signals struct {
	Luminance          float64
	TextureScore       float64
	MotionMagnitude    float64
	TrackingConfidence float64
	MatchScore         float64
	FeatureCount       int
	Timestamp          time.Time
}

// #endregion signals

// #region transition

// TransitionKind classifies how a state change happened.
type TransitionKind string

const (
	KindNone          TransitionKind = "none"
	KindHysteresis    TransitionKind = "hysteresis"
	KindPreempt       TransitionKind = "preempt"
	KindRecovery      TransitionKind = "recovery"
	KindTimeout       TransitionKind = "timeout"
	KindEmergencyHard TransitionKind = "emergency_hard"
	KindEmergencySoft TransitionKind = "emergency_soft"
)

// Transition reports the outcome of one Step or Emergency call.
type Transition struct {
	From   State
	To     State
	Kind   TransitionKind
	Reason string
}

// Changed reports whether the machine actually moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// #endregion transition

// #region reloc-summary

// RelocSummary is the minimal tracking summary retained while relocalizing,
// supporting recovery matching without holding full frame data.
type RelocSummary struct {
	EnteredAtFrame   int
	FramesInReloc    int
	LastConfidence   float64
	LastFeatureCount int
	BestMatchScore   float64
	CandidatePatches int
}

// #endregion reloc-summary

// #region config

// Config holds the hysteresis bands and relocalization/emergency thresholds.
// Enter and exit thresholds differ by a margin so a signal hovering at a
// boundary cannot oscillate the state.
type Config struct {
	LowLightEnter float64
	LowLightExit  float64

	WeakTextureEnter float64
	WeakTextureExit  float64

	HighMotionEnter float64
	HighMotionExit  float64

	RelocEnterConfidence float64
	RelocExitConfidence  float64
	RelocExitFeatures    int
	RelocExitMatchScore  float64
	RelocTimeoutFrames   int

	EmergencyWindow time.Duration
	EmergencyLimit  int
}

// DefaultConfig returns the calibrated bands.
func DefaultConfig() Config {
	return Config{
		LowLightEnter: 0.25,
		LowLightExit:  0.35,

		WeakTextureEnter: 0.30,
		WeakTextureExit:  0.40,

		HighMotionEnter: 0.70,
		HighMotionExit:  0.55,

		RelocEnterConfidence: 0.30,
		RelocExitConfidence:  0.45,
		RelocExitFeatures:    100,
		RelocExitMatchScore:  0.70,
		RelocTimeoutFrames:   300,

		EmergencyWindow: 10 * time.Second,
		EmergencyLimit:  3,
	}
}

// #endregion config
