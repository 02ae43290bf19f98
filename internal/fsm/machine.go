package fsm

import (
	"fmt"
	"time"
)

// #region machine

// Machine is the hysteresis-based capture state machine. One instance per
// capture session; only the session's decision path mutates it.
type Machine struct {
	config Config

	state         State
	framesInState int
	frameCount    int

	reloc RelocSummary

	// Timestamps of hard emergency transitions inside the rolling window.
	hardEmergencies []time.Time
}

// NewMachine creates a machine in the normal state.
func NewMachine(config Config) *Machine {
	return &Machine{config: config}
}

// State returns the current capture state.
func (m *Machine) State() State { return m.state }

// FramesInState returns how many Step calls have run since the last change.
func (m *Machine) FramesInState() int { return m.framesInState }

// RelocSummary returns the retained recovery-matching summary.
func (m *Machine) RelocSummary() RelocSummary { return m.reloc }

// NoteCandidatePatch counts a candidate (unconfirmed) patch created while
// relocalizing. Candidate creation stays legal in that state.
func (m *Machine) NoteCandidatePatch() {
	if m.state == StateRelocalizing {
		m.reloc.CandidatePatches++
	}
}

// #endregion machine

// #region step

// Step advances the machine by one frame of condition signals.
// Relocalizing pre-empts every other state when tracking confidence drops
// below the enter threshold; all other movement follows the hysteresis bands.
func (m *Machine) Step(sig Signals) Transition {
	m.frameCount++
	m.framesInState++

	if m.state == StateRelocalizing {
		return m.stepRelocalizing(sig)
	}

	// Pre-emption: lost tracking overrides everything.
	if sig.TrackingConfidence < m.config.RelocEnterConfidence {
		return m.move(StateRelocalizing, KindPreempt,
			fmt.Sprintf("tracking confidence %.3f below %.3f", sig.TrackingConfidence, m.config.RelocEnterConfidence))
	}

	switch m.state {
	case StateNormal:
		// Enter checks, worst condition first.
		if sig.MotionMagnitude > m.config.HighMotionEnter {
			return m.move(StateHighMotion, KindHysteresis,
				fmt.Sprintf("motion %.3f above enter %.3f", sig.MotionMagnitude, m.config.HighMotionEnter))
		}
		if sig.Luminance < m.config.LowLightEnter {
			return m.move(StateLowLight, KindHysteresis,
				fmt.Sprintf("luminance %.3f below enter %.3f", sig.Luminance, m.config.LowLightEnter))
		}
		if sig.TextureScore < m.config.WeakTextureEnter {
			return m.move(StateWeakTexture, KindHysteresis,
				fmt.Sprintf("texture %.3f below enter %.3f", sig.TextureScore, m.config.WeakTextureEnter))
		}
	case StateLowLight:
		if sig.Luminance > m.config.LowLightExit {
			return m.move(StateNormal, KindHysteresis,
				fmt.Sprintf("luminance %.3f above exit %.3f", sig.Luminance, m.config.LowLightExit))
		}
	case StateWeakTexture:
		if sig.TextureScore > m.config.WeakTextureExit {
			return m.move(StateNormal, KindHysteresis,
				fmt.Sprintf("texture %.3f above exit %.3f", sig.TextureScore, m.config.WeakTextureExit))
		}
	case StateHighMotion:
		if sig.MotionMagnitude < m.config.HighMotionExit {
			return m.move(StateNormal, KindHysteresis,
				fmt.Sprintf("motion %.3f below exit %.3f", sig.MotionMagnitude, m.config.HighMotionExit))
		}
	}

	return Transition{From: m.state, To: m.state, Kind: KindNone}
}

func (m *Machine) stepRelocalizing(sig Signals) Transition {
	m.reloc.FramesInReloc++
	m.reloc.LastConfidence = sig.TrackingConfidence
	m.reloc.LastFeatureCount = sig.FeatureCount
	if sig.MatchScore > m.reloc.BestMatchScore {
		m.reloc.BestMatchScore = sig.MatchScore
	}

	recovered := sig.FeatureCount >= m.config.RelocExitFeatures &&
		sig.TrackingConfidence >= m.config.RelocExitConfidence &&
		sig.MatchScore > m.config.RelocExitMatchScore
	if recovered {
		return m.move(StateNormal, KindRecovery,
			fmt.Sprintf("recovered: features=%d confidence=%.3f match=%.3f",
				sig.FeatureCount, sig.TrackingConfidence, sig.MatchScore))
	}

	if m.reloc.FramesInReloc >= m.config.RelocTimeoutFrames {
		return m.move(StateNormal, KindTimeout,
			fmt.Sprintf("relocalization timed out after %d frames", m.reloc.FramesInReloc))
	}

	return Transition{From: StateRelocalizing, To: StateRelocalizing, Kind: KindNone}
}

func (m *Machine) move(to State, kind TransitionKind, reason string) Transition {
	from := m.state
	m.state = to
	m.framesInState = 0
	if to == StateRelocalizing {
		m.reloc = RelocSummary{EnteredAtFrame: m.frameCount}
	}
	return Transition{From: from, To: to, Kind: kind, Reason: reason}
}

// #endregion step

// #region emergency

// Emergency forces a hysteresis-bypassing transition, for sudden severe
// degradation. Hard transitions are rate-limited to EmergencyLimit per
// rolling EmergencyWindow; past the limit the transition still happens but
// degrades to a soft (gradual) one, which the caller logs and applies by
// ramping rather than jumping. Saturation is an outcome, not an error.
func (m *Machine) Emergency(target State, reason string, now time.Time) Transition {
	cutoff := now.Add(-m.config.EmergencyWindow)
	kept := m.hardEmergencies[:0]
	for _, ts := range m.hardEmergencies {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.hardEmergencies = kept

	if len(m.hardEmergencies) < m.config.EmergencyLimit {
		m.hardEmergencies = append(m.hardEmergencies, now)
		tr := m.move(target, KindEmergencyHard, reason)
		return tr
	}

	tr := m.move(target, KindEmergencySoft,
		fmt.Sprintf("%s (rate limited: %d hard in window)", reason, len(m.hardEmergencies)))
	return tr
}

// #endregion emergency

// #region disposition-guard

// GuardDisposition enforces the relocalizing protection rule: while the
// session has lost tracking, nothing may be committed to the ledger and an
// explicit discard of raw plus derived data is illegal. Any disposition
// other than keep-raw-only is downgraded; the second return reports whether
// a downgrade happened so the caller records it.
func (m *Machine) GuardDisposition(d Disposition) (Disposition, bool) {
	if m.state != StateRelocalizing {
		return d, false
	}
	if d == DispositionKeepRawOnly {
		return d, false
	}
	return DispositionKeepRawOnly, true
}

// #endregion disposition-guard

// #region restore

// ExportState captures the persisted machine fields for snapshotting.
type ExportedState struct {
	State         State        `json:"state"`
	FramesInState int          `json:"frames_in_state"`
	FrameCount    int          `json:"frame_count"`
	Reloc         RelocSummary `json:"reloc"`
}

// Export returns the snapshot form of the machine.
func (m *Machine) Export() ExportedState {
	return ExportedState{
		State:         m.state,
		FramesInState: m.framesInState,
		FrameCount:    m.frameCount,
		Reloc:         m.reloc,
	}
}

// Restore replaces the machine state from a snapshot. The emergency window
// is intentionally not restored: a recovered session starts with a clean
// rate-limit budget.
func (m *Machine) Restore(s ExportedState) {
	m.state = s.State
	m.framesInState = s.FramesInState
	m.frameCount = s.FrameCount
	m.reloc = s.Reloc
	m.hardEmergencies = nil
}

// #endregion restore
