package budget

import (
	"fmt"
	"math"
	"strings"
)

// #region types

// ProposedFactor is one subsystem's multiplicative rate proposal.
// Priority 0 is advisory, 3 is safety-critical.
type ProposedFactor struct {
	ModuleID string
	Factor   float64
	Priority int // 0..3
}

// Resolution is the merged, dampened, clamped multiplier.
type Resolution struct {
	FinalMultiplier float64
	WasNormalized   bool // true when the clamp bounds were applied
	Reason          string
}

// Config holds the empirically chosen dampening and clamp constants as
// named, overridable fields.
type Config struct {
	DampeningExponent float64
	FloorMultiplier   float64
	CeilingMultiplier float64
}

// DefaultConfig returns the calibrated resolver constants.
func DefaultConfig() Config {
	return Config{
		DampeningExponent: 0.5,
		FloorMultiplier:   0.1,
		CeilingMultiplier: 3.0,
	}
}

// #endregion types

// #region resolver

// Resolver merges independent rate proposals into one bounded multiplier.
// Independent proposers must not compound into runaway acceleration or a
// total stall: the weighted geometric mean lets high-priority proposers
// dominate, the dampening compresses deviation from 1.0, and the floor
// guarantees non-zero forward progress.
type Resolver struct {
	config Config
}

// NewResolver creates a resolver with the given configuration.
func NewResolver(config Config) *Resolver {
	return &Resolver{config: config}
}

// Resolve merges the proposals. Invalid proposals (factor <= 0, NaN/Inf,
// priority outside 0..3) are skipped and noted; an empty or fully invalid
// list resolves to a neutral 1.0.
func (r *Resolver) Resolve(proposals []ProposedFactor) Resolution {
	var weightSum, logSum float64
	var used, skipped []string

	for _, p := range proposals {
		if !valid(p) {
			skipped = append(skipped, p.ModuleID)
			continue
		}
		w := float64(p.Priority + 1)
		weightSum += w
		logSum += w * math.Log(p.Factor)
		used = append(used, fmt.Sprintf("%s=%.3f(p%d)", p.ModuleID, p.Factor, p.Priority))
	}

	if weightSum == 0 {
		reason := "no valid proposals"
		if len(skipped) > 0 {
			reason = fmt.Sprintf("no valid proposals (skipped: %s)", strings.Join(skipped, ", "))
		}
		return Resolution{FinalMultiplier: 1.0, Reason: reason}
	}

	raw := math.Exp(logSum / weightSum)

	// Dampen toward 1.0: compress the deviation with the configured exponent.
	deviation := raw - 1.0
	dampened := 1.0 + sign(deviation)*math.Pow(math.Abs(deviation), r.config.DampeningExponent)

	final := dampened
	normalized := false
	if final < r.config.FloorMultiplier {
		final = r.config.FloorMultiplier
		normalized = true
	} else if final > r.config.CeilingMultiplier {
		final = r.config.CeilingMultiplier
		normalized = true
	}

	reason := fmt.Sprintf("geomean %.4f → dampened %.4f from [%s]", raw, dampened, strings.Join(used, ", "))
	if len(skipped) > 0 {
		reason += fmt.Sprintf(" (skipped: %s)", strings.Join(skipped, ", "))
	}
	if normalized {
		reason += fmt.Sprintf(", clamped to %.2f", final)
	}

	return Resolution{
		FinalMultiplier: final,
		WasNormalized:   normalized,
		Reason:          reason,
	}
}

// #endregion resolver

// #region helpers

func valid(p ProposedFactor) bool {
	if p.Priority < 0 || p.Priority > 3 {
		return false
	}
	if math.IsNaN(p.Factor) || math.IsInf(p.Factor, 0) || p.Factor <= 0 {
		return false
	}
	return true
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}

// #endregion helpers
