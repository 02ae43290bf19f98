package gate

import (
	"fmt"
	"math"
)

// #region inputs

// Inputs carries the coverage and geometric/photometric metrics for one
// patch at one frame. All values are pre-validated by upstream collaborators.
type Inputs struct {
	ThetaSpanDeg float64
	PhiSpanDeg   float64
	L2PlusCount  float64
	L3Count      float64

	ReprojRmsPx float64
	EdgeRmsPx   float64

	Sharpness     float64
	Overexposure  float64
	Underexposure float64
}

// #endregion inputs

// #region quality

// Quality is the deterministic [0,1] reachability score and its components.
// Recomputed every frame; never persisted as authoritative state.
type Quality struct {
	ViewGain  float64
	GeomGain  float64
	BasicGain float64
	Composite float64
}

// #endregion quality

// #region band

// Band is one logistic term: sigmoid midpoint and slope.
type Band struct {
	Mid   float64
	Slope float64
}

// #endregion band

// #region config

// Config holds every weight, midpoint, slope and floor of the scorer as a
// named field. DefaultConfig returns the calibrated values; Validate guards
// the weight-sum invariants before a config is used.
type Config struct {
	// Top-level blend
	ViewWeight  float64
	GeomWeight  float64
	BasicWeight float64

	// View gain terms (higher is better)
	ThetaWeight float64
	ThetaBand   Band
	PhiWeight   float64
	PhiBand     Band
	L2Weight    float64
	L2Band      Band
	L3Weight    float64
	L3Band      Band

	// Geometry gain terms (lower is better)
	ReprojWeight float64
	ReprojBand   Band
	EdgeWeight   float64
	EdgeBand     Band

	// Basic gain terms
	SharpWeight float64
	SharpBand   Band
	OverWeight  float64
	OverBand    Band
	UnderWeight float64
	UnderBand   Band

	ViewFloor  float64
	BasicFloor float64
}

// DefaultConfig returns the calibrated scorer parameters.
func DefaultConfig() Config {
	return Config{
		ViewWeight:  0.40,
		GeomWeight:  0.45,
		BasicWeight: 0.15,

		ThetaWeight: 0.45,
		ThetaBand:   Band{Mid: 26, Slope: 8},
		PhiWeight:   0.20,
		PhiBand:     Band{Mid: 15, Slope: 6},
		L2Weight:    0.20,
		L2Band:      Band{Mid: 13, Slope: 4},
		L3Weight:    0.15,
		L3Band:      Band{Mid: 5, Slope: 2},

		ReprojWeight: 0.55,
		ReprojBand:   Band{Mid: 0.48, Slope: 0.15},
		EdgeWeight:   0.45,
		EdgeBand:     Band{Mid: 0.23, Slope: 0.08},

		SharpWeight: 0.50,
		SharpBand:   Band{Mid: 85, Slope: 5},
		OverWeight:  0.25,
		OverBand:    Band{Mid: 0.28, Slope: 0.08},
		UnderWeight: 0.25,
		UnderBand:   Band{Mid: 0.38, Slope: 0.08},

		ViewFloor:  0.05,
		BasicFloor: 0.10,
	}
}

// weightTolerance bounds the acceptable drift of each weight-group sum.
const weightTolerance = 1e-9

// Validate checks that the top-level and per-gain weight groups each sum to
// 1.0 within tolerance and that the edge band is stricter than the
// reprojection band.
func (c Config) Validate() error {
	groups := []struct {
		name string
		sum  float64
	}{
		{"top-level", c.ViewWeight + c.GeomWeight + c.BasicWeight},
		{"view", c.ThetaWeight + c.PhiWeight + c.L2Weight + c.L3Weight},
		{"geom", c.ReprojWeight + c.EdgeWeight},
		{"basic", c.SharpWeight + c.OverWeight + c.UnderWeight},
	}
	for _, g := range groups {
		if math.Abs(g.sum-1.0) > weightTolerance {
			return fmt.Errorf("%s weights sum to %.12f, want 1.0", g.name, g.sum)
		}
	}
	if c.EdgeBand.Mid >= c.ReprojBand.Mid {
		return fmt.Errorf("edge band mid %.4f must be stricter than reproj mid %.4f", c.EdgeBand.Mid, c.ReprojBand.Mid)
	}
	return nil
}

// #endregion config
