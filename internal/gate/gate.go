package gate

import "math"

// #region computer

// Computer maps coverage and frame metrics to a deterministic [0,1]
// reachability score. It is pure and stateless: no I/O, no shared mutable
// state, fixed-width float64 arithmetic only, so identical inputs produce
// bit-identical output on every platform.
type Computer struct {
	config Config
}

// NewComputer creates a computer with the given configuration.
func NewComputer(config Config) *Computer {
	return &Computer{config: config}
}

// Score computes the gate quality for one frame's inputs.
func (c *Computer) Score(in Inputs) Quality {
	cfg := c.config

	view := clamp(
		cfg.ThetaWeight*sigmoid(in.ThetaSpanDeg, cfg.ThetaBand)+
			cfg.PhiWeight*sigmoid(in.PhiSpanDeg, cfg.PhiBand)+
			cfg.L2Weight*sigmoid(in.L2PlusCount, cfg.L2Band)+
			cfg.L3Weight*sigmoid(in.L3Count, cfg.L3Band),
		cfg.ViewFloor, 1)

	geom := clamp(
		cfg.ReprojWeight*invSigmoid(in.ReprojRmsPx, cfg.ReprojBand)+
			cfg.EdgeWeight*invSigmoid(in.EdgeRmsPx, cfg.EdgeBand),
		0, 1)

	basic := clamp(
		cfg.SharpWeight*sigmoid(in.Sharpness, cfg.SharpBand)+
			cfg.OverWeight*invSigmoid(in.Overexposure, cfg.OverBand)+
			cfg.UnderWeight*invSigmoid(in.Underexposure, cfg.UnderBand),
		cfg.BasicFloor, 1)

	composite := clamp(
		cfg.ViewWeight*view+cfg.GeomWeight*geom+cfg.BasicWeight*basic,
		0, 1)

	return Quality{
		ViewGain:  view,
		GeomGain:  geom,
		BasicGain: basic,
		Composite: composite,
	}
}

// #endregion computer

// #region helpers

// sigmoid is the generic logistic: higher x is better.
func sigmoid(x float64, b Band) float64 {
	return 1 / (1 + math.Exp(-(x-b.Mid)/b.Slope))
}

// invSigmoid is the inverted logistic: lower x is better.
func invSigmoid(x float64, b Band) float64 {
	return 1 / (1 + math.Exp((x-b.Mid)/b.Slope))
}

// clamp restricts v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion helpers
