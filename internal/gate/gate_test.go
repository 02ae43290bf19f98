package gate

import (
	"math"
	"testing"
	"time"
)

// boundaryInputs puts every metric exactly at its band midpoint, where each
// logistic term evaluates to 0.5.
func boundaryInputs() Inputs {
	return Inputs{
		ThetaSpanDeg:  26,
		PhiSpanDeg:    15,
		L2PlusCount:   13,
		L3Count:       5,
		ReprojRmsPx:   0.48,
		EdgeRmsPx:     0.23,
		Sharpness:     85,
		Overexposure:  0.28,
		Underexposure: 0.38,
	}
}

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsDriftedWeights(t *testing.T) {
	config := DefaultConfig()
	config.ViewWeight = 0.41
	if err := config.Validate(); err == nil {
		t.Fatal("expected weight sum error")
	}

	config = DefaultConfig()
	config.EdgeBand.Mid = 0.50 // looser than reproj mid
	if err := config.Validate(); err == nil {
		t.Fatal("expected band ordering error")
	}
}

func TestBoundaryComposite(t *testing.T) {
	c := NewComputer(DefaultConfig())
	q := c.Score(boundaryInputs())

	if math.Abs(q.Composite-0.5) > 0.01 {
		t.Fatalf("expected composite ≈ 0.5 at band midpoints, got %.6f", q.Composite)
	}
	if math.Abs(q.ViewGain-0.5) > 1e-9 {
		t.Errorf("expected viewGain 0.5, got %.12f", q.ViewGain)
	}
	if math.Abs(q.GeomGain-0.5) > 1e-9 {
		t.Errorf("expected geomGain 0.5, got %.12f", q.GeomGain)
	}
	if math.Abs(q.BasicGain-0.5) > 1e-9 {
		t.Errorf("expected basicGain 0.5, got %.12f", q.BasicGain)
	}
}

func TestScoreBitDeterministic(t *testing.T) {
	c := NewComputer(DefaultConfig())
	in := Inputs{
		ThetaSpanDeg:  33.7,
		PhiSpanDeg:    9.1,
		L2PlusCount:   17,
		L3Count:       3,
		ReprojRmsPx:   0.51,
		EdgeRmsPx:     0.19,
		Sharpness:     91.2,
		Overexposure:  0.12,
		Underexposure: 0.44,
	}

	first := c.Score(in)
	for i := 0; i < 100; i++ {
		if got := c.Score(in); got != first {
			t.Fatalf("call %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestFloorsHoldForDegenerateInputs(t *testing.T) {
	c := NewComputer(DefaultConfig())
	cases := []struct {
		name string
		in   Inputs
	}{
		{"all zero", Inputs{}},
		{"worst case", Inputs{
			ThetaSpanDeg: -1000, PhiSpanDeg: -1000,
			ReprojRmsPx: 100, EdgeRmsPx: 100,
			Overexposure: 1, Underexposure: 1,
		}},
		{"huge everything", Inputs{
			ThetaSpanDeg: 1e9, PhiSpanDeg: 1e9, L2PlusCount: 1e9, L3Count: 1e9,
			ReprojRmsPx: 1e9, EdgeRmsPx: 1e9, Sharpness: 1e9,
			Overexposure: 1e9, Underexposure: 1e9,
		}},
	}
	for _, tc := range cases {
		q := c.Score(tc.in)
		if q.ViewGain < 0.05 {
			t.Errorf("%s: viewGain %.6f below floor", tc.name, q.ViewGain)
		}
		if q.BasicGain < 0.10 {
			t.Errorf("%s: basicGain %.6f below floor", tc.name, q.BasicGain)
		}
		if q.Composite < 0 || q.Composite > 1 {
			t.Errorf("%s: composite %.6f out of range", tc.name, q.Composite)
		}
	}
}

func TestGoodCaptureScoresHigh(t *testing.T) {
	c := NewComputer(DefaultConfig())
	q := c.Score(Inputs{
		ThetaSpanDeg:  70,
		PhiSpanDeg:    35,
		L2PlusCount:   40,
		L3Count:       15,
		ReprojRmsPx:   0.15,
		EdgeRmsPx:     0.08,
		Sharpness:     110,
		Overexposure:  0.02,
		Underexposure: 0.05,
	})
	if q.Composite < 0.9 {
		t.Fatalf("expected composite > 0.9 for a strong capture, got %.4f", q.Composite)
	}
}

// Score carries a sub-millisecond budget per call. This is a regression
// guard, not a correctness requirement, so the bound is generous.
func TestScoreLatencyBudget(t *testing.T) {
	c := NewComputer(DefaultConfig())
	in := boundaryInputs()

	const n = 1000
	start := time.Now()
	for i := 0; i < n; i++ {
		c.Score(in)
	}
	perCall := time.Since(start) / n
	if perCall > time.Millisecond {
		t.Fatalf("Score took %v per call, budget is 1ms", perCall)
	}
}

func BenchmarkScore(b *testing.B) {
	c := NewComputer(DefaultConfig())
	in := boundaryInputs()
	for i := 0; i < b.N; i++ {
		c.Score(in)
	}
}
