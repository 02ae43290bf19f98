package coverage

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"
)

func camAt(thetaDeg, phiDeg float64) Vec3 {
	theta := thetaDeg * math.Pi / 180
	phi := phiDeg * math.Pi / 180
	return Vec3{
		X: math.Cos(phi) * math.Sin(theta),
		Y: math.Sin(phi),
		Z: math.Cos(phi) * math.Cos(theta),
	}
}

func TestRecordDerivesAngles(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Record("p1", camAt(30, 10), Vec3{}, 0.5, time.Now())

	stats, ok := tr.Stats("p1")
	if !ok {
		t.Fatal("expected stats for p1")
	}
	if stats.Observations != 1 {
		t.Fatalf("expected 1 observation, got %d", stats.Observations)
	}
	// Single observation: span is zero regardless of angle
	if stats.ThetaSpanDeg != 0 || stats.PhiSpanDeg != 0 {
		t.Fatalf("expected zero spans, got theta=%.4f phi=%.4f", stats.ThetaSpanDeg, stats.PhiSpanDeg)
	}
}

func TestUnknownPatchYieldsEmpty(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	if _, ok := tr.Stats("nope"); ok {
		t.Fatal("expected ok=false for unknown patch")
	}
}

func TestDegenerateDirectionRecordsZeroAngles(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	// Camera exactly at patch center: |dir| = 0
	tr.Record("p1", Vec3{1, 2, 3}, Vec3{1, 2, 3}, 0.9, time.Now())

	stats, ok := tr.Stats("p1")
	if !ok || stats.Observations != 1 {
		t.Fatalf("expected 1 observation, got %+v ok=%v", stats, ok)
	}
}

func TestCoverageSweepScenario(t *testing.T) {
	// 20 observations, theta sweeping 0°→40°, quality sweeping 0.5→0.88.
	tr := NewTracker(DefaultConfig())
	now := time.Now()
	for i := 0; i < 20; i++ {
		theta := 40.0 * float64(i) / 19.0
		quality := 0.5 + 0.38*float64(i)/19.0
		tr.Record("sweep", camAt(theta, 0), Vec3{}, quality, now.Add(time.Duration(i)*time.Millisecond))
	}

	stats, ok := tr.Stats("sweep")
	if !ok {
		t.Fatal("expected stats")
	}
	if math.Abs(stats.ThetaSpanDeg-40.0) > 1e-6 {
		t.Errorf("expected theta span ≈ 40, got %.8f", stats.ThetaSpanDeg)
	}
	if stats.L2PlusCount != 20 {
		t.Errorf("expected l2PlusCount = 20, got %d", stats.L2PlusCount)
	}
	if stats.L3Count == 0 {
		t.Error("expected l3Count > 0")
	}
}

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	config := DefaultConfig()
	config.RingCapacity = 5
	tr := NewTracker(config)

	// 8 pushes into a 5-slot ring: the first 3 (low quality) evicted
	for i := 0; i < 8; i++ {
		q := 0.1
		if i >= 3 {
			q = 0.9
		}
		tr.Record("p1", camAt(float64(i), 0), Vec3{}, q, time.Now())
	}

	stats, _ := tr.Stats("p1")
	if stats.Observations != 5 {
		t.Fatalf("expected 5 observations, got %d", stats.Observations)
	}
	if stats.L3Count != 5 {
		t.Fatalf("expected all 5 survivors above L3, got %d", stats.L3Count)
	}
	// Survivors are theta 3..7
	if math.Abs(stats.ThetaSpanDeg-4.0) > 1e-6 {
		t.Errorf("expected theta span 4, got %.8f", stats.ThetaSpanDeg)
	}
}

func TestStatsDeterministicAcrossRepeats(t *testing.T) {
	build := func() Stats {
		tr := NewTracker(DefaultConfig())
		for i := 0; i < 50; i++ {
			tr.Record("p", camAt(float64(i%37), float64(i%11)), Vec3{}, float64(i%10)/10.0, time.Unix(0, int64(i)))
		}
		s, _ := tr.Stats("p")
		return s
	}
	first := build()
	for i := 0; i < 10; i++ {
		if got := build(); got != first {
			t.Fatalf("run %d diverged: %+v vs %+v", i, got, first)
		}
	}
}

func TestConcurrentReadersDoNotBlockWriter(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	done := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			tr.Record(fmt.Sprintf("p%d", i%8), camAt(float64(i%90), 0), Vec3{}, 0.5, time.Now())
		}
		close(done)
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				tr.Stats(fmt.Sprintf("p%d", time.Now().UnixNano()%8))
				tr.TotalObservations()
			}
		}
	}()
	wg.Wait()

	if tr.Patches() != 8 {
		t.Fatalf("expected 8 patches, got %d", tr.Patches())
	}
}

func TestExportRestoreRoundTrip(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	for i := 0; i < 30; i++ {
		tr.Record("a", camAt(float64(i), 0), Vec3{}, 0.7, time.Unix(0, int64(i)))
		tr.Record("b", camAt(0, float64(i%20)), Vec3{}, 0.4, time.Unix(0, int64(i)))
	}
	before, _ := tr.Stats("a")

	restored := NewTracker(DefaultConfig())
	restored.Restore(tr.Export())

	after, ok := restored.Stats("a")
	if !ok || after != before {
		t.Fatalf("restore mismatch: %+v vs %+v", after, before)
	}
	if restored.TotalObservations() != tr.TotalObservations() {
		t.Fatalf("observation count mismatch: %d vs %d", restored.TotalObservations(), tr.TotalObservations())
	}
}
