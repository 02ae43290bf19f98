package replay

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/coverage"
)

// mixedFixture sweeps 30 good frames, drops tracking for 10, then recovers.
func mixedFixture() Fixture {
	var frames []Frame
	frame := func(id uint64, confidence float64, features int) Frame {
		rad := float64(id) * 2 * math.Pi / 180
		return Frame{
			FrameID:            id,
			PatchID:            "patch-1",
			CameraPos:          coverage.Vec3{X: math.Sin(rad), Z: math.Cos(rad)},
			ObservationQuality: 0.8,
			ReprojRmsPx:        0.15,
			EdgeRmsPx:          0.05,
			Sharpness:          120,
			Overexposure:       0.02,
			Underexposure:      0.05,
			Luminance:          0.6,
			TextureScore:       0.6,
			MotionMagnitude:    0.2,
			TrackingConfidence: confidence,
			MatchScore:         0.9,
			FeatureCount:       features,
		}
	}
	id := uint64(1)
	for i := 0; i < 30; i++ {
		frames = append(frames, frame(id, 0.9, 500))
		id++
	}
	for i := 0; i < 10; i++ {
		frames = append(frames, frame(id, 0.1, 10))
		id++
	}
	for i := 0; i < 10; i++ {
		frames = append(frames, frame(id, 0.9, 500))
		id++
	}
	return Fixture{Name: "tracking-loss-and-recovery", Frames: frames}
}

func TestRunAggregatesOutcomes(t *testing.T) {
	sum, err := Run(mixedFixture(), t.TempDir())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if sum.Frames != 50 {
		t.Fatalf("expected 50 frames, got %d", sum.Frames)
	}
	if sum.Kept == 0 {
		t.Fatal("expected some keep_all frames after coverage builds")
	}
	if sum.RawOnly < 10 {
		t.Fatalf("expected at least the 10 lost-tracking frames as raw-only, got %d", sum.RawOnly)
	}
	if sum.Downgrades != 10 {
		t.Fatalf("expected 10 relocalizing downgrades, got %d", sum.Downgrades)
	}
	// Preempt into relocalizing, recovery back out.
	if sum.StateChanges != 2 {
		t.Fatalf("expected 2 state changes, got %d", sum.StateChanges)
	}
	if sum.FinalState != "normal" {
		t.Fatalf("expected final state normal, got %s", sum.FinalState)
	}
	if len(sum.ProofHashes) != 50 {
		t.Fatalf("expected a proof per frame, got %d", len(sum.ProofHashes))
	}
}

func TestRunIsDeterministic(t *testing.T) {
	fixture := mixedFixture()

	first, err := Run(fixture, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Run(fixture, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if len(first.ProofHashes) != len(second.ProofHashes) {
		t.Fatalf("hash count diverged: %d vs %d", len(first.ProofHashes), len(second.ProofHashes))
	}
	for i := range first.ProofHashes {
		if first.ProofHashes[i] != second.ProofHashes[i] {
			t.Fatalf("frame %d: proof hash diverged across runs", i)
		}
	}
	if first.Kept != second.Kept || first.StateChanges != second.StateChanges {
		t.Fatalf("summaries diverged: %+v vs %+v", first, second)
	}
}

func TestFixtureRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.json")
	want := mixedFixture()

	if err := SaveFixture(path, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Name != want.Name || len(got.Frames) != len(want.Frames) {
		t.Fatalf("fixture mismatch: %s/%d", got.Name, len(got.Frames))
	}
	if got.Frames[10] != want.Frames[10] {
		t.Fatalf("frame mismatch: %+v", got.Frames[10])
	}
}
