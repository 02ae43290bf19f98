package engine

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/coverage"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/journal"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/policy"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/snapshot"
)

func testSession(t *testing.T, dir string) *Session {
	t.Helper()
	s, err := Open(DefaultConfig(dir), nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	return s
}

// cameraAt places the camera on a unit circle around the origin so the
// azimuth sweep grows the coverage span frame by frame.
func cameraAt(angleDeg float64) coverage.Vec3 {
	rad := angleDeg * math.Pi / 180
	return coverage.Vec3{X: math.Sin(rad), Y: 0, Z: math.Cos(rad)}
}

// goodFrame builds a frame with strong signals and clean metrics, sweeping
// the camera so coverage spans grow with the frame index.
func goodFrame(id uint64) FrameInput {
	angle := float64(id) * 2.0
	return FrameInput{
		FrameID:            id,
		Timestamp:          time.Now(),
		PatchID:            "patch-1",
		CameraPos:          cameraAt(angle),
		ObservationQuality: 0.8,
		ReprojRmsPx:        0.15,
		EdgeRmsPx:          0.05,
		Sharpness:          120,
		Overexposure:       0.02,
		Underexposure:      0.05,
		Signals: fsm.Signals{
			Luminance:          0.6,
			TextureScore:       0.6,
			MotionMagnitude:    0.2,
			TrackingConfidence: 0.9,
			MatchScore:         0.9,
			FeatureCount:       500,
		},
	}
}

func TestProcessFrameCommitsStrongCapture(t *testing.T) {
	s := testSession(t, t.TempDir())
	defer s.Close()

	var last FrameResult
	for i := uint64(1); i <= 40; i++ {
		var err error
		last, err = s.ProcessFrame(goodFrame(i))
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	if last.Quality.Composite < 0.75 {
		t.Fatalf("expected high composite after 40 good frames, got %.3f", last.Quality.Composite)
	}
	if last.Decision.PolicyID != policy.PolicyKeepAll {
		t.Fatalf("expected keep_all, got %s (%v)", last.Decision.PolicyID, last.Proof.TopReasons)
	}
	if last.Decision.Ledger != policy.PolicyLedgerCommit {
		t.Fatalf("expected ledger commit, got %s", last.Decision.Ledger)
	}
	if last.Proof.EngineVersion != policy.EngineVersion {
		t.Fatalf("proof missing engine version: %+v", last.Proof)
	}
	if s.CurrentState() != fsm.StateNormal {
		t.Fatalf("expected normal state, got %s", s.CurrentState())
	}
}

func TestRelocalizingDowngradesDisposition(t *testing.T) {
	s := testSession(t, t.TempDir())
	defer s.Close()

	// Warm up, then drop tracking confidence below the preempt threshold.
	for i := uint64(1); i <= 30; i++ {
		if _, err := s.ProcessFrame(goodFrame(i)); err != nil {
			t.Fatal(err)
		}
	}
	lost := goodFrame(31)
	lost.Signals.TrackingConfidence = 0.1
	lost.Signals.FeatureCount = 10

	res, err := s.ProcessFrame(lost)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition.To != fsm.StateRelocalizing || res.Transition.Kind != fsm.KindPreempt {
		t.Fatalf("expected preempt into relocalizing, got %+v", res.Transition)
	}
	if res.Decision.Disposition != fsm.DispositionKeepRawOnly {
		t.Fatalf("expected keep_raw_only while relocalizing, got %s", res.Decision.Disposition)
	}
	if res.Decision.Ledger != policy.PolicyLedgerWithhold {
		t.Fatalf("no ledger commit is legal while relocalizing, got %s", res.Decision.Ledger)
	}
	if res.Rate.FinalMultiplier >= 1.0 {
		t.Fatalf("expected slowed rate while relocalizing, got %.3f", res.Rate.FinalMultiplier)
	}
}

func TestSessionPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := testSession(t, dir)
	for i := uint64(1); i <= 25; i++ {
		if _, err := s.ProcessFrame(goodFrame(i)); err != nil {
			t.Fatal(err)
		}
	}
	wantStats, ok := s.CoverageStats("patch-1")
	if !ok {
		t.Fatal("expected coverage stats before close")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := testSession(t, dir)
	defer s2.Close()

	gotStats, ok := s2.CoverageStats("patch-1")
	if !ok {
		t.Fatal("expected coverage stats restored after reopen")
	}
	if gotStats != wantStats {
		t.Fatalf("coverage stats diverged across reopen: %+v vs %+v", gotStats, wantStats)
	}
	if s2.RecoverySummary().Status != journal.StatusClean {
		t.Fatalf("expected clean journal recovery, got %s", s2.RecoverySummary().Status)
	}
}

func TestReopenAfterKillReplaysJournaledState(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.SnapshotEveryFrames = 0 // only the journal survives a kill

	s, err := Open(config, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 20; i++ {
		if _, err := s.ProcessFrame(goodFrame(i)); err != nil {
			t.Fatal(err)
		}
	}
	lost := goodFrame(21)
	lost.Signals.TrackingConfidence = 0.1
	lost.Signals.FeatureCount = 10
	res, err := s.ProcessFrame(lost)
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition.To != fsm.StateRelocalizing {
		t.Fatalf("expected preempt into relocalizing, got %+v", res.Transition)
	}

	// Wait for the async writer to land every entry, then abandon the session
	// without Close: no final snapshot, like a killed process.
	path := filepath.Join(dir, "journal.wal")
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries, _ := journal.ReadAll(path)
		if len(entries) >= 22 { // 21 proofs + 1 transition
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal never drained, have %d entries", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.journal.Close()
	s.audit.Close()

	s2, err := Open(config, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	if s2.CurrentState() != fsm.StateRelocalizing {
		t.Fatalf("expected relocalizing replayed from the journal, got %s", s2.CurrentState())
	}
	if got := s2.RelocSummary().EnteredAtFrame; got != 21 {
		t.Fatalf("expected relocalization entered at frame 21, got %d", got)
	}
}

func TestOpenFailsWhenNothingIsRecoverable(t *testing.T) {
	dir := t.TempDir()

	// Two snapshots whose data files are then destroyed, and a journal that
	// is garbage from its first byte.
	store := snapshot.NewStore(filepath.Join(dir, "snapshots"), nil)
	if _, err := store.Save([]byte("one"), 1, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Save([]byte("two"), 2, time.Now()); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"state_a.snap", "state_b.snap"} {
		if err := os.WriteFile(filepath.Join(dir, "snapshots", name), []byte("dead"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "journal.wal"), []byte("not a journal at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(DefaultConfig(dir), nil); !errors.Is(err, ErrNoValidState) {
		t.Fatalf("expected ErrNoValidState, got %v", err)
	}
}

func TestBacklogOverflowIsJournaled(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)
	config.BacklogCapacity = 1

	s, err := Open(config, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Weak evidence with no coverage history defers every frame; capacity 1
	// forces discards from the second defer on.
	for i := uint64(1); i <= 5; i++ {
		frame := goodFrame(i)
		frame.PatchID = fmt.Sprintf("patch-%d", i)
		frame.ReprojRmsPx = 1.5
		frame.EdgeRmsPx = 0.9
		frame.Sharpness = 20
		res, err := s.ProcessFrame(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.Decision.Disposition != fsm.DispositionDefer {
			t.Fatalf("frame %d: expected defer, got %s (%v)", i, res.Decision.Disposition, res.Proof.TopReasons)
		}
	}
	if s.BacklogDepth() != 1 {
		t.Fatalf("expected backlog held at capacity 1, got %d", s.BacklogDepth())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := journal.ReadAll(filepath.Join(dir, "journal.wal"))
	if err != nil {
		t.Fatal(err)
	}
	var discards, proofs int
	for _, e := range entries {
		switch e.Type {
		case journal.EntryDiscard:
			discards++
		case journal.EntryPolicyProof:
			proofs++
		}
	}
	if discards != 4 {
		t.Fatalf("expected 4 journaled discards, got %d", discards)
	}
	if proofs != 5 {
		t.Fatalf("expected 5 journaled proofs, got %d", proofs)
	}
}

func TestEmergencyIsRecordedAndRateLimited(t *testing.T) {
	s := testSession(t, t.TempDir())
	defer s.Close()

	now := time.Now()
	var hard, soft int
	for i := 0; i < 5; i++ {
		tr := s.Emergency(fsm.StateLowLight, "sudden exposure collapse", now.Add(time.Duration(i)*time.Second))
		switch tr.Kind {
		case fsm.KindEmergencyHard:
			hard++
		case fsm.KindEmergencySoft:
			soft++
		}
	}
	if hard != 3 || soft != 2 {
		t.Fatalf("expected 3 hard / 2 soft, got %d / %d", hard, soft)
	}
	if s.CurrentState() != fsm.StateLowLight {
		t.Fatalf("soft emergencies still transition, got %s", s.CurrentState())
	}
}

func TestLatestGateQualityPerPatch(t *testing.T) {
	s := testSession(t, t.TempDir())
	defer s.Close()

	for i := uint64(1); i <= 30; i++ {
		if _, err := s.ProcessFrame(goodFrame(i)); err != nil {
			t.Fatal(err)
		}
	}
	sparse := goodFrame(31)
	sparse.PatchID = "patch-2"
	res, err := s.ProcessFrame(sparse)
	if err != nil {
		t.Fatal(err)
	}

	active, ok := s.LatestGateQuality("patch-2")
	if !ok {
		t.Fatal("expected a gate quality for the active patch")
	}
	if active != res.Quality {
		t.Fatalf("active patch quality diverged from the frame result: %+v vs %+v", active, res.Quality)
	}
	covered, ok := s.LatestGateQuality("patch-1")
	if !ok {
		t.Fatal("expected a gate quality for the swept patch")
	}
	if covered.Composite <= active.Composite {
		t.Fatalf("a swept patch must outscore a single-observation one: %.3f vs %.3f",
			covered.Composite, active.Composite)
	}
	if _, ok := s.LatestGateQuality("patch-none"); ok {
		t.Fatal("unknown patch must report no quality")
	}
}

func TestLastProofVerifies(t *testing.T) {
	s := testSession(t, t.TempDir())
	defer s.Close()

	if _, ok := s.LastProof(); ok {
		t.Fatal("no proof expected before the first frame")
	}
	if _, err := s.ProcessFrame(goodFrame(1)); err != nil {
		t.Fatal(err)
	}
	proof, ok := s.LastProof()
	if !ok {
		t.Fatal("expected a proof after the first frame")
	}
	if proof.FrameID != 1 || proof.InputsHash == "" {
		t.Fatalf("incomplete proof: %+v", proof)
	}
}
