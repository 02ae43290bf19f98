package policy

import (
	"math"
	"testing"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

func goodInputs() Inputs {
	return Inputs{
		FrameID:                42,
		TimestampNs:            1_700_000_000_000_000_000,
		State:                  fsm.StateNormal,
		EvidenceLevel:          0.85,
		TrackingConfidence:     0.9,
		FeatureCount:           250,
		Luminance:              0.6,
		MotionMagnitude:        0.2,
		TextureScore:           0.7,
		Provenance:             ProvenanceOnDevice,
		DeferQueueDepth:        3,
		MemoryPressure:         0.4,
		FramesSinceKeyframe:    10,
		FramesSinceStateChange: 100,
	}
}

func TestStrongFrameCommits(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	d, proof := r.Resolve(goodInputs())

	if d.PolicyID != PolicyKeepAll {
		t.Fatalf("expected keep_all, got %s", d.PolicyID)
	}
	if d.Ledger != PolicyLedgerCommit {
		t.Fatalf("expected ledger commit, got %s", d.Ledger)
	}
	if d.Downgraded {
		t.Fatal("no downgrade expected in normal state")
	}
	if proof.SelectedPolicyID != PolicyKeepAll {
		t.Fatalf("proof policy mismatch: %s", proof.SelectedPolicyID)
	}
	if proof.EngineVersion != EngineVersion {
		t.Fatalf("missing engine version, got %q", proof.EngineVersion)
	}
}

func TestWeakFrameDefers(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	in := goodInputs()
	in.EvidenceLevel = 0.2
	d, _ := r.Resolve(in)
	if d.PolicyID != PolicyDefer {
		t.Fatalf("expected defer for low evidence, got %s", d.PolicyID)
	}
}

func TestMemoryPressureDiscards(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	in := goodInputs()
	in.EvidenceLevel = 0.2
	in.MemoryPressure = 0.95
	d, _ := r.Resolve(in)
	if d.PolicyID != PolicyDiscardBoth {
		t.Fatalf("expected discard_both under hard pressure, got %s", d.PolicyID)
	}
}

func TestFailClosedOnInvalidInputs(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	cases := []struct {
		name string
		mut  func(*Inputs)
	}{
		{"nan evidence", func(in *Inputs) { in.EvidenceLevel = math.NaN() }},
		{"nan motion", func(in *Inputs) { in.MotionMagnitude = math.NaN() }},
		{"negative features", func(in *Inputs) { in.FeatureCount = -1 }},
		{"negative defer depth", func(in *Inputs) { in.DeferQueueDepth = -3 }},
		{"confidence above 1", func(in *Inputs) { in.TrackingConfidence = 1.5 }},
		{"bad provenance", func(in *Inputs) { in.Provenance = 99 }},
		{"bad state", func(in *Inputs) { in.State = 99 }},
	}
	for _, tc := range cases {
		in := goodInputs()
		tc.mut(&in)
		d, proof := r.Resolve(in)

		if d.PolicyID != PolicyKeepRawOnly {
			t.Errorf("%s: expected conservative keep_raw_only, got %s", tc.name, d.PolicyID)
		}
		if d.Ledger != PolicyLedgerWithhold {
			t.Errorf("%s: expected ledger withhold, got %s", tc.name, d.Ledger)
		}
		if len(proof.TopReasons) == 0 || proof.TopReasons[0].Reason != ReasonInvalidInput {
			t.Errorf("%s: expected invalid-input reason first, got %+v", tc.name, proof.TopReasons)
		}
	}
}

func TestRelocalizingDowngrade(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	in := goodInputs()
	in.State = fsm.StateRelocalizing

	d, proof := r.Resolve(in)
	if d.Disposition != fsm.DispositionKeepRawOnly {
		t.Fatalf("expected keep_raw_only while relocalizing, got %s", d.Disposition)
	}
	if !d.Downgraded {
		t.Fatal("expected downgrade to be recorded")
	}
	if d.Ledger != PolicyLedgerWithhold {
		t.Fatalf("ledger commits are forbidden while relocalizing, got %s", d.Ledger)
	}

	found := false
	for _, sr := range proof.TopReasons {
		if sr.Reason == ReasonRelocalizing {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected relocalizing reason in proof, got %+v", proof.TopReasons)
	}
}

func TestTopReasonsCappedAtThree(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	// Pile on conditions: low light, weak texture, low evidence, pressure,
	// keyframe due, unstable state.
	in := goodInputs()
	in.EvidenceLevel = 0.1
	in.Luminance = 0.05
	in.TextureScore = 0.1
	in.MemoryPressure = 0.85
	in.FramesSinceKeyframe = 90
	in.FramesSinceStateChange = 1

	_, proof := r.Resolve(in)
	if len(proof.TopReasons) != 3 {
		t.Fatalf("expected exactly 3 reasons, got %d", len(proof.TopReasons))
	}
	for i := 1; i < len(proof.TopReasons); i++ {
		if proof.TopReasons[i].Score > proof.TopReasons[i-1].Score {
			t.Fatalf("reasons not sorted by score: %+v", proof.TopReasons)
		}
	}
}

func TestKeyframePromotion(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	in := goodInputs()
	in.FramesSinceKeyframe = 31
	d, _ := r.Resolve(in)
	if d.Keyframe != PolicyKeyframePromote {
		t.Fatalf("expected keyframe promotion after interval, got %s", d.Keyframe)
	}
}

func TestVerifyInputsRoundTrip(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	in := goodInputs()
	_, proof := r.Resolve(in)

	if !VerifyInputs(proof, in, seal.SHA256Hasher{}) {
		t.Fatal("proof should verify against its own inputs")
	}

	tampered := in
	tampered.EvidenceLevel = 0.8500001
	if VerifyInputs(proof, tampered, seal.SHA256Hasher{}) {
		t.Fatal("proof must not verify against altered inputs")
	}
}

func TestHasherIsConfigurable(t *testing.T) {
	r := NewResolver(DefaultConfig(), seal.CRC32CHasher{})
	in := goodInputs()
	_, proof := r.Resolve(in)

	if !VerifyInputs(proof, in, seal.CRC32CHasher{}) {
		t.Fatal("crc32c proof should verify with crc32c")
	}
	if VerifyInputs(proof, in, seal.SHA256Hasher{}) {
		t.Fatal("crc32c proof must not verify with sha-256")
	}
}

func TestResolveDeterministic(t *testing.T) {
	r := NewResolver(DefaultConfig(), nil)
	in := goodInputs()
	in.EvidenceLevel = 0.1
	in.Luminance = 0.05
	in.TextureScore = 0.1

	d0, p0 := r.Resolve(in)
	for i := 0; i < 100; i++ {
		d, p := r.Resolve(in)
		if d != d0 {
			t.Fatalf("decision diverged on call %d", i)
		}
		if p.InputsHash != p0.InputsHash || p.SelectedPolicyID != p0.SelectedPolicyID {
			t.Fatalf("proof diverged on call %d", i)
		}
		for j := range p.TopReasons {
			if p.TopReasons[j] != p0.TopReasons[j] {
				t.Fatalf("reason order diverged on call %d", i)
			}
		}
	}
}

func TestCanonicalBytesFieldSensitivity(t *testing.T) {
	base := CanonicalBytes(goodInputs())

	muts := []func(*Inputs){
		func(in *Inputs) { in.FrameID++ },
		func(in *Inputs) { in.TimestampNs++ },
		func(in *Inputs) { in.State = fsm.StateLowLight },
		func(in *Inputs) { in.FeatureCount++ },
		func(in *Inputs) { in.Provenance = ProvenanceExternal },
		func(in *Inputs) { in.FramesSinceStateChange++ },
	}
	for i, mut := range muts {
		in := goodInputs()
		mut(&in)
		if string(CanonicalBytes(in)) == string(base) {
			t.Errorf("mutation %d did not change canonical encoding", i)
		}
	}
}
