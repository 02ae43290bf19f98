package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/coverage"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/engine"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/fsm"
)

// #region fixture

// Frame is the serialized form of one frame's decision inputs.
type Frame struct {
	FrameID            uint64        `json:"frame_id"`
	PatchID            string        `json:"patch_id"`
	CameraPos          coverage.Vec3 `json:"camera_pos"`
	PatchCenter        coverage.Vec3 `json:"patch_center"`
	ObservationQuality float64       `json:"observation_quality"`

	ReprojRmsPx   float64 `json:"reproj_rms_px"`
	EdgeRmsPx     float64 `json:"edge_rms_px"`
	Sharpness     float64 `json:"sharpness"`
	Overexposure  float64 `json:"overexposure"`
	Underexposure float64 `json:"underexposure"`

	Luminance          float64 `json:"luminance"`
	TextureScore       float64 `json:"texture_score"`
	MotionMagnitude    float64 `json:"motion_magnitude"`
	TrackingConfidence float64 `json:"tracking_confidence"`
	MatchScore         float64 `json:"match_score"`
	FeatureCount       int     `json:"feature_count"`

	MemoryPressure float64 `json:"memory_pressure"`
}

// Fixture is a named, replayable frame sequence.
type Fixture struct {
	Name   string  `json:"name"`
	Frames []Frame `json:"frames"`
}

// LoadFixture reads a fixture from a JSON file.
func LoadFixture(path string) (Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return Fixture{}, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return f, nil
}

// SaveFixture writes a fixture as indented JSON.
func SaveFixture(path string, f Fixture) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}
	return nil
}

// #endregion fixture

// #region run

// Summary aggregates one replay run's outcomes.
type Summary struct {
	Frames       int
	Kept         int
	RawOnly      int
	Deferred     int
	Discarded    int
	Downgrades   int
	StateChanges int
	FinalState   string

	// ProofHashes in frame order; two runs over the same fixture must agree
	// hash for hash.
	ProofHashes []string
}

// frameInterval is the synthetic timestamp step between replayed frames.
// Replay pins timestamps to the epoch so proof hashes are reproducible.
const frameInterval = 33 * time.Millisecond

// Run replays a fixture through a fresh session rooted at dataDir and
// returns the aggregated outcomes.
func Run(fixture Fixture, dataDir string) (Summary, error) {
	session, err := engine.Open(engine.DefaultConfig(dataDir), nil)
	if err != nil {
		return Summary{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	base := time.Unix(0, 0).UTC()
	var sum Summary
	for i, frame := range fixture.Frames {
		ts := base.Add(time.Duration(i) * frameInterval)
		res, err := session.ProcessFrame(ToInput(frame, ts))
		if err != nil {
			return sum, fmt.Errorf("frame %d: %w", frame.FrameID, err)
		}
		tally(&sum, res)
	}
	sum.Frames = len(fixture.Frames)
	sum.FinalState = session.CurrentState().String()
	return sum, nil
}

// ToInput converts a serialized frame to the engine's input form.
func ToInput(f Frame, ts time.Time) engine.FrameInput {
	return engine.FrameInput{
		FrameID:            f.FrameID,
		Timestamp:          ts,
		PatchID:            f.PatchID,
		CameraPos:          f.CameraPos,
		PatchCenter:        f.PatchCenter,
		ObservationQuality: f.ObservationQuality,
		ReprojRmsPx:        f.ReprojRmsPx,
		EdgeRmsPx:          f.EdgeRmsPx,
		Sharpness:          f.Sharpness,
		Overexposure:       f.Overexposure,
		Underexposure:      f.Underexposure,
		Signals: fsm.Signals{
			Luminance:          f.Luminance,
			TextureScore:       f.TextureScore,
			MotionMagnitude:    f.MotionMagnitude,
			TrackingConfidence: f.TrackingConfidence,
			MatchScore:         f.MatchScore,
			FeatureCount:       f.FeatureCount,
			Timestamp:          ts,
		},
		MemoryPressure: f.MemoryPressure,
	}
}

func tally(sum *Summary, res engine.FrameResult) {
	switch res.Decision.Disposition {
	case fsm.DispositionKeepAll:
		sum.Kept++
	case fsm.DispositionKeepRawOnly:
		sum.RawOnly++
	case fsm.DispositionDefer:
		sum.Deferred++
	case fsm.DispositionDiscardBoth:
		sum.Discarded++
	}
	if res.Decision.Downgraded {
		sum.Downgrades++
	}
	if res.Transition.Changed() {
		sum.StateChanges++
	}
	sum.ProofHashes = append(sum.ProofHashes, res.Proof.InputsHash)
}

// #endregion run
