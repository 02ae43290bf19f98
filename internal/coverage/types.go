package coverage

import "time"

// #region vec3

// Vec3 is a camera-space position in meters.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// #endregion vec3

// #region observation

// Observation is one recorded view of a patch: the angular direction the
// camera saw it from and the photometric quality of that view.
type Observation struct {
	ThetaDeg  float64   `json:"theta_deg"`
	PhiDeg    float64   `json:"phi_deg"`
	Quality   float64   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// #endregion observation

// #region stats

// Stats summarizes the angular and quality coverage of one patch. Derived
// from the current ring contents on demand, never stored.
type Stats struct {
	ThetaSpanDeg float64
	PhiSpanDeg   float64
	L2PlusCount  int // observations with quality > L2Threshold
	L3Count      int // observations with quality > L3Threshold
	Observations int
}

// #endregion stats

// #region config

// Config holds the ring capacity and the quality tier thresholds.
type Config struct {
	RingCapacity int
	L2Threshold  float64
	L3Threshold  float64
}

// DefaultConfig returns the standard tracker parameters.
func DefaultConfig() Config {
	return Config{
		RingCapacity: 200,
		L2Threshold:  0.3,
		L3Threshold:  0.6,
	}
}

// #endregion config
