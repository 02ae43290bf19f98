package policy

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

// #region canonical

// CanonicalBytes encodes the inputs in a fixed field order with fixed-width
// big-endian values. The encoding is the hashing contract: it must not
// change between engine versions that share proofs.
func CanonicalBytes(in Inputs) []byte {
	buf := make([]byte, 0, 14*8)
	buf = binary.BigEndian.AppendUint64(buf, in.FrameID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(in.TimestampNs))
	buf = append(buf, byte(in.State))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.EvidenceLevel))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.TrackingConfidence))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(in.FeatureCount)))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.Luminance))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.MotionMagnitude))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.TextureScore))
	buf = append(buf, byte(in.Provenance))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(in.DeferQueueDepth)))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(in.MemoryPressure))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(in.FramesSinceKeyframe)))
	buf = binary.BigEndian.AppendUint64(buf, uint64(int64(in.FramesSinceStateChange)))
	return buf
}

// HashInputs computes the canonical hash of the inputs with the given hasher.
func HashInputs(in Inputs, hasher seal.Hasher) string {
	return hex.EncodeToString(hasher.Sum(CanonicalBytes(in)))
}

// VerifyInputs recomputes the canonical hash and confirms the proof was
// produced from exactly these inputs.
func VerifyInputs(proof Proof, in Inputs, hasher seal.Hasher) bool {
	return proof.InputsHash == HashInputs(in, hasher)
}

// #endregion canonical
