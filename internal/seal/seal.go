package seal

import (
	"crypto/sha256"
	"hash/crc32"
)

// #region hasher

// Hasher digests a byte slice. The journal checkpoint hash and the snapshot
// state hash both resolve through a Hasher so the algorithm stays a
// configuration point rather than a hard-coded constant.
type Hasher interface {
	Sum(data []byte) []byte
	Name() string
}

// SHA256Hasher is the default whole-state hasher.
type SHA256Hasher struct{}

func (SHA256Hasher) Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func (SHA256Hasher) Name() string { return "sha-256" }

// CRC32CHasher is a fast non-cryptographic alternative (Castagnoli).
type CRC32CHasher struct{}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (CRC32CHasher) Sum(data []byte) []byte {
	c := crc32.Checksum(data, castagnoli)
	return []byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)}
}

func (CRC32CHasher) Name() string { return "crc32c" }

// Checksum32 computes the crc32c of a payload. Per-entry journal integrity
// uses this directly; it is cheap enough for the hot write path.
func Checksum32(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// #endregion hasher
