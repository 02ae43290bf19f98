package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

// #region errors

// ErrNoSnapshot means no snapshot has ever been written: a fresh session.
var ErrNoSnapshot = errors.New("no snapshot present")

// ErrNoValidState means snapshots exist but neither slot verifies.
var ErrNoValidState = errors.New("no valid snapshot state")

// #endregion errors

// #region meta

// Slot names the two alternating snapshot files.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

func (s Slot) other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Meta is the sidecar written next to each slot's state file. The meta flip
// is the commit point: a slot without a matching, valid meta does not exist
// as far as Load is concerned.
type Meta struct {
	SnapshotID     string `json:"snapshot_id"`
	Slot           Slot   `json:"slot"`
	SequenceNumber uint64 `json:"sequence_number"`
	TimestampNs    int64  `json:"timestamp_ns"`
	StateHash      string `json:"state_hash"`
	HashAlgo       string `json:"hash_algo"`
	IsValid        bool   `json:"is_valid"`
}

// #endregion meta

// #region store

// Store persists full engine state to two alternating slot files with .meta
// sidecars. Exactly one slot is authoritative at any time; a save that dies
// mid-flight leaves the previous slot intact.
type Store struct {
	dir    string
	hasher seal.Hasher
}

// NewStore creates a store rooted at dir. hasher defaults to SHA-256.
func NewStore(dir string, hasher seal.Hasher) *Store {
	if hasher == nil {
		hasher = seal.SHA256Hasher{}
	}
	return &Store{dir: dir, hasher: hasher}
}

func (s *Store) statePath(slot Slot) string {
	return filepath.Join(s.dir, fmt.Sprintf("state_%s.snap", slot))
}

func (s *Store) metaPath(slot Slot) string {
	return filepath.Join(s.dir, fmt.Sprintf("state_%s.meta", slot))
}

// #endregion store

// #region save

// Save writes the serialized state to the slot opposite the current
// authoritative one, verifies the write by re-reading and re-hashing, and
// only then flips the metadata. A crash at any earlier point leaves the
// previous slot untouched and authoritative.
func (s *Store) Save(state []byte, seq uint64, now time.Time) (Meta, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Meta{}, fmt.Errorf("snapshot dir: %w", err)
	}

	target := SlotA
	if current, _, err := s.authoritative(); err == nil {
		target = current.Slot.other()
	}

	if err := os.WriteFile(s.statePath(target), state, 0o644); err != nil {
		return Meta{}, fmt.Errorf("write slot %s: %w", target, err)
	}

	// Verify: re-read the bytes that actually landed and re-hash them.
	written, err := os.ReadFile(s.statePath(target))
	if err != nil {
		return Meta{}, fmt.Errorf("verify read slot %s: %w", target, err)
	}
	if !bytes.Equal(written, state) {
		return Meta{}, fmt.Errorf("verify slot %s: written bytes differ", target)
	}

	meta := Meta{
		SnapshotID:     uuid.New().String(),
		Slot:           target,
		SequenceNumber: seq,
		TimestampNs:    now.UnixNano(),
		StateHash:      hex.EncodeToString(s.hasher.Sum(written)),
		HashAlgo:       s.hasher.Name(),
		IsValid:        true,
	}

	// Meta flip via temp-file rename: the commit point is atomic.
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, fmt.Errorf("marshal meta: %w", err)
	}
	tmp := s.metaPath(target) + ".tmp"
	if err := os.WriteFile(tmp, metaJSON, 0o644); err != nil {
		return Meta{}, fmt.Errorf("write meta tmp: %w", err)
	}
	if err := os.Rename(tmp, s.metaPath(target)); err != nil {
		return Meta{}, fmt.Errorf("flip meta: %w", err)
	}
	return meta, nil
}

// #endregion save

// #region load

// Load returns the state of the highest-sequence slot whose metadata is
// valid and whose contents re-hash to the recorded state hash. A corrupt
// slot falls back to the other; two dead slots yield ErrNoValidState.
func (s *Store) Load() ([]byte, Meta, error) {
	meta, state, err := s.authoritative()
	if err != nil {
		return nil, Meta{}, err
	}
	return state, meta, nil
}

// authoritative scans both slots and returns the best verified one.
func (s *Store) authoritative() (Meta, []byte, error) {
	var (
		best      Meta
		bestState []byte
		found     bool
		anyMeta   bool
	)
	for _, slot := range []Slot{SlotA, SlotB} {
		metaJSON, err := os.ReadFile(s.metaPath(slot))
		if err != nil {
			continue
		}
		anyMeta = true

		var meta Meta
		if err := json.Unmarshal(metaJSON, &meta); err != nil || !meta.IsValid {
			continue
		}
		state, err := os.ReadFile(s.statePath(slot))
		if err != nil {
			continue
		}
		if hex.EncodeToString(s.hasher.Sum(state)) != meta.StateHash {
			continue // slot data does not match its sidecar
		}
		if !found || meta.SequenceNumber > best.SequenceNumber {
			best = meta
			bestState = state
			found = true
		}
	}

	if !found {
		if anyMeta {
			return Meta{}, nil, ErrNoValidState
		}
		return Meta{}, nil, ErrNoSnapshot
	}
	return best, bestState, nil
}

// #endregion load
