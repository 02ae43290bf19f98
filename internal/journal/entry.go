package journal

import (
	"encoding/binary"
	"fmt"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

// #region format

// Wire format: a fixed 32-byte header followed by the payload. Sequence
// numbers are strictly monotonic and gap-free within a journal file.
//
//	magic      uint32
//	version    uint16
//	entryType  uint16
//	seq        uint64
//	timestampNs int64
//	payloadSize uint32
//	crc32c     uint32  (over the payload)
const (
	Magic      uint32 = 0x43414A31 // "CAJ1"
	Version    uint16 = 1
	HeaderSize        = 32

	// MaxPayloadSize bounds a single entry; anything larger in a header is
	// treated as corruption during recovery.
	MaxPayloadSize = 16 << 20
)

// EntryType tags what a payload contains.
type EntryType uint16

const (
	EntryPolicyProof EntryType = iota + 1
	EntryTransition
	EntryAuditEvent
	EntryDiscard
	EntryCheckpoint
)

func (t EntryType) String() string {
	switch t {
	case EntryPolicyProof:
		return "policy_proof"
	case EntryTransition:
		return "transition"
	case EntryAuditEvent:
		return "audit_event"
	case EntryDiscard:
		return "discard"
	case EntryCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Entry is one decoded journal record.
type Entry struct {
	Seq         uint64
	TimestampNs int64
	Type        EntryType
	Payload     []byte
}

// #endregion format

// #region encode

// encodeEntry renders header+payload into one contiguous buffer so the
// write path can commit an entry as a single atomic write-plus-checksum unit.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, HeaderSize+len(e.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(e.Type))
	binary.BigEndian.PutUint64(buf[8:16], e.Seq)
	binary.BigEndian.PutUint64(buf[16:24], uint64(e.TimestampNs))
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(e.Payload)))
	binary.BigEndian.PutUint32(buf[28:32], seal.Checksum32(e.Payload))
	copy(buf[HeaderSize:], e.Payload)
	return buf
}

// decodeHeader parses a 32-byte header. The payload checksum is verified by
// the caller once the payload bytes are read.
func decodeHeader(buf []byte) (Entry, uint32, error) {
	if len(buf) < HeaderSize {
		return Entry{}, 0, fmt.Errorf("short header: %d bytes", len(buf))
	}
	if m := binary.BigEndian.Uint32(buf[0:4]); m != Magic {
		return Entry{}, 0, fmt.Errorf("bad magic 0x%08x", m)
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != Version {
		return Entry{}, 0, fmt.Errorf("unsupported version %d", v)
	}
	e := Entry{
		Type:        EntryType(binary.BigEndian.Uint16(buf[6:8])),
		Seq:         binary.BigEndian.Uint64(buf[8:16]),
		TimestampNs: int64(binary.BigEndian.Uint64(buf[16:24])),
	}
	size := binary.BigEndian.Uint32(buf[24:28])
	if size > MaxPayloadSize {
		return Entry{}, 0, fmt.Errorf("payload size %d exceeds limit", size)
	}
	crc := binary.BigEndian.Uint32(buf[28:32])
	e.Payload = make([]byte, size)
	return e, crc, nil
}

// #endregion encode
