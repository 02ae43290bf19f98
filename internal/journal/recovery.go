package journal

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

// #region status

// Status classifies what recovery found.
type Status string

const (
	StatusClean     Status = "clean"
	StatusTruncated Status = "truncated_corruption"
	StatusNoJournal Status = "no_journal"
	StatusFatal     Status = "fatal_no_valid_state"
)

// Summary reports the result of a recovery scan.
type Summary struct {
	Status           Status
	EntriesRecovered int
	LastValidSeq     uint64
	TruncatedBytes   int64
}

// UnreadableFromStart reports whether a non-empty journal yielded no valid
// entry at all.
func (s Summary) UnreadableFromStart() bool {
	return s.Status == StatusTruncated && s.EntriesRecovered == 0
}

// #endregion status

// #region recover

// Recover scans the journal sequentially from offset 0, stops at the first
// entry with a bad magic, a short payload, a CRC mismatch, or a sequence
// gap, and truncates the file at the last valid offset. Corruption is
// recovered by truncation, never surfaced as a crash; only the unwritten
// tail is lost.
func Recover(path string) (Summary, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Summary{Status: StatusNoJournal}, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Summary{}, fmt.Errorf("stat journal: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return Summary{Status: StatusNoJournal}, nil
	}

	var (
		offset    int64
		validEnd  int64
		recovered int
		lastSeq   uint64
	)

	header := make([]byte, HeaderSize)
	for offset+HeaderSize <= size {
		if _, err := f.ReadAt(header, offset); err != nil {
			break
		}
		e, wantCRC, err := decodeHeader(header)
		if err != nil {
			break
		}
		payloadEnd := offset + HeaderSize + int64(len(e.Payload))
		if payloadEnd > size {
			break // incomplete payload: the write was cut mid-flight
		}
		if len(e.Payload) > 0 {
			if _, err := f.ReadAt(e.Payload, offset+HeaderSize); err != nil {
				break
			}
		}
		if seal.Checksum32(e.Payload) != wantCRC {
			break
		}
		if recovered > 0 && e.Seq != lastSeq+1 {
			break // sequence gap: everything past here is untrustworthy
		}

		lastSeq = e.Seq
		recovered++
		validEnd = payloadEnd
		offset = payloadEnd
	}

	truncated := size - validEnd
	if truncated > 0 {
		if err := os.Truncate(path, validEnd); err != nil {
			return Summary{}, fmt.Errorf("truncate journal: %w", err)
		}
	}

	status := StatusClean
	if truncated > 0 {
		status = StatusTruncated
	}
	return Summary{
		Status:           status,
		EntriesRecovered: recovered,
		LastValidSeq:     lastSeq,
		TruncatedBytes:   truncated,
	}, nil
}

// #endregion recover

// #region read

// ReadAll decodes every entry of an already-recovered journal file, for
// inspection and state replay.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var entries []Entry
	offset := 0
	for offset+HeaderSize <= len(data) {
		e, wantCRC, err := decodeHeader(data[offset : offset+HeaderSize])
		if err != nil {
			return entries, fmt.Errorf("entry at offset %d: %w", offset, err)
		}
		end := offset + HeaderSize + len(e.Payload)
		if end > len(data) {
			return entries, io.ErrUnexpectedEOF
		}
		copy(e.Payload, data[offset+HeaderSize:end])
		if seal.Checksum32(e.Payload) != wantCRC {
			return entries, fmt.Errorf("crc mismatch at offset %d", offset)
		}
		entries = append(entries, e)
		offset = end
	}
	return entries, nil
}

// #endregion read
