package journal

import (
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/seal"
)

// #region config

// Config holds the write-path durability knobs.
type Config struct {
	// Fsync when either threshold is reached, whichever first.
	SyncEveryEntries int
	SyncInterval     time.Duration

	// A checkpoint entry (cumulative state hash) every N entries.
	CheckpointEvery int

	// Rotate the file once it grows past this size. 0 disables rotation.
	RotateBytes int64
}

// DefaultConfig returns the standard durability parameters.
func DefaultConfig() Config {
	return Config{
		SyncEveryEntries: 10,
		SyncInterval:     1000 * time.Millisecond,
		CheckpointEvery:  100,
		RotateBytes:      64 << 20,
	}
}

// #endregion config

// #region writer

// Writer appends checksummed entries to a single journal file per session.
// Not safe for concurrent use; the async writer serializes access.
type Writer struct {
	path   string
	f      *os.File
	config Config
	hasher seal.Hasher

	seq              uint64
	bytesWritten     int64
	entriesSinceSync int
	lastSync         time.Time
	sinceCheckpoint  int
	chainHash        []byte
}

// OpenWriter recovers the journal at path (truncating any corrupt tail) and
// opens it for appending, rooting the sequence at the last valid entry.
// hasher defaults to SHA-256 and feeds the checkpoint hash chain.
func OpenWriter(path string, config Config, hasher seal.Hasher) (*Writer, Summary, error) {
	if hasher == nil {
		hasher = seal.SHA256Hasher{}
	}

	summary, err := Recover(path)
	if err != nil {
		return nil, summary, fmt.Errorf("recover journal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, summary, fmt.Errorf("open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, summary, fmt.Errorf("stat journal: %w", err)
	}

	chain, err := seedChain(path, summary, hasher)
	if err != nil {
		f.Close()
		return nil, summary, fmt.Errorf("seed hash chain: %w", err)
	}

	return &Writer{
		path:         path,
		f:            f,
		config:       config,
		hasher:       hasher,
		seq:          summary.LastValidSeq,
		bytesWritten: info.Size(),
		lastSync:     time.Now(),
		chainHash:    chain,
	}, summary, nil
}

// seedChain rebuilds the cumulative payload hash over the recovered entries
// so the checkpoint chain continues across reopen instead of restarting from
// nil. Each segment carries a self-contained chain, and recovery reads the
// active segment only, so folding the recovered file reproduces the live
// chain exactly.
func seedChain(path string, summary Summary, hasher seal.Hasher) ([]byte, error) {
	if summary.EntriesRecovered == 0 {
		return nil, nil
	}
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	var chain []byte
	for _, e := range entries {
		chain = hasher.Sum(append(chain[:len(chain):len(chain)], e.Payload...))
	}
	return chain, nil
}

// Seq returns the sequence number of the last appended entry.
func (w *Writer) Seq() uint64 { return w.seq }

// Append writes one entry as a single atomic write-plus-checksum unit,
// fsyncing and checkpointing per the configured cadence.
func (w *Writer) Append(entryType EntryType, payload []byte, now time.Time) (uint64, error) {
	seq, err := w.append(entryType, payload, now)
	if err != nil {
		return 0, err
	}

	// Checkpoint carries the cumulative hash over every payload so far.
	w.sinceCheckpoint++
	if w.config.CheckpointEvery > 0 && w.sinceCheckpoint >= w.config.CheckpointEvery {
		w.sinceCheckpoint = 0
		if _, err := w.append(EntryCheckpoint, w.chainHash, now); err != nil {
			return seq, fmt.Errorf("checkpoint: %w", err)
		}
	}

	if w.config.RotateBytes > 0 && w.bytesWritten >= w.config.RotateBytes {
		if err := w.rotate(); err != nil {
			return seq, fmt.Errorf("rotate: %w", err)
		}
	}
	return seq, nil
}

func (w *Writer) append(entryType EntryType, payload []byte, now time.Time) (uint64, error) {
	w.seq++
	e := Entry{
		Seq:         w.seq,
		TimestampNs: now.UnixNano(),
		Type:        entryType,
		Payload:     payload,
	}
	buf := encodeEntry(e)
	if _, err := w.f.Write(buf); err != nil {
		w.seq--
		return 0, fmt.Errorf("append entry: %w", err)
	}
	w.bytesWritten += int64(len(buf))
	w.chainHash = w.hasher.Sum(append(w.chainHash[:len(w.chainHash):len(w.chainHash)], payload...))

	w.entriesSinceSync++
	if w.entriesSinceSync >= w.config.SyncEveryEntries || now.Sub(w.lastSync) >= w.config.SyncInterval {
		if err := w.Sync(); err != nil {
			return w.seq, err
		}
	}
	return w.seq, nil
}

// Sync flushes pending entries to stable storage.
func (w *Writer) Sync() error {
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("fsync journal: %w", err)
	}
	w.entriesSinceSync = 0
	w.lastSync = time.Now()
	return nil
}

// rotate archives the current file and starts a fresh one. Sequence numbers
// keep climbing across segments; the checkpoint chain restarts so each
// segment is self-contained. Recovery reads the active segment.
func (w *Writer) rotate() error {
	if err := w.Sync(); err != nil {
		return err
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	archived := fmt.Sprintf("%s.%d", w.path, time.Now().UnixNano())
	if err := os.Rename(w.path, archived); err != nil {
		return fmt.Errorf("archive segment: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open new segment: %w", err)
	}
	w.f = f
	w.bytesWritten = 0
	w.chainHash = nil
	return nil
}

// Close syncs and closes the journal file.
func (w *Writer) Close() error {
	if err := w.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// #endregion writer
