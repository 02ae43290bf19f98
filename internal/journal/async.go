package journal

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrJournalDegraded reports that the journal has entered memory-only mode.
var ErrJournalDegraded = errors.New("journal degraded to memory-only mode")

// #region async-config

// AsyncConfig tunes the decoupling queue between the decision path and disk.
type AsyncConfig struct {
	// QueueDepth bounds the handoff queue.
	QueueDepth int

	// EnqueueDeadline is how long Enqueue may block on a saturated queue
	// before the journal degrades. Decision latency must never be gated by
	// disk I/O beyond this bound.
	EnqueueDeadline time.Duration

	// Bounded backoff for failed writes before giving up on disk.
	RetryAttempts int
	RetryBackoff  time.Duration
}

// DefaultAsyncConfig returns the standard queue parameters.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueDepth:      256,
		EnqueueDeadline: 50 * time.Millisecond,
		RetryAttempts:   5,
		RetryBackoff:    20 * time.Millisecond,
	}
}

// #endregion async-config

// #region async-writer

type record struct {
	entryType EntryType
	payload   []byte
	now       time.Time
}

// AsyncWriter decouples journal appends from the per-frame decision path via
// a bounded queue. When the queue saturates past the deadline, or disk
// writes keep failing past the retry budget, it degrades to memory-only mode
// and raises a critical audit event; capture continues uninterrupted.
type AsyncWriter struct {
	w      *Writer
	config AsyncConfig
	logger *slog.Logger

	ch       chan record
	done     chan struct{}
	wg       sync.WaitGroup
	degraded atomic.Bool

	mu      sync.Mutex
	memOnly []Entry // entries accepted after degradation, kept for inspection
	memSeq  uint64

	onCritical func(kind, detail string)
}

// NewAsyncWriter starts the background drain goroutine. onCritical is
// invoked (once per degradation) from the writer goroutine; it may be nil.
func NewAsyncWriter(w *Writer, config AsyncConfig, logger *slog.Logger, onCritical func(kind, detail string)) *AsyncWriter {
	if logger == nil {
		logger = slog.Default()
	}
	aw := &AsyncWriter{
		w:          w,
		config:     config,
		logger:     logger,
		ch:         make(chan record, config.QueueDepth),
		done:       make(chan struct{}),
		onCritical: onCritical,
	}
	aw.wg.Add(1)
	go aw.drain()
	return aw
}

// Degraded reports whether the journal is in memory-only mode.
func (aw *AsyncWriter) Degraded() bool { return aw.degraded.Load() }

// Enqueue hands an entry to the background writer. It blocks at most
// EnqueueDeadline on a saturated queue, then degrades.
func (aw *AsyncWriter) Enqueue(entryType EntryType, payload []byte) error {
	rec := record{entryType: entryType, payload: payload, now: time.Now()}

	if aw.degraded.Load() {
		aw.keepInMemory(rec)
		return ErrJournalDegraded
	}

	select {
	case aw.ch <- rec:
		return nil
	default:
	}

	timer := time.NewTimer(aw.config.EnqueueDeadline)
	defer timer.Stop()
	select {
	case aw.ch <- rec:
		return nil
	case <-timer.C:
		aw.degrade("journal queue saturated past enqueue deadline")
		aw.keepInMemory(rec)
		return ErrJournalDegraded
	}
}

// MemoryEntries returns the entries accepted after degradation.
func (aw *AsyncWriter) MemoryEntries() []Entry {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	out := make([]Entry, len(aw.memOnly))
	copy(out, aw.memOnly)
	return out
}

// Close drains the queue and closes the underlying writer.
func (aw *AsyncWriter) Close() error {
	close(aw.done)
	aw.wg.Wait()
	return aw.w.Close()
}

// #endregion async-writer

// #region drain

func (aw *AsyncWriter) drain() {
	defer aw.wg.Done()
	for {
		select {
		case rec := <-aw.ch:
			aw.write(rec)
		case <-aw.done:
			// Flush whatever is still queued before shutdown.
			for {
				select {
				case rec := <-aw.ch:
					aw.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (aw *AsyncWriter) write(rec record) {
	if aw.degraded.Load() {
		aw.keepInMemory(rec)
		return
	}

	var err error
	backoff := aw.config.RetryBackoff
	for attempt := 0; attempt <= aw.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		if _, err = aw.w.Append(rec.entryType, rec.payload, rec.now); err == nil {
			return
		}
	}

	aw.degrade("journal write failed past retry budget: " + err.Error())
	aw.keepInMemory(rec)
}

func (aw *AsyncWriter) degrade(detail string) {
	if aw.degraded.Swap(true) {
		return
	}
	aw.logger.Error("journal degraded to memory-only mode", "detail", detail)
	if aw.onCritical != nil {
		aw.onCritical("journal_degraded", detail)
	}
}

func (aw *AsyncWriter) keepInMemory(rec record) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	// Memory-relative sequence: the disk seq is owned by the drain goroutine.
	aw.memSeq++
	aw.memOnly = append(aw.memOnly, Entry{
		Seq:         aw.memSeq,
		TimestampNs: rec.now.UnixNano(),
		Type:        rec.entryType,
		Payload:     rec.payload,
	})
}

// #endregion drain
