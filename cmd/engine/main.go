package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/config"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/engine"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/replay"
)

// #region main

func main() {
	framesPath := flag.String("frames", "-", "JSONL frame stream ('-' for stdin)")
	flag.Parse()

	cfg, level, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	session, err := engine.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	in, err := openFrames(*framesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "frames: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()

	// SIGINT/SIGTERM stop the loop; the deferred Close snapshots final state.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, session, in, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func openFrames(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// #endregion main

// #region loop

// decisionLine is the per-frame output record.
type decisionLine struct {
	FrameID     uint64  `json:"frame_id"`
	PolicyID    string  `json:"policy_id"`
	Disposition string  `json:"disposition"`
	Ledger      string  `json:"ledger"`
	Keyframe    string  `json:"keyframe"`
	Composite   float64 `json:"composite"`
	State       string  `json:"state"`
	Rate        float64 `json:"rate_multiplier"`
	InputsHash  string  `json:"inputs_hash"`
	Degraded    bool    `json:"journal_degraded,omitempty"`
}

// run processes one frame per input line and emits one decision per line.
func run(ctx context.Context, session *engine.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame replay.Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return fmt.Errorf("parse frame: %w", err)
		}

		res, err := session.ProcessFrame(toInput(frame))
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame.FrameID, err)
		}
		if err := enc.Encode(decisionLine{
			FrameID:     frame.FrameID,
			PolicyID:    string(res.Decision.PolicyID),
			Disposition: res.Decision.Disposition.String(),
			Ledger:      string(res.Decision.Ledger),
			Keyframe:    string(res.Decision.Keyframe),
			Composite:   res.Quality.Composite,
			State:       session.CurrentState().String(),
			Rate:        res.Rate.FinalMultiplier,
			InputsHash:  res.Proof.InputsHash,
			Degraded:    res.JournalDegraded,
		}); err != nil {
			return fmt.Errorf("write decision: %w", err)
		}
	}
	return scanner.Err()
}

func toInput(f replay.Frame) engine.FrameInput {
	return replay.ToInput(f, time.Now())
}

// #endregion loop
