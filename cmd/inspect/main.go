package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/audit"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/journal"
	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/snapshot"
)

// #region main

func main() {
	dataDir := flag.String("data", "", "session data dir")
	mode := flag.String("mode", "journal", "what to dump: journal | snapshot | proofs | events | transitions")
	frame := flag.Uint64("frame", 0, "frame id for proof lookup (proofs mode)")
	last := flag.Int("last", 20, "show N most recent rows")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dataDir == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --data path/to/session [--mode journal|snapshot|proofs|events|transitions] [--frame N] [--last N] [--json]")
		os.Exit(2)
	}

	var err error
	switch *mode {
	case "journal":
		err = runJournal(*dataDir, *last, *jsonOut)
	case "snapshot":
		err = runSnapshot(*dataDir, *jsonOut)
	case "proofs":
		err = runProofs(*dataDir, *frame, *jsonOut)
	case "events":
		err = runEvents(*dataDir, *last, *jsonOut)
	case "transitions":
		err = runTransitions(*dataDir, *last, *jsonOut)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region journal-mode

type journalRow struct {
	Seq         uint64 `json:"seq"`
	Type        string `json:"type"`
	Timestamp   string `json:"timestamp"`
	PayloadSize int    `json:"payload_size"`
	Payload     string `json:"payload,omitempty"`
}

func runJournal(dataDir string, last int, jsonOut bool) error {
	path := filepath.Join(dataDir, "journal.wal")
	summary, err := journal.Recover(path)
	if err != nil {
		return err
	}
	entries, err := journal.ReadAll(path)
	if err != nil {
		return err
	}
	if len(entries) > last {
		entries = entries[len(entries)-last:]
	}

	rows := make([]journalRow, len(entries))
	for i, e := range entries {
		row := journalRow{
			Seq:         e.Seq,
			Type:        e.Type.String(),
			Timestamp:   time.Unix(0, e.TimestampNs).UTC().Format(time.RFC3339),
			PayloadSize: len(e.Payload),
		}
		if json.Valid(e.Payload) {
			row.Payload = string(e.Payload)
		}
		rows[i] = row
	}

	if jsonOut {
		return printJSON(struct {
			Status    string       `json:"status"`
			Recovered int          `json:"entries_recovered"`
			LastSeq   uint64       `json:"last_valid_seq"`
			Entries   []journalRow `json:"entries"`
		}{string(summary.Status), summary.EntriesRecovered, summary.LastValidSeq, rows})
	}

	fmt.Printf("Status:    %s\n", summary.Status)
	fmt.Printf("Recovered: %d entries (last seq %d)\n\n", summary.EntriesRecovered, summary.LastValidSeq)
	fmt.Printf("%-8s  %-14s  %-20s  %s\n", "Seq", "Type", "Time", "Bytes")
	for _, r := range rows {
		fmt.Printf("%-8d  %-14s  %-20s  %d\n", r.Seq, r.Type, r.Timestamp, r.PayloadSize)
	}
	return nil
}

// #endregion journal-mode

// #region snapshot-mode

func runSnapshot(dataDir string, jsonOut bool) error {
	store := snapshot.NewStore(filepath.Join(dataDir, "snapshots"), nil)
	state, meta, err := store.Load()
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(struct {
			Meta  snapshot.Meta `json:"meta"`
			Bytes int           `json:"state_bytes"`
		}{meta, len(state)})
	}

	fmt.Printf("Snapshot:  %s\n", meta.SnapshotID)
	fmt.Printf("Slot:      %s\n", meta.Slot)
	fmt.Printf("Sequence:  %d\n", meta.SequenceNumber)
	fmt.Printf("Taken:     %s\n", time.Unix(0, meta.TimestampNs).UTC().Format(time.RFC3339))
	fmt.Printf("Hash:      %s (%s)\n", meta.StateHash, meta.HashAlgo)
	fmt.Printf("State:     %d bytes\n", len(state))
	return nil
}

// #endregion snapshot-mode

// #region audit-modes

func openAudit(dataDir string) (*audit.Store, error) {
	return audit.NewStore(filepath.Join(dataDir, "audit.db"))
}

func runProofs(dataDir string, frame uint64, jsonOut bool) error {
	store, err := openAudit(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	proof, ok, err := store.LastProof(frame)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no proof recorded for frame %d", frame)
	}

	if jsonOut {
		return printJSON(proof)
	}
	fmt.Printf("Frame:      %d\n", proof.FrameID)
	fmt.Printf("Policy:     %s\n", proof.SelectedPolicyID)
	fmt.Printf("Hash:       %s\n", proof.InputsHash)
	fmt.Printf("Engine:     %s\n", proof.EngineVersion)
	fmt.Printf("Reasons:\n")
	for _, r := range proof.TopReasons {
		fmt.Printf("  %-28s %.3f\n", r.Reason, r.Score)
	}
	return nil
}

func runEvents(dataDir string, last int, jsonOut bool) error {
	store, err := openAudit(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	events, err := store.RecentEvents(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(events)
	}
	fmt.Printf("%-10s  %-24s  %-20s  %s\n", "Severity", "Kind", "Time", "Detail")
	for _, e := range events {
		fmt.Printf("%-10s  %-24s  %-20s  %s\n",
			e.Severity, e.Kind, e.CreatedAt.Format(time.RFC3339), e.Detail)
	}
	return nil
}

func runTransitions(dataDir string, last int, jsonOut bool) error {
	store, err := openAudit(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, err := store.Transitions(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-8s  %-14s  %-14s  %-16s  %s\n", "Frame", "From", "To", "Kind", "Reason")
	for _, r := range rows {
		fmt.Printf("%-8d  %-14s  %-14s  %-16s  %s\n",
			r.FrameID, r.FromState, r.ToState, r.Kind, r.Reason)
	}
	return nil
}

// #endregion audit-modes

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// #endregion output
