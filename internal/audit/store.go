package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/capture-arbiter/go-engine/internal/policy"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS policy_proofs (
	proof_id       TEXT PRIMARY KEY,
	frame_id       INTEGER NOT NULL,
	inputs_hash    TEXT NOT NULL,
	policy_id      TEXT NOT NULL,
	reasons_json   TEXT NOT NULL,
	engine_version TEXT NOT NULL,
	timestamp_ns   INTEGER NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_proofs_frame ON policy_proofs(frame_id);

CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	frame_id   INTEGER NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	reason     TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	severity   TEXT NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT,
	created_at TEXT NOT NULL
);
`

// #endregion schema

// #region types

// TransitionRow records one state machine movement.
type TransitionRow struct {
	FrameID   uint64
	FromState string
	ToState   string
	Kind      string
	Reason    string
	CreatedAt time.Time
}

// Event is an operational audit record (degradations, rate limits,
// protection downgrades, backlog discards).
type Event struct {
	Severity  string
	Kind      string
	Detail    string
	CreatedAt time.Time
}

const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

// #endregion types

// #region store

// Store indexes policy proofs, transitions and audit events in SQLite. The
// binary journal stays the authoritative history; this index serves the
// query surface and post-hoc audit.
type Store struct {
	db *sql.DB
}

// NewStore opens the audit database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion store

// #region proofs

// RecordProof indexes one policy proof.
func (s *Store) RecordProof(proof policy.Proof) error {
	reasonsJSON, err := json.Marshal(proof.TopReasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO policy_proofs (proof_id, frame_id, inputs_hash, policy_id, reasons_json, engine_version, timestamp_ns, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(),
		int64(proof.FrameID),
		proof.InputsHash,
		string(proof.SelectedPolicyID),
		string(reasonsJSON),
		proof.EngineVersion,
		proof.TimestampNs,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record proof: %w", err)
	}
	return nil
}

// LastProof returns the most recent proof for a frame, or (zero, false).
func (s *Store) LastProof(frameID uint64) (policy.Proof, bool, error) {
	var proof policy.Proof
	var policyID, reasonsJSON string
	var fid int64

	err := s.db.QueryRow(
		`SELECT frame_id, inputs_hash, policy_id, reasons_json, engine_version, timestamp_ns
		 FROM policy_proofs WHERE frame_id = ? ORDER BY timestamp_ns DESC LIMIT 1`,
		int64(frameID),
	).Scan(&fid, &proof.InputsHash, &policyID, &reasonsJSON, &proof.EngineVersion, &proof.TimestampNs)
	if err == sql.ErrNoRows {
		return policy.Proof{}, false, nil
	}
	if err != nil {
		return policy.Proof{}, false, fmt.Errorf("last proof %d: %w", frameID, err)
	}

	proof.FrameID = uint64(fid)
	proof.SelectedPolicyID = policy.ID(policyID)
	if err := json.Unmarshal([]byte(reasonsJSON), &proof.TopReasons); err != nil {
		return policy.Proof{}, false, fmt.Errorf("unmarshal reasons: %w", err)
	}
	return proof, true, nil
}

// #endregion proofs

// #region transitions

// RecordTransition indexes one state change.
func (s *Store) RecordTransition(row TransitionRow) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO transitions (frame_id, from_state, to_state, kind, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		int64(row.FrameID),
		row.FromState,
		row.ToState,
		row.Kind,
		nullIfEmpty(row.Reason),
		row.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// Transitions returns the most recent state changes, newest first.
func (s *Store) Transitions(limit int) ([]TransitionRow, error) {
	rows, err := s.db.Query(
		`SELECT frame_id, from_state, to_state, kind, COALESCE(reason, ''), created_at
		 FROM transitions ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var fid int64
		var createdStr string
		if err := rows.Scan(&fid, &r.FromState, &r.ToState, &r.Kind, &r.Reason, &createdStr); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		r.FrameID = uint64(fid)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, r)
	}
	return out, rows.Err()
}

// #endregion transitions

// #region events

// RecordEvent appends one operational audit event.
func (s *Store) RecordEvent(severity, kind, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (severity, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		severity, kind, nullIfEmpty(detail),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events first.
func (s *Store) RecentEvents(limit int) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT severity, kind, COALESCE(detail, ''), created_at
		 FROM audit_events ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var createdStr string
		if err := rows.Scan(&e.Severity, &e.Kind, &e.Detail, &createdStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion events

// #region helpers

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
