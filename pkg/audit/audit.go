// Package audit appends one row per admission decision and per anchor
// attempt to Postgres, giving the structured log line spec.md asks for
// a queryable backing store as well. Adapted from the teacher's
// decision-audit writer; the schema and redaction target are AEGIS's
// own (identity + amount), not the teacher's intent/cert pair.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends admission and anchor records to Postgres. HashSalt
// and Redact mirror the teacher's writer: when Redact is set, the
// identity fields are stored hashed rather than plaintext.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// AdmissionRecord is one row in admission_decisions.
type AdmissionRecord struct {
	DecisionID string
	User       string
	Agent      string
	Method     string
	AmountWei  string
	Verdict    string
	ReasonCode string
	CreatedAt  time.Time
}

// AnchorRecord is one row in anchor_attempts.
type AnchorRecord struct {
	AttemptID string
	User      string
	Agent     string
	TxHash    string
	AmountWei string
	Outcome   string
	Error     string
	CreatedAt time.Time
}

func (w *Writer) AppendAdmission(ctx context.Context, rec AdmissionRecord) error {
	if w.Redact {
		rec.User = hashString(rec.User, w.HashSalt)
		rec.Agent = hashString(rec.Agent, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admission_decisions
		(decision_id, user_id, agent_id, method, amount_wei, verdict, reason_code, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.DecisionID, rec.User, rec.Agent, rec.Method, rec.AmountWei, rec.Verdict, rec.ReasonCode, rec.CreatedAt)
	return err
}

func (w *Writer) AppendAnchor(ctx context.Context, rec AnchorRecord) error {
	if w.Redact {
		rec.User = hashString(rec.User, w.HashSalt)
		rec.Agent = hashString(rec.Agent, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO anchor_attempts
		(attempt_id, user_id, agent_id, tx_hash, amount_wei, outcome, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.AttemptID, rec.User, rec.Agent, rec.TxHash, rec.AmountWei, rec.Outcome, rec.Error, rec.CreatedAt)
	return err
}

// ListAdmissions backs the /admin/decisions endpoint: most recent
// first, capped at limit.
func (w *Writer) ListAdmissions(ctx context.Context, limit int) ([]AdmissionRecord, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT decision_id, user_id, agent_id, method, amount_wei, verdict, reason_code, created_at
		FROM admission_decisions ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AdmissionRecord
	for rows.Next() {
		var rec AdmissionRecord
		if err := rows.Scan(&rec.DecisionID, &rec.User, &rec.Agent, &rec.Method, &rec.AmountWei, &rec.Verdict, &rec.ReasonCode, &rec.CreatedAt); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAnchorAttempts backs the /admin/anchor/attempts endpoint.
func (w *Writer) ListAnchorAttempts(ctx context.Context, limit int) ([]AnchorRecord, error) {
	rows, err := w.DB.Query(ctx, `
		SELECT attempt_id, user_id, agent_id, tx_hash, amount_wei, outcome, error, created_at
		FROM anchor_attempts ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AnchorRecord
	for rows.Next() {
		var rec AnchorRecord
		if err := rows.Scan(&rec.AttemptID, &rec.User, &rec.Agent, &rec.TxHash, &rec.AmountWei, &rec.Outcome, &rec.Error, &rec.CreatedAt); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
