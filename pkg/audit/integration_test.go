//go:build integration

package audit

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestWriterAgainstRealPostgres exercises AppendAdmission/AppendAnchor
// and their List counterparts against a real database, the way the
// rest of this codebase's storage layers are integration-tested.
// Run with: go test -tags=integration -timeout 120s ./pkg/audit/...
func TestWriterAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := createAuditSchema(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	defer pool.Close()

	w := &Writer{DB: pool, Redact: true, HashSalt: []byte("test-salt")}

	admission := AdmissionRecord{
		DecisionID: "dec-1",
		User:       "0xuser",
		Agent:      "0xagent",
		Method:     "aegis_sendTransaction",
		AmountWei:  "1000",
		Verdict:    "ALLOW",
		ReasonCode: "OK",
		CreatedAt:  time.Now().UTC(),
	}
	if err := w.AppendAdmission(ctx, admission); err != nil {
		t.Fatalf("append admission: %v", err)
	}

	anchor := AnchorRecord{
		AttemptID: "att-1",
		User:      "0xuser",
		Agent:     "0xagent",
		TxHash:    "0xdeadbeef",
		AmountWei: "1000",
		Outcome:   "anchored",
		CreatedAt: time.Now().UTC(),
	}
	if err := w.AppendAnchor(ctx, anchor); err != nil {
		t.Fatalf("append anchor: %v", err)
	}

	decisions, err := w.ListAdmissions(ctx, 10)
	if err != nil {
		t.Fatalf("list admissions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 admission row, got %d", len(decisions))
	}
	if decisions[0].User == admission.User {
		t.Fatal("expected redaction to hash the stored identity, not store it plaintext")
	}

	attempts, err := w.ListAnchorAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("list anchor attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].TxHash != anchor.TxHash {
		t.Fatalf("unexpected anchor attempts: %+v", attempts)
	}
}

func createAuditSchema(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS admission_decisions (
		decision_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		method TEXT NOT NULL,
		amount_wei TEXT NOT NULL,
		verdict TEXT NOT NULL,
		reason_code TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS anchor_attempts (
		attempt_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		amount_wei TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
