//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/paysentinel/internal/payment"
)

// TestContainerRoundTrip exercises the full postgres path against a throwaway
// database so it needs Docker but no preprovisioned POSTGRES_URL.
func TestContainerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("paysentinel_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Minute)

	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	led := New(store)

	// Record a small history and drive one transaction through its lifecycle.
	first, err := payment.New(payment.Input{
		AgentID:   "agent-ctr",
		Recipient: "api.example.com",
		Amount:    0.75,
		Currency:  "USDC",
		Purpose:   "container test",
		Protocol:  payment.ProtocolX402,
	})
	if err != nil {
		t.Fatalf("New transaction failed: %v", err)
	}
	if err := led.Record(ctx, first); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	second, err := payment.New(payment.Input{
		AgentID:   "agent-ctr",
		Recipient: "llm.example.com",
		Amount:    3.00,
		Currency:  "USDC",
		Purpose:   "container test",
	})
	if err != nil {
		t.Fatalf("New transaction failed: %v", err)
	}
	if err := led.Record(ctx, second); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	for _, status := range []payment.Status{
		payment.StatusApproved,
		payment.StatusExecuting,
		payment.StatusCompleted,
	} {
		if err := first.UpdateStatus(status); err != nil {
			t.Fatalf("UpdateStatus(%s) failed: %v", status, err)
		}
	}
	first.ProtocolTxID = "0xc0ffee"
	if err := led.Record(ctx, first); err != nil {
		t.Fatalf("Re-record failed: %v", err)
	}

	n, err := led.Size(ctx)
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 transactions, got %d", n)
	}

	got, err := led.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != payment.StatusCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	if got.ProtocolTxID != "0xc0ffee" {
		t.Errorf("Expected protocol tx id to persist, got %s", got.ProtocolTxID)
	}

	txs, err := led.Query(ctx, Filter{AgentID: "agent-ctr", Status: payment.StatusCompleted})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != first.ID {
		t.Errorf("Expected the completed transaction only, got %d results", len(txs))
	}
}
