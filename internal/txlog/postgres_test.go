package txlog

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/txfabric/coordinator/pkg/snowflake"
)

func newTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ids, err := snowflake.New(0)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	return NewPostgresStore(db, ids), mock
}

func TestPostgresStore_Append(t *testing.T) {
	store, mock := newTestStore(t)

	query := regexp.QuoteMeta(`
		INSERT INTO tx_log (record_id, tx_id, phase, participants, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5)
	`)
	mock.ExpectExec(query).
		WithArgs(sqlmock.AnyArg(), "tx-1", "PREPARE_START", `["orders-db","session-cache"]`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &Record{
		TxID:         "tx-1",
		Phase:        PhasePrepareStart,
		Participants: []string{"orders-db", "session-cache"},
	}
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.RecordID == 0 {
		t.Fatal("expected record ID to be assigned")
	}
	if rec.TimestampMs == 0 {
		t.Fatal("expected timestamp to be assigned")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStore_PendingGroupsByTx(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"record_id", "tx_id", "phase", "participants", "timestamp_ms"}).
		AddRow(1, "tx-1", "PREPARE_START", `["orders-db"]`, 100).
		AddRow(2, "tx-1", "ALL_PREPARED", "", 101).
		AddRow(3, "tx-1", "COMMIT_DECISION", "", 102).
		AddRow(4, "tx-2", "PREPARE_START", `["session-cache"]`, 103)

	mock.ExpectQuery("SELECT record_id, tx_id, phase, participants, timestamp_ms").
		WithArgs("PHASE2_COMPLETE").
		WillReturnRows(rows)

	histories, err := store.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(histories) != 2 {
		t.Fatalf("expected 2 histories, got %d", len(histories))
	}

	first := histories[0]
	if first.TxID != "tx-1" || len(first.Records) != 3 {
		t.Fatalf("tx-1 history = %+v", first)
	}
	phase, ok := first.DecisionPhase()
	if !ok || phase != PhaseCommitDecision {
		t.Fatalf("tx-1 decision = %v %v", phase, ok)
	}
	participants, ok := first.Participants()
	if !ok || len(participants) != 1 || participants[0] != "orders-db" {
		t.Fatalf("tx-1 participants = %v %v", participants, ok)
	}

	second := histories[1]
	if _, ok := second.DecisionPhase(); ok {
		t.Fatal("tx-2 should have no decision")
	}
}

func TestPostgresStore_PendingRejectsUnknownPhase(t *testing.T) {
	store, mock := newTestStore(t)

	rows := sqlmock.NewRows([]string{"record_id", "tx_id", "phase", "participants", "timestamp_ms"}).
		AddRow(1, "tx-1", "GARBAGE", "", 100)

	mock.ExpectQuery("SELECT record_id, tx_id, phase, participants, timestamp_ms").
		WithArgs("PHASE2_COMPLETE").
		WillReturnRows(rows)

	_, err := store.Pending(context.Background())
	if err == nil {
		t.Fatal("expected corruption error")
	}
}

func TestPostgresStore_Compact(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM tx_log").
		WithArgs("PHASE2_COMPLETE").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := store.Compact(context.Background())
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 removed, got %d", n)
	}
}

func TestPostgresStore_CompactRowsAffectedError(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM tx_log").
		WithArgs("PHASE2_COMPLETE").
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver does not report rows")))

	if _, err := store.Compact(context.Background()); err == nil {
		t.Fatal("expected rows-affected error to surface")
	}
}
