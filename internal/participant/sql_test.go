package participant

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLResource_Stage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	res := NewSQLResource("orders-db", db)

	query := regexp.QuoteMeta(`
		INSERT INTO txres_staged (resource_id, tx_id, k, v)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id, tx_id, k) DO UPDATE SET v = EXCLUDED.v
	`)
	mock.ExpectExec(query).
		WithArgs("orders-db", "tx-1", "order:42", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := res.Stage(context.Background(), "tx-1", "order:42", "pending"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLResource_PrepareVotesYes(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	res := NewSQLResource("orders-db", db)

	query := regexp.QuoteMeta(`
		INSERT INTO txres_prepared (resource_id, tx_id)
		VALUES ($1, $2)
		ON CONFLICT (resource_id, tx_id) DO NOTHING
	`)
	mock.ExpectExec(query).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	vote, err := res.Prepare(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if vote != VoteYes {
		t.Fatalf("vote = %s, want YES", vote)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLResource_PrepareErrorVotesNo(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	res := NewSQLResource("orders-db", db)

	mock.ExpectExec("INSERT INTO txres_prepared").
		WillReturnError(context.DeadlineExceeded)

	vote, err := res.Prepare(context.Background(), "tx-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if vote != VoteNo {
		t.Fatalf("vote = %s, want NO", vote)
	}
}

func TestSQLResource_CommitAppliesStage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	res := NewSQLResource("orders-db", db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO txres_applied (resource_id, tx_id)
		VALUES ($1, $2)
		ON CONFLICT (resource_id, tx_id) DO NOTHING
	`)).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`
		INSERT INTO txres_kv (resource_id, k, v)
		SELECT resource_id, k, v FROM txres_staged
		WHERE resource_id = $1 AND tx_id = $2
		ON CONFLICT (resource_id, k) DO UPDATE SET v = EXCLUDED.v
	`)).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`
		DELETE FROM txres_staged WHERE resource_id = $1 AND tx_id = $2
	`)).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta(`
		DELETE FROM txres_prepared WHERE resource_id = $1 AND tx_id = $2
	`)).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := res.Commit(context.Background(), "tx-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLResource_CommitIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	res := NewSQLResource("orders-db", db)

	// Tombstone already present: the apply statements must not run.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO txres_applied").
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	if err := res.Commit(context.Background(), "tx-1"); err != nil {
		t.Fatalf("second commit should be a no-op, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLResource_RollbackDiscardsStage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	res := NewSQLResource("orders-db", db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`
		DELETE FROM txres_staged WHERE resource_id = $1 AND tx_id = $2
	`)).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`
		DELETE FROM txres_prepared WHERE resource_id = $1 AND tx_id = $2
	`)).
		WithArgs("orders-db", "tx-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := res.Rollback(context.Background(), "tx-1"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
