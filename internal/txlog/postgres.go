package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/txfabric/coordinator/pkg/snowflake"
)

// PostgresStore 基于 PostgreSQL 的事务日志存储
//
// Record IDs come from the snowflake generator so per-transaction append
// order is recoverable by ordering on record_id.
type PostgresStore struct {
	db  *sql.DB
	ids *snowflake.Generator
}

func NewPostgresStore(db *sql.DB, ids *snowflake.Generator) *PostgresStore {
	return &PostgresStore{db: db, ids: ids}
}

// EnsureSchema 创建日志表
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tx_log
			(record_id BIGINT PRIMARY KEY,
			 tx_id TEXT NOT NULL,
			 phase TEXT NOT NULL,
			 participants TEXT NOT NULL DEFAULT '',
			 timestamp_ms BIGINT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS tx_log_tx_id_idx ON tx_log (tx_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	id, err := s.ids.Generate()
	if err != nil {
		return fmt.Errorf("generate record id: %w", err)
	}
	rec.RecordID = id
	if rec.TimestampMs == 0 {
		rec.TimestampMs = time.Now().UnixMilli()
	}

	var participants string
	if len(rec.Participants) > 0 {
		data, err := json.Marshal(rec.Participants)
		if err != nil {
			return fmt.Errorf("marshal participants: %w", err)
		}
		participants = string(data)
	}

	query := `
		INSERT INTO tx_log (record_id, tx_id, phase, participants, timestamp_ms)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.RecordID, rec.TxID, string(rec.Phase), participants, rec.TimestampMs,
	); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Pending(ctx context.Context) ([]*TxHistory, error) {
	query := `
		SELECT record_id, tx_id, phase, participants, timestamp_ms
		FROM tx_log
		WHERE tx_id NOT IN (SELECT tx_id FROM tx_log WHERE phase = $1)
		ORDER BY tx_id, record_id
	`
	rows, err := s.db.QueryContext(ctx, query, string(PhasePhase2Complete))
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var (
		histories []*TxHistory
		current   *TxHistory
	)
	for rows.Next() {
		var (
			rec          Record
			phase        string
			participants string
		)
		if err := rows.Scan(&rec.RecordID, &rec.TxID, &phase, &participants, &rec.TimestampMs); err != nil {
			return nil, fmt.Errorf("%w: scan record: %v", ErrCorrupted, err)
		}
		rec.Phase = Phase(phase)
		if !ValidPhase(rec.Phase) {
			return nil, fmt.Errorf("%w: unknown phase %q for tx %s", ErrCorrupted, phase, rec.TxID)
		}
		if participants != "" {
			if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
				return nil, fmt.Errorf("%w: participants of tx %s: %v", ErrCorrupted, rec.TxID, err)
			}
		}

		if current == nil || current.TxID != rec.TxID {
			current = &TxHistory{TxID: rec.TxID}
			histories = append(histories, current)
		}
		current.Records = append(current.Records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read pending: %v", ErrCorrupted, err)
	}
	return histories, nil
}

func (s *PostgresStore) Compact(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM tx_log
		WHERE tx_id IN (SELECT tx_id FROM tx_log WHERE phase = $1)
	`
	res, err := s.db.ExecContext(ctx, query, string(PhasePhase2Complete))
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact: rows affected: %w", err)
	}
	return n, nil
}
