package participant

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLResource adapts a PostgreSQL-backed key/value resource to the Client
// contract using a staging table.
//
// Application writes are staged per transaction. Prepare durably marks the
// transaction prepared; Commit applies the staged rows to the live table and
// records an idempotency tombstone; Rollback discards the stage. Commit and
// Rollback are safe to call repeatedly with the same txID.
type SQLResource struct {
	resourceID string
	db         *sql.DB
}

func NewSQLResource(resourceID string, db *sql.DB) *SQLResource {
	return &SQLResource{resourceID: resourceID, db: db}
}

func (r *SQLResource) ResourceID() string {
	return r.resourceID
}

// EnsureSchema 创建参与者所需的表
func (r *SQLResource) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS txres_staged
			(resource_id TEXT NOT NULL, tx_id TEXT NOT NULL, k TEXT NOT NULL, v TEXT NOT NULL,
			 PRIMARY KEY (resource_id, tx_id, k))`,
		`CREATE TABLE IF NOT EXISTS txres_prepared
			(resource_id TEXT NOT NULL, tx_id TEXT NOT NULL, PRIMARY KEY (resource_id, tx_id))`,
		`CREATE TABLE IF NOT EXISTS txres_applied
			(resource_id TEXT NOT NULL, tx_id TEXT NOT NULL, PRIMARY KEY (resource_id, tx_id))`,
		`CREATE TABLE IF NOT EXISTS txres_kv
			(resource_id TEXT NOT NULL, k TEXT NOT NULL, v TEXT NOT NULL,
			 PRIMARY KEY (resource_id, k))`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Stage records a pending write for txID. This is the application-facing
// work performed against the resource before commit is requested.
func (r *SQLResource) Stage(ctx context.Context, txID, key, value string) error {
	query := `
		INSERT INTO txres_staged (resource_id, tx_id, k, v)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id, tx_id, k) DO UPDATE SET v = EXCLUDED.v
	`
	if _, err := r.db.ExecContext(ctx, query, r.resourceID, txID, key, value); err != nil {
		return fmt.Errorf("stage write: %w", err)
	}
	return nil
}

func (r *SQLResource) Prepare(ctx context.Context, txID string) (Vote, error) {
	query := `
		INSERT INTO txres_prepared (resource_id, tx_id)
		VALUES ($1, $2)
		ON CONFLICT (resource_id, tx_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, r.resourceID, txID); err != nil {
		return VoteNo, fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}
	return VoteYes, nil
}

func (r *SQLResource) Commit(ctx context.Context, txID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Tombstone first: a second Commit for the same txID sees the conflict
	// and becomes a no-op.
	res, err := tx.ExecContext(ctx, `
		INSERT INTO txres_applied (resource_id, tx_id)
		VALUES ($1, $2)
		ON CONFLICT (resource_id, tx_id) DO NOTHING
	`, r.resourceID, txID)
	if err != nil {
		return fmt.Errorf("insert tombstone: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO txres_kv (resource_id, k, v)
		SELECT resource_id, k, v FROM txres_staged
		WHERE resource_id = $1 AND tx_id = $2
		ON CONFLICT (resource_id, k) DO UPDATE SET v = EXCLUDED.v
	`, r.resourceID, txID); err != nil {
		return fmt.Errorf("apply staged writes: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM txres_staged WHERE resource_id = $1 AND tx_id = $2
	`, r.resourceID, txID); err != nil {
		return fmt.Errorf("clear stage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM txres_prepared WHERE resource_id = $1 AND tx_id = $2
	`, r.resourceID, txID); err != nil {
		return fmt.Errorf("clear prepared marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *SQLResource) Rollback(ctx context.Context, txID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM txres_staged WHERE resource_id = $1 AND tx_id = $2
	`, r.resourceID, txID); err != nil {
		return fmt.Errorf("discard stage: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM txres_prepared WHERE resource_id = $1 AND tx_id = $2
	`, r.resourceID, txID); err != nil {
		return fmt.Errorf("clear prepared marker: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// Get 读取已提交状态（调试/测试用）
func (r *SQLResource) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx, `
		SELECT v FROM txres_kv WHERE resource_id = $1 AND k = $2
	`, r.resourceID, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query state: %w", err)
	}
	return v, nil
}
