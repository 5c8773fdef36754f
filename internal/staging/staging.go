// Package staging implements the per-partition local buffer table that
// PartitionWorker inserts into between Iceberg commits.
package staging

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
	"github.com/coffersTech/nanolog/server/internal/model"
	"github.com/coffersTech/nanolog/server/internal/rowsql"
)

// DB is the subset of *sql.DB the staging store needs; satisfied by the same
// shared DuckDB connection the iceberg.Client uses, and by an in-memory fake
// in tests.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is one partition's local buffer table. It is exclusively owned by
// the worker that created it: no cross-worker sharing, per §5.
type Store struct {
	db        DB
	tableName string
	logger    *zap.Logger
}

// New returns a Store for the given partition, named deterministically so
// concurrent workers never collide on a table name.
func New(db DB, partition int32, logger *zap.Logger) *Store {
	return &Store{
		db:        db,
		tableName: fmt.Sprintf("local_buffer_%d", partition),
		logger:    logger,
	}
}

// TableName returns this store's underlying local table name.
func (s *Store) TableName() string { return s.tableName }

// Create idempotently creates the staging table with the exact §3 column
// set. Called once at worker start.
func (s *Store) Create(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, rowsql.CreateTableSQL(s.tableName)); err != nil {
		return apperrors.New(apperrors.KindStagingFailure, "staging.Create", err)
	}
	return nil
}

// Insert batch-inserts records as a single statement. The caller
// pre-batches into chunks of a few thousand records for throughput.
func (s *Store) Insert(ctx context.Context, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, rowsql.BuildInsertSQL(s.tableName, records)); err != nil {
		return apperrors.New(apperrors.KindStagingFailure, "staging.Insert", err)
	}
	return nil
}

// Clear truncates the staging table after a successful Iceberg commit.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s;", s.tableName)); err != nil {
		return apperrors.New(apperrors.KindStagingFailure, "staging.Clear", err)
	}
	return nil
}

// Drop removes the staging table entirely. Called on worker stop.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s;", s.tableName)); err != nil {
		return apperrors.New(apperrors.KindStagingFailure, "staging.Drop", err)
	}
	return nil
}

// SizeBytesEstimate returns a cheap upper bound on records' footprint,
// used only to decide when to flush.
func SizeBytesEstimate(records []model.LogRecord) int64 {
	return rowsql.EstimateRecordsSize(records)
}
