// Package iceberg owns the shared DuckDB-backed handle to the attached
// Iceberg catalog: extension loading, storage credentials, table creation,
// the two-statement commit, and the max-offset recovery query.
package iceberg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb/v2"
	icebergo "github.com/apache/iceberg-go"
	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
	"github.com/coffersTech/nanolog/server/internal/config"
	"github.com/coffersTech/nanolog/server/internal/staging"
)

// DB is the subset of *sql.DB used by the client. Declaring it as an
// interface lets tests substitute an in-memory fake instead of a live
// DuckDB connection.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

const catalogAlias = "iceberg_catalog"
const namespace = "default"

// Client is the process-lifetime singleton responsible for every Iceberg
// interaction. Concurrent commits are serialized behind mu because the
// underlying engine treats them as writes against one shared connection.
type Client struct {
	mu        sync.Mutex
	db        DB
	tableName string
	ready     bool
	logger    *zap.Logger
}

// Open initializes the execution engine: loads httpfs/iceberg extensions,
// configures S3 credentials, attaches the catalog, ensures the namespace
// and target table exist, and (when allowWidening is set) builds the
// iceberg-go target schema. The live table's schema is not read, compared
// or altered.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	sqlDB, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "iceberg.Open", err)
	}

	c := &Client{db: sqlDB, tableName: cfg.IcebergTableName, logger: logger}

	if err := c.loadExtensions(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := c.configureStorage(ctx, cfg); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := c.ensureTable(ctx, cfg.IcebergAllowWidening); err != nil {
		sqlDB.Close()
		return nil, err
	}

	c.ready = true
	return c, nil
}

// Ready reports whether catalog attach and table creation both succeeded,
// i.e. whether the admin surface's readiness probe should report healthy.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// FullTableName returns <catalog>.<namespace>.<tableName>.
func (c *Client) FullTableName() string {
	return fmt.Sprintf("%s.%s.%s", catalogAlias, namespace, c.tableName)
}

// SharedDB exposes the process-lifetime DuckDB connection so staging stores
// can issue their own statements against it, per §4.3's "implementations
// may share the connection with a mutex" contract. Staging statements don't
// touch the Iceberg table, so they need no serialization against Commit.
func (c *Client) SharedDB() staging.DB {
	return c.db
}

func (c *Client) loadExtensions(ctx context.Context) error {
	stmts := []string{
		"SET home_directory='/tmp';",
		"INSTALL httpfs;",
		"LOAD httpfs;",
		"INSTALL iceberg;",
		"LOAD iceberg;",
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.New(apperrors.KindConfigInvalid, "iceberg.loadExtensions", err)
		}
	}
	return nil
}

func (c *Client) configureStorage(ctx context.Context, cfg *config.Config) error {
	stmts := []string{
		fmt.Sprintf("SET s3_endpoint='%s';", escapeSQLString(cfg.S3Endpoint)),
		fmt.Sprintf("SET s3_access_key_id='%s';", escapeSQLString(cfg.S3AccessKey)),
		fmt.Sprintf("SET s3_secret_access_key='%s';", escapeSQLString(cfg.S3SecretKey)),
		"SET s3_region='us-east-1';",
		"SET s3_url_style='path';",
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return apperrors.New(apperrors.KindConfigInvalid, "iceberg.configureStorage", err)
		}
	}

	attach := fmt.Sprintf(
		"ATTACH '' AS %s (TYPE ICEBERG, ENDPOINT '%s', AUTHORIZATION_TYPE 'none');",
		catalogAlias, escapeSQLString(cfg.IcebergCatalogURI),
	)
	if _, err := c.db.ExecContext(ctx, attach); err != nil {
		return apperrors.New(apperrors.KindConfigInvalid, "iceberg.configureStorage", fmt.Errorf("attach catalog: %w", err))
	}
	return nil
}

func (c *Client) ensureTable(ctx context.Context, allowWidening bool) error {
	nsStmt := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s;", catalogAlias, namespace)
	if _, err := c.db.ExecContext(ctx, nsStmt); err != nil {
		c.logger.Warn("could not create namespace, continuing", zap.Error(err))
	}

	if _, err := c.db.ExecContext(ctx, createTableSQL(c.FullTableName())); err != nil {
		return apperrors.New(apperrors.KindIcebergFatal, "iceberg.ensureTable", err)
	}

	if allowWidening {
		if _, err := targetSchema(); err != nil {
			return apperrors.New(apperrors.KindConfigInvalid, "iceberg.ensureTable", err)
		}
		// No column widening is performed against the live catalog's schema.
		// targetSchema() currently always returns a nil error, so this check
		// does not reject anything.
	}

	return nil
}

// targetSchema builds the iceberg-go schema for the scalar columns of the
// table; the attributes map column is not included, and the schema is not
// compared with the DDL from rowsql.ColumnDDL. It is the desired-side input
// for schemaNeedsUpdate.
func targetSchema() (*icebergo.Schema, error) {
	return icebergo.NewSchema(0,
		icebergo.NestedField{ID: 1, Name: "_kafka_topic", Type: icebergo.PrimitiveTypes.String, Required: true},
		icebergo.NestedField{ID: 2, Name: "_kafka_partition", Type: icebergo.PrimitiveTypes.Int32, Required: true},
		icebergo.NestedField{ID: 3, Name: "_kafka_offset", Type: icebergo.PrimitiveTypes.Int64, Required: true},
		icebergo.NestedField{ID: 4, Name: "timestamp", Type: icebergo.PrimitiveTypes.Timestamp, Required: false},
		icebergo.NestedField{ID: 5, Name: "severity", Type: icebergo.PrimitiveTypes.String, Required: false},
		icebergo.NestedField{ID: 6, Name: "body", Type: icebergo.PrimitiveTypes.String, Required: false},
		icebergo.NestedField{ID: 7, Name: "trace_id", Type: icebergo.PrimitiveTypes.String, Required: false},
		icebergo.NestedField{ID: 8, Name: "span_id", Type: icebergo.PrimitiveTypes.String, Required: false},
		icebergo.NestedField{ID: 9, Name: "service_name", Type: icebergo.PrimitiveTypes.String, Required: false},
		icebergo.NestedField{ID: 10, Name: "deployment_environment", Type: icebergo.PrimitiveTypes.String, Required: false},
		icebergo.NestedField{ID: 11, Name: "host_name", Type: icebergo.PrimitiveTypes.String, Required: false},
	), nil
}

// schemaNeedsUpdate reports whether desired widens current. With
// allowWidening false it reports false without comparing. Otherwise each
// field of desired is looked up in current: a field absent from current, or
// one whose type widens (int32 to int64, float32 to float64), marks an
// update; any other type change is an error. Fields present only in current
// are not examined.
func schemaNeedsUpdate(current, desired *icebergo.Schema, allowWidening bool) (bool, error) {
	if current == nil || desired == nil {
		return false, fmt.Errorf("iceberg: nil schema")
	}
	if !allowWidening {
		return false, nil
	}
	changed := false
	for _, df := range desired.Fields() {
		cf, ok := current.FindFieldByName(df.Name)
		if !ok {
			changed = true
			continue
		}
		if cf.Type.Equals(df.Type) {
			continue
		}
		if !isWideningChange(cf.Type, df.Type) {
			return false, fmt.Errorf("iceberg: incompatible type change for %q: %s -> %s", df.Name, cf.Type, df.Type)
		}
		changed = true
	}
	return changed, nil
}

func isWideningChange(from, to icebergo.Type) bool {
	switch from {
	case icebergo.PrimitiveTypes.Int32:
		return to == icebergo.PrimitiveTypes.Int64
	case icebergo.PrimitiveTypes.Float32:
		return to == icebergo.PrimitiveTypes.Float64
	default:
		return false
	}
}

// Commit performs the two-statement write: INSERT INTO <iceberg> SELECT *
// FROM <staging>, then DELETE FROM <staging>. The engine cannot span a
// transaction across the attached catalog and the local in-process
// database, so these are genuinely two statements; callers rely on the
// offset-anchored recovery protocol for correctness, not on atomicity here.
func (c *Client) Commit(ctx context.Context, stagingTable string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	insertSQL := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s;", c.FullTableName(), stagingTable)
	if _, err := c.db.ExecContext(ctx, insertSQL); err != nil {
		return classifyCommitError(err)
	}

	deleteSQL := fmt.Sprintf("DELETE FROM %s;", stagingTable)
	if _, err := c.db.ExecContext(ctx, deleteSQL); err != nil {
		return classifyCommitError(err)
	}

	return nil
}

// classifyCommitError distinguishes a retryable metadata-version conflict
// from a fatal error (bad schema, revoked credentials, catalog
// unreachable). The driver surfaces both as plain errors, so classification
// is necessarily a best-effort substring match on the known conflict
// vocabulary of Iceberg REST catalogs.
func classifyCommitError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "conflict"),
		strings.Contains(msg, "concurrent"),
		strings.Contains(msg, "version mismatch"),
		strings.Contains(msg, "commitfailedexception"):
		return apperrors.New(apperrors.KindCommitConflict, "iceberg.Commit", err)
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "temporary failure"):
		return apperrors.New(apperrors.KindTransientNetwork, "iceberg.Commit", err)
	default:
		return apperrors.New(apperrors.KindIcebergFatal, "iceberg.Commit", err)
	}
}

// MaxOffset queries the highest _kafka_offset already persisted for
// (topic, partition). It must succeed against a fresh, empty table, in
// which case found is false.
func (c *Client) MaxOffset(ctx context.Context, topic string, partition int32) (offset int64, found bool, err error) {
	query := fmt.Sprintf(
		"SELECT MAX(_kafka_offset) FROM %s WHERE _kafka_topic = '%s' AND _kafka_partition = %d;",
		c.FullTableName(), escapeSQLString(topic), partition,
	)

	var raw sql.NullInt64
	row := c.db.QueryRowContext(ctx, query)
	if scanErr := row.Scan(&raw); scanErr != nil {
		return 0, false, apperrors.New(apperrors.KindTransientNetwork, "iceberg.MaxOffset", scanErr)
	}

	if !raw.Valid {
		return 0, false, nil
	}
	return raw.Int64, true, nil
}

// Close releases the underlying DuckDB connection.
func (c *Client) Close() error {
	return c.db.Close()
}
