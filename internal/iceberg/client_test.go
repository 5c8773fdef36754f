package iceberg

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
)

// fakeDB is a minimal in-memory stand-in for *sql.DB used to exercise
// Client's SQL-sequencing logic without a live DuckDB connection.
type fakeDB struct {
	execs      []string
	execErr    map[string]error // substring -> error to return
	maxOffset  sql.NullInt64
	queryErr   error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	for substr, err := range f.execErr {
		if containsSubstr(query, substr) {
			return nil, err
		}
	}
	return nil, nil
}

func (f *fakeDB) QueryRowContext(_ context.Context, _ string, _ ...any) *sql.Row {
	// database/sql.Row cannot be constructed directly outside the package,
	// so MaxOffset is not exercised by these tests; this stub is kept to
	// satisfy the DB interface for Commit-path tests.
	return nil
}

func (f *fakeDB) Close() error { return nil }

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestClient_Commit_Success(t *testing.T) {
	fdb := &fakeDB{execErr: map[string]error{}}
	c := &Client{db: fdb, tableName: "logs", logger: zap.NewNop()}

	if err := c.Commit(context.Background(), "local_buffer_0"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fdb.execs) != 2 {
		t.Fatalf("expected 2 statements (insert, delete), got %d: %v", len(fdb.execs), fdb.execs)
	}
}

func TestClient_Commit_ConflictIsRetryable(t *testing.T) {
	fdb := &fakeDB{execErr: map[string]error{"INSERT INTO": errors.New("CommitFailedException: concurrent write detected")}}
	c := &Client{db: fdb, tableName: "logs", logger: zap.NewNop()}

	err := c.Commit(context.Background(), "local_buffer_0")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !apperrors.Is(err, apperrors.KindCommitConflict) {
		t.Errorf("expected KindCommitConflict, got %v", err)
	}
	if !apperrors.Retryable(err) {
		t.Errorf("expected conflict error to be retryable")
	}
}

func TestClient_Commit_FatalSchemaError(t *testing.T) {
	fdb := &fakeDB{execErr: map[string]error{"INSERT INTO": errors.New("binder error: column type mismatch")}}
	c := &Client{db: fdb, tableName: "logs", logger: zap.NewNop()}

	err := c.Commit(context.Background(), "local_buffer_0")
	if !apperrors.Is(err, apperrors.KindIcebergFatal) {
		t.Errorf("expected KindIcebergFatal, got %v", err)
	}
	if apperrors.Retryable(err) {
		t.Errorf("fatal errors must not be reported as retryable")
	}
}

func TestSchemaNeedsUpdate_NoChangeWhenIdentical(t *testing.T) {
	schema, err := targetSchema()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changed, err := schemaNeedsUpdate(schema, schema, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Errorf("expected no change when current and desired are identical")
	}
}

func TestSchemaNeedsUpdate_DisallowedWhenWideningOff(t *testing.T) {
	schema, _ := targetSchema()
	changed, err := schemaNeedsUpdate(schema, schema, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if changed {
		t.Errorf("expected no change reported when widening is disabled")
	}
}

func TestFormatAttributesMap_Empty(t *testing.T) {
	if got := formatAttributesMap(nil); got != "MAP([], [])" {
		t.Errorf("expected empty map literal, got %q", got)
	}
}

func TestEscapeSQLString(t *testing.T) {
	got := escapeSQLString(`it's a "test"\path`)
	want := `it''s a "test"\\path`
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
