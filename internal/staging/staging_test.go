package staging

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
	"github.com/coffersTech/nanolog/server/internal/model"
)

type fakeDB struct {
	execs   []string
	execErr error
}

func (f *fakeDB) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.execs = append(f.execs, query)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return nil, nil
}

func TestStore_Create(t *testing.T) {
	fdb := &fakeDB{}
	s := New(fdb, 3, zap.NewNop())

	if s.TableName() != "local_buffer_3" {
		t.Fatalf("unexpected table name: %s", s.TableName())
	}
	if err := s.Create(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fdb.execs) != 1 {
		t.Fatalf("expected one CREATE statement, got %d", len(fdb.execs))
	}
}

func TestStore_Insert_EmptyIsNoop(t *testing.T) {
	fdb := &fakeDB{}
	s := New(fdb, 0, zap.NewNop())

	if err := s.Insert(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fdb.execs) != 0 {
		t.Errorf("expected no statements for an empty batch, got %d", len(fdb.execs))
	}
}

func TestStore_Insert_WrapsFailureAsStagingKind(t *testing.T) {
	fdb := &fakeDB{execErr: errFake}
	s := New(fdb, 0, zap.NewNop())

	rec := model.LogRecord{KafkaTopic: "t", Timestamp: time.Now(), Body: "hi"}
	err := s.Insert(context.Background(), []model.LogRecord{rec})
	if !apperrors.Is(err, apperrors.KindStagingFailure) {
		t.Fatalf("expected KindStagingFailure, got %v", err)
	}
}

func TestStore_ClearAndDrop(t *testing.T) {
	fdb := &fakeDB{}
	s := New(fdb, 1, zap.NewNop())

	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Drop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fdb.execs) != 2 {
		t.Fatalf("expected two statements, got %d", len(fdb.execs))
	}
}

func TestSizeBytesEstimate_GrowsWithBody(t *testing.T) {
	short := model.LogRecord{Body: "hi"}
	long := model.LogRecord{Body: "a very much longer message body than the other one"}

	if SizeBytesEstimate([]model.LogRecord{long}) <= SizeBytesEstimate([]model.LogRecord{short}) {
		t.Errorf("expected longer body to increase the estimate")
	}
}

var errFake = fakeErr{}

type fakeErr struct{}

func (fakeErr) Error() string { return "staging exec failed" }
