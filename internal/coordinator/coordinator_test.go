package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/coffersTech/nanolog/server/internal/config"
	"github.com/coffersTech/nanolog/server/internal/model"
	"github.com/coffersTech/nanolog/server/internal/worker"
)

type fakeConsumer struct {
	mu         sync.Mutex
	messages   []*Message
	assignFn   func([]int32)
	revokeFn   func([]int32)
	seeks      map[int32]int64
	committed  map[int32]int64
	subscribed string
	closed     bool
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{seeks: map[int32]int64{}, committed: map[int32]int64{}}
}

func (f *fakeConsumer) Subscribe(topic string) error { f.subscribed = topic; return nil }

func (f *fakeConsumer) Poll(ctx context.Context) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, nil
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return m, nil
}

func (f *fakeConsumer) Seek(partition int32, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks[partition] = offset
	return nil
}

func (f *fakeConsumer) CommitOffset(partition int32, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[partition] = offset
	return nil
}

func (f *fakeConsumer) OnAssignment(fn func([]int32)) { f.assignFn = fn }
func (f *fakeConsumer) OnRevocation(fn func([]int32)) { f.revokeFn = fn }
func (f *fakeConsumer) Close() error                  { f.closed = true; return nil }

type fakeIceberg struct {
	mu      sync.Mutex
	commits int
}

func (f *fakeIceberg) Commit(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return nil
}
func (f *fakeIceberg) MaxOffset(context.Context, string, int32) (int64, bool, error) {
	return 0, false, nil
}
func (f *fakeIceberg) Ready() bool { return true }

type fakeStaging struct {
	mu   sync.Mutex
	rows []model.LogRecord
}

func (s *fakeStaging) TableName() string            { return "local_buffer" }
func (s *fakeStaging) Create(context.Context) error { return nil }
func (s *fakeStaging) Insert(_ context.Context, records []model.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, records...)
	return nil
}
func (s *fakeStaging) Clear(context.Context) error { return nil }
func (s *fakeStaging) Drop(context.Context) error  { return nil }

func testCfg() *config.Config {
	return &config.Config{
		KafkaTopic:           "otel-logs",
		PartitionInbox:       16,
		BufferSizeMB:         1,
		BufferTimeSec:        3600,
		IcebergCommitRetries: 2,
		IcebergRetryBaseMs:   1,
		IcebergRetryMaxMs:    5,
		IcebergFatalPolicy:   config.FatalPolicyContinue,
		RebalanceTimeoutSec:  2,
	}
}

func marshaledLogPayload(t *testing.T, body string) []byte {
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					SeverityText: "INFO",
					Body:         &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: body}},
				}},
			}},
		}},
	}
	b, err := proto.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestCoordinator_AssignmentThenRouteThenForceFlush(t *testing.T) {
	cons := newFakeConsumer()
	ice := &fakeIceberg{}

	factory := func(partition int32) worker.Staging { return &fakeStaging{} }

	co := New(testCfg(), zap.NewNop(), cons, ice, factory, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := co.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	cons.assignFn([]int32{0})

	payload := marshaledLogPayload(t, "hi")
	co.route(ctx, &Message{Topic: "otel-logs", Partition: 0, Offset: 10, Payload: payload, ContentType: "application/x-protobuf"})

	if err := co.ForceFlushAll(ctx, time.Second); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	if ice.commits != 1 {
		t.Errorf("expected one Iceberg commit, got %d", ice.commits)
	}
	cons.mu.Lock()
	got := cons.committed[0]
	cons.mu.Unlock()
	if got != 11 {
		t.Errorf("expected log offset 11 committed, got %d", got)
	}
}

type recordingDLQ struct {
	mu   sync.Mutex
	hits int
}

func (d *recordingDLQ) Write(topic string, partition int32, offset int64, payload []byte, parseErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hits++
}

func TestCoordinator_ParseFailureStillAdvancesOffset(t *testing.T) {
	cons := newFakeConsumer()
	ice := &fakeIceberg{}
	factory := func(partition int32) worker.Staging { return &fakeStaging{} }
	dlq := &recordingDLQ{}

	co := New(testCfg(), zap.NewNop(), cons, ice, factory, dlq)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := co.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	cons.assignFn([]int32{2})

	co.route(ctx, &Message{Topic: "otel-logs", Partition: 2, Offset: 9, Payload: []byte("{ not valid"), ContentType: "application/json"})
	co.commitPendingOffsets()

	dlq.mu.Lock()
	hits := dlq.hits
	dlq.mu.Unlock()
	if hits != 1 {
		t.Errorf("expected one DLQ write, got %d", hits)
	}
	cons.mu.Lock()
	got := cons.committed[2]
	cons.mu.Unlock()
	if got != 10 {
		t.Errorf("expected offset 10 committed despite parse failure, got %d", got)
	}
	if ice.commits != 0 {
		t.Errorf("expected no Iceberg commit for an unparseable message, got %d", ice.commits)
	}
}
