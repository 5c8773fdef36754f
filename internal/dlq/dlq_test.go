package dlq

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestQueue_WriteAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.bin")
	q, err := Open(path, "", zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	q.Write("t", 2, 9, []byte("{ not valid"), errors.New("unexpected EOF"))
	q.Write("t", 3, 11, []byte("garbage"), errors.New("bad wire type"))

	entries, err := q.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Topic != "t" || entries[0].Partition != 2 || entries[0].Offset != 9 {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].ParseError != "bad wire type" {
		t.Errorf("unexpected parse error: %q", entries[1].ParseError)
	}
}

func TestQueue_EncryptedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dlq.bin")
	keyPath := filepath.Join(dir, "dlq.key")

	q, err := Open(path, keyPath, zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	q.Write("t", 1, 5, []byte("sensitive body"), errors.New("bad wire type"))

	entries, err := q.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 1 || entries[0].Offset != 5 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestQueue_SharesOneInstanceIDAcrossWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.bin")
	q, err := Open(path, "", zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer q.Close()

	q.Write("t", 0, 1, []byte("a"), errors.New("e1"))
	q.Write("t", 0, 2, []byte("b"), errors.New("e2"))

	entries, err := q.Replay()
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if entries[0].InstanceID != entries[1].InstanceID {
		t.Errorf("expected stable instance id across writes in one process")
	}
}
