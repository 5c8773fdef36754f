// Package dlq implements the dead-letter queue: a durable, mutex-guarded,
// append-only file of unparseable payloads, framed the way this codebase's
// write-ahead log frames its records, compressed the way its column writer
// compresses data, and optionally encrypted at rest via internal/pkg/security.
package dlq

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/pkg/security"
)

// entry is the JSON payload stored (zstd-compressed) after each
// length-prefixed frame. Topic, Partition, Offset and InstanceID are always
// stored in the clear: they double as the AEAD associated data binding
// PayloadB64, so Replay must be able to read them before it can decrypt
// anything.
type entry struct {
	Topic      string `json:"topic"`
	Partition  int32  `json:"partition"`
	Offset     int64  `json:"offset"`
	InstanceID string `json:"instance_id"`
	WrittenAt  int64  `json:"written_at_unix_ms"`
	ParseError string `json:"parse_error"`
	Encrypted  bool   `json:"encrypted"`
	PayloadB64 string `json:"payload_b64"`
}

// Queue is a durable append-only sink for parse failures. A nil *Queue is
// not valid; an absent dlq.path configuration means the caller simply never
// constructs one, making DLQ writes a log-only no-op at the call site.
type Queue struct {
	mu         sync.Mutex
	file       *os.File
	encoder    *zstd.Encoder
	instanceID string
	logger     *zap.Logger
	nowFn      func() time.Time
	keyring    *security.Keyring
}

// Open creates or appends to the DLQ file at path. When keyPath is non-empty,
// every entry's payload is AES-GCM encrypted under a keyring loaded or
// generated at keyPath before compression, since dead-lettered payloads
// carry raw log bodies that skipped every other redaction path in the
// pipeline. Envelope fields (topic, partition, offset, instance id) stay in
// the clear so Replay can read them back without decrypting first, and they
// double as the ciphertext's associated data.
func Open(path, keyPath string, logger *zap.Logger) (*Queue, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, err
	}

	q := &Queue{
		file:       f,
		encoder:    enc,
		instanceID: uuid.NewString(),
		logger:     logger,
		nowFn:      time.Now,
	}

	if keyPath != "" {
		kr, generated, err := security.Open(keyPath)
		if err != nil {
			f.Close()
			return nil, err
		}
		if generated {
			logger.Info("generated new dlq encryption keyring", zap.String("path", keyPath))
		}
		q.keyring = kr
	}

	return q, nil
}

// aad binds a dead-lettered payload's ciphertext to the envelope it was
// written under, so a ciphertext frame spliced into another topic,
// partition, or process run fails to decrypt instead of decrypting under
// the wrong provenance.
func aad(topic string, partition int32, offset int64, instanceID string) []byte {
	return []byte(fmt.Sprintf("%s:%d:%d:%s", topic, partition, offset, instanceID))
}

// Write appends one entry: [4-byte little-endian length][zstd-compressed JSON].
func (q *Queue) Write(topic string, partition int32, offset int64, payload []byte, parseErr error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := entry{
		Topic:      topic,
		Partition:  partition,
		Offset:     offset,
		InstanceID: q.instanceID,
		WrittenAt:  q.nowFn().UnixMilli(),
		ParseError: parseErr.Error(),
	}

	payloadBytes := payload
	if q.keyring != nil {
		ct, err := q.keyring.Encrypt(payload, aad(topic, partition, offset, q.instanceID))
		if err != nil {
			q.logger.Error("dlq encrypt failed", zap.Error(err))
			return
		}
		payloadBytes = ct
		e.Encrypted = true
	}
	e.PayloadB64 = base64.StdEncoding.EncodeToString(payloadBytes)

	data, err := json.Marshal(e)
	if err != nil {
		q.logger.Error("dlq marshal failed", zap.Error(err))
		return
	}
	compressed := q.encoder.EncodeAll(data, make([]byte, 0, len(data)))

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(compressed)))

	if _, err := q.file.Write(lenBuf); err != nil {
		q.logger.Error("dlq write length prefix failed", zap.Error(err))
		return
	}
	if _, err := q.file.Write(compressed); err != nil {
		q.logger.Error("dlq write payload failed", zap.Error(err))
	}
}

// Replay reads every entry back out, decompressing each frame and
// decrypting its payload if the queue is encrypted. Used by operator
// tooling to inspect or reprocess dead-lettered payloads. The returned
// entries carry the original plaintext payload in PayloadB64 regardless of
// whether it was encrypted at rest.
func (q *Queue) Replay() ([]entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.file.Seek(0, 0); err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var entries []entry
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(q.file, lenBuf); err == io.EOF {
			break
		} else if err != nil {
			return entries, err
		}

		length := binary.LittleEndian.Uint32(lenBuf)
		compressed := make([]byte, length)
		if _, err := io.ReadFull(q.file, compressed); err != nil {
			return entries, err
		}

		raw, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			return entries, err
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return entries, err
		}

		if e.Encrypted {
			if q.keyring == nil {
				return entries, fmt.Errorf("dlq: entry at offset %d is encrypted but no keyring is configured", e.Offset)
			}
			ct, err := base64.StdEncoding.DecodeString(e.PayloadB64)
			if err != nil {
				return entries, err
			}
			pt, err := q.keyring.Decrypt(ct, aad(e.Topic, e.Partition, e.Offset, e.InstanceID))
			if err != nil {
				return entries, err
			}
			e.PayloadB64 = base64.StdEncoding.EncodeToString(pt)
			e.Encrypted = false
		}

		entries = append(entries, e)
	}
	return entries, nil
}

// Close flushes and closes the underlying file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.encoder.Close()
	return q.file.Close()
}
