// Package kafkaconsumer wraps confluent-kafka-go's librdkafka-backed
// consumer behind the coordinator's narrow ConsumerAdapter contract:
// manual offset commits, explicit seeks, and rebalance callbacks translated
// from the rebalance callback passed to Subscribe (the client's Events()
// channel is disabled).
package kafkaconsumer

import (
	"context"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/coffersTech/nanolog/server/internal/apperrors"
	"github.com/coffersTech/nanolog/server/internal/config"
	"github.com/coffersTech/nanolog/server/internal/coordinator"
)

// Adapter implements coordinator.Consumer over a single *kafka.Consumer.
type Adapter struct {
	consumer *ck.Consumer
	topic    string
	logger   *zap.Logger
	onAssign func([]int32)
	onRevoke func([]int32)
}

// Open creates and configures the underlying librdkafka consumer:
// auto-commit disabled (offsets are committed explicitly after an Iceberg
// commit), auto.offset.reset=earliest as the default for partitions with no
// recovered offset.
func Open(cfg *config.Config, logger *zap.Logger) (*Adapter, error) {
	conf := &ck.ConfigMap{
		"bootstrap.servers":       joinBrokers(cfg.KafkaBrokers),
		"group.id":                cfg.KafkaConsumerGroup,
		"enable.auto.commit":      false,
		"auto.offset.reset":       "earliest",
		"go.events.channel.enable": false,
	}

	consumer, err := ck.NewConsumer(conf)
	if err != nil {
		return nil, apperrors.New(apperrors.KindConfigInvalid, "kafkaconsumer.Open", err)
	}

	return &Adapter{consumer: consumer, topic: cfg.KafkaTopic, logger: logger}, nil
}

// OnAssignment registers the callback invoked with newly assigned partitions.
func (a *Adapter) OnAssignment(fn func([]int32)) { a.onAssign = fn }

// OnRevocation registers the callback invoked with revoked partitions.
func (a *Adapter) OnRevocation(fn func([]int32)) { a.onRevoke = fn }

// Subscribe subscribes to topic with a rebalance callback that translates
// librdkafka's AssignedPartitions/RevokedPartitions events into the
// registered OnAssignment/OnRevocation callbacks.
func (a *Adapter) Subscribe(topic string) error {
	a.topic = topic
	err := a.consumer.Subscribe(topic, func(c *ck.Consumer, ev ck.Event) error {
		switch e := ev.(type) {
		case ck.AssignedPartitions:
			if a.onAssign != nil {
				a.onAssign(partitionsOf(e.Partitions))
			}
			return c.Assign(e.Partitions)
		case ck.RevokedPartitions:
			if a.onRevoke != nil {
				a.onRevoke(partitionsOf(e.Partitions))
			}
			return c.Unassign()
		}
		return nil
	})
	if err != nil {
		return apperrors.New(apperrors.KindConfigInvalid, "kafkaconsumer.Subscribe", err)
	}
	return nil
}

// Poll reads the next message, translating librdkafka's 100ms-poll idiom
// into a context-cancellable call by looping on short polls.
func (a *Adapter) Poll(ctx context.Context) (*coordinator.Message, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		ev := a.consumer.Poll(100)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *ck.Message:
			return &coordinator.Message{
				Topic:       *e.TopicPartition.Topic,
				Partition:   e.TopicPartition.Partition,
				Offset:      int64(e.TopicPartition.Offset),
				Payload:     e.Value,
				ContentType: contentTypeOf(e.Headers),
			}, nil
		case ck.Error:
			if e.IsFatal() {
				return nil, apperrors.New(apperrors.KindTransientNetwork, "kafkaconsumer.Poll", e)
			}
			a.logger.Warn("non-fatal kafka error", zap.Error(e))
		default:
			// rebalance and offset-commit events are handled by the
			// rebalance callback and CommitOffset respectively.
		}
	}
}

// contentTypeOf reads the "content-type" message header, defaulting to
// protobuf since that is the OTLP exporter's default wire format.
func contentTypeOf(headers []ck.Header) string {
	for _, h := range headers {
		if h.Key == "content-type" {
			return string(h.Value)
		}
	}
	return "application/x-protobuf"
}

// Seek moves the consumer's read position on partition to offset,
// respecting the spec's recovery protocol of resuming at recovered+1.
func (a *Adapter) Seek(partition int32, offset int64) error {
	tp := ck.TopicPartition{Topic: &a.topic, Partition: partition, Offset: ck.Offset(offset)}
	if err := a.consumer.Seek(tp, 5000); err != nil {
		return apperrors.New(apperrors.KindTransientNetwork, "kafkaconsumer.Seek", err)
	}
	return nil
}

// CommitOffset commits the next offset to read for partition: callers pass
// stored+1, matching librdkafka's "offset to resume from" semantics.
func (a *Adapter) CommitOffset(partition int32, offset int64) error {
	tp := ck.TopicPartition{Topic: &a.topic, Partition: partition, Offset: ck.Offset(offset)}
	if _, err := a.consumer.CommitOffsets([]ck.TopicPartition{tp}); err != nil {
		return apperrors.New(apperrors.KindTransientNetwork, "kafkaconsumer.CommitOffset", err)
	}
	return nil
}

// Close releases the underlying consumer.
func (a *Adapter) Close() error {
	return a.consumer.Close()
}

func partitionsOf(tps []ck.TopicPartition) []int32 {
	out := make([]int32, len(tps))
	for i, tp := range tps {
		out[i] = tp.Partition
	}
	return out
}

func joinBrokers(brokers []string) string {
	out := ""
	for i, b := range brokers {
		if i > 0 {
			out += ","
		}
		out += b
	}
	return out
}
