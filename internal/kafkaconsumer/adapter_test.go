package kafkaconsumer

import (
	"testing"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

func TestJoinBrokers(t *testing.T) {
	got := joinBrokers([]string{"a:9092", "b:9092"})
	if got != "a:9092,b:9092" {
		t.Errorf("got %q", got)
	}
}

func TestContentTypeOf_DefaultsToProtobuf(t *testing.T) {
	if got := contentTypeOf(nil); got != "application/x-protobuf" {
		t.Errorf("expected default content type, got %q", got)
	}
}

func TestContentTypeOf_ReadsHeader(t *testing.T) {
	headers := []ck.Header{{Key: "content-type", Value: []byte("application/json")}}
	if got := contentTypeOf(headers); got != "application/json" {
		t.Errorf("got %q", got)
	}
}

func TestPartitionsOf(t *testing.T) {
	tps := []ck.TopicPartition{{Partition: 1}, {Partition: 3}}
	got := partitionsOf(tps)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("got %v", got)
	}
}
