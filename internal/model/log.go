// Package model holds the persisted row shape shared by the staging store
// and the Iceberg table.
package model

import "time"

// LogRecord is the hybrid row persisted to both the local staging table and
// the Iceberg table. The three Kafka* fields are the exactly-once anchor:
// together they uniquely identify the row and must never be null.
type LogRecord struct {
	KafkaTopic     string
	KafkaPartition int32
	KafkaOffset    int64

	Timestamp             time.Time
	Severity              string
	Body                  string
	TraceID               string
	SpanID                string
	ServiceName           string
	DeploymentEnvironment string
	HostName              string
	Attributes            map[string]string
}

// PartitionMessage is the inbox envelope handed from the coordinator to a
// worker. It is owned by the sender until enqueued, then by the worker.
type PartitionMessage struct {
	Records   []LogRecord
	MaxOffset int64
}
