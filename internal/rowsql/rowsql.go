// Package rowsql builds the SQL fragments shared by the staging store and
// the Iceberg client: DDL, the multi-row INSERT literal, attribute map
// rendering, and the cheap size estimate used by the flush trigger.
package rowsql

import (
	"strconv"
	"strings"

	"github.com/coffersTech/nanolog/server/internal/model"
)

// ColumnDDL is the exact column list shared by every staging table and the
// Iceberg table itself, per §3 of the appender's data model.
const ColumnDDL = `
  _kafka_topic VARCHAR,
  _kafka_partition INTEGER,
  _kafka_offset BIGINT,
  timestamp TIMESTAMP,
  severity VARCHAR,
  body VARCHAR,
  trace_id VARCHAR,
  span_id VARCHAR,
  service_name VARCHAR,
  deployment_environment VARCHAR,
  host_name VARCHAR,
  attributes MAP(VARCHAR, VARCHAR)
`

// EscapeSQLString escapes single quotes and backslashes for embedding a
// literal inside a DuckDB SQL statement.
func EscapeSQLString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "'", "''")
	return s
}

// FormatTimestamp renders a record's timestamp as DuckDB's TIMESTAMP
// literal, microsecond precision, UTC.
func FormatTimestamp(rec model.LogRecord) string {
	return rec.Timestamp.UTC().Format("2006-01-02 15:04:05.000000")
}

// FormatAttributesMap renders a Go map as DuckDB's MAP(keys, values) literal.
func FormatAttributesMap(attrs map[string]string) string {
	if len(attrs) == 0 {
		return "MAP([], [])"
	}

	keys := make([]string, 0, len(attrs))
	values := make([]string, 0, len(attrs))
	for k, v := range attrs {
		keys = append(keys, "'"+EscapeSQLString(k)+"'")
		values = append(values, "'"+EscapeSQLString(v)+"'")
	}

	return "MAP([" + strings.Join(keys, ", ") + "], [" + strings.Join(values, ", ") + "])"
}

// CreateTableSQL returns a CREATE TABLE IF NOT EXISTS statement for name
// using the shared column layout.
func CreateTableSQL(name string) string {
	return "CREATE TABLE IF NOT EXISTS " + name + " (" + ColumnDDL + ");"
}

// BuildInsertSQL builds a single multi-row INSERT statement for records into
// tableName.
func BuildInsertSQL(tableName string, records []model.LogRecord) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(tableName)
	sb.WriteString(" VALUES ")

	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("('")
		sb.WriteString(EscapeSQLString(rec.KafkaTopic))
		sb.WriteString("', ")
		sb.WriteString(strconv.FormatInt(int64(rec.KafkaPartition), 10))
		sb.WriteString(", ")
		sb.WriteString(strconv.FormatInt(rec.KafkaOffset, 10))
		sb.WriteString(", '")
		sb.WriteString(FormatTimestamp(rec))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.Severity))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.Body))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.TraceID))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.SpanID))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.ServiceName))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.DeploymentEnvironment))
		sb.WriteString("', '")
		sb.WriteString(EscapeSQLString(rec.HostName))
		sb.WriteString("', ")
		sb.WriteString(FormatAttributesMap(rec.Attributes))
		sb.WriteString(")")
	}
	sb.WriteString(";")

	return sb.String()
}

// EstimateRecordsSize computes a cheap upper bound on the in-memory/wire
// footprint of records: it need not be exact, only monotone enough to drive
// the size flush trigger.
func EstimateRecordsSize(records []model.LogRecord) int64 {
	var total int64
	for _, rec := range records {
		total += int64(len(rec.KafkaTopic))
		total += 4 + 8 // partition + offset
		total += int64(len(rec.Body))
		total += int64(len(rec.Severity))
		total += int64(len(rec.ServiceName))
		total += int64(len(rec.DeploymentEnvironment))
		total += int64(len(rec.HostName))
		total += int64(len(rec.TraceID))
		total += int64(len(rec.SpanID))
		for k, v := range rec.Attributes {
			total += int64(len(k) + len(v))
		}
		total += 100 // per-row overhead
	}
	return total
}
