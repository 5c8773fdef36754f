// Package transform converts OTLP log export requests into the appender's
// persisted row shape.
package transform

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"github.com/coffersTech/nanolog/server/internal/model"
)

const (
	attrServiceName            = "service.name"
	attrDeploymentEnvironment  = "deployment.environment"
	attrHostName               = "host.name"
)

// Transform walks an OTLP ExportLogsServiceRequest and emits zero or more
// LogRecords, each stamped with the Kafka coordinates the message arrived
// with. It never returns an error and skips nothing: every log record in the
// request yields exactly one LogRecord, since the surrounding envelope has
// already been confirmed to unmarshal correctly by the caller.
func Transform(req *collogspb.ExportLogsServiceRequest, topic string, partition int32, offset int64) []model.LogRecord {
	if req == nil {
		return nil
	}

	var out []model.LogRecord

	for _, rl := range req.GetResourceLogs() {
		serviceName, deployEnv, hostName, resourceAttrs := extractWellKnown(rl.GetResource().GetAttributes())

		for _, sl := range rl.GetScopeLogs() {
			for _, lr := range sl.GetLogRecords() {
				rec := model.LogRecord{
					KafkaTopic:            topic,
					KafkaPartition:        partition,
					KafkaOffset:           offset,
					Timestamp:             recordTimestamp(lr),
					Severity:              severityOf(lr),
					Body:                  renderAnyValue(lr.GetBody()),
					TraceID:               hexOrEmpty(lr.GetTraceId()),
					SpanID:                hexOrEmpty(lr.GetSpanId()),
					ServiceName:           serviceName,
					DeploymentEnvironment: deployEnv,
					HostName:              hostName,
					Attributes:            mergeAttributes(resourceAttrs, lr.GetAttributes()),
				}
				out = append(out, rec)
			}
		}
	}

	return out
}

// extractWellKnown pulls the three well-known resource attributes out of the
// resource's attribute list, returning the remainder (excluding those three
// keys) as a plain map for later merging with the log record's own
// attributes.
func extractWellKnown(attrs []*commonpb.KeyValue) (serviceName, deployEnv, hostName string, rest map[string]string) {
	rest = make(map[string]string, len(attrs))
	for _, kv := range attrs {
		switch kv.GetKey() {
		case attrServiceName:
			serviceName = renderAnyValue(kv.GetValue())
		case attrDeploymentEnvironment:
			deployEnv = renderAnyValue(kv.GetValue())
		case attrHostName:
			hostName = renderAnyValue(kv.GetValue())
		default:
			rest[kv.GetKey()] = renderAnyValue(kv.GetValue())
		}
	}
	return
}

// mergeAttributes unions resource attributes with log-record attributes,
// the log record winning on key collision since it is applied last.
func mergeAttributes(resourceAttrs map[string]string, logAttrs []*commonpb.KeyValue) map[string]string {
	merged := make(map[string]string, len(resourceAttrs)+len(logAttrs))
	for k, v := range resourceAttrs {
		merged[k] = v
	}
	for _, kv := range logAttrs {
		merged[kv.GetKey()] = renderAnyValue(kv.GetValue())
	}
	return merged
}

// recordTimestamp prefers time_unix_nano, falls back to
// observed_time_unix_nano, and finally to wall-clock now if neither is set.
func recordTimestamp(lr *logspb.LogRecord) time.Time {
	if ns := lr.GetTimeUnixNano(); ns > 0 {
		return time.Unix(0, int64(ns)).UTC()
	}
	if ns := lr.GetObservedTimeUnixNano(); ns > 0 {
		return time.Unix(0, int64(ns)).UTC()
	}
	return time.Now().UTC()
}

// severityOf prefers severity_text; otherwise it buckets severity_number
// into the coarse TRACE/DEBUG/INFO/WARN/ERROR/FATAL families.
func severityOf(lr *logspb.LogRecord) string {
	if t := lr.GetSeverityText(); t != "" {
		return t
	}

	n := lr.GetSeverityNumber()
	switch {
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_TRACE && n <= logspb.SeverityNumber_SEVERITY_NUMBER_TRACE4:
		return "TRACE"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG && n <= logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG4:
		return "DEBUG"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_INFO && n <= logspb.SeverityNumber_SEVERITY_NUMBER_INFO4:
		return "INFO"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_WARN && n <= logspb.SeverityNumber_SEVERITY_NUMBER_WARN4:
		return "WARN"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_ERROR && n <= logspb.SeverityNumber_SEVERITY_NUMBER_ERROR4:
		return "ERROR"
	case n >= logspb.SeverityNumber_SEVERITY_NUMBER_FATAL && n <= logspb.SeverityNumber_SEVERITY_NUMBER_FATAL4:
		return "FATAL"
	default:
		return "UNSPECIFIED"
	}
}

// renderAnyValue stringifies an OTLP AnyValue the same way regardless of
// where it appears (attribute value or log body): strings verbatim,
// booleans/numbers via their canonical decimal form, bytes as lowercase hex,
// and arrays/kvlists as a comma-joined "k=v,k=v" recursive render.
func renderAnyValue(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}

	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		if val.BoolValue {
			return "true"
		}
		return "false"
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BytesValue:
		return hex.EncodeToString(val.BytesValue)
	case *commonpb.AnyValue_ArrayValue:
		parts := make([]string, 0, len(val.ArrayValue.GetValues()))
		for _, e := range val.ArrayValue.GetValues() {
			parts = append(parts, renderAnyValue(e))
		}
		return strings.Join(parts, ",")
	case *commonpb.AnyValue_KvlistValue:
		parts := make([]string, 0, len(val.KvlistValue.GetValues()))
		for _, kv := range val.KvlistValue.GetValues() {
			parts = append(parts, fmt.Sprintf("%s=%s", kv.GetKey(), renderAnyValue(kv.GetValue())))
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}
