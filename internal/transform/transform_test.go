package transform

import (
	"testing"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

func strVal(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func TestTransform_SimpleRecord(t *testing.T) {
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{
						{Key: "service.name", Value: strVal("svc")},
					},
				},
				ScopeLogs: []*logspb.ScopeLogs{
					{
						LogRecords: []*logspb.LogRecord{
							{
								SeverityText: "INFO",
								Body:         strVal("hi"),
							},
						},
					},
				},
			},
		},
	}

	recs := Transform(req, "t", 0, 10)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.ServiceName != "svc" || r.Severity != "INFO" || r.Body != "hi" {
		t.Errorf("unexpected record: %+v", r)
	}
	if r.KafkaTopic != "t" || r.KafkaPartition != 0 || r.KafkaOffset != 10 {
		t.Errorf("unexpected kafka coordinates: %+v", r)
	}
}

func TestTransform_SeverityNumberFallback(t *testing.T) {
	cases := []struct {
		num  logspb.SeverityNumber
		want string
	}{
		{logspb.SeverityNumber_SEVERITY_NUMBER_TRACE, "TRACE"},
		{logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG2, "DEBUG"},
		{logspb.SeverityNumber_SEVERITY_NUMBER_INFO, "INFO"},
		{logspb.SeverityNumber_SEVERITY_NUMBER_WARN3, "WARN"},
		{logspb.SeverityNumber_SEVERITY_NUMBER_ERROR, "ERROR"},
		{logspb.SeverityNumber_SEVERITY_NUMBER_FATAL4, "FATAL"},
		{logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED, "UNSPECIFIED"},
	}

	for _, c := range cases {
		req := &collogspb.ExportLogsServiceRequest{
			ResourceLogs: []*logspb.ResourceLogs{{
				ScopeLogs: []*logspb.ScopeLogs{{
					LogRecords: []*logspb.LogRecord{{SeverityNumber: c.num}},
				}},
			}},
		}
		recs := Transform(req, "t", 0, 0)
		if len(recs) != 1 || recs[0].Severity != c.want {
			t.Errorf("severity number %v: got %q, want %q", c.num, recs[0].Severity, c.want)
		}
	}
}

func TestTransform_AttributeMergeLogWins(t *testing.T) {
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{
				Attributes: []*commonpb.KeyValue{
					{Key: "env", Value: strVal("resource")},
					{Key: "deployment.environment", Value: strVal("prod")},
				},
			},
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					Attributes: []*commonpb.KeyValue{
						{Key: "env", Value: strVal("record")},
					},
				}},
			}},
		}},
	}

	recs := Transform(req, "t", 0, 0)
	if recs[0].Attributes["env"] != "record" {
		t.Errorf("expected log record attribute to win, got %q", recs[0].Attributes["env"])
	}
	if recs[0].DeploymentEnvironment != "prod" {
		t.Errorf("expected deployment.environment to be extracted, got %q", recs[0].DeploymentEnvironment)
	}
	if _, ok := recs[0].Attributes["deployment.environment"]; ok {
		t.Errorf("well-known attribute must not also appear in the attributes map")
	}
}

func TestTransform_BytesAndArrayRendering(t *testing.T) {
	arr := &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{
		Values: []*commonpb.AnyValue{strVal("a"), strVal("b")},
	}}}
	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			ScopeLogs: []*logspb.ScopeLogs{{
				LogRecords: []*logspb.LogRecord{{
					Body:    arr,
					TraceId: []byte{0xde, 0xad, 0xbe, 0xef},
				}},
			}},
		}},
	}
	recs := Transform(req, "t", 0, 0)
	if recs[0].Body != "a,b" {
		t.Errorf("expected array render 'a,b', got %q", recs[0].Body)
	}
	if recs[0].TraceID != "deadbeef" {
		t.Errorf("expected lowercase hex trace id, got %q", recs[0].TraceID)
	}
}

func TestTransform_EmptyRequestYieldsNoRecords(t *testing.T) {
	recs := Transform(&collogspb.ExportLogsServiceRequest{}, "t", 0, 0)
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
}
