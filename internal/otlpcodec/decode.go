// Package otlpcodec decodes a RawTelemetryMessage payload into the generated
// OTLP ExportLogsServiceRequest type, dispatching on content type.
package otlpcodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
)

// ContentType enumerates the whitelisted envelope content types.
type ContentType string

const (
	ContentTypeProtobufX  ContentType = "application/x-protobuf"
	ContentTypeProtobuf   ContentType = "application/protobuf"
	ContentTypeJSON       ContentType = "application/json"
	ContentTypeTextJSON   ContentType = "text/json"
)

// Allowed reports whether ct is one of the whitelisted content types.
func Allowed(ct string) bool {
	switch ContentType(ct) {
	case ContentTypeProtobufX, ContentTypeProtobuf, ContentTypeJSON, ContentTypeTextJSON:
		return true
	default:
		return false
	}
}

// Decode parses payload as an OTLP ExportLogsServiceRequest according to the
// given content type. It returns an error (never a partially-populated
// request) on any parse failure.
func Decode(contentType string, payload []byte) (*collogspb.ExportLogsServiceRequest, error) {
	req := &collogspb.ExportLogsServiceRequest{}

	switch ContentType(contentType) {
	case ContentTypeProtobufX, ContentTypeProtobuf:
		if err := proto.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("otlpcodec: protobuf unmarshal: %w", err)
		}
	case ContentTypeJSON, ContentTypeTextJSON:
		if err := protojson.Unmarshal(payload, req); err != nil {
			return nil, fmt.Errorf("otlpcodec: protojson unmarshal: %w", err)
		}
	default:
		return nil, fmt.Errorf("otlpcodec: unsupported content type %q", contentType)
	}

	return req, nil
}
