package instrumentation

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestSpanHelpersNilSafe(t *testing.T) {
	// None of these may panic on a nil span.
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "failed")
	SetSpanAttributes(nil, attribute.String("k", "v"))
	AddGrantAttributes(nil, "password", "c1", "u1", "read")
	AddStorageAttributes(nil, "read", "memory")
	AddHTTPAttributes(nil, "POST", "/token", 400)
	AddSecurityAttributes(nil, "1.2.3.4")
}

func TestSpanHelpersWithNoopSpan(t *testing.T) {
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	defer span.End()

	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	SetSpanSuccess(span)
	SetSpanError(span, "failed")
	AddGrantAttributes(span, "refresh_token", "c1", "", "")
	AddStorageAttributes(span, "create", "sqlite")
	AddHTTPAttributes(span, "GET", "/authorize", 302)
	AddSecurityAttributes(span, "")
}
