package logging

import (
	"errors"
	"log/slog"
	"testing"
)

func TestStringFields(t *testing.T) {
	tests := []struct {
		name     string
		attr     slog.Attr
		key      string
		expected string
	}{
		{name: "service", attr: Service("projector"), key: FieldService, expected: "projector"},
		{name: "projection", attr: Projection("streams"), key: FieldProjection, expected: "streams"},
		{name: "stream id", attr: StreamID("order-1"), key: FieldStreamID, expected: "order-1"},
		{name: "tenant id", attr: TenantID("acme"), key: FieldTenantID, expected: "acme"},
		{name: "event type", attr: EventType("OrderPlaced"), key: FieldEventType, expected: "OrderPlaced"},
		{name: "state", attr: State("applying"), key: FieldState, expected: "applying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.attr.Key != tt.key {
				t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
			}
			if tt.attr.Value.String() != tt.expected {
				t.Errorf("expected value %q, got %q", tt.expected, tt.attr.Value.String())
			}
		})
	}
}

func TestIntFields(t *testing.T) {
	if attr := Position(42); attr.Key != FieldPosition || attr.Value.Int64() != 42 {
		t.Errorf("unexpected position attr: %v", attr)
	}
	if attr := Version(3); attr.Key != FieldVersion || attr.Value.Int64() != 3 {
		t.Errorf("unexpected version attr: %v", attr)
	}
	if attr := BatchSize(100); attr.Key != FieldBatchSize || attr.Value.Int64() != 100 {
		t.Errorf("unexpected batch size attr: %v", attr)
	}
	if attr := Duration(1500); attr.Key != FieldDuration || attr.Value.Int64() != 1500 {
		t.Errorf("unexpected duration attr: %v", attr)
	}
}

func TestError(t *testing.T) {
	attr := Error(errors.New("connection refused"))
	if attr.Key != FieldError {
		t.Errorf("expected key %q, got %q", FieldError, attr.Key)
	}
	if attr.Value.String() != "connection refused" {
		t.Errorf("expected value %q, got %q", "connection refused", attr.Value.String())
	}

	if nilAttr := Error(nil); nilAttr.Value.String() != "" {
		t.Errorf("expected empty value for nil error, got %q", nilAttr.Value.String())
	}
}
