// SPDX-License-Identifier: MIT
package telemetry

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/v1/pipeline/status/{video_id}", "http://localhost:8080/api/v1/pipeline/status/demo", 200)

	if len(attrs) != 4 {
		t.Fatalf("Expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/v1/pipeline/status/{video_id}")
	verifyAttribute(t, attrs, HTTPURLKey, "http://localhost:8080/api/v1/pipeline/status/demo")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestRunAttributes(t *testing.T) {
	tests := []struct {
		name      string
		videoID   string
		requestID string
		wantLen   int
	}{
		{
			name:      "all fields",
			videoID:   "abc123",
			requestID: "pipeline:abc123:1700000000000",
			wantLen:   2,
		},
		{
			name:      "only video",
			videoID:   "abc123",
			requestID: "",
			wantLen:   1,
		},
		{
			name:      "empty fields",
			videoID:   "",
			requestID: "",
			wantLen:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := RunAttributes(tt.videoID, tt.requestID)

			if len(attrs) != tt.wantLen {
				t.Errorf("Expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.videoID != "" {
				verifyAttribute(t, attrs, RunVideoIDKey, tt.videoID)
			}
			if tt.requestID != "" {
				verifyAttribute(t, attrs, RunRequestIDKey, tt.requestID)
			}
		})
	}
}

func TestStageAttributes(t *testing.T) {
	attrs := StageAttributes("generation", "completed")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, StageNameKey, "generation")
	verifyAttribute(t, attrs, StageResultKey, "completed")
}

func TestModelAttributes(t *testing.T) {
	attrs := ModelAttributes("qwen3_vl_fp8", "Qwen/Qwen3-VL-235B", "http://127.0.0.1:8100")

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, ModelKeyKey, "qwen3_vl_fp8")
	verifyAttribute(t, attrs, ModelIDKey, "Qwen/Qwen3-VL-235B")
	verifyAttribute(t, attrs, ModelEndpointKey, "http://127.0.0.1:8100")

	attrs = ModelAttributes("qwen3_vl_fp8", "", "")
	if len(attrs) != 1 {
		t.Fatalf("Expected empty fields skipped, got %d attributes", len(attrs))
	}
}

func TestClipAttributes(t *testing.T) {
	attrs := ClipAttributes("m-0001", 12.5, 42.0)

	if len(attrs) != 3 {
		t.Fatalf("Expected 3 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, ClipMomentIDKey, "m-0001")
	verifyFloatAttribute(t, attrs, ClipStartKey, 12.5)
	verifyFloatAttribute(t, attrs, ClipEndKey, 42.0)
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes("remote_service")

	if len(attrs) != 2 {
		t.Fatalf("Expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorKindKey, "remote_service")
}

func TestAttributeKeys_Consistency(t *testing.T) {
	keys := []string{
		HTTPMethodKey,
		HTTPStatusCodeKey,
		HTTPRouteKey,
		RunVideoIDKey,
		StageNameKey,
		ModelKeyKey,
		ClipMomentIDKey,
		ErrorKey,
	}

	for _, key := range keys {
		if key == "" {
			t.Errorf("Expected non-empty attribute key")
		}
	}
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("Expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("Expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyFloatAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue float64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsFloat64() != expectedValue {
				t.Errorf("Expected %s=%v, got %v", key, expectedValue, attr.Value.AsFloat64())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("Expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("Attribute %s not found", key)
}
