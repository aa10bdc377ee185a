// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every span the pipeline emits.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Run attributes
	RunVideoIDKey   = "run.video_id"
	RunRequestIDKey = "run.request_id"
	RunOutcomeKey   = "run.outcome"

	// Stage attributes
	StageNameKey   = "stage.name"
	StageResultKey = "stage.result"

	// Model attributes
	ModelKeyKey      = "model.key"
	ModelIDKey       = "model.id"
	ModelEndpointKey = "model.endpoint"

	// Clip attributes
	ClipMomentIDKey = "clip.moment_id"
	ClipStartKey    = "clip.start_seconds"
	ClipEndKey      = "clip.end_seconds"

	// Error attributes
	ErrorKey     = "error"
	ErrorKindKey = "error.kind"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// RunAttributes creates pipeline-run span attributes.
func RunAttributes(videoID, requestID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if videoID != "" {
		attrs = append(attrs, attribute.String(RunVideoIDKey, videoID))
	}
	if requestID != "" {
		attrs = append(attrs, attribute.String(RunRequestIDKey, requestID))
	}
	return attrs
}

// StageAttributes creates stage span attributes.
func StageAttributes(stage, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(StageNameKey, stage),
		attribute.String(StageResultKey, result),
	}
}

// ModelAttributes creates inference-call span attributes.
func ModelAttributes(modelKey, modelID, endpoint string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if modelKey != "" {
		attrs = append(attrs, attribute.String(ModelKeyKey, modelKey))
	}
	if modelID != "" {
		attrs = append(attrs, attribute.String(ModelIDKey, modelID))
	}
	if endpoint != "" {
		attrs = append(attrs, attribute.String(ModelEndpointKey, endpoint))
	}
	return attrs
}

// ClipAttributes creates clip-extraction span attributes.
func ClipAttributes(momentID string, startSeconds, endSeconds float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ClipMomentIDKey, momentID),
		attribute.Float64(ClipStartKey, startSeconds),
		attribute.Float64(ClipEndKey, endSeconds),
	}
}

// ErrorAttributes creates error span attributes from the pipeline kind.
func ErrorAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorKindKey, kind),
	}
}
