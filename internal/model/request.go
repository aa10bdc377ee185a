// SPDX-License-Identifier: MIT

package model

import (
	"fmt"
	"strconv"
	"time"
)

// Stream entry field names.
const (
	FieldRequestID   = "request_id"
	FieldVideoID     = "video_id"
	FieldConfig      = "config"
	FieldRequestedAt = "requested_at"
)

// PipelineRequest is one entry on the request stream.
type PipelineRequest struct {
	RequestID   string
	VideoID     string
	Config      PipelineConfig
	RequestedAt float64 // wall-clock seconds
}

// NewRequestID builds the canonical run identifier for a submission.
func NewRequestID(videoID string, now time.Time) string {
	return fmt.Sprintf("pipeline:%s:%d", videoID, now.UnixMilli())
}

// StreamValues encodes the request as stream entry fields.
func (r PipelineRequest) StreamValues() (map[string]interface{}, error) {
	raw, err := r.Config.Encode()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		FieldRequestID:   r.RequestID,
		FieldVideoID:     r.VideoID,
		FieldConfig:      string(raw),
		FieldRequestedAt: strconv.FormatFloat(r.RequestedAt, 'f', -1, 64),
	}, nil
}

// RequestFromStreamValues decodes a stream entry back into a request.
// Missing or malformed fields are reported; a malformed entry must be acked
// and dropped by the worker rather than redelivered forever.
func RequestFromStreamValues(values map[string]interface{}) (PipelineRequest, error) {
	var req PipelineRequest

	s := func(key string) string {
		if v, ok := values[key]; ok {
			if str, ok := v.(string); ok {
				return str
			}
		}
		return ""
	}

	req.RequestID = s(FieldRequestID)
	req.VideoID = s(FieldVideoID)
	if req.RequestID == "" || req.VideoID == "" {
		return PipelineRequest{}, fmt.Errorf("stream entry missing request_id or video_id")
	}

	cfg, err := DecodePipelineConfig([]byte(s(FieldConfig)))
	if err != nil {
		return PipelineRequest{}, err
	}
	req.Config = cfg

	if raw := s(FieldRequestedAt); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			req.RequestedAt = f
		}
	}
	return req, nil
}
