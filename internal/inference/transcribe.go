// SPDX-License-Identifier: MIT

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/clipline/clipline/internal/moments"
)

var transcribeCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "clipline",
	Name:      "transcription_calls_total",
	Help:      "Transcription calls by result",
}, []string{"result"})

// TranscriptionResult is the transcription service's reply: full text
// plus word- and segment-level timing.
type TranscriptionResult struct {
	Transcription     string                     `json:"transcription"`
	WordTimestamps    []moments.WordTimestamp    `json:"word_timestamps"`
	SegmentTimestamps []moments.SegmentTimestamp `json:"segment_timestamps"`
	ProcessingTime    float64                    `json:"processing_time,omitempty"`
}

// TranscribeClient speaks the transcription service wire format.
type TranscribeClient struct {
	http   *http.Client
	logger zerolog.Logger
}

// NewTranscribeClient builds a client with the given overall call
// timeout. Zero selects the 300 s transcription default.
func NewTranscribeClient(timeout time.Duration, logger zerolog.Logger) *TranscribeClient {
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	return &TranscribeClient{http: newClient(timeout), logger: logger}
}

// Transcribe posts the audio URL and returns the parsed result.
func (c *TranscribeClient) Transcribe(ctx context.Context, url, audioURL string) (*TranscriptionResult, error) {
	body, err := json.Marshal(map[string]string{"audio_url": audioURL})
	if err != nil {
		return nil, fmt.Errorf("marshal transcription request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		transcribeCallTotal.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		transcribeCallTotal.WithLabelValues("http_error").Inc()
		return nil, fmt.Errorf("transcription request: %w", statusErr(resp))
	}

	var result TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		transcribeCallTotal.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("decode transcription response: %w", err)
	}

	transcribeCallTotal.WithLabelValues("ok").Inc()
	c.logger.Debug().
		Int("words", len(result.WordTimestamps)).
		Int("segments", len(result.SegmentTimestamps)).
		Dur("elapsed", time.Since(start)).
		Msg("transcription received")
	return &result, nil
}
