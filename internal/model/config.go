// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// ErrValidation marks submission-time validation failures. Callers branch on
// it with errors.Is; the HTTP façade maps it to 400.
var ErrValidation = errors.New("validation failed")

// Known inference model keys accepted at submission.
const (
	ModelQwen3VLFP8 = "qwen3_vl_fp8"
	ModelMiniMax    = "minimax"
)

// PipelineConfig is the decoded submission configuration. Encode/decode is
// JSON; absent fields keep the defaults of DefaultPipelineConfig, so an
// explicit false survives the round trip.
type PipelineConfig struct {
	VideoID  string `json:"video_id,omitempty"`
	VideoURL string `json:"video_url,omitempty"`

	ForceDownload bool `json:"force_download"`

	GenerationModel string `json:"generation_model"`
	RefinementModel string `json:"refinement_model"`

	GenerationTemperature float64 `json:"generation_temperature"`
	RefinementTemperature float64 `json:"refinement_temperature"`

	MinMomentLength float64 `json:"min_moment_length"`
	MaxMomentLength float64 `json:"max_moment_length"`
	MinMoments      int     `json:"min_moments"`
	MaxMoments      int     `json:"max_moments"`

	RefinementParallelWorkers int  `json:"refinement_parallel_workers"`
	IncludeVideoRefinement    bool `json:"include_video_refinement"`

	GenerationPrompt string `json:"generation_prompt,omitempty"`

	OverrideExistingMoments    bool `json:"override_existing_moments"`
	OverrideExistingRefinement bool `json:"override_existing_refinement"`
}

// DefaultPipelineConfig returns the documented defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		ForceDownload:              false,
		GenerationModel:            ModelQwen3VLFP8,
		RefinementModel:            ModelQwen3VLFP8,
		GenerationTemperature:      0.7,
		RefinementTemperature:      0.7,
		MinMomentLength:            60,
		MaxMomentLength:            120,
		MinMoments:                 3,
		MaxMoments:                 10,
		RefinementParallelWorkers:  2,
		IncludeVideoRefinement:     true,
		OverrideExistingMoments:    true,
		OverrideExistingRefinement: true,
	}
}

// DecodePipelineConfig unmarshals an encoded config over the defaults, so
// omitted fields keep their documented default values.
func DecodePipelineConfig(data []byte) (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return PipelineConfig{}, fmt.Errorf("decode pipeline config: %w", err)
	}
	return cfg, nil
}

// Encode serializes the config for the stream entry and the status hash.
func (c PipelineConfig) Encode() ([]byte, error) {
	return json.Marshal(c)
}

func validModel(key string) bool {
	return key == ModelQwen3VLFP8 || key == ModelMiniMax
}

// Validate enforces the submission contract. Every violation wraps
// ErrValidation.
func (c PipelineConfig) Validate() error {
	if c.VideoID == "" && c.VideoURL == "" {
		return fmt.Errorf("%w: either video_id or video_url must be provided", ErrValidation)
	}
	if c.VideoURL != "" {
		parsed, err := url.Parse(c.VideoURL)
		if err != nil {
			return fmt.Errorf("%w: invalid video_url: %v", ErrValidation, err)
		}
		switch parsed.Scheme {
		case "http", "https":
		case "gs":
			if parsed.Host == "" {
				return fmt.Errorf("%w: gs URI must specify a bucket", ErrValidation)
			}
		default:
			return fmt.Errorf("%w: unsupported video_url scheme %q (supported: http, https, gs)", ErrValidation, parsed.Scheme)
		}
		if parsed.Path == "" || parsed.Path == "/" {
			return fmt.Errorf("%w: video_url must include a file path", ErrValidation)
		}
	}
	if !validModel(c.GenerationModel) {
		return fmt.Errorf("%w: unknown generation_model %q", ErrValidation, c.GenerationModel)
	}
	if !validModel(c.RefinementModel) {
		return fmt.Errorf("%w: unknown refinement_model %q", ErrValidation, c.RefinementModel)
	}
	if c.GenerationTemperature < 0 || c.GenerationTemperature > 2 {
		return fmt.Errorf("%w: generation_temperature %v out of range [0, 2]", ErrValidation, c.GenerationTemperature)
	}
	if c.RefinementTemperature < 0 || c.RefinementTemperature > 2 {
		return fmt.Errorf("%w: refinement_temperature %v out of range [0, 2]", ErrValidation, c.RefinementTemperature)
	}
	if c.MinMomentLength < 10 || c.MinMomentLength > 300 {
		return fmt.Errorf("%w: min_moment_length %v out of range [10, 300]", ErrValidation, c.MinMomentLength)
	}
	if c.MaxMomentLength < 30 || c.MaxMomentLength > 600 {
		return fmt.Errorf("%w: max_moment_length %v out of range [30, 600]", ErrValidation, c.MaxMomentLength)
	}
	if c.MinMomentLength > c.MaxMomentLength {
		return fmt.Errorf("%w: min_moment_length %v exceeds max_moment_length %v", ErrValidation, c.MinMomentLength, c.MaxMomentLength)
	}
	if c.MinMoments < 1 || c.MinMoments > 50 {
		return fmt.Errorf("%w: min_moments %d out of range [1, 50]", ErrValidation, c.MinMoments)
	}
	if c.MaxMoments < 1 || c.MaxMoments > 100 {
		return fmt.Errorf("%w: max_moments %d out of range [1, 100]", ErrValidation, c.MaxMoments)
	}
	if c.MinMoments > c.MaxMoments {
		return fmt.Errorf("%w: min_moments %d exceeds max_moments %d", ErrValidation, c.MinMoments, c.MaxMoments)
	}
	if c.RefinementParallelWorkers < 1 || c.RefinementParallelWorkers > 5 {
		return fmt.Errorf("%w: refinement_parallel_workers %d out of range [1, 5]", ErrValidation, c.RefinementParallelWorkers)
	}
	return nil
}
