// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID = "request_id"
	FieldVideoID   = "video_id"
	FieldMomentID  = "moment_id"
	FieldJobType   = "job_type"
	FieldModelKey  = "model_key"
	FieldConsumer  = "consumer"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldStatus    = "status"

	// Media fields
	FieldCodec      = "codec"
	FieldDuration   = "duration"
	FieldResolution = "resolution"
	FieldEncoder    = "encoder"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"

	// Network fields
	FieldLocalPort  = "local_port"
	FieldRemoteHost = "remote_host"
)
