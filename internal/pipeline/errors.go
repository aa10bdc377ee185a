// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/clipline/clipline/internal/kv"
	"github.com/clipline/clipline/internal/model"
)

// Kind classifies a pipeline failure for status records, logs and metrics.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidationFailed
	KindResourceNotFound
	KindConcurrencyConflict
	KindStoreUnavailable
	KindTunnelUnavailable
	KindRemoteServiceError
	KindRemoteTimeout
	KindParseError
	KindMediaToolError
	KindStageTimeout
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindValidationFailed:
		return "validation_failed"
	case KindResourceNotFound:
		return "resource_not_found"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindTunnelUnavailable:
		return "tunnel_unavailable"
	case KindRemoteServiceError:
		return "remote_service_error"
	case KindRemoteTimeout:
		return "remote_timeout"
	case KindParseError:
		return "parse_error"
	case KindMediaToolError:
		return "media_tool_error"
	case KindStageTimeout:
		return "stage_timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error carries the failure kind plus the stage and operation it surfaced in.
// Stage is empty for failures outside stage execution (submit, archive).
type Error struct {
	Kind  Kind
	Stage model.Stage
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf wraps err with a kind and operation name.
func Errf(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// StageErr wraps err with the stage it failed in.
func StageErr(kind Kind, stage model.Stage, op string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Op: op, Err: err}
}

// KindOf extracts the failure kind from an error chain. Context errors
// classify as cancellation or stage timeout; net timeouts as remote
// timeouts. Everything unclassified reports KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStageTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindRemoteTimeout
	}
	if kv.IsUnavailable(err) {
		return KindStoreUnavailable
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return KindOf(err) == kind
}
