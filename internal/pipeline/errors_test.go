// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clipline/clipline/internal/model"
)

func TestKindOfWrappedError(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("stage run: %w", StageErr(KindTunnelUnavailable, model.StageTranscript, "open tunnel", base))

	if got := KindOf(err); got != KindTunnelUnavailable {
		t.Errorf("KindOf = %s, want tunnel_unavailable", got)
	}
	if !IsKind(err, KindTunnelUnavailable) {
		t.Error("IsKind(tunnel_unavailable) = false")
	}
	if !errors.Is(err, base) {
		t.Error("wrapping lost the base error")
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(context.Canceled) = %s, want cancelled", got)
	}
	if got := KindOf(fmt.Errorf("stage: %w", context.DeadlineExceeded)); got != KindStageTimeout {
		t.Errorf("KindOf(deadline) = %s, want stage_timeout", got)
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf = %s, want unknown", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Errorf("KindOf(nil) = %s, want unknown", got)
	}
}

func TestErrorMessageIncludesStage(t *testing.T) {
	err := StageErr(KindMediaToolError, model.StageAudio, "extract audio", errors.New("exit status 1"))
	want := "audio: extract audio: exit status 1"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	plain := Errf(KindStoreUnavailable, "archive run", errors.New("redis down"))
	if plain.Error() != "archive run: redis down" {
		t.Errorf("Error() = %q", plain.Error())
	}
}

func TestKindStrings(t *testing.T) {
	kinds := map[Kind]string{
		KindValidationFailed:    "validation_failed",
		KindResourceNotFound:    "resource_not_found",
		KindConcurrencyConflict: "concurrency_conflict",
		KindStoreUnavailable:    "store_unavailable",
		KindCancelled:           "cancelled",
		Kind(99):                "unknown",
	}
	for k, want := range kinds {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}
