package apperr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pmx/trade-engine/internal/apperr"
)

func TestKindOf(t *testing.T) {
	err := apperr.E(apperr.KindNotFound, "order %s not found", "o1")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not_found, got %s", apperr.KindOf(err))
	}

	// Untyped errors classify as internal.
	if apperr.KindOf(errors.New("boom")) != apperr.KindInternal {
		t.Error("untyped error should be internal")
	}

	// The kind survives wrapping.
	wrapped := fmt.Errorf("handler: %w", err)
	if apperr.KindOf(wrapped) != apperr.KindNotFound {
		t.Error("kind lost through wrapping")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperr.Wrap(apperr.KindInternal, cause, "store unavailable")

	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}

func TestRetryable(t *testing.T) {
	if !apperr.Retryable(apperr.E(apperr.KindConflict, "lost race")) {
		t.Error("conflict should be retryable")
	}
	if !apperr.Retryable(apperr.E(apperr.KindTimeout, "deadline")) {
		t.Error("timeout should be retryable")
	}
	if apperr.Retryable(apperr.E(apperr.KindValidation, "bad input")) {
		t.Error("validation should not be retryable")
	}
}
