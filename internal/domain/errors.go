package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy for the scoring and model lifecycle paths. Callers
// match with errors.Is; the API layer maps each to an HTTP status.
var (
	// ErrInvalidInput marks a malformed or missing required field in a
	// request. Surfaced to the caller, never silently defaulted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrModelUnavailable marks the degraded-service state where no model
	// pair is loaded. Scoring must fail with this rather than fabricate a
	// score.
	ErrModelUnavailable = errors.New("models not loaded")

	// ErrVersionNotFound marks a registry operation against a version for
	// which one or both role artifacts are missing.
	ErrVersionNotFound = errors.New("model version not found")

	// ErrCorruptArtifact marks an artifact that failed deserialization or
	// integrity verification.
	ErrCorruptArtifact = errors.New("corrupt model artifact")

	// ErrPartialActivation marks an activation that replaced one role's
	// current artifact but failed on the other, leaving an inconsistent
	// current slot.
	ErrPartialActivation = errors.New("partial model activation")

	// ErrRetrainingFailed marks a retraining run that aborted; the
	// currently active models are unaffected.
	ErrRetrainingFailed = errors.New("retraining failed")

	// ErrAssistUnavailable marks the explanation subsystem as unreachable.
	// The scoring pipeline never depends on it succeeding.
	ErrAssistUnavailable = errors.New("assist service unavailable")

	// ErrNotFound marks a missing persisted record.
	ErrNotFound = errors.New("record not found")
)

func invalidInput(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}
