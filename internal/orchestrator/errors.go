package orchestrator

import (
	"errors"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/stream"
)

// Failure codes. The set is closed: every run failure maps to exactly one.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeInternalError       = "INTERNAL_ERROR"
)

// errExecutionPanic wraps a recovered panic from a run so the mapper can
// recognize the one failure shape that is genuinely internal rather than a
// provider problem.
var errExecutionPanic = errors.New("execution panicked")

// Classified is a failure reduced to its stable code, retryability, and a
// user-safe message. The raw diagnostic never appears in Message; it goes to
// logs only.
type Classified struct {
	Code      string
	Retryable bool
	Message   string
}

// ClassifyFailure maps any run failure onto the closed code set. Typed
// domain errors are checked first; substring classification over the raw
// message is the last resort.
func ClassifyFailure(err error) Classified {
	var notReady *auth.NotReadyError
	if errors.As(err, &notReady) {
		return Classified{Code: CodeUnauthorized, Message: notReady.Guidance}
	}

	if errors.Is(err, conversation.ErrNotFound) {
		return Classified{Code: CodeNotFound, Message: "The conversation could not be found."}
	}

	if errors.Is(err, stream.ErrCancelled) {
		return Classified{
			Code:      CodeProviderUnavailable,
			Retryable: true,
			Message:   "Generation was cancelled before completing.",
		}
	}

	if perr, ok := provider.AsError(err); ok {
		if perr.Reason == provider.ReasonAuth {
			return Classified{Code: CodeUnauthorized, Message: "The provider rejected the configured credentials."}
		}
		return Classified{
			Code:      CodeProviderUnavailable,
			Retryable: true,
			Message:   "The provider is temporarily unavailable. Please try again.",
		}
	}

	if errors.Is(err, errExecutionPanic) {
		return Classified{Code: CodeInternalError, Message: "An internal error occurred."}
	}

	if err != nil {
		if provider.Classify(err) == provider.ReasonAuth {
			return Classified{Code: CodeUnauthorized, Message: "The provider rejected the configured credentials."}
		}
		// Everything else reaching this point came out of the generation
		// phase; unclassified failures stay retryable rather than scaring
		// the user with an internal error.
		return Classified{
			Code:      CodeProviderUnavailable,
			Retryable: true,
			Message:   "The provider is temporarily unavailable. Please try again.",
		}
	}

	return Classified{Code: CodeInternalError, Message: "An internal error occurred."}
}
