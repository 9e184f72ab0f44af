package server

import (
	"errors"
	"net/http"

	"github.com/outcomefi/outcome/internal/ledger"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/agents"
	"github.com/outcomefi/outcome/internal/service/llm"
	"github.com/outcomefi/outcome/internal/service/universes"
	"github.com/outcomefi/outcome/internal/storage"
)

// errorClass is the HTTP rendering of a workflow error.
type errorClass struct {
	Status int
	Code   string
}

// classifyError maps a workflow error to its HTTP status and error code.
func classifyError(err error) errorClass {
	var (
		verr      *model.ValidationError
		exhausted *agents.ExhaustedError
	)
	switch {
	case errors.As(err, &verr):
		return errorClass{http.StatusBadRequest, model.ErrCodeInvalidInput}
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, ledger.ErrNotFound):
		return errorClass{http.StatusNotFound, model.ErrCodeNotFound}
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, universes.ErrScenarioCountMismatch),
		errors.Is(err, universes.ErrScenarioSetMismatch),
		errors.Is(err, universes.ErrNotPublished),
		errors.Is(err, universes.ErrAlreadySealed),
		errors.Is(err, universes.ErrHashMismatch),
		errors.Is(err, universes.ErrLedgerMismatch),
		errors.Is(err, universes.ErrCreatePending):
		return errorClass{http.StatusConflict, model.ErrCodeConflict}
	case errors.Is(err, universes.ErrNoResolvedScenarios):
		return errorClass{http.StatusUnprocessableEntity, model.ErrCodePrecondition}
	case errors.As(err, &exhausted):
		return errorClass{http.StatusBadGateway, model.ErrCodeExhaustedRetries}
	case errors.Is(err, ledger.ErrTimeout):
		return errorClass{http.StatusGatewayTimeout, model.ErrCodeUpstreamTimeout}
	case errors.Is(err, ledger.ErrContractViolation), errors.Is(err, ledger.ErrTxFailed):
		return errorClass{http.StatusBadGateway, model.ErrCodeContractViolation}
	case errors.Is(err, ledger.ErrTransport), errors.Is(err, llm.ErrTransport), errors.Is(err, llm.ErrMalformedOutput):
		return errorClass{http.StatusBadGateway, model.ErrCodeUpstream}
	case errors.Is(err, ledger.ErrNoSigner):
		return errorClass{http.StatusServiceUnavailable, model.ErrCodeServiceUnavailable}
	default:
		return errorClass{http.StatusInternalServerError, model.ErrCodeInternalError}
	}
}

// writeServiceError renders err with the standard error envelope. Validation
// problems and agent attempt trails are returned as details.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	class := classifyError(err)
	var details any
	var (
		verr      *model.ValidationError
		exhausted *agents.ExhaustedError
		timeout   *ledger.TimeoutError
	)
	switch {
	case errors.As(err, &verr):
		details = verr.Problems
	case errors.As(err, &exhausted):
		details = map[string]any{"agent": exhausted.Agent, "attempts": exhausted.Attempts, "errors": exhausted.Errors}
	case errors.As(err, &timeout):
		details = map[string]any{"txHash": timeout.TxHash}
	}

	message := err.Error()
	if class.Status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		message = "internal error"
	}
	writeErrorDetails(w, r, class.Status, class.Code, message, details)
}
