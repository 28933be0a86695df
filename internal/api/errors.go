package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/justbank/transfer-service/internal/app"
)

// statusForKind maps an error kind to the HTTP status clients see.
func statusForKind(kind error) int {
	switch kind {
	case app.ErrDecode, app.ErrInvalidAmount, app.ErrSameAccountTransfer, app.ErrInvalidInput:
		return http.StatusBadRequest
	case app.ErrAccountNotFound, app.ErrCounterpartyNotFound:
		return http.StatusNotFound
	case app.ErrMissingDwollaCustomer, app.ErrMissingProcessorToken:
		return http.StatusPreconditionFailed
	case app.ErrInvalidRequest, app.ErrInvalidCustomerProfile:
		return http.StatusUnprocessableEntity
	case app.ErrNotAuthorized:
		return http.StatusForbidden
	case app.ErrUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case app.ErrRateLimited:
		return http.StatusTooManyRequests
	case app.ErrFundingSourceCreationFailed, app.ErrAuthenticationFailed, app.ErrTransferFailed,
		app.ErrCustomerCreationFailed, app.ErrBankLinkFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes the {error, message} body for err. Untyped errors become a
// generic 500.
func writeAppError(w http.ResponseWriter, err error, generic string) {
	kind := app.KindOf(err)
	if kind == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", generic)
		return
	}

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	writeError(w, statusForKind(kind), kind.Error(), app.UserMessage(err, generic))
}
