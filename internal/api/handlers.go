/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers decode the request, take the caller from the auth context, call the
 * application service and write a JSON response.
 *
 * @dependencies
 * - internal/app: Transfer pipeline, provisioning and the error taxonomy.
 * - internal/domain: Request and record types.
 */

package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/justbank/transfer-service/internal/app"
	"github.com/justbank/transfer-service/internal/domain"
)

// TransferService is the application surface the handlers call.
type TransferService interface {
	SubmitTransfer(ctx context.Context, req domain.TransferRequest) (*app.TransferResult, error)
	CheckTransferRateLimit(ctx context.Context, userID string) error
	EnsureBankFundingSource(ctx context.Context, userID, bankLinkID string) (*app.ProvisionResult, error)
	FixUserBanks(ctx context.Context, userID string) (*app.FixBanksSummary, error)
	DiagnoseBanks(ctx context.Context, userID string) (*app.Diagnostics, error)
	EnsurePaymentsCustomer(ctx context.Context, userID string) (*app.CustomerResult, error)
	LinkBank(ctx context.Context, userID, publicToken string) (*app.LinkBankResult, error)
}

// Handler holds the application service that handlers will use.
type Handler struct {
	service TransferService
}

// NewHandler creates a new Handler.
func NewHandler(service TransferService) *Handler {
	return &Handler{service: service}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type transferResponse struct {
	Executed          bool       `json:"executed"`
	Amount            string     `json:"amount"`
	Email             string     `json:"email"`
	TransferURL       string     `json:"transfer_url"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	RemediatedBankIDs []string   `json:"remediated_bank_ids,omitempty"`
	Warning           *errorBody `json:"warning,omitempty"`
}

type linkBankRequest struct {
	PublicToken string `json:"public_token"`
}

// SubmitTransferHandler runs one transfer submission for the authenticated user.
func (h *Handler) SubmitTransferHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		return
	}

	var req domain.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, app.ErrInvalidInput.Error(), "Invalid request body")
		return
	}
	req.SenderUserID = user.ID

	if err := h.service.CheckTransferRateLimit(r.Context(), user.ID); err != nil {
		writeAppError(w, err, "Too many transfer attempts.")
		return
	}

	result, err := h.service.SubmitTransfer(r.Context(), req)
	if err != nil {
		writeAppError(w, err, "The transfer could not be completed.")
		return
	}

	resp := transferResponse{
		Executed:          result.Executed,
		Amount:            result.Amount,
		Email:             result.Email,
		TransferURL:       result.TransferURL,
		TransactionID:     result.TransactionID,
		RemediatedBankIDs: result.Remediated,
	}
	if result.Warning != nil {
		resp.Warning = &errorBody{Error: result.Warning.Kind.Error(), Message: result.Warning.Message}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// CreateFundingSourceHandler provisions the funding source of one bank link.
func (h *Handler) CreateFundingSourceHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		return
	}
	bankID := strings.TrimSpace(chi.URLParam(r, "bankID"))
	if bankID == "" {
		writeError(w, http.StatusBadRequest, app.ErrInvalidInput.Error(), "Bank id is required")
		return
	}

	result, err := h.service.EnsureBankFundingSource(r.Context(), user.ID, bankID)
	if err != nil {
		writeAppError(w, err, "Failed to create a funding source.")
		return
	}

	status := http.StatusCreated
	if result.AlreadyProvisioned || !result.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// FixAllBanksHandler provisions every bank link of the caller that lacks a funding source.
func (h *Handler) FixAllBanksHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		return
	}

	summary, err := h.service.FixUserBanks(r.Context(), user.ID)
	if err != nil {
		log.Printf("level=error component=api msg=\"fix banks failed\" user_id=%s err=%v", user.ID, err)
		writeAppError(w, err, "Could not fix bank accounts. Please try again.")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// DiagnosticsHandler reports the payment readiness of the caller's bank links.
func (h *Handler) DiagnosticsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		return
	}

	report, err := h.service.DiagnoseBanks(r.Context(), user.ID)
	if err != nil {
		log.Printf("level=error component=api msg=\"diagnostics failed\" user_id=%s err=%v", user.ID, err)
		writeAppError(w, err, "Could not load bank diagnostics.")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// EnsureCustomerHandler creates the caller's payments customer when missing.
func (h *Handler) EnsureCustomerHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		return
	}

	result, err := h.service.EnsurePaymentsCustomer(r.Context(), user.ID)
	if err != nil {
		writeAppError(w, err, "Failed to create a payment profile.")
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

// LinkBankHandler connects a bank account from an aggregator public token.
func (h *Handler) LinkBankHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "Authorization required")
		return
	}

	var req linkBankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, app.ErrInvalidInput.Error(), "Invalid request body")
		return
	}

	result, err := h.service.LinkBank(r.Context(), user.ID, req.PublicToken)
	if err != nil {
		writeAppError(w, err, "Could not link the bank account.")
		return
	}

	status := http.StatusCreated
	if result.AlreadyLinked {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=warn component=api msg=\"response encode failed\" err=%v", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}
