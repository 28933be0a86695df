package app

import (
	"errors"
	"fmt"
)

// Error kinds. Each sentinel's text is the stable code returned to API clients.
var (
	ErrInvalidInput                = errors.New("invalid_input")
	ErrDecode                      = errors.New("decode_error")
	ErrAccountNotFound             = errors.New("account_not_found")
	ErrMissingDwollaCustomer       = errors.New("missing_dwolla_customer")
	ErrMissingProcessorToken       = errors.New("missing_processor_token")
	ErrFundingSourceCreationFailed = errors.New("funding_source_creation_failed")
	ErrInvalidAmount               = errors.New("invalid_amount")
	ErrSameAccountTransfer         = errors.New("same_account_transfer")
	ErrInvalidRequest              = errors.New("invalid_request")
	ErrAuthenticationFailed        = errors.New("authentication_failed")
	ErrNotAuthorized               = errors.New("not_authorized")
	ErrCounterpartyNotFound        = errors.New("counterparty_not_found")
	ErrUpstreamUnavailable         = errors.New("upstream_unavailable")
	ErrTransferFailed              = errors.New("transfer_failed")
	ErrLedgerWriteFailed           = errors.New("ledger_write_failed")

	ErrInvalidCustomerProfile = errors.New("invalid_customer_profile")
	ErrCustomerCreationFailed = errors.New("customer_creation_failed")
	ErrBankLinkFailed         = errors.New("bank_link_failed")
	ErrRateLimited            = errors.New("rate_limited")
)

var kinds = []error{
	ErrInvalidInput,
	ErrDecode,
	ErrAccountNotFound,
	ErrMissingDwollaCustomer,
	ErrMissingProcessorToken,
	ErrFundingSourceCreationFailed,
	ErrInvalidAmount,
	ErrSameAccountTransfer,
	ErrInvalidRequest,
	ErrAuthenticationFailed,
	ErrNotAuthorized,
	ErrCounterpartyNotFound,
	ErrUpstreamUnavailable,
	ErrTransferFailed,
	ErrLedgerWriteFailed,
	ErrInvalidCustomerProfile,
	ErrCustomerCreationFailed,
	ErrBankLinkFailed,
	ErrRateLimited,
}

// KindOf returns the kind sentinel carried by err, or nil.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// Stage is a step of the transfer submission state machine.
type Stage string

const (
	StageIdle                Stage = "idle"
	StageDecoding            Stage = "decoding"
	StageResolvingAccounts   Stage = "resolving_accounts"
	StageValidatingFunding   Stage = "validating_funding"
	StageRemediatingSender   Stage = "remediating_sender"
	StageRemediatingReceiver Stage = "remediating_receiver"
	StageTransferring        Stage = "transferring"
	StageRecordingLedger     Stage = "recording_ledger"
	StageDone                Stage = "done"
)

// TransferError is the failure of one submission. Message is safe to show to the
// end user; Err carries the underlying cause for logs.
type TransferError struct {
	Kind    error
	Stage   Stage
	Message string
	Err     error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s at %s: %s: %v", e.Kind, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, e.Stage, e.Message)
}

func (e *TransferError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newTransferError(kind error, stage Stage, message string, cause error) *TransferError {
	return &TransferError{Kind: kind, Stage: stage, Message: message, Err: cause}
}

// ProvisionError is the failure of one funding source or customer provisioning
// attempt. Retryable is set when the failure came from infrastructure rather than
// from the record itself.
type ProvisionError struct {
	Kind       error
	BankLinkID string
	Message    string
	Retryable  bool
	Err        error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (bank_link=%s): %s: %v", e.Kind, e.BankLinkID, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (bank_link=%s): %s", e.Kind, e.BankLinkID, e.Message)
}

func (e *ProvisionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// RateLimitError reports a rejected submission and when the caller may try again.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many transfer submissions; retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// UserMessage returns the display message of a typed error, falling back to generic.
func UserMessage(err error, generic string) string {
	var transferErr *TransferError
	if errors.As(err, &transferErr) && transferErr.Message != "" {
		return transferErr.Message
	}
	var provisionErr *ProvisionError
	if errors.As(err, &provisionErr) && provisionErr.Message != "" {
		return provisionErr.Message
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return "Too many transfer attempts. Please wait a moment and try again."
	}
	return generic
}
