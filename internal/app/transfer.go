package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/shareid"
	"github.com/justbank/transfer-service/internal/store"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
)

var (
	minimumTransferAmount = decimal.New(1, -2)
	// amountUpperBound matches the NUMERIC(14,2) ledger column.
	amountUpperBound = decimal.New(1, 12)
)

const maxAmountLength = 32

// TransferResult is the outcome of a submission whose money movement was accepted.
// Warning is set when the ledger entry could not be written.
type TransferResult struct {
	Executed      bool
	Amount        string
	Email         string
	TransferURL   string
	TransactionID string
	Remediated    []string
	Warning       *TransferError
}

// party is one resolved side of a transfer.
type party struct {
	link  *domain.BankLink
	owner *domain.User
}

// SubmitTransfer runs one transfer submission end to end:
// decode → resolve → validate/provision → transfer → record.
// The payments API is called at most once and nothing is retried.
func (s *Service) SubmitTransfer(ctx context.Context, req domain.TransferRequest) (*TransferResult, error) {
	stage := StageIdle
	logFailure := func(err *TransferError) (*TransferResult, error) {
		log.Printf("level=warn component=transfer_pipeline msg=\"submission failed\" stage=%s kind=%v sender_bank_id=%s err=%v", err.Stage, err.Kind, req.SenderBankID, err.Err)
		return nil, err
	}

	// Step 1: Validate the submission itself before any collaborator is touched.
	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return logFailure(newTransferError(ErrInvalidAmount, stage, err.Error(), nil))
	}
	email := strings.TrimSpace(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		return logFailure(newTransferError(ErrInvalidInput, stage, "A valid recipient email is required.", nil))
	}

	// Step 2: Decode the shareable id into the receiver's account id.
	stage = StageDecoding
	receiverAccountID, err := shareid.Decode(req.ShareableID)
	if err != nil {
		return logFailure(newTransferError(ErrDecode, stage, "Invalid shareable ID. Please check the ID and try again.", err))
	}

	// Step 3: Resolve both bank links and their owners.
	stage = StageResolvingAccounts
	receiver, senderSide, transferErr := s.resolveParties(ctx, stage, req, receiverAccountID)
	if transferErr != nil {
		return logFailure(transferErr)
	}

	// Step 4: Make sure both sides can move money, provisioning funding sources that
	// are missing.
	stage = StageValidatingFunding
	var remediated []string
	for _, side := range []struct {
		party party
		stage Stage
		label string
	}{
		{party: senderSide, stage: StageRemediatingSender, label: "sender"},
		{party: receiver, stage: StageRemediatingReceiver, label: "receiver"},
	} {
		if !side.party.owner.HasPaymentsCustomer() {
			return logFailure(newTransferError(ErrMissingDwollaCustomer, stage,
				fmt.Sprintf("The %s is not set up for payments yet.", side.label), nil))
		}
		if side.party.link.HasFundingSource() {
			continue
		}

		log.Printf("level=info component=transfer_pipeline msg=\"funding source missing; provisioning\" party=%s bank_link_id=%s", side.label, side.party.link.ID)
		result, err := s.provisioner.Provision(ctx, side.party.link, side.party.owner, ProvisionOptions{})
		if err != nil {
			return logFailure(provisionToTransferError(side.stage, err))
		}
		if result.Created {
			remediated = append(remediated, side.party.link.ID)
		}
	}

	if !domain.IsValidFundingSourceURL(senderSide.link.FundingSourceURL) || !domain.IsValidFundingSourceURL(receiver.link.FundingSourceURL) {
		return logFailure(newTransferError(ErrFundingSourceCreationFailed, stage, "A valid funding source is required for both accounts.", nil))
	}

	// Step 5: Execute the transfer exactly once.
	stage = StageTransferring
	transferReq := dwollaclient.NewTransferRequest(senderSide.link.FundingSourceURL, receiver.link.FundingSourceURL, domain.TransferCurrency, amount)
	transferReq.IdempotencyKey = newEventID()
	transferURL, err := s.payments.CreateTransfer(ctx, transferReq)
	if err != nil {
		return logFailure(mapTransferError(err))
	}
	log.Printf("level=info component=transfer_pipeline msg=\"transfer created\" sender_bank_id=%s receiver_bank_id=%s amount=%s transfer_url=%s", senderSide.link.ID, receiver.link.ID, amount, transferURL)

	result := &TransferResult{
		Executed:    true,
		Amount:      amount,
		Email:       email,
		TransferURL: transferURL,
		Remediated:  remediated,
	}

	// Step 6: Record the ledger entry. The money has moved, so failure here is a warning.
	stage = StageRecordingLedger
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Transfer to " + email
	}
	entry := &domain.Transaction{
		Name:           name,
		Amount:         amount,
		SenderID:       senderSide.owner.ID,
		SenderBankID:   senderSide.link.ID,
		ReceiverID:     receiver.owner.ID,
		ReceiverBankID: receiver.link.ID,
		Email:          email,
		TransferURL:    transferURL,
		Channel:        domain.TransactionChannelOnline,
		Category:       domain.TransactionCategoryTransfer,
		CreatedAt:      time.Now().UTC(),
	}

	event := domain.TransferEvent{
		EventID:        newEventID(),
		TransferURL:    transferURL,
		Amount:         amount,
		Currency:       domain.TransferCurrency,
		SenderID:       entry.SenderID,
		SenderBankID:   entry.SenderBankID,
		ReceiverID:     entry.ReceiverID,
		ReceiverBankID: entry.ReceiverBankID,
		Email:          email,
		Timestamp:      entry.CreatedAt,
	}

	recorded, err := s.repo.CreateTransaction(ctx, entry)
	if err != nil {
		result.Warning = newTransferError(ErrLedgerWriteFailed, stage,
			"Your transfer was sent, but we could not save it to your transaction history.", err)
		log.Printf("level=error component=transfer_pipeline msg=\"ledger write failed after transfer\" transfer_url=%s sender_bank_id=%s receiver_bank_id=%s amount=%s err=%v", transferURL, entry.SenderBankID, entry.ReceiverBankID, amount, err)
		event.LedgerError = err.Error()
		s.publish(ctx, domain.RoutingKeyTransferLedgerWriteFailed, event)
		return result, nil
	}

	result.TransactionID = recorded.ID
	event.TransactionID = recorded.ID
	s.publish(ctx, domain.RoutingKeyTransferCompleted, event)
	log.Printf("level=info component=transfer_pipeline msg=\"submission complete\" stage=%s transaction_id=%s", StageDone, recorded.ID)
	return result, nil
}

func (s *Service) resolveParties(ctx context.Context, stage Stage, req domain.TransferRequest, receiverAccountID string) (party, party, *TransferError) {
	var receiver, sender party

	receiverLink, err := s.repo.FindBankLinkByAccountID(ctx, receiverAccountID)
	if err != nil {
		if errors.Is(err, store.ErrBankLinkNotFound) {
			return receiver, sender, newTransferError(ErrAccountNotFound, stage, "Receiver account not found. Please check the shareable ID.", err)
		}
		return receiver, sender, storeUnavailable(stage, err)
	}

	senderBankID := strings.TrimSpace(req.SenderBankID)
	if senderBankID == "" {
		return receiver, sender, newTransferError(ErrAccountNotFound, stage, "Sender account not found. Please select a source bank.", nil)
	}
	senderLink, err := s.repo.GetBankLinkByID(ctx, senderBankID)
	if err != nil {
		if errors.Is(err, store.ErrBankLinkNotFound) {
			return receiver, sender, newTransferError(ErrAccountNotFound, stage, "Sender account not found. Please select a source bank.", err)
		}
		return receiver, sender, storeUnavailable(stage, err)
	}
	if req.SenderUserID != "" && senderLink.UserID != req.SenderUserID {
		return receiver, sender, newTransferError(ErrAccountNotFound, stage, "Sender account not found. Please select a source bank.", nil)
	}

	if senderLink.ID == receiverLink.ID {
		return receiver, sender, newTransferError(ErrSameAccountTransfer, stage, "You cannot transfer money to the same account.", nil)
	}

	senderOwner, transferErr := s.loadParty(ctx, stage, senderLink, "Sender")
	if transferErr != nil {
		return receiver, sender, transferErr
	}
	receiverOwner, transferErr := s.loadParty(ctx, stage, receiverLink, "Receiver")
	if transferErr != nil {
		return receiver, sender, transferErr
	}

	return party{link: receiverLink, owner: receiverOwner}, party{link: senderLink, owner: senderOwner}, nil
}

func (s *Service) loadParty(ctx context.Context, stage Stage, link *domain.BankLink, label string) (*domain.User, *TransferError) {
	owner, err := s.repo.GetUserByID(ctx, link.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, newTransferError(ErrAccountNotFound, stage, label+" account owner not found.", err)
		}
		return nil, storeUnavailable(stage, err)
	}
	return owner, nil
}

func storeUnavailable(stage Stage, err error) *TransferError {
	return newTransferError(ErrUpstreamUnavailable, stage, "Account lookup is temporarily unavailable. Please try again later.", err)
}

func provisionToTransferError(stage Stage, err error) *TransferError {
	var provisionErr *ProvisionError
	if errors.As(err, &provisionErr) {
		return newTransferError(provisionErr.Kind, stage, provisionErr.Message, err)
	}
	return newTransferError(ErrFundingSourceCreationFailed, stage, "Failed to set up a funding source for this transfer.", err)
}

// normalizeAmount parses a plain decimal amount with at most two fraction digits and
// formats it with exactly two. Exponent notation is rejected.
func normalizeAmount(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("Please enter an amount.")
	}
	if len(trimmed) > maxAmountLength || strings.ContainsAny(trimmed, "eE") {
		return "", errors.New("Please enter a valid amount.")
	}

	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return "", errors.New("Please enter a valid amount.")
	}
	if !value.IsPositive() {
		return "", errors.New("Amount must be greater than zero.")
	}
	if value.Exponent() < -2 {
		return "", errors.New("Amount can have at most two decimal places.")
	}
	if value.LessThan(minimumTransferAmount) {
		return "", errors.New("Amount must be at least 0.01.")
	}
	if value.GreaterThanOrEqual(amountUpperBound) {
		return "", errors.New("Amount is too large.")
	}
	return value.StringFixed(2), nil
}

// mapTransferError translates a payments API failure into the transfer taxonomy.
func mapTransferError(err error) *TransferError {
	status := dwollaclient.StatusCode(err)

	var kind error
	var message string
	switch {
	case status == http.StatusBadRequest:
		kind, message = ErrInvalidRequest, "Invalid transfer request. Please check the amount and accounts."
	case status == http.StatusUnauthorized:
		kind, message = ErrAuthenticationFailed, "Authentication with the payment service failed."
	case status == http.StatusForbidden:
		kind, message = ErrNotAuthorized, "This transfer is not authorized. Both accounts must be verified for payments."
	case status == http.StatusNotFound:
		kind, message = ErrCounterpartyNotFound, "One of the accounts could not be found on the payment service."
	case status >= http.StatusInternalServerError:
		kind, message = ErrUpstreamUnavailable, "The payment service is temporarily unavailable. Please try again later."
	default:
		kind, message = ErrTransferFailed, "The transfer could not be completed."
	}

	var apiErr *dwollaclient.APIError
	if errors.As(err, &apiErr) && apiErr.Detail() != "" {
		message = fmt.Sprintf("%s (%s)", message, apiErr.Detail())
	}
	return newTransferError(kind, StageTransferring, message, err)
}
