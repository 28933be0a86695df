package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/shareid"
	"github.com/justbank/transfer-service/internal/store"
	"github.com/justbank/transfer-service/pkg/plaidclient"
)

// LinkBankResult is the outcome of connecting a bank account.
type LinkBankResult struct {
	BankLink                 *domain.BankLink `json:"bank"`
	FundingSourceProvisioned bool             `json:"funding_source_provisioned"`
	AlreadyLinked            bool             `json:"already_linked,omitempty"`
	Warning                  string           `json:"warning,omitempty"`
}

// LinkBank exchanges an aggregator public token and stores the first account of the
// item as a bank link. Funding source provisioning is attempted inline; when it
// fails the link is kept and a provisioning request is published instead.
func (s *Service) LinkBank(ctx context.Context, userID, publicToken string) (*LinkBankResult, error) {
	publicToken = strings.TrimSpace(publicToken)
	if publicToken == "" {
		return nil, &ProvisionError{Kind: ErrInvalidInput, Message: "A public token is required."}
	}

	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, &ProvisionError{Kind: ErrAccountNotFound, Message: "User not found.", Err: err}
		}
		return nil, &ProvisionError{Kind: ErrUpstreamUnavailable, Message: "Could not load the user. Please try again.", Retryable: true, Err: err}
	}

	// 1. Exchange the public token and pick the account.
	exchange, err := s.bankData.ExchangePublicToken(ctx, publicToken)
	if err != nil {
		return nil, bankDataError("Could not connect to your bank. Please try again.", err)
	}
	accounts, err := s.bankData.GetAccounts(ctx, exchange.AccessToken)
	if err != nil {
		return nil, bankDataError("Could not read the accounts of your bank connection.", err)
	}
	if len(accounts.Accounts) == 0 {
		return nil, &ProvisionError{Kind: ErrBankLinkFailed, Message: "The bank connection has no accounts."}
	}
	account := accounts.Accounts[0]
	if strings.TrimSpace(account.AccountID) == "" {
		return nil, &ProvisionError{Kind: ErrBankLinkFailed, Message: "The bank connection returned an account without an id."}
	}

	existing, err := s.repo.FindBankLinkByAccountID(ctx, account.AccountID)
	switch {
	case err == nil && existing.UserID == user.ID:
		log.Printf("level=info component=bank_linking msg=\"account already linked\" user_id=%s bank_link_id=%s", user.ID, existing.ID)
		return &LinkBankResult{BankLink: existing, FundingSourceProvisioned: existing.HasFundingSource(), AlreadyLinked: true}, nil
	case err == nil:
		return nil, &ProvisionError{Kind: ErrBankLinkFailed, BankLinkID: existing.ID, Message: "This bank account is already linked to another user."}
	case !errors.Is(err, store.ErrBankLinkNotFound):
		return nil, &ProvisionError{Kind: ErrUpstreamUnavailable, Message: "Could not check existing bank links. Please try again.", Retryable: true, Err: err}
	}

	// 2. Mint the processor token the payments API uses to attach the account.
	processorToken, err := s.bankData.CreateProcessorToken(ctx, exchange.AccessToken, account.AccountID)
	if err != nil {
		return nil, bankDataError("Could not authorize payments for this bank account.", err)
	}

	// 3. Persist the link before any payments side effect.
	accountType := account.Subtype
	if accountType == "" {
		accountType = account.Type
	}
	link, err := s.repo.CreateBankLink(ctx, &domain.BankLink{
		UserID:         user.ID,
		BankID:         exchange.ItemID,
		AccountID:      account.AccountID,
		AccessToken:    exchange.AccessToken,
		ProcessorToken: processorToken,
		ShareableID:    shareid.Encode(account.AccountID),
		BankName:       account.Name,
		AccountType:    accountType,
	})
	if err != nil {
		if errors.Is(err, store.ErrBankLinkExists) {
			return nil, &ProvisionError{Kind: ErrBankLinkFailed, Message: "This bank account is already linked.", Err: err}
		}
		return nil, &ProvisionError{Kind: ErrBankLinkFailed, Message: "Could not save the bank account. Please try again.", Retryable: true, Err: err}
	}
	log.Printf("level=info component=bank_linking msg=\"bank link created\" user_id=%s bank_link_id=%s", user.ID, link.ID)

	result := &LinkBankResult{BankLink: link}
	s.publish(ctx, domain.RoutingKeyBankLinkCreated, s.bankLinkEvent(link, "linked"))

	// 4. Provision the funding source, tolerating failure.
	if _, err := s.ensureCustomerFor(ctx, user); err != nil {
		result.Warning = UserMessage(err, "Payments are not set up for this account yet.")
		log.Printf("level=warn component=bank_linking msg=\"payments customer unavailable; deferring funding source\" user_id=%s kind=%v err=%v", user.ID, KindOf(err), err)
		s.publish(ctx, domain.RoutingKeyBankLinkProvisionRequest, s.bankLinkEvent(link, "customer_unavailable"))
		return result, nil
	}
	if _, err := s.provisioner.Provision(ctx, link, user, ProvisionOptions{}); err != nil {
		result.Warning = UserMessage(err, "The bank account was linked, but payments setup will finish shortly.")
		log.Printf("level=warn component=bank_linking msg=\"funding source deferred\" bank_link_id=%s kind=%v err=%v", link.ID, KindOf(err), err)
		s.publish(ctx, domain.RoutingKeyBankLinkProvisionRequest, s.bankLinkEvent(link, "funding_source_failed"))
		return result, nil
	}

	result.FundingSourceProvisioned = true
	return result, nil
}

func (s *Service) bankLinkEvent(link *domain.BankLink, reason string) domain.BankLinkEvent {
	return domain.BankLinkEvent{
		EventID:    newEventID(),
		BankLinkID: link.ID,
		UserID:     link.UserID,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
}

func bankDataError(message string, err error) *ProvisionError {
	var plaidErr *plaidclient.ErrorResponse
	retryable := true
	if errors.As(err, &plaidErr) {
		if plaidErr.DisplayMessage != "" {
			message = plaidErr.DisplayMessage
		}
		retryable = plaidErr.StatusCode == 0 || plaidErr.StatusCode >= 500
	}
	log.Printf("level=warn component=bank_linking msg=\"bank data request failed\" err=%v", err)
	return &ProvisionError{Kind: ErrBankLinkFailed, Message: message, Retryable: retryable, Err: err}
}
