package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/store"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
)

// Locker fences concurrent provisioning of the same record. release must be safe to
// call when acquired is false.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), acquired bool, err error)
}

// ProvisionOptions tunes one provisioning attempt.
type ProvisionOptions struct {
	// RederiveProcessorToken allows minting a new processor token from the stored
	// access token when the bank link has none.
	RederiveProcessorToken bool
}

// ProvisionResult reports what one provisioning attempt did.
type ProvisionResult struct {
	BankLinkID           string `json:"bank_id"`
	BankName             string `json:"bank_name,omitempty"`
	FundingSourceURL     string `json:"funding_source_url,omitempty"`
	AlreadyProvisioned   bool   `json:"already_exists"`
	Created              bool   `json:"created"`
	ProcessorTokenMinted bool   `json:"processor_token_minted,omitempty"`
}

// Provisioner creates missing funding sources. It is invoked by the transfer pipeline
// as an explicit stage and on its own from HTTP, the broker consumer and the sweep.
type Provisioner struct {
	repo     store.Repository
	payments PaymentsAPI
	bankData BankDataAPI

	locker    Locker
	lockTTL   time.Duration
	lockWait  time.Duration
	pollEvery time.Duration
}

// NewProvisioner creates a provisioner without a distributed lock.
func NewProvisioner(repo store.Repository, payments PaymentsAPI, bankData BankDataAPI) *Provisioner {
	return &Provisioner{
		repo:      repo,
		payments:  payments,
		bankData:  bankData,
		lockTTL:   30 * time.Second,
		lockWait:  5 * time.Second,
		pollEvery: 250 * time.Millisecond,
	}
}

// SetLocker enables the per-bank-link provisioning lock.
func (p *Provisioner) SetLocker(locker Locker, ttl time.Duration) {
	p.locker = locker
	if ttl > 0 {
		p.lockTTL = ttl
	}
}

// EnsureFundingSource loads a bank link and its owner and provisions a funding source
// if the link has none.
func (p *Provisioner) EnsureFundingSource(ctx context.Context, bankLinkID string, opts ProvisionOptions) (*ProvisionResult, error) {
	link, err := p.repo.GetBankLinkByID(ctx, bankLinkID)
	if err != nil {
		if errors.Is(err, store.ErrBankLinkNotFound) {
			return nil, &ProvisionError{Kind: ErrAccountNotFound, BankLinkID: bankLinkID, Message: "Bank account not found.", Err: err}
		}
		return nil, &ProvisionError{Kind: ErrFundingSourceCreationFailed, BankLinkID: bankLinkID, Message: "Could not load the bank account. Please try again.", Retryable: true, Err: err}
	}

	owner, err := p.loadOwner(ctx, link)
	if err != nil {
		return nil, err
	}
	return p.Provision(ctx, link, owner, opts)
}

func (p *Provisioner) loadOwner(ctx context.Context, link *domain.BankLink) (*domain.User, error) {
	owner, err := p.repo.GetUserByID(ctx, link.UserID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, &ProvisionError{Kind: ErrAccountNotFound, BankLinkID: link.ID, Message: "The owner of this bank account could not be found.", Err: err}
		}
		return nil, &ProvisionError{Kind: ErrFundingSourceCreationFailed, BankLinkID: link.ID, Message: "Could not load the account owner. Please try again.", Retryable: true, Err: err}
	}
	return owner, nil
}

// Provision creates and persists a funding source for link when it lacks a valid
// one. On success link.FundingSourceURL holds the stored reference.
func (p *Provisioner) Provision(ctx context.Context, link *domain.BankLink, owner *domain.User, opts ProvisionOptions) (*ProvisionResult, error) {
	result := &ProvisionResult{BankLinkID: link.ID, BankName: link.BankName}
	if link.HasFundingSource() {
		result.AlreadyProvisioned = true
		result.FundingSourceURL = link.FundingSourceURL
		return result, nil
	}

	customerID := owner.PaymentsCustomerID()
	if customerID == "" {
		return nil, &ProvisionError{
			Kind:       ErrMissingDwollaCustomer,
			BankLinkID: link.ID,
			Message:    "The account owner is not set up for payments yet. Complete payment profile setup and try again.",
		}
	}

	release, acquired, err := p.acquire(ctx, link.ID)
	if err != nil {
		log.Printf("level=warn component=provisioner msg=\"lock unavailable; provisioning unfenced\" bank_link_id=%s err=%v", link.ID, err)
	}
	defer release()
	if err == nil && !acquired {
		return p.awaitConcurrentProvisioning(ctx, link, result)
	}

	// The caller's copy may predate a worker that already finished and released the lock.
	if stored, readErr := p.repo.GetBankLinkByID(ctx, link.ID); readErr == nil && stored.HasFundingSource() {
		log.Printf("level=info component=provisioner msg=\"funding source already stored\" bank_link_id=%s", link.ID)
		link.FundingSourceURL = stored.FundingSourceURL
		result.FundingSourceURL = stored.FundingSourceURL
		result.AlreadyProvisioned = true
		return result, nil
	}

	processorToken, minted, err := p.processorToken(ctx, link, opts)
	if err != nil {
		return nil, err
	}
	result.ProcessorTokenMinted = minted

	fundingSourceURL, err := p.payments.CreateFundingSource(ctx, customerID, dwollaclient.FundingSourceRequest{
		Name:       link.FundingSourceName(),
		PlaidToken: processorToken,
	})
	if err != nil {
		log.Printf("level=warn component=provisioner msg=\"funding source creation failed\" bank_link_id=%s status=%d err=%v", link.ID, dwollaclient.StatusCode(err), err)
		return nil, fundingSourceCreationError(link.ID, err)
	}

	wrote, err := p.repo.SetBankLinkFundingSource(ctx, link.ID, fundingSourceURL)
	if err != nil {
		log.Printf("level=error component=provisioner msg=\"funding source created but not persisted\" bank_link_id=%s funding_source_url=%s err=%v", link.ID, fundingSourceURL, err)
		return nil, &ProvisionError{
			Kind:       ErrFundingSourceCreationFailed,
			BankLinkID: link.ID,
			Message:    "The funding source was created but could not be saved. Please try again.",
			Retryable:  true,
			Err:        err,
		}
	}

	if !wrote {
		stored, err := p.repo.GetBankLinkByID(ctx, link.ID)
		if err == nil && stored.HasFundingSource() {
			log.Printf("level=info component=provisioner msg=\"concurrent provisioning won; using stored funding source\" bank_link_id=%s", link.ID)
			link.FundingSourceURL = stored.FundingSourceURL
			result.FundingSourceURL = stored.FundingSourceURL
			return result, nil
		}
		return nil, &ProvisionError{
			Kind:       ErrFundingSourceCreationFailed,
			BankLinkID: link.ID,
			Message:    "The funding source could not be saved. Please try again.",
			Retryable:  true,
			Err:        err,
		}
	}

	log.Printf("level=info component=provisioner msg=\"funding source provisioned\" bank_link_id=%s user_id=%s", link.ID, owner.ID)
	link.FundingSourceURL = fundingSourceURL
	result.FundingSourceURL = fundingSourceURL
	result.Created = true
	return result, nil
}

func (p *Provisioner) acquire(ctx context.Context, bankLinkID string) (func(), bool, error) {
	if p.locker == nil {
		return func() {}, true, nil
	}
	release, acquired, err := p.locker.Acquire(ctx, "provision:bank_link:"+bankLinkID, p.lockTTL)
	if release == nil {
		release = func() {}
	}
	return release, acquired, err
}

// awaitConcurrentProvisioning polls the stored bank link while another worker holds
// the lock.
func (p *Provisioner) awaitConcurrentProvisioning(ctx context.Context, link *domain.BankLink, result *ProvisionResult) (*ProvisionResult, error) {
	deadline := time.Now().Add(p.lockWait)
	for {
		stored, err := p.repo.GetBankLinkByID(ctx, link.ID)
		if err == nil && stored.HasFundingSource() {
			link.FundingSourceURL = stored.FundingSourceURL
			result.FundingSourceURL = stored.FundingSourceURL
			return result, nil
		}
		if time.Now().After(deadline) {
			return nil, &ProvisionError{
				Kind:       ErrFundingSourceCreationFailed,
				BankLinkID: link.ID,
				Message:    "This bank account is already being set up for payments. Please try again shortly.",
				Retryable:  true,
			}
		}

		select {
		case <-ctx.Done():
			return nil, &ProvisionError{Kind: ErrFundingSourceCreationFailed, BankLinkID: link.ID, Message: "Provisioning was interrupted.", Retryable: true, Err: ctx.Err()}
		case <-time.After(p.pollEvery):
		}
	}
}

func (p *Provisioner) processorToken(ctx context.Context, link *domain.BankLink, opts ProvisionOptions) (string, bool, error) {
	if link.HasProcessorToken() {
		return link.ProcessorToken, false, nil
	}

	if !opts.RederiveProcessorToken || p.bankData == nil || strings.TrimSpace(link.AccessToken) == "" {
		return "", false, &ProvisionError{
			Kind:       ErrMissingProcessorToken,
			BankLinkID: link.ID,
			Message:    "This bank account is missing a processor token. Please reconnect your bank account.",
		}
	}

	token, err := p.bankData.CreateProcessorToken(ctx, link.AccessToken, link.AccountID)
	if err != nil {
		log.Printf("level=warn component=provisioner msg=\"processor token creation failed\" bank_link_id=%s err=%v", link.ID, err)
		return "", false, &ProvisionError{
			Kind:       ErrMissingProcessorToken,
			BankLinkID: link.ID,
			Message:    "Could not create a processor token for this bank account. Please reconnect your bank account.",
			Err:        err,
		}
	}
	if err := p.repo.SetBankLinkProcessorToken(ctx, link.ID, token); err != nil {
		// The funding source can still be created with the in-memory token.
		log.Printf("level=warn component=provisioner msg=\"processor token not persisted\" bank_link_id=%s err=%v", link.ID, err)
	}
	link.ProcessorToken = token
	return token, true, nil
}

func fundingSourceCreationError(bankLinkID string, err error) *ProvisionError {
	status := dwollaclient.StatusCode(err)

	var message string
	switch {
	case status == http.StatusForbidden:
		message = "The bank connection has expired or is invalid. Please reconnect your bank account."
	case status == http.StatusBadRequest:
		message = "The payment service rejected the funding source request."
	case status == http.StatusUnauthorized:
		message = "Authentication with the payment service failed."
	case status == http.StatusNotFound:
		message = "The account owner was not found on the payment service."
	default:
		message = "Failed to create a funding source for this bank account."
	}

	var apiErr *dwollaclient.APIError
	if errors.As(err, &apiErr) && apiErr.Detail() != "" {
		message = fmt.Sprintf("%s (%s)", message, apiErr.Detail())
	}

	return &ProvisionError{
		Kind:       ErrFundingSourceCreationFailed,
		BankLinkID: bankLinkID,
		Message:    message,
		Retryable:  status == 0 || status >= 500,
		Err:        err,
	}
}

// BankFixResult is the outcome for one bank link in FixUserBanks.
type BankFixResult struct {
	BankLinkID       string `json:"bank_id"`
	BankName         string `json:"bank_name,omitempty"`
	Success          bool   `json:"success"`
	FundingSourceURL string `json:"funding_source_url,omitempty"`
	Error            string `json:"error,omitempty"`
}

// FixBanksSummary is the result of provisioning every bank link of a user.
type FixBanksSummary struct {
	Results []BankFixResult `json:"results"`
	Total   int             `json:"total"`
	Fixed   int             `json:"fixed"`
	Failed  int             `json:"failed"`
}

// FixUserBanks provisions every bank link of userID that lacks a funding source.
func (p *Provisioner) FixUserBanks(ctx context.Context, userID string) (*FixBanksSummary, error) {
	owner, err := p.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	links, err := p.repo.ListBankLinksByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bank links: %w", err)
	}

	summary := &FixBanksSummary{Results: []BankFixResult{}}
	for i := range links {
		link := &links[i]
		if link.HasFundingSource() {
			continue
		}
		summary.Total++

		entry := BankFixResult{BankLinkID: link.ID, BankName: link.BankName}
		result, err := p.Provision(ctx, link, owner, ProvisionOptions{RederiveProcessorToken: true})
		if err != nil {
			entry.Error = UserMessage(err, err.Error())
			summary.Failed++
		} else {
			entry.Success = true
			entry.FundingSourceURL = result.FundingSourceURL
			summary.Fixed++
		}
		summary.Results = append(summary.Results, entry)
	}

	log.Printf("level=info component=provisioner msg=\"fix banks complete\" user_id=%s total=%d fixed=%d failed=%d", userID, summary.Total, summary.Fixed, summary.Failed)
	return summary, nil
}

// SweepSummary counts the outcome of one provisioning sweep.
type SweepSummary struct {
	Scanned     int
	Provisioned int
	Failed      int
}

// Sweep provisions up to batch bank links that are still missing a funding source.
func (p *Provisioner) Sweep(ctx context.Context, batch int) (SweepSummary, error) {
	var summary SweepSummary

	links, err := p.repo.ListBankLinksMissingFundingSource(ctx, batch)
	if err != nil {
		return summary, fmt.Errorf("list bank links missing funding source: %w", err)
	}

	owners := map[string]*domain.User{}
	for i := range links {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		link := &links[i]
		summary.Scanned++

		owner, ok := owners[link.UserID]
		if !ok {
			owner, err = p.loadOwner(ctx, link)
			if err != nil {
				summary.Failed++
				continue
			}
			owners[link.UserID] = owner
		}

		if _, err := p.Provision(ctx, link, owner, ProvisionOptions{RederiveProcessorToken: true}); err != nil {
			log.Printf("level=warn component=provisioner msg=\"sweep provisioning failed\" bank_link_id=%s kind=%v err=%v", link.ID, KindOf(err), err)
			summary.Failed++
			continue
		}
		summary.Provisioned++
	}
	return summary, nil
}

// EnsureBankFundingSource provisions one bank link on behalf of its owner. Links
// owned by someone else are reported as not found.
func (s *Service) EnsureBankFundingSource(ctx context.Context, userID, bankLinkID string) (*ProvisionResult, error) {
	link, err := s.repo.GetBankLinkByID(ctx, bankLinkID)
	if err != nil {
		if errors.Is(err, store.ErrBankLinkNotFound) {
			return nil, &ProvisionError{Kind: ErrAccountNotFound, BankLinkID: bankLinkID, Message: "Bank account not found.", Err: err}
		}
		return nil, &ProvisionError{Kind: ErrUpstreamUnavailable, BankLinkID: bankLinkID, Message: "Could not load the bank account. Please try again.", Retryable: true, Err: err}
	}
	if link.UserID != userID {
		return nil, &ProvisionError{Kind: ErrAccountNotFound, BankLinkID: bankLinkID, Message: "Bank account not found."}
	}

	owner, err := s.provisioner.loadOwner(ctx, link)
	if err != nil {
		return nil, err
	}
	return s.provisioner.Provision(ctx, link, owner, ProvisionOptions{RederiveProcessorToken: true})
}

// FixUserBanks provisions every bank link of userID that lacks a funding source.
func (s *Service) FixUserBanks(ctx context.Context, userID string) (*FixBanksSummary, error) {
	return s.provisioner.FixUserBanks(ctx, userID)
}
