/**
 * @description
 * This file contains the core application service of the transfer-service. It owns
 * the collaborators shared by the transfer pipeline, the provisioning flows, bank
 * linking and diagnostics.
 *
 * @dependencies
 * - internal/store: Repository contract for users, bank links and ledger entries.
 * - pkg/dwollaclient, pkg/plaidclient: Request/response types of the external APIs.
 * - pkg/rabbitmq: Event publishing.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/justbank/transfer-service/internal/store"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
	"github.com/justbank/transfer-service/pkg/plaidclient"
	"github.com/justbank/transfer-service/pkg/rabbitmq"
)

// PaymentsAPI is the money-movement API surface the service calls.
type PaymentsAPI interface {
	CreateCustomer(ctx context.Context, req dwollaclient.CustomerRequest) (string, error)
	CreateFundingSource(ctx context.Context, customerID string, req dwollaclient.FundingSourceRequest) (string, error)
	CreateTransfer(ctx context.Context, req dwollaclient.TransferRequest) (string, error)
}

// BankDataAPI is the bank-data aggregator surface the service calls.
type BankDataAPI interface {
	ExchangePublicToken(ctx context.Context, publicToken string) (*plaidclient.ExchangeResponse, error)
	GetAccounts(ctx context.Context, accessToken string) (*plaidclient.AccountsResponse, error)
	CreateProcessorToken(ctx context.Context, accessToken, accountID string) (string, error)
}

// RateLimiter counts events per subject within a sliding window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Service wires the transfer pipeline and provisioning flows to their collaborators.
type Service struct {
	repo        store.Repository
	payments    PaymentsAPI
	bankData    BankDataAPI
	producer    rabbitmq.Publisher
	exchange    string
	provisioner *Provisioner

	rateLimiter        RateLimiter
	transfersPerMinute int
}

// NewService creates the application service. A nil producer is replaced with the
// no-op fallback publisher.
func NewService(repo store.Repository, payments PaymentsAPI, bankData BankDataAPI, producer rabbitmq.Publisher, exchange string) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	if exchange == "" {
		exchange = "justbank.events"
	}
	return &Service{
		repo:        repo,
		payments:    payments,
		bankData:    bankData,
		producer:    producer,
		exchange:    exchange,
		provisioner: NewProvisioner(repo, payments, bankData),
	}
}

// Provisioner returns the funding source provisioner used by the service.
func (s *Service) Provisioner() *Provisioner {
	return s.provisioner
}

// SetTransferRateLimiter enables per-user submission limiting.
func (s *Service) SetTransferRateLimiter(limiter RateLimiter, perMinute int) {
	s.rateLimiter = limiter
	s.transfersPerMinute = perMinute
}

// CheckTransferRateLimit consumes one submission slot for userID. Limiter faults are
// logged and the submission is allowed.
func (s *Service) CheckTransferRateLimit(ctx context.Context, userID string) error {
	if s.rateLimiter == nil || s.transfersPerMinute <= 0 {
		return nil
	}

	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, "transfer_submit", userID, s.transfersPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=transfer_pipeline msg=\"rate limiter unavailable; allowing submission\" user_id=%s err=%v", userID, err)
		return nil
	}
	if count > s.transfersPerMinute {
		log.Printf("level=info component=transfer_pipeline msg=\"submission rate limited\" user_id=%s count=%d retry_after=%d", userID, count, retryAfter)
		return &RateLimitError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

// publish sends an event and logs, never returns, a failure.
func (s *Service) publish(ctx context.Context, routingKey string, event any) {
	if err := s.producer.Publish(ctx, s.exchange, routingKey, event); err != nil {
		log.Printf("level=warn component=events msg=\"event publish failed\" exchange=%s routing_key=%s err=%v", s.exchange, routingKey, err)
	}
}

func newEventID() string {
	return uuid.NewString()
}
