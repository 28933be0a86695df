/**
 * @description
 * This file defines the storage contract for the transfer-service. Two
 * implementations exist: PostgresRepository and AppwriteRepository (hosted document
 * database). The application layer depends only on this interface.
 */

package store

import (
	"context"
	"errors"

	"github.com/justbank/transfer-service/internal/domain"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrBankLinkNotFound = errors.New("bank link not found")
)

// Repository defines the persistence operations the transfer-service relies on.
type Repository interface {
	GetUserByID(ctx context.Context, userID string) (*domain.User, error)
	FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error)
	UpdateUserPaymentsCustomer(ctx context.Context, userID, customerID, customerURL string) error

	GetBankLinkByID(ctx context.Context, bankLinkID string) (*domain.BankLink, error)
	// FindBankLinkByAccountID returns ErrBankLinkNotFound unless exactly one bank
	// link carries accountID.
	FindBankLinkByAccountID(ctx context.Context, accountID string) (*domain.BankLink, error)
	ListBankLinksByUserID(ctx context.Context, userID string) ([]domain.BankLink, error)
	ListBankLinksMissingFundingSource(ctx context.Context, limit int) ([]domain.BankLink, error)
	CreateBankLink(ctx context.Context, link *domain.BankLink) (*domain.BankLink, error)
	// SetBankLinkFundingSource writes url only while the stored value is still
	// empty or a placeholder. It reports whether this call performed the write.
	SetBankLinkFundingSource(ctx context.Context, bankLinkID, url string) (bool, error)
	SetBankLinkProcessorToken(ctx context.Context, bankLinkID, token string) error

	CreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error)
}
