/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL used to read users and bank links, conditionally persist
 * funding source references, and append ledger entries.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/google/uuid: Primary keys for rows created by this service.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/justbank/transfer-service/internal/domain"
)

// ErrBankLinkExists is returned when a bank link for the same account is already stored.
var ErrBankLinkExists = errors.New("bank link already exists")

const uniqueViolationCode = "23505"

// validFundingSourceSQL mirrors domain.IsValidFundingSourceURL for use in WHERE clauses.
const validFundingSourceSQL = `(
	coalesce(funding_source_url, '') LIKE 'https://api-sandbox.dwolla.com/funding-sources%'
	OR coalesce(funding_source_url, '') LIKE 'https://api.dwolla.com/funding-sources%'
)`

const bankLinkColumns = `id, user_id, bank_id, account_id, coalesce(access_token, ''),
	coalesce(funding_source_url, ''), coalesce(processor_token, ''), shareable_id,
	coalesce(bank_name, ''), coalesce(account_type, '')`

const userColumns = `id, coalesce(auth_subject, ''), first_name, last_name, email,
	coalesce(address1, ''), coalesce(city, ''), coalesce(state, ''), coalesce(postal_code, ''),
	coalesce(date_of_birth, ''), coalesce(ssn, ''), coalesce(dwolla_customer_id, ''),
	coalesce(dwolla_customer_url, '')`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	auth_subject TEXT UNIQUE,
	first_name TEXT NOT NULL DEFAULT '',
	last_name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	address1 TEXT,
	city TEXT,
	state TEXT,
	postal_code TEXT,
	date_of_birth TEXT,
	ssn TEXT,
	dwolla_customer_id TEXT,
	dwolla_customer_url TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bank_links (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	bank_id TEXT NOT NULL,
	account_id TEXT NOT NULL UNIQUE,
	access_token TEXT,
	funding_source_url TEXT,
	processor_token TEXT,
	shareable_id TEXT NOT NULL,
	bank_name TEXT,
	account_type TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_bank_links_user_id ON bank_links(user_id);

CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	amount NUMERIC(14, 2) NOT NULL,
	sender_id TEXT NOT NULL,
	sender_bank_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	receiver_bank_id TEXT NOT NULL,
	email TEXT NOT NULL,
	transfer_url TEXT,
	channel TEXT NOT NULL,
	category TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables this service reads and writes if they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.AuthSubject, &u.FirstName, &u.LastName, &u.Email,
		&u.Address1, &u.City, &u.State, &u.PostalCode,
		&u.DateOfBirth, &u.SSN, &u.DwollaCustomerID, &u.DwollaCustomerURL,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func scanBankLink(row rowScanner) (*domain.BankLink, error) {
	var b domain.BankLink
	err := row.Scan(
		&b.ID, &b.UserID, &b.BankID, &b.AccountID, &b.AccessToken,
		&b.FundingSourceURL, &b.ProcessorToken, &b.ShareableID,
		&b.BankName, &b.AccountType,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetUserByID retrieves a user by primary key.
func (r *PostgresRepository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// FindUserByAuthSubject resolves the user behind an identity-provider subject.
func (r *PostgresRepository) FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE auth_subject = $1`
	user, err := scanUser(r.db.QueryRow(ctx, query, subject))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// UpdateUserPaymentsCustomer stores the payments customer id and URL on a user.
func (r *PostgresRepository) UpdateUserPaymentsCustomer(ctx context.Context, userID, customerID, customerURL string) error {
	query := `UPDATE users SET dwolla_customer_id = $2, dwolla_customer_url = $3, updated_at = now() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, userID, customerID, customerURL)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetBankLinkByID retrieves a bank link by primary key.
func (r *PostgresRepository) GetBankLinkByID(ctx context.Context, bankLinkID string) (*domain.BankLink, error) {
	query := `SELECT ` + bankLinkColumns + ` FROM bank_links WHERE id = $1`
	link, err := scanBankLink(r.db.QueryRow(ctx, query, bankLinkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBankLinkNotFound
		}
		return nil, err
	}
	return link, nil
}

// FindBankLinkByAccountID fetches up to two rows so an ambiguous match can be told
// apart from a unique one.
func (r *PostgresRepository) FindBankLinkByAccountID(ctx context.Context, accountID string) (*domain.BankLink, error) {
	query := `SELECT ` + bankLinkColumns + ` FROM bank_links WHERE account_id = $1 LIMIT 2`
	links, err := r.queryBankLinks(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	if len(links) > 1 {
		log.Printf("level=warn component=store msg=\"account id matches several bank links\" account_id=%s", accountID)
	}
	if len(links) != 1 {
		return nil, ErrBankLinkNotFound
	}
	return &links[0], nil
}

// ListBankLinksByUserID returns every bank link owned by a user, oldest first.
func (r *PostgresRepository) ListBankLinksByUserID(ctx context.Context, userID string) ([]domain.BankLink, error) {
	query := `SELECT ` + bankLinkColumns + ` FROM bank_links WHERE user_id = $1 ORDER BY created_at ASC`
	return r.queryBankLinks(ctx, query, userID)
}

// ListBankLinksMissingFundingSource returns bank links whose funding source is still
// empty or a placeholder.
func (r *PostgresRepository) ListBankLinksMissingFundingSource(ctx context.Context, limit int) ([]domain.BankLink, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + bankLinkColumns + ` FROM bank_links WHERE NOT ` + validFundingSourceSQL + ` ORDER BY created_at ASC LIMIT $1`
	return r.queryBankLinks(ctx, query, limit)
}

func (r *PostgresRepository) queryBankLinks(ctx context.Context, query string, args ...any) ([]domain.BankLink, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []domain.BankLink
	for rows.Next() {
		link, err := scanBankLink(rows)
		if err != nil {
			return nil, err
		}
		links = append(links, *link)
	}
	return links, rows.Err()
}

// CreateBankLink inserts a new bank link. An empty ID is replaced with a fresh UUID.
func (r *PostgresRepository) CreateBankLink(ctx context.Context, link *domain.BankLink) (*domain.BankLink, error) {
	created := *link
	if strings.TrimSpace(created.ID) == "" {
		created.ID = uuid.NewString()
	}

	query := `
		INSERT INTO bank_links (id, user_id, bank_id, account_id, access_token, funding_source_url, processor_token, shareable_id, bank_name, account_type)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		created.ID, created.UserID, created.BankID, created.AccountID, created.AccessToken,
		created.FundingSourceURL, created.ProcessorToken, created.ShareableID,
		created.BankName, created.AccountType,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return nil, ErrBankLinkExists
		}
		return nil, err
	}
	return &created, nil
}

// SetBankLinkFundingSource performs a conditional write so two concurrent
// remediations cannot overwrite each other.
func (r *PostgresRepository) SetBankLinkFundingSource(ctx context.Context, bankLinkID, url string) (bool, error) {
	query := `UPDATE bank_links SET funding_source_url = $2, updated_at = now() WHERE id = $1 AND NOT ` + validFundingSourceSQL
	tag, err := r.db.Exec(ctx, query, bankLinkID, url)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bank_links WHERE id = $1)`, bankLinkID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrBankLinkNotFound
	}
	return false, nil
}

// SetBankLinkProcessorToken stores a freshly minted processor token.
func (r *PostgresRepository) SetBankLinkProcessorToken(ctx context.Context, bankLinkID, token string) error {
	tag, err := r.db.Exec(ctx, `UPDATE bank_links SET processor_token = $2, updated_at = now() WHERE id = $1`, bankLinkID, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrBankLinkNotFound
	}
	return nil
}

// CreateTransaction appends a ledger entry.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	created := *tx
	if strings.TrimSpace(created.ID) == "" {
		created.ID = uuid.NewString()
	}
	if created.CreatedAt.IsZero() {
		created.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (id, name, amount, sender_id, sender_bank_id, receiver_id, receiver_bank_id, email, transfer_url, channel, category, created_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
	`
	_, err := r.db.Exec(ctx, query,
		created.ID, created.Name, created.Amount,
		created.SenderID, created.SenderBankID, created.ReceiverID, created.ReceiverBankID,
		created.Email, created.TransferURL, created.Channel, created.Category, created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return &created, nil
}
