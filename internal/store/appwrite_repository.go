package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/pkg/appwriteclient"
)

// DocumentStore is the subset of the Appwrite client the repository uses.
type DocumentStore interface {
	GetDocument(ctx context.Context, databaseID, collectionID, documentID string, target any) error
	ListDocuments(ctx context.Context, databaseID, collectionID string, queries ...appwriteclient.Query) (*appwriteclient.DocumentList, error)
	CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data, target any) error
	UpdateDocument(ctx context.Context, databaseID, collectionID, documentID string, data, target any) error
}

const missingFundingScanWindow = 200

// AppwriteCollections names the database and collections backing each record type.
type AppwriteCollections struct {
	DatabaseID   string
	Users        string
	BankLinks    string
	Transactions string
}

// AppwriteRepository implements Repository on top of the hosted document database.
//
// The document API has no conditional update, so SetBankLinkFundingSource is a
// read-check-write; the provisioning lock in the app layer fences concurrent writers.
type AppwriteRepository struct {
	docs        DocumentStore
	collections AppwriteCollections
}

// NewAppwriteRepository creates a new AppwriteRepository.
func NewAppwriteRepository(docs DocumentStore, collections AppwriteCollections) *AppwriteRepository {
	return &AppwriteRepository{docs: docs, collections: collections}
}

type userDocument struct {
	ID                string `json:"$id,omitempty"`
	UserID            string `json:"userId"`
	FirstName         string `json:"firstName"`
	LastName          string `json:"lastName"`
	Email             string `json:"email"`
	Address1          string `json:"address1"`
	City              string `json:"city"`
	State             string `json:"state"`
	PostalCode        string `json:"postalCode"`
	DateOfBirth       string `json:"dateOfBirth"`
	SSN               string `json:"ssn"`
	DwollaCustomerID  string `json:"dwollaCustomerId"`
	DwollaCustomerURL string `json:"dwollaCustomerUrl"`
}

func (d userDocument) toDomain() *domain.User {
	return &domain.User{
		ID:                d.ID,
		AuthSubject:       d.UserID,
		FirstName:         d.FirstName,
		LastName:          d.LastName,
		Email:             d.Email,
		Address1:          d.Address1,
		City:              d.City,
		State:             d.State,
		PostalCode:        d.PostalCode,
		DateOfBirth:       d.DateOfBirth,
		SSN:               d.SSN,
		DwollaCustomerID:  d.DwollaCustomerID,
		DwollaCustomerURL: d.DwollaCustomerURL,
	}
}

type bankLinkDocument struct {
	ID               string  `json:"$id,omitempty"`
	UserID           string  `json:"userId"`
	BankID           string  `json:"bankId"`
	AccountID        string  `json:"accountId"`
	AccessToken      string  `json:"accessToken"`
	FundingSourceURL *string `json:"fundingSourceUrl"`
	ProcessorToken   *string `json:"plaidProcessorToken"`
	ShareableID      string  `json:"shareableId"`
	BankName         string  `json:"bankName"`
	AccountType      string  `json:"accountType"`
}

func (d bankLinkDocument) toDomain() *domain.BankLink {
	link := &domain.BankLink{
		ID:          d.ID,
		UserID:      d.UserID,
		BankID:      d.BankID,
		AccountID:   d.AccountID,
		AccessToken: d.AccessToken,
		ShareableID: d.ShareableID,
		BankName:    d.BankName,
		AccountType: d.AccountType,
	}
	if d.FundingSourceURL != nil {
		link.FundingSourceURL = *d.FundingSourceURL
	}
	if d.ProcessorToken != nil {
		link.ProcessorToken = *d.ProcessorToken
	}
	return link
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

type transactionDocument struct {
	ID             string `json:"$id,omitempty"`
	Name           string `json:"name"`
	Amount         string `json:"amount"`
	SenderID       string `json:"senderId"`
	SenderBankID   string `json:"senderBankId"`
	ReceiverID     string `json:"receiverId"`
	ReceiverBankID string `json:"receiverBankId"`
	Email          string `json:"email"`
	TransferURL    string `json:"transferUrl,omitempty"`
	Channel        string `json:"channel"`
	Category       string `json:"category"`
	CreatedAt      string `json:"$createdAt,omitempty"`
}

// GetUserByID retrieves a user document.
func (r *AppwriteRepository) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	var doc userDocument
	if err := r.docs.GetDocument(ctx, r.collections.DatabaseID, r.collections.Users, userID, &doc); err != nil {
		if appwriteclient.IsNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

// FindUserByAuthSubject resolves the user document whose userId is the auth subject.
func (r *AppwriteRepository) FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error) {
	list, err := r.docs.ListDocuments(ctx, r.collections.DatabaseID, r.collections.Users,
		appwriteclient.Equal("userId", subject), appwriteclient.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(list.Documents) == 0 {
		return nil, ErrUserNotFound
	}
	var doc userDocument
	if err := json.Unmarshal(list.Documents[0], &doc); err != nil {
		return nil, fmt.Errorf("decode user document: %w", err)
	}
	return doc.toDomain(), nil
}

// UpdateUserPaymentsCustomer stores the payments customer fields on the user document.
func (r *AppwriteRepository) UpdateUserPaymentsCustomer(ctx context.Context, userID, customerID, customerURL string) error {
	data := map[string]string{
		"dwollaCustomerId":  customerID,
		"dwollaCustomerUrl": customerURL,
	}
	if err := r.docs.UpdateDocument(ctx, r.collections.DatabaseID, r.collections.Users, userID, data, nil); err != nil {
		if appwriteclient.IsNotFound(err) {
			return ErrUserNotFound
		}
		return err
	}
	return nil
}

// GetBankLinkByID retrieves a bank link document.
func (r *AppwriteRepository) GetBankLinkByID(ctx context.Context, bankLinkID string) (*domain.BankLink, error) {
	var doc bankLinkDocument
	if err := r.docs.GetDocument(ctx, r.collections.DatabaseID, r.collections.BankLinks, bankLinkID, &doc); err != nil {
		if appwriteclient.IsNotFound(err) {
			return nil, ErrBankLinkNotFound
		}
		return nil, err
	}
	return doc.toDomain(), nil
}

// FindBankLinkByAccountID returns the matching bank link only when the collection
// holds exactly one document for accountID.
func (r *AppwriteRepository) FindBankLinkByAccountID(ctx context.Context, accountID string) (*domain.BankLink, error) {
	list, err := r.docs.ListDocuments(ctx, r.collections.DatabaseID, r.collections.BankLinks,
		appwriteclient.Equal("accountId", accountID), appwriteclient.Limit(2))
	if err != nil {
		return nil, err
	}
	if list.Total > 1 {
		log.Printf("level=warn component=store msg=\"account id matches several bank links\" account_id=%s total=%d", accountID, list.Total)
	}
	if list.Total != 1 || len(list.Documents) != 1 {
		return nil, ErrBankLinkNotFound
	}
	links, err := decodeBankLinks(list.Documents)
	if err != nil {
		return nil, err
	}
	return &links[0], nil
}

// ListBankLinksByUserID lists a user's bank links.
func (r *AppwriteRepository) ListBankLinksByUserID(ctx context.Context, userID string) ([]domain.BankLink, error) {
	list, err := r.docs.ListDocuments(ctx, r.collections.DatabaseID, r.collections.BankLinks,
		appwriteclient.Equal("userId", userID), appwriteclient.OrderAsc("$createdAt"), appwriteclient.Limit(100))
	if err != nil {
		return nil, err
	}
	return decodeBankLinks(list.Documents)
}

// ListBankLinksMissingFundingSource combines a null query, a placeholder query and a
// bounded oldest-first scan; the document API cannot express "not prefixed by". Links
// holding some other invalid value are only found within the first
// missingFundingScanWindow documents, unlike the Postgres store which filters them all.
func (r *AppwriteRepository) ListBankLinksMissingFundingSource(ctx context.Context, limit int) ([]domain.BankLink, error) {
	if limit <= 0 {
		limit = 50
	}

	queries := [][]appwriteclient.Query{
		{appwriteclient.IsNull("fundingSourceUrl"), appwriteclient.Limit(limit)},
		{appwriteclient.Equal("fundingSourceUrl", "", "N/A", "null", "undefined"), appwriteclient.Limit(limit)},
		{appwriteclient.OrderAsc("$createdAt"), appwriteclient.Limit(missingFundingScanWindow)},
	}

	seen := map[string]struct{}{}
	var missing []domain.BankLink
	for _, q := range queries {
		list, err := r.docs.ListDocuments(ctx, r.collections.DatabaseID, r.collections.BankLinks, q...)
		if err != nil {
			return nil, err
		}
		links, err := decodeBankLinks(list.Documents)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if _, dup := seen[link.ID]; dup || link.HasFundingSource() {
				continue
			}
			seen[link.ID] = struct{}{}
			missing = append(missing, link)
			if len(missing) == limit {
				return missing, nil
			}
		}
	}
	return missing, nil
}

func decodeBankLinks(raw []json.RawMessage) ([]domain.BankLink, error) {
	links := make([]domain.BankLink, 0, len(raw))
	for _, item := range raw {
		var doc bankLinkDocument
		if err := json.Unmarshal(item, &doc); err != nil {
			return nil, fmt.Errorf("decode bank link document: %w", err)
		}
		links = append(links, *doc.toDomain())
	}
	return links, nil
}

// CreateBankLink creates a bank link document. A missing funding source is stored as
// "N/A" so the record matches what the linking flow has always written.
func (r *AppwriteRepository) CreateBankLink(ctx context.Context, link *domain.BankLink) (*domain.BankLink, error) {
	fundingSource := link.FundingSourceURL
	if strings.TrimSpace(fundingSource) == "" {
		fundingSource = "N/A"
	}
	doc := bankLinkDocument{
		UserID:           link.UserID,
		BankID:           link.BankID,
		AccountID:        link.AccountID,
		AccessToken:      link.AccessToken,
		FundingSourceURL: &fundingSource,
		ProcessorToken:   optionalString(link.ProcessorToken),
		ShareableID:      link.ShareableID,
		BankName:         link.BankName,
		AccountType:      link.AccountType,
	}

	var created bankLinkDocument
	if err := r.docs.CreateDocument(ctx, r.collections.DatabaseID, r.collections.BankLinks, link.ID, doc, &created); err != nil {
		return nil, err
	}
	return created.toDomain(), nil
}

// SetBankLinkFundingSource writes url unless the document already carries a valid
// funding source.
func (r *AppwriteRepository) SetBankLinkFundingSource(ctx context.Context, bankLinkID, url string) (bool, error) {
	current, err := r.GetBankLinkByID(ctx, bankLinkID)
	if err != nil {
		return false, err
	}
	if current.HasFundingSource() {
		return false, nil
	}

	data := map[string]string{"fundingSourceUrl": url}
	if err := r.docs.UpdateDocument(ctx, r.collections.DatabaseID, r.collections.BankLinks, bankLinkID, data, nil); err != nil {
		if appwriteclient.IsNotFound(err) {
			return false, ErrBankLinkNotFound
		}
		return false, err
	}
	return true, nil
}

// SetBankLinkProcessorToken stores a processor token on the bank link document.
func (r *AppwriteRepository) SetBankLinkProcessorToken(ctx context.Context, bankLinkID, token string) error {
	data := map[string]string{"plaidProcessorToken": token}
	if err := r.docs.UpdateDocument(ctx, r.collections.DatabaseID, r.collections.BankLinks, bankLinkID, data, nil); err != nil {
		if appwriteclient.IsNotFound(err) {
			return ErrBankLinkNotFound
		}
		return err
	}
	return nil
}

// CreateTransaction creates a ledger document.
func (r *AppwriteRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	doc := transactionDocument{
		Name:           tx.Name,
		Amount:         tx.Amount,
		SenderID:       tx.SenderID,
		SenderBankID:   tx.SenderBankID,
		ReceiverID:     tx.ReceiverID,
		ReceiverBankID: tx.ReceiverBankID,
		Email:          tx.Email,
		TransferURL:    tx.TransferURL,
		Channel:        tx.Channel,
		Category:       tx.Category,
	}

	var created transactionDocument
	if err := r.docs.CreateDocument(ctx, r.collections.DatabaseID, r.collections.Transactions, tx.ID, doc, &created); err != nil {
		return nil, err
	}

	result := *tx
	result.ID = created.ID
	if parsed, err := time.Parse(time.RFC3339Nano, created.CreatedAt); err == nil {
		result.CreatedAt = parsed
	} else if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	return &result, nil
}
