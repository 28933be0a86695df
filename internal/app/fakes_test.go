package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/store"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
	"github.com/justbank/transfer-service/pkg/plaidclient"
)

const (
	testSandboxFundingSource = "https://api-sandbox.dwolla.com/funding-sources/"
	testCustomerURL          = "https://api-sandbox.dwolla.com/customers/"
)

// memRepo is an in-memory store with per-method failure hooks.
type memRepo struct {
	store.Repository

	mu           sync.Mutex
	users        map[string]*domain.User
	links        map[string]*domain.BankLink
	transactions []*domain.Transaction

	getLinkErr        error
	findLinkErr       error
	getUserErr        error
	createTxErr       error
	setFundingErr     error
	createLinkErr     error
	updateCustomerErr error
	missingErr        error

	fundingWrites  int
	tokenWrites    int
	customerWrites int
}

func newMemRepo() *memRepo {
	return &memRepo{users: map[string]*domain.User{}, links: map[string]*domain.BankLink{}}
}

func (r *memRepo) addUser(u domain.User) *memRepo {
	r.users[u.ID] = &u
	return r
}

func (r *memRepo) addLink(l domain.BankLink) *memRepo {
	r.links[l.ID] = &l
	return r
}

func (r *memRepo) link(id string) domain.BankLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.links[id]
}

func (r *memRepo) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getUserErr != nil {
		return nil, r.getUserErr
	}
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	copied := *u
	return &copied, nil
}

func (r *memRepo) FindUserByAuthSubject(ctx context.Context, subject string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.AuthSubject == subject {
			copied := *u
			return &copied, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (r *memRepo) UpdateUserPaymentsCustomer(ctx context.Context, userID, customerID, customerURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateCustomerErr != nil {
		return r.updateCustomerErr
	}
	u, ok := r.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	r.customerWrites++
	u.DwollaCustomerID = customerID
	u.DwollaCustomerURL = customerURL
	return nil
}

func (r *memRepo) GetBankLinkByID(ctx context.Context, bankLinkID string) (*domain.BankLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getLinkErr != nil {
		return nil, r.getLinkErr
	}
	l, ok := r.links[bankLinkID]
	if !ok {
		return nil, store.ErrBankLinkNotFound
	}
	copied := *l
	return &copied, nil
}

func (r *memRepo) FindBankLinkByAccountID(ctx context.Context, accountID string) (*domain.BankLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findLinkErr != nil {
		return nil, r.findLinkErr
	}
	var matches []*domain.BankLink
	for _, l := range r.links {
		if l.AccountID == accountID {
			matches = append(matches, l)
		}
	}
	if len(matches) != 1 {
		return nil, store.ErrBankLinkNotFound
	}
	copied := *matches[0]
	return &copied, nil
}

func (r *memRepo) ListBankLinksByUserID(ctx context.Context, userID string) ([]domain.BankLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.BankLink
	for _, l := range r.links {
		if l.UserID == userID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (r *memRepo) ListBankLinksMissingFundingSource(ctx context.Context, limit int) ([]domain.BankLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missingErr != nil {
		return nil, r.missingErr
	}
	var out []domain.BankLink
	for _, l := range r.links {
		if !l.HasFundingSource() && len(out) < limit {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (r *memRepo) CreateBankLink(ctx context.Context, link *domain.BankLink) (*domain.BankLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createLinkErr != nil {
		return nil, r.createLinkErr
	}
	created := *link
	created.ID = fmt.Sprintf("bank-%d", len(r.links)+1)
	r.links[created.ID] = &created
	out := created
	return &out, nil
}

func (r *memRepo) SetBankLinkFundingSource(ctx context.Context, bankLinkID, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setFundingErr != nil {
		return false, r.setFundingErr
	}
	l, ok := r.links[bankLinkID]
	if !ok {
		return false, store.ErrBankLinkNotFound
	}
	if l.HasFundingSource() {
		return false, nil
	}
	r.fundingWrites++
	l.FundingSourceURL = url
	return true, nil
}

func (r *memRepo) SetBankLinkProcessorToken(ctx context.Context, bankLinkID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[bankLinkID]
	if !ok {
		return store.ErrBankLinkNotFound
	}
	r.tokenWrites++
	l.ProcessorToken = token
	return nil
}

func (r *memRepo) CreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createTxErr != nil {
		return nil, r.createTxErr
	}
	created := *tx
	created.ID = fmt.Sprintf("tx-%d", len(r.transactions)+1)
	r.transactions = append(r.transactions, &created)
	return &created, nil
}

// fakePayments records every payments API call.
type fakePayments struct {
	mu sync.Mutex

	customerURL string
	customerErr error
	fundingErr  error
	transferURL string
	transferErr error
	onFunding   func()

	customerCalls []dwollaclient.CustomerRequest
	fundingCalls  []fundingCall
	transferCalls []dwollaclient.TransferRequest
}

type fundingCall struct {
	customerID string
	req        dwollaclient.FundingSourceRequest
}

func (f *fakePayments) CreateCustomer(ctx context.Context, req dwollaclient.CustomerRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerCalls = append(f.customerCalls, req)
	if f.customerErr != nil {
		return "", f.customerErr
	}
	if f.customerURL != "" {
		return f.customerURL, nil
	}
	return testCustomerURL + "cust-new", nil
}

func (f *fakePayments) CreateFundingSource(ctx context.Context, customerID string, req dwollaclient.FundingSourceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fundingCalls = append(f.fundingCalls, fundingCall{customerID: customerID, req: req})
	if f.onFunding != nil {
		f.onFunding()
	}
	if f.fundingErr != nil {
		return "", f.fundingErr
	}
	return fmt.Sprintf("%sfs-%s-%d", testSandboxFundingSource, customerID, len(f.fundingCalls)), nil
}

func (f *fakePayments) CreateTransfer(ctx context.Context, req dwollaclient.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls = append(f.transferCalls, req)
	if f.transferErr != nil {
		return "", f.transferErr
	}
	if f.transferURL != "" {
		return f.transferURL, nil
	}
	return "https://api-sandbox.dwolla.com/transfers/tr-1", nil
}

// fakeBankData serves a single item with configurable accounts.
type fakeBankData struct {
	accounts       []plaidclient.Account
	exchangeErr    error
	processorErr   error
	processorToken string

	processorCalls int
}

func (f *fakeBankData) ExchangePublicToken(ctx context.Context, publicToken string) (*plaidclient.ExchangeResponse, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &plaidclient.ExchangeResponse{AccessToken: "access-" + publicToken, ItemID: "item-1"}, nil
}

func (f *fakeBankData) GetAccounts(ctx context.Context, accessToken string) (*plaidclient.AccountsResponse, error) {
	return &plaidclient.AccountsResponse{Accounts: f.accounts}, nil
}

func (f *fakeBankData) CreateProcessorToken(ctx context.Context, accessToken, accountID string) (string, error) {
	f.processorCalls++
	if f.processorErr != nil {
		return "", f.processorErr
	}
	if f.processorToken != "" {
		return f.processorToken, nil
	}
	return "processor-" + accountID, nil
}

// recordingPublisher captures published routing keys.
type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []interface{}
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.events = append(p.events, body)
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.keys, ",")
}

// stubLocker hands out a lock unless busy is set.
type stubLocker struct {
	busy     bool
	err      error
	acquired int
	released int
}

func (l *stubLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.busy {
		return func() {}, false, nil
	}
	l.acquired++
	return func() { l.released++ }, true, nil
}

func verifiedUser(id string) domain.User {
	return domain.User{
		ID:                id,
		AuthSubject:       "sub-" + id,
		FirstName:         "Ada",
		LastName:          "Lovelace",
		Email:             id + "@example.com",
		DwollaCustomerID:  "cust-" + id,
		DwollaCustomerURL: testCustomerURL + "cust-" + id,
	}
}

func fundedLink(id, userID, accountID string) domain.BankLink {
	return domain.BankLink{
		ID:               id,
		UserID:           userID,
		AccountID:        accountID,
		AccessToken:      "access-" + id,
		ProcessorToken:   "processor-" + id,
		FundingSourceURL: testSandboxFundingSource + "fs-" + id,
		ShareableID:      accountID,
		BankName:         "Chase",
		AccountType:      "checking",
	}
}

var errStoreDown = errors.New("connection refused")
