package app

import (
	"context"
	"errors"
	"testing"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/internal/shareid"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
	"github.com/justbank/transfer-service/pkg/plaidclient"
)

func checkingAccount(id string) plaidclient.Account {
	return plaidclient.Account{AccountID: id, Name: "Plaid Checking", Type: "depository", Subtype: "checking"}
}

func TestLinkBank_CreatesLinkAndProvisions(t *testing.T) {
	repo := newMemRepo().addUser(verifiedUser("u1"))
	payments := &fakePayments{}
	publisher := &recordingPublisher{}
	bankData := &fakeBankData{accounts: []plaidclient.Account{checkingAccount("acct-new"), checkingAccount("acct-second")}}
	svc := NewService(repo, payments, bankData, publisher, "")

	result, err := svc.LinkBank(context.Background(), "u1", "public-sandbox")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.FundingSourceProvisioned || result.Warning != "" {
		t.Fatalf("expected provisioned link, got %+v", result)
	}

	stored := repo.link(result.BankLink.ID)
	if stored.AccountID != "acct-new" || stored.ShareableID != shareid.Encode("acct-new") {
		t.Fatalf("unexpected stored link: %+v", stored)
	}
	if stored.ProcessorToken != "processor-acct-new" || stored.AccessToken != "access-public-sandbox" || stored.BankID != "item-1" {
		t.Fatalf("expected tokens and item to be stored, got %+v", stored)
	}
	if !stored.HasFundingSource() {
		t.Fatalf("expected persisted funding source")
	}
	if payments.fundingCalls[0].req.Name != "Plaid Checking - checking" {
		t.Fatalf("unexpected funding source name %q", payments.fundingCalls[0].req.Name)
	}
	if got := publisher.published(); got != domain.RoutingKeyBankLinkCreated {
		t.Fatalf("expected only the created event, got %q", got)
	}
}

func TestLinkBank_DefersFundingSourceOnFailure(t *testing.T) {
	tests := []struct {
		name     string
		user     func() domain.User
		payments *fakePayments
	}{
		{
			name:     "funding source rejected",
			user:     func() domain.User { return verifiedUser("u1") },
			payments: &fakePayments{fundingErr: &dwollaclient.APIError{StatusCode: 503}},
		},
		{
			name: "customer profile incomplete",
			user: func() domain.User {
				u := verifiedUser("u1")
				u.DwollaCustomerID, u.DwollaCustomerURL = "", ""
				return u
			},
			payments: &fakePayments{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo().addUser(tt.user())
			publisher := &recordingPublisher{}
			bankData := &fakeBankData{accounts: []plaidclient.Account{checkingAccount("acct-new")}}
			svc := NewService(repo, tt.payments, bankData, publisher, "")

			result, err := svc.LinkBank(context.Background(), "u1", "public-sandbox")
			if err != nil {
				t.Fatalf("expected the link to be kept, got %v", err)
			}
			if result.FundingSourceProvisioned || result.Warning == "" {
				t.Fatalf("expected deferred provisioning with a warning, got %+v", result)
			}
			stored := repo.link(result.BankLink.ID)
			if stored.HasFundingSource() {
				t.Fatalf("expected no funding source to be stored")
			}
			want := domain.RoutingKeyBankLinkCreated + "," + domain.RoutingKeyBankLinkProvisionRequest
			if got := publisher.published(); got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		})
	}
}

func TestLinkBank_Failures(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		bankData *fakeBankData
		setup    func(*memRepo)
		kind     error
	}{
		{name: "empty token", token: " ", bankData: &fakeBankData{}, kind: ErrInvalidInput},
		{
			name:     "exchange rejected",
			token:    "public",
			bankData: &fakeBankData{exchangeErr: &plaidclient.ErrorResponse{StatusCode: 400, ErrorCode: "INVALID_PUBLIC_TOKEN"}},
			kind:     ErrBankLinkFailed,
		},
		{name: "no accounts", token: "public", bankData: &fakeBankData{}, kind: ErrBankLinkFailed},
		{
			name:     "account linked by another user",
			token:    "public",
			bankData: &fakeBankData{accounts: []plaidclient.Account{checkingAccount("acct-taken")}},
			setup: func(r *memRepo) {
				r.addUser(verifiedUser("u2"))
				r.addLink(fundedLink("b-taken", "u2", "acct-taken"))
			},
			kind: ErrBankLinkFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo().addUser(verifiedUser("u1"))
			if tt.setup != nil {
				tt.setup(repo)
			}
			publisher := &recordingPublisher{}
			svc := NewService(repo, &fakePayments{}, tt.bankData, publisher, "")

			_, err := svc.LinkBank(context.Background(), "u1", tt.token)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			if publisher.published() != "" {
				t.Fatalf("expected no events, got %q", publisher.published())
			}
		})
	}
}

func TestLinkBank_RelinkingOwnAccountIsIdempotent(t *testing.T) {
	repo := newMemRepo().addUser(verifiedUser("u1")).addLink(fundedLink("b1", "u1", "acct-1"))
	bankData := &fakeBankData{accounts: []plaidclient.Account{checkingAccount("acct-1")}}
	svc := NewService(repo, &fakePayments{}, bankData, &recordingPublisher{}, "")

	result, err := svc.LinkBank(context.Background(), "u1", "public")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyLinked || result.BankLink.ID != "b1" || bankData.processorCalls != 0 {
		t.Fatalf("expected existing link without new tokens, got %+v calls=%d", result, bankData.processorCalls)
	}
}
