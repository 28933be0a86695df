package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/justbank/transfer-service/internal/domain"
	"github.com/justbank/transfer-service/pkg/dwollaclient"
)

func unfundedLink(id, userID string) domain.BankLink {
	l := fundedLink(id, userID, "acct-"+id)
	l.FundingSourceURL = ""
	return l
}

func TestProvision_ReturnsExistingFundingSource(t *testing.T) {
	repo := newMemRepo().addUser(verifiedUser("u1")).addLink(fundedLink("b1", "u1", "acct-1"))
	payments := &fakePayments{}
	p := NewProvisioner(repo, payments, &fakeBankData{})

	result, err := p.EnsureFundingSource(context.Background(), "b1", ProvisionOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.AlreadyProvisioned || result.Created {
		t.Fatalf("expected already provisioned result, got %+v", result)
	}
	if len(payments.fundingCalls) != 0 {
		t.Fatalf("expected no funding source call")
	}
}

func TestProvision_Preconditions(t *testing.T) {
	tests := []struct {
		name     string
		user     func() domain.User
		link     func() domain.BankLink
		opts     ProvisionOptions
		bankData *fakeBankData
		kind     error
	}{
		{
			name: "owner without payments customer",
			user: func() domain.User {
				u := verifiedUser("u1")
				u.DwollaCustomerID, u.DwollaCustomerURL = "", ""
				return u
			},
			link: func() domain.BankLink { return unfundedLink("b1", "u1") },
			kind: ErrMissingDwollaCustomer,
		},
		{
			name: "no processor token and no rederive",
			user: func() domain.User { return verifiedUser("u1") },
			link: func() domain.BankLink {
				l := unfundedLink("b1", "u1")
				l.ProcessorToken = ""
				return l
			},
			kind: ErrMissingProcessorToken,
		},
		{
			name: "rederive without access token",
			user: func() domain.User { return verifiedUser("u1") },
			link: func() domain.BankLink {
				l := unfundedLink("b1", "u1")
				l.ProcessorToken, l.AccessToken = "", ""
				return l
			},
			opts: ProvisionOptions{RederiveProcessorToken: true},
			kind: ErrMissingProcessorToken,
		},
		{
			name: "rederive rejected by aggregator",
			user: func() domain.User { return verifiedUser("u1") },
			link: func() domain.BankLink {
				l := unfundedLink("b1", "u1")
				l.ProcessorToken = ""
				return l
			},
			opts:     ProvisionOptions{RederiveProcessorToken: true},
			bankData: &fakeBankData{processorErr: errors.New("ITEM_LOGIN_REQUIRED")},
			kind:     ErrMissingProcessorToken,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo().addUser(tt.user()).addLink(tt.link())
			payments := &fakePayments{}
			bankData := tt.bankData
			if bankData == nil {
				bankData = &fakeBankData{}
			}
			p := NewProvisioner(repo, payments, bankData)

			_, err := p.EnsureFundingSource(context.Background(), "b1", tt.opts)
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected %v, got %v", tt.kind, err)
			}
			var provisionErr *ProvisionError
			if !errors.As(err, &provisionErr) || provisionErr.Retryable {
				t.Fatalf("expected permanent ProvisionError, got %#v", err)
			}
			if len(payments.fundingCalls) != 0 {
				t.Fatalf("expected no funding source call")
			}
		})
	}
}

func TestProvision_RederivesAndPersistsProcessorToken(t *testing.T) {
	link := unfundedLink("b1", "u1")
	link.ProcessorToken = ""
	repo := newMemRepo().addUser(verifiedUser("u1")).addLink(link)
	payments := &fakePayments{}
	bankData := &fakeBankData{processorToken: "processor-fresh"}
	p := NewProvisioner(repo, payments, bankData)

	result, err := p.EnsureFundingSource(context.Background(), "b1", ProvisionOptions{RederiveProcessorToken: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Created || !result.ProcessorTokenMinted {
		t.Fatalf("expected created result with minted token, got %+v", result)
	}
	if repo.tokenWrites != 1 || repo.link("b1").ProcessorToken != "processor-fresh" {
		t.Fatalf("expected processor token to be persisted")
	}
	if payments.fundingCalls[0].req.PlaidToken != "processor-fresh" {
		t.Fatalf("expected funding source to use the fresh token")
	}
	if repo.link("b1").FundingSourceURL != result.FundingSourceURL {
		t.Fatalf("expected funding source to be persisted")
	}
}

func TestProvision_RereadsStoredLinkUnderLock(t *testing.T) {
	repo := newMemRepo().addUser(verifiedUser("u1")).addLink(fundedLink("b1", "u1", "acct-1"))
	stored := repo.link("b1").FundingSourceURL
	stale := unfundedLink("b1", "u1")
	owner := verifiedUser("u1")
	payments := &fakePayments{}
	locker := &stubLocker{}
	p := NewProvisioner(repo, payments, &fakeBankData{})
	p.SetLocker(locker, time.Second)

	result, err := p.Provision(context.Background(), &stale, &owner, ProvisionOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(payments.fundingCalls) != 0 {
		t.Fatalf("expected no create call for an already funded link, got %d", len(payments.fundingCalls))
	}
	if result.Created || !result.AlreadyProvisioned {
		t.Fatalf("expected the stored funding source to be reported, got %+v", result)
	}
	if stale.FundingSourceURL != stored || result.FundingSourceURL != stored {
		t.Fatalf("expected stored funding source %q, got link=%q result=%q", stored, stale.FundingSourceURL, result.FundingSourceURL)
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("expected the lock to be held around the re-read, got %d/%d", locker.acquired, locker.released)
	}
}

func TestProvision_LosingConditionalWriteUsesStoredValue(t *testing.T) {
	repo := newMemRepo().addUser(verifiedUser("u1")).addLink(unfundedLink("b1", "u1"))
	winner := testSandboxFundingSource + "fs-winner"
	payments := &fakePayments{onFunding: func() {
		repo.mu.Lock()
		repo.links["b1"].FundingSourceURL = winner
		repo.mu.Unlock()
	}}
	p := NewProvisioner(repo, payments, &fakeBankData{})

	link, err := repo.GetBankLinkByID(context.Background(), "b1")
	if err != nil {
		t.Fatalf("load link: %v", err)
	}
	owner := verifiedUser("u1")
	result, err := p.Provision(context.Background(), link, &owner, ProvisionOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Created {
		t.Fatalf("expected the concurrent winner to be reported, not a creation")
	}
	if link.FundingSourceURL != winner || result.FundingSourceURL != winner {
		t.Fatalf("expected winner %q, got link=%q result=%q", winner, link.FundingSourceURL, result.FundingSourceURL)
	}
	if repo.fundingWrites != 0 {
		t.Fatalf("expected the stored value to be left untouched")
	}
}

func TestProvision_LockHandling(t *testing.T) {
	t.Run("holds and releases the lock", func(t *testing.T) {
		repo := newMemRepo().addUser(verifiedUser("u1")).addLink(unfundedLink("b1", "u1"))
		locker := &stubLocker{}
		p := NewProvisioner(repo, &fakePayments{}, &fakeBankData{})
		p.SetLocker(locker, time.Second)

		if _, err := p.EnsureFundingSource(context.Background(), "b1", ProvisionOptions{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if locker.acquired != 1 || locker.released != 1 {
			t.Fatalf("expected lock to be acquired and released once, got %d/%d", locker.acquired, locker.released)
		}
	})

	t.Run("busy lock waits for the other worker", func(t *testing.T) {
		repo := newMemRepo().addUser(verifiedUser("u1")).addLink(fundedLink("b1", "u1", "acct-1"))
		stale := unfundedLink("b1", "u1")
		owner := verifiedUser("u1")
		payments := &fakePayments{}
		p := NewProvisioner(repo, payments, &fakeBankData{})
		p.SetLocker(&stubLocker{busy: true}, time.Second)

		result, err := p.Provision(context.Background(), &stale, &owner, ProvisionOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.FundingSourceURL == "" || len(payments.fundingCalls) != 0 {
			t.Fatalf("expected stored funding source without a create call, got %+v calls=%d", result, len(payments.fundingCalls))
		}
	})

	t.Run("busy lock times out as retryable", func(t *testing.T) {
		repo := newMemRepo().addUser(verifiedUser("u1")).addLink(unfundedLink("b1", "u1"))
		p := NewProvisioner(repo, &fakePayments{}, &fakeBankData{})
		p.SetLocker(&stubLocker{busy: true}, time.Second)
		p.lockWait = 20 * time.Millisecond
		p.pollEvery = 5 * time.Millisecond

		_, err := p.EnsureFundingSource(context.Background(), "b1", ProvisionOptions{})
		var provisionErr *ProvisionError
		if !errors.As(err, &provisionErr) || !provisionErr.Retryable {
			t.Fatalf("expected retryable ProvisionError, got %v", err)
		}
	})

	t.Run("lock backend failure provisions unfenced", func(t *testing.T) {
		repo := newMemRepo().addUser(verifiedUser("u1")).addLink(unfundedLink("b1", "u1"))
		p := NewProvisioner(repo, &fakePayments{}, &fakeBankData{})
		p.SetLocker(&stubLocker{err: errors.New("redis down")}, time.Second)

		result, err := p.EnsureFundingSource(context.Background(), "b1", ProvisionOptions{})
		if err != nil || !result.Created {
			t.Fatalf("expected creation despite lock failure, got %+v err=%v", result, err)
		}
	})
}

func TestFundingSourceCreationError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "forbidden", err: &dwollaclient.APIError{StatusCode: http.StatusForbidden}, retryable: false},
		{name: "bad request", err: &dwollaclient.APIError{StatusCode: http.StatusBadRequest}, retryable: false},
		{name: "server error", err: &dwollaclient.APIError{StatusCode: http.StatusServiceUnavailable}, retryable: true},
		{name: "transport", err: errors.New("connection reset"), retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fundingSourceCreationError("b1", tt.err)
			if !errors.Is(got, ErrFundingSourceCreationFailed) {
				t.Fatalf("expected funding source creation kind, got %v", got)
			}
			if got.Retryable != tt.retryable {
				t.Fatalf("expected retryable=%t, got %t", tt.retryable, got.Retryable)
			}
			if got.Message == "" {
				t.Fatalf("expected a display message")
			}
		})
	}
}

func TestFixUserBanks(t *testing.T) {
	noToken := unfundedLink("b3", "u1")
	noToken.ProcessorToken, noToken.AccessToken = "", ""
	repo := newMemRepo().
		addUser(verifiedUser("u1")).
		addLink(fundedLink("b1", "u1", "acct-1")).
		addLink(unfundedLink("b2", "u1")).
		addLink(noToken)
	p := NewProvisioner(repo, &fakePayments{}, &fakeBankData{})

	summary, err := p.FixUserBanks(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Total != 2 || summary.Fixed != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, r := range summary.Results {
		switch r.BankLinkID {
		case "b2":
			if !r.Success || r.FundingSourceURL == "" {
				t.Fatalf("expected b2 to be fixed, got %+v", r)
			}
		case "b3":
			if r.Success || r.Error == "" {
				t.Fatalf("expected b3 to fail with a message, got %+v", r)
			}
		default:
			t.Fatalf("unexpected result for %s", r.BankLinkID)
		}
	}
}

func TestSweep(t *testing.T) {
	orphan := unfundedLink("b3", "ghost")
	repo := newMemRepo().
		addUser(verifiedUser("u1")).
		addLink(fundedLink("b1", "u1", "acct-1")).
		addLink(unfundedLink("b2", "u1")).
		addLink(orphan)
	p := NewProvisioner(repo, &fakePayments{}, &fakeBankData{})

	summary, err := p.Sweep(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Scanned != 2 || summary.Provisioned != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	repo.missingErr = errStoreDown
	if _, err := p.Sweep(context.Background(), 10); !errors.Is(err, errStoreDown) {
		t.Fatalf("expected list failure to surface, got %v", err)
	}
}

func TestEnsureBankFundingSource_ChecksOwnership(t *testing.T) {
	repo := newMemRepo().
		addUser(verifiedUser("u1")).
		addUser(verifiedUser("u2")).
		addLink(unfundedLink("b1", "u1"))
	payments := &fakePayments{}
	svc := NewService(repo, payments, &fakeBankData{}, nil, "")

	if _, err := svc.EnsureBankFundingSource(context.Background(), "u2", "b1"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found for a foreign bank link, got %v", err)
	}
	if len(payments.fundingCalls) != 0 {
		t.Fatalf("expected no funding source call for a foreign bank link")
	}

	result, err := svc.EnsureBankFundingSource(context.Background(), "u1", "b1")
	if err != nil || !result.Created {
		t.Fatalf("expected owner to provision, got %+v err=%v", result, err)
	}
	again, err := svc.EnsureBankFundingSource(context.Background(), "u1", "b1")
	if err != nil || !again.AlreadyProvisioned {
		t.Fatalf("expected second call to report the existing funding source, got %+v err=%v", again, err)
	}
}
