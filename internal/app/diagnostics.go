package app

import (
	"context"
	"fmt"
	"strings"
)

// BankDiagnostic describes the payment readiness of one bank link.
type BankDiagnostic struct {
	BankLinkID          string `json:"bank_id"`
	BankName            string `json:"bank_name,omitempty"`
	ShareableID         string `json:"shareable_id"`
	HasFundingSource    bool   `json:"has_valid_funding_source"`
	HasProcessorToken   bool   `json:"has_processor_token"`
	HasAccessToken      bool   `json:"has_access_token"`
	CanProvisionFromKey bool   `json:"can_rederive_processor_token"`
}

// DiagnosticsSummary counts bank links by readiness.
type DiagnosticsSummary struct {
	WithFundingSource     int `json:"with_funding_source"`
	WithoutFundingSource  int `json:"without_funding_source"`
	WithoutProcessorToken int `json:"without_processor_token"`
}

// Diagnostics is the payment readiness report of one user.
type Diagnostics struct {
	UserID         string             `json:"user_id"`
	HasCustomerID  bool               `json:"has_dwolla_customer_id"`
	HasCustomerURL bool               `json:"has_dwolla_customer_url"`
	BankCount      int                `json:"bank_count"`
	Banks          []BankDiagnostic   `json:"banks"`
	Summary        DiagnosticsSummary `json:"summary"`
}

// DiagnoseBanks reports which of the user's bank links are ready to move money.
func (s *Service) DiagnoseBanks(ctx context.Context, userID string) (*Diagnostics, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	links, err := s.repo.ListBankLinksByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list bank links: %w", err)
	}

	report := &Diagnostics{
		UserID:         user.ID,
		HasCustomerID:  strings.TrimSpace(user.DwollaCustomerID) != "",
		HasCustomerURL: strings.TrimSpace(user.DwollaCustomerURL) != "",
		BankCount:      len(links),
		Banks:          make([]BankDiagnostic, 0, len(links)),
	}
	for i := range links {
		link := &links[i]
		entry := BankDiagnostic{
			BankLinkID:        link.ID,
			BankName:          link.BankName,
			ShareableID:       link.ShareableID,
			HasFundingSource:  link.HasFundingSource(),
			HasProcessorToken: link.HasProcessorToken(),
			HasAccessToken:    strings.TrimSpace(link.AccessToken) != "",
		}
		entry.CanProvisionFromKey = entry.HasProcessorToken || entry.HasAccessToken

		if entry.HasFundingSource {
			report.Summary.WithFundingSource++
		} else {
			report.Summary.WithoutFundingSource++
		}
		if !entry.HasProcessorToken {
			report.Summary.WithoutProcessorToken++
		}
		report.Banks = append(report.Banks, entry)
	}
	return report, nil
}
