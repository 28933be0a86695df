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

var usStateCodes = map[string]struct{}{
	"AL": {}, "AK": {}, "AZ": {}, "AR": {}, "CA": {}, "CO": {}, "CT": {}, "DE": {}, "FL": {}, "GA": {},
	"HI": {}, "ID": {}, "IL": {}, "IN": {}, "IA": {}, "KS": {}, "KY": {}, "LA": {}, "ME": {}, "MD": {},
	"MA": {}, "MI": {}, "MN": {}, "MS": {}, "MO": {}, "MT": {}, "NE": {}, "NV": {}, "NH": {}, "NJ": {},
	"NM": {}, "NY": {}, "NC": {}, "ND": {}, "OH": {}, "OK": {}, "OR": {}, "PA": {}, "RI": {}, "SC": {},
	"SD": {}, "TN": {}, "TX": {}, "UT": {}, "VT": {}, "VA": {}, "WA": {}, "WV": {}, "WI": {}, "WY": {},
	"DC": {},
}

// CustomerResult is the payments customer attached to a user.
type CustomerResult struct {
	CustomerID  string `json:"dwolla_customer_id"`
	CustomerURL string `json:"dwolla_customer_url"`
	Created     bool   `json:"created"`
}

// EnsurePaymentsCustomer returns the user's payments customer, creating one from the
// stored profile when the user has none.
func (s *Service) EnsurePaymentsCustomer(ctx context.Context, userID string) (*CustomerResult, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return nil, &ProvisionError{Kind: ErrAccountNotFound, Message: "User not found.", Err: err}
		}
		return nil, &ProvisionError{Kind: ErrUpstreamUnavailable, Message: "Could not load the user. Please try again.", Retryable: true, Err: err}
	}
	return s.ensureCustomerFor(ctx, user)
}

func (s *Service) ensureCustomerFor(ctx context.Context, user *domain.User) (*CustomerResult, error) {
	if user.HasPaymentsCustomer() {
		result := &CustomerResult{CustomerID: user.PaymentsCustomerID(), CustomerURL: user.DwollaCustomerURL}
		if strings.TrimSpace(user.DwollaCustomerID) == "" && result.CustomerID != "" {
			if err := s.repo.UpdateUserPaymentsCustomer(ctx, user.ID, result.CustomerID, user.DwollaCustomerURL); err != nil {
				log.Printf("level=warn component=customer msg=\"backfill of customer id failed\" user_id=%s err=%v", user.ID, err)
			} else {
				user.DwollaCustomerID = result.CustomerID
			}
		}
		return result, nil
	}

	req, err := customerRequestFromProfile(user)
	if err != nil {
		return nil, err
	}

	customerURL, err := s.payments.CreateCustomer(ctx, req)
	if err != nil {
		log.Printf("level=warn component=customer msg=\"customer creation failed\" user_id=%s status=%d err=%v", user.ID, dwollaclient.StatusCode(err), err)
		return nil, customerCreationError(err)
	}
	customerID := domain.CustomerIDFromURL(customerURL)
	if customerID == "" {
		return nil, &ProvisionError{Kind: ErrCustomerCreationFailed, Message: "The payment service did not return a customer reference.", Retryable: true}
	}

	if err := s.repo.UpdateUserPaymentsCustomer(ctx, user.ID, customerID, customerURL); err != nil {
		log.Printf("level=error component=customer msg=\"customer created but not persisted\" user_id=%s customer_url=%s err=%v", user.ID, customerURL, err)
		return nil, &ProvisionError{Kind: ErrCustomerCreationFailed, Message: "The payment profile was created but could not be saved. Please try again.", Retryable: true, Err: err}
	}
	user.DwollaCustomerID = customerID
	user.DwollaCustomerURL = customerURL

	log.Printf("level=info component=customer msg=\"payments customer created\" user_id=%s customer_id=%s", user.ID, customerID)
	return &CustomerResult{CustomerID: customerID, CustomerURL: customerURL, Created: true}, nil
}

// customerRequestFromProfile validates and normalizes the profile fields the payments
// API checks for a personal verified customer.
func customerRequestFromProfile(user *domain.User) (dwollaclient.CustomerRequest, error) {
	var problems []string
	required := func(field, value string) string {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			problems = append(problems, field+" is required")
		}
		return trimmed
	}

	req := dwollaclient.CustomerRequest{
		FirstName: required("first name", user.FirstName),
		LastName:  required("last name", user.LastName),
		Email:     required("email", user.Email),
		Type:      "personal",
		Address1:  required("address", user.Address1),
		City:      required("city", user.City),
	}

	state := strings.ToUpper(strings.TrimSpace(user.State))
	if _, ok := usStateCodes[state]; !ok {
		problems = append(problems, "state must be a 2-letter US state code")
	}
	req.State = state

	postal := digitsOnly(user.PostalCode)
	if len(postal) >= 5 {
		postal = postal[:5]
	} else {
		problems = append(problems, "postal code must have 5 digits")
	}
	req.PostalCode = postal

	ssn := digitsOnly(user.SSN)
	if len(ssn) != 4 && len(ssn) != 9 {
		problems = append(problems, "SSN must have 4 or 9 digits")
	}
	req.SSN = ssn

	dob := strings.TrimSpace(user.DateOfBirth)
	if _, err := time.Parse("2006-01-02", dob); err != nil {
		problems = append(problems, "date of birth must be YYYY-MM-DD")
	}
	req.DateOfBirth = dob

	if len(problems) > 0 {
		return dwollaclient.CustomerRequest{}, &ProvisionError{
			Kind:    ErrInvalidCustomerProfile,
			Message: "Please complete your profile: " + strings.Join(problems, "; ") + ".",
		}
	}
	return req, nil
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func customerCreationError(err error) *ProvisionError {
	status := dwollaclient.StatusCode(err)
	message := "Failed to create a payment profile."
	switch status {
	case http.StatusBadRequest:
		message = "The payment service rejected the profile details."
	case http.StatusUnauthorized, http.StatusForbidden:
		message = "Authentication with the payment service failed."
	}

	var apiErr *dwollaclient.APIError
	if errors.As(err, &apiErr) && apiErr.Detail() != "" {
		message = fmt.Sprintf("%s (%s)", message, apiErr.Detail())
	}
	return &ProvisionError{
		Kind:      ErrCustomerCreationFailed,
		Message:   message,
		Retryable: status == 0 || status >= 500,
		Err:       err,
	}
}
