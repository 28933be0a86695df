/**
 * @description
 * This file defines the core domain models for the transfer-service: users, the bank
 * links they connect, and the ledger entries written after a completed transfer.
 *
 * @notes
 * - Identifiers are opaque strings so records can live in either the Postgres store
 *   or the hosted document store.
 * - Amounts are fixed two-decimal strings; arithmetic happens on decimal.Decimal.
 */

package domain

import (
	"strings"
	"time"
)

// User is a JustBank customer. The payments customer fields are filled in lazily by
// the provisioning flow, possibly long after signup.
type User struct {
	ID                string `json:"id"`
	AuthSubject       string `json:"auth_subject,omitempty"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email"`
	Address1          string `json:"address1,omitempty"`
	City              string `json:"city,omitempty"`
	State             string `json:"state,omitempty"`
	PostalCode        string `json:"postal_code,omitempty"`
	DateOfBirth       string `json:"date_of_birth,omitempty"`
	SSN               string `json:"-"`
	DwollaCustomerID  string `json:"dwolla_customer_id,omitempty"`
	DwollaCustomerURL string `json:"dwolla_customer_url,omitempty"`
}

// FullName joins first and last name.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// HasPaymentsCustomer reports whether the user carries at least one of the payments
// customer fields.
func (u *User) HasPaymentsCustomer() bool {
	return strings.TrimSpace(u.DwollaCustomerID) != "" || strings.TrimSpace(u.DwollaCustomerURL) != ""
}

// PaymentsCustomerID returns the stored customer id, falling back to the last path
// segment of the customer URL.
func (u *User) PaymentsCustomerID() string {
	if id := strings.TrimSpace(u.DwollaCustomerID); id != "" {
		return id
	}
	return CustomerIDFromURL(u.DwollaCustomerURL)
}

// CustomerIDFromURL extracts the trailing resource id from a payments API URL.
func CustomerIDFromURL(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return ""
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return ""
	}
	return trimmed[idx+1:]
}

// BankLink is one external bank account connected by a user.
type BankLink struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	BankID           string `json:"bank_id"`
	AccountID        string `json:"account_id"`
	AccessToken      string `json:"-"`
	FundingSourceURL string `json:"funding_source_url,omitempty"`
	ProcessorToken   string `json:"-"`
	ShareableID      string `json:"shareable_id"`
	BankName         string `json:"bank_name,omitempty"`
	AccountType      string `json:"account_type,omitempty"`
}

// HasFundingSource reports whether the link carries a usable funding source.
func (b *BankLink) HasFundingSource() bool {
	return IsValidFundingSourceURL(b.FundingSourceURL)
}

// HasProcessorToken reports whether a processor token has been issued for the link.
func (b *BankLink) HasProcessorToken() bool {
	return strings.TrimSpace(b.ProcessorToken) != ""
}

// FundingSourceName is the display name sent when provisioning a funding source.
func (b *BankLink) FundingSourceName() string {
	bankName := strings.TrimSpace(b.BankName)
	if bankName == "" {
		bankName = "Bank Account"
	}
	accountType := strings.TrimSpace(b.AccountType)
	if accountType == "" {
		accountType = "checking"
	}
	return bankName + " - " + accountType
}

// Transaction is the local ledger entry for a completed transfer. It is written once
// and never updated.
type Transaction struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Amount         string    `json:"amount"`
	SenderID       string    `json:"sender_id"`
	SenderBankID   string    `json:"sender_bank_id"`
	ReceiverID     string    `json:"receiver_id"`
	ReceiverBankID string    `json:"receiver_bank_id"`
	Email          string    `json:"email"`
	TransferURL    string    `json:"transfer_url,omitempty"`
	Channel        string    `json:"channel"`
	Category       string    `json:"category"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	TransactionChannelOnline    = "online"
	TransactionCategoryTransfer = "Transfer"
)
