package domain

import "time"

// Routing keys published on the events exchange.
const (
	RoutingKeyTransferCompleted         = "transfer.completed"
	RoutingKeyTransferLedgerWriteFailed = "transfer.ledger_write_failed"
	RoutingKeyBankLinkCreated           = "banklink.created"
	RoutingKeyBankLinkProvisionRequest  = "banklink.provision.requested"
)

// TransferEvent describes a money movement that the payments API accepted.
type TransferEvent struct {
	EventID        string    `json:"event_id"`
	TransferURL    string    `json:"transfer_url"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	Amount         string    `json:"amount"`
	Currency       string    `json:"currency"`
	SenderID       string    `json:"sender_id"`
	SenderBankID   string    `json:"sender_bank_id"`
	ReceiverID     string    `json:"receiver_id"`
	ReceiverBankID string    `json:"receiver_bank_id"`
	Email          string    `json:"email"`
	LedgerError    string    `json:"ledger_error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// BankLinkEvent asks the provisioning consumer to look at one bank link.
type BankLinkEvent struct {
	EventID    string    `json:"event_id"`
	BankLinkID string    `json:"bank_link_id"`
	UserID     string    `json:"user_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
