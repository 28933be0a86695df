package domain

// TransferRequest is one user submission of the payment transfer form.
type TransferRequest struct {
	ShareableID  string `json:"shareable_id"`
	SenderBankID string `json:"sender_bank_id"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email"`
	Amount       string `json:"amount"`

	// SenderUserID, when set, must own the sender bank link.
	SenderUserID string `json:"-"`
}

// TransferCurrency is the only currency the payments API is asked to move.
const TransferCurrency = "USD"
