package model

import "time"

type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"
	TxWithdrawal      TransactionType = "withdrawal"
	TxProposalPayment TransactionType = "proposal_payment"
	TxTransfer        TransactionType = "transfer"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxProposalPayment, TxTransfer:
		return true
	}
	return false
}

type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an append-only ledger row. Amount is in minor units and
// always positive; Direction carries the sign.
type Transaction struct {
	ID           string            `json:"id"`
	WalletID     string            `json:"wallet_id"`
	Type         TransactionType   `json:"type"`
	Direction    Direction         `json:"direction"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Counterparty string            `json:"counterparty"`
	Description  string            `json:"description"`
	ProposalID   *string           `json:"proposal_id,omitempty"`
	ExternalRef  *string           `json:"external_ref,omitempty"`
	Reference    *string           `json:"reference,omitempty"`
	Status       TransactionStatus `json:"status"`
	CreatedBy    string            `json:"created_by"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Delta returns the signed effect of the transaction on the wallet balance.
func (t *Transaction) Delta() int64 {
	if t.Direction == Debit {
		return -t.Amount
	}
	return t.Amount
}

type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	Limit        int           `json:"limit"`
	Offset       int           `json:"offset"`
	HasMore      bool          `json:"has_more"`
}

type WalletBalance struct {
	WalletID          string `json:"wallet_id"`
	Balance           int64  `json:"balance"`
	PendingAmount     int64  `json:"pending_amount"`
	TotalTransactions int    `json:"total_transactions"`
	Currency          string `json:"currency"`
}
