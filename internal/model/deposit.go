package model

import "time"

type DepositOutcome string

const (
	DepositProcessed DepositOutcome = "processed"
	DepositFailed    DepositOutcome = "failed"
	DepositUnrouted  DepositOutcome = "unrouted"
)

// WebhookDeposit records one distinct bank-transfer notification, keyed by
// its dedup key.
type WebhookDeposit struct {
	ID              string         `json:"id"`
	DedupKey        string         `json:"dedup_key"`
	ExternalID      int64          `json:"external_id"`
	Gateway         string         `json:"gateway"`
	AccountNumber   string         `json:"account_number"`
	TransactionDate string         `json:"transaction_date"`
	Content         string         `json:"content"`
	ReferenceCode   string         `json:"reference_code"`
	TransferType    string         `json:"transfer_type"`
	Amount          int64          `json:"amount"`
	WalletKind      *WalletKind    `json:"wallet_kind,omitempty"`
	WalletID        *string        `json:"wallet_id,omitempty"`
	TransactionID   *string        `json:"transaction_id,omitempty"`
	Outcome         DepositOutcome `json:"outcome"`
	ErrorMessage    *string        `json:"error_message,omitempty"`
	Attempts        int            `json:"attempts"`
	ProcessedAt     time.Time      `json:"processed_at"`
	CreatedAt       time.Time      `json:"created_at"`
}
