package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TransactionTypeDividend     TransactionType = "DIVIDEND"
	TransactionTypeDisburse     TransactionType = "DISBURSE"
	TransactionTypeContribution TransactionType = "CONTRIBUTION"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusSent      TransactionStatus = "SENT"
	TransactionStatusSettled   TransactionStatus = "SETTLED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusCommitted TransactionStatus = "COMMITTED"
)

// Transaction is a ledger entry. Rows are never deleted; Version increases by
// one on every status change.
type Transaction struct {
	ID               string            `gorm:"primary_key;size:36" json:"id"`
	TenantId         string            `gorm:"size:64;not null;uniqueIndex:uniq_txn_idem,priority:1;index:idx_txn_account,priority:1" json:"tenant_id"`
	Type             TransactionType   `gorm:"size:20;not null;uniqueIndex:uniq_txn_idem,priority:2" json:"type"`
	IdempotencyKey   string            `gorm:"size:128;not null;uniqueIndex:uniq_txn_idem,priority:3" json:"idempotency_key"`
	AccountRef       string            `gorm:"size:100;not null;index:idx_txn_account,priority:2" json:"account_ref"`
	Amount           decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"amount"`
	Currency         string            `gorm:"size:3;not null" json:"currency"`
	Status           TransactionStatus `gorm:"size:20;not null;index:idx_txn_status_sent,priority:1" json:"status"`
	Version          int               `gorm:"not null;default:1" json:"version"`
	FailureReason    string            `gorm:"size:255" json:"failure_reason,omitempty"`
	AdapterReference string            `gorm:"size:64" json:"adapter_reference,omitempty"`
	SentAt           *time.Time        `gorm:"index:idx_txn_status_sent,priority:2" json:"sent_at,omitempty"`
	CreatedAt        time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}
