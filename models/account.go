package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountKind string

const (
	AccountKindPlan        AccountKind = "PLAN"
	AccountKindShareholder AccountKind = "SHAREHOLDER"
)

type AccountStatus string

const (
	AccountStatusActive AccountStatus = "ACTIVE"
	AccountStatusClosed AccountStatus = "CLOSED"
)

// Account is the balance behind a plan or a shareholder. Balance and Version
// only change inside a unit of work; Version orders every committed mutation.
type Account struct {
	ID        int             `gorm:"primary_key" json:"id"`
	TenantId  string          `gorm:"size:64;not null;uniqueIndex:uniq_account_ref,priority:1" json:"tenant_id"`
	Ref       string          `gorm:"size:100;not null;uniqueIndex:uniq_account_ref,priority:2" json:"ref"`
	Kind      AccountKind     `gorm:"size:20;not null" json:"kind"`
	Currency  string          `gorm:"size:3;not null" json:"currency"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	Version   int             `gorm:"not null;default:0" json:"version"`
	Status    AccountStatus   `gorm:"size:20;not null;default:'ACTIVE'" json:"status"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
