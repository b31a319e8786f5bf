package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Shareholder owns a SHAREHOLDER account. Disbursements to an unverified
// shareholder are failed at SEND.
type Shareholder struct {
	ID          int             `gorm:"primary_key" json:"id"`
	TenantId    string          `gorm:"size:64;not null;uniqueIndex:uniq_shareholder_account,priority:1" json:"tenant_id"`
	AccountRef  string          `gorm:"size:100;not null;uniqueIndex:uniq_shareholder_account,priority:2" json:"account_ref"`
	ExternalRef string          `gorm:"size:100;index" json:"external_ref"`
	Name        string          `gorm:"size:255;not null" json:"name"`
	Email       string          `gorm:"size:255" json:"email"`
	Phone       string          `gorm:"size:50" json:"phone"`
	TotalShares decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"total_shares"`
	KycVerified bool            `gorm:"not null;default:false" json:"kyc_verified"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
