package models

import "time"

type TenantType string

const (
	TenantTypeIssuer  TenantType = "ISSUER"
	TenantTypeSponsor TenantType = "SPONSOR"
)

type TenantStatus string

const (
	TenantStatusActive    TenantStatus = "ACTIVE"
	TenantStatusSuspended TenantStatus = "SUSPENDED"
	TenantStatusInactive  TenantStatus = "INACTIVE"
)

// Tenant is the isolation boundary. Its ID is the tenant_id carried by every other row.
type Tenant struct {
	ID        string       `gorm:"primary_key;size:64" json:"id"`
	Name      string       `gorm:"size:255;not null" json:"name"`
	Type      TenantType   `gorm:"size:20;not null" json:"type"`
	Status    TenantStatus `gorm:"size:20;not null;default:'ACTIVE'" json:"status"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
