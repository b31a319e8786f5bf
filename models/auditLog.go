package models

import "time"

// AuditLog is an append-only audit record. Sequence is dense per tenant and
// Hash chains each entry to its predecessor.
type AuditLog struct {
	ID           int       `gorm:"primary_key" json:"id"`
	TenantId     string    `gorm:"size:64;not null;uniqueIndex:uniq_audit_seq,priority:1" json:"tenant_id"`
	Sequence     int64     `gorm:"not null;uniqueIndex:uniq_audit_seq,priority:2" json:"sequence"`
	ActorId      string    `gorm:"size:100;not null" json:"actor_id"`
	Action       string    `gorm:"size:64;not null;index" json:"action"`
	ResourceType string    `gorm:"size:64;not null" json:"resource_type"`
	ResourceId   string    `gorm:"size:64;not null;index" json:"resource_id"`
	Payload      string    `gorm:"type:text" json:"payload"`
	RequestId    string    `gorm:"size:64;index" json:"request_id"`
	PrevHash     string    `gorm:"size:64" json:"prev_hash"`
	Hash         string    `gorm:"size:64;not null" json:"hash"`
	CreatedAt    time.Time `gorm:"not null;index" json:"created_at"`
}

// AuditChainHead holds the last sequence and hash per tenant. Appends lock it
// so the per-tenant order is total.
type AuditChainHead struct {
	TenantId     string    `gorm:"primary_key;size:64" json:"tenant_id"`
	LastSequence int64     `gorm:"not null;default:0" json:"last_sequence"`
	LastHash     string    `gorm:"size:64" json:"last_hash"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AuditMirrorCursor records how far each tenant's log has been copied to
// long-term storage.
type AuditMirrorCursor struct {
	TenantId     string    `gorm:"primary_key;size:64" json:"tenant_id"`
	LastSequence int64     `gorm:"not null;default:0" json:"last_sequence"`
	LastObject   string    `gorm:"size:512" json:"last_object"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
