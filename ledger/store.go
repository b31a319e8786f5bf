package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// NewTransaction is the input to CreatePending.
type NewTransaction struct {
	TenantId       string
	IdempotencyKey string
	Type           models.TransactionType
	AccountRef     string
	Amount         decimal.Decimal
	Currency       string
}

// TransitionPatch carries the columns that change alongside a status.
type TransitionPatch struct {
	FailureReason    string
	AdapterReference string
	SentAt           *time.Time
}

// CreatePending inserts a PENDING transaction. When (tenant, type, key) is
// already taken the existing row is returned together with an ErrConflict
// error. If a concurrent writer wins the insert race the error carries no
// transaction; the caller re-reads once its unit has ended.
func CreatePending(tx *gorm.DB, in NewTransaction) (*models.Transaction, error) {
	existing, err := FindByIdempotencyKey(tx, in.TenantId, in.Type, in.IdempotencyKey)
	if err == nil {
		return existing, &Error{Kind: ErrConflict, Transaction: existing}
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	txn := &models.Transaction{
		TenantId:       in.TenantId,
		Type:           in.Type,
		IdempotencyKey: in.IdempotencyKey,
		AccountRef:     in.AccountRef,
		Amount:         in.Amount,
		Currency:       in.Currency,
		Status:         models.TransactionStatusPending,
		Version:        1,
	}
	if err := tx.Create(txn).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil, &Error{Kind: ErrConflict, Err: err}
		}
		return nil, err
	}
	return txn, nil
}

// Get loads a transaction owned by tenantID. A row owned by another tenant is
// reported exactly like a missing one.
func Get(tx *gorm.DB, tenantID, id string) (*models.Transaction, error) {
	var txn models.Transaction
	err := tx.Where("tenant_id = ? AND id = ?", tenantID, id).Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: ErrNotFound, Err: fmt.Errorf("transaction %s", id)}
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func FindByIdempotencyKey(tx *gorm.DB, tenantID string, t models.TransactionType, key string) (*models.Transaction, error) {
	var txn models.Transaction
	err := tx.Where("tenant_id = ? AND type = ? AND idempotency_key = ?", tenantID, t, key).Take(&txn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &Error{Kind: ErrNotFound, Err: fmt.Errorf("idempotency key %s", key)}
	}
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// Transition moves a transaction to newStatus if its stored version still
// equals expectedVersion. The version is bumped by one in the same UPDATE.
func Transition(tx *gorm.DB, tenantID, id string, expectedVersion int, newStatus models.TransactionStatus, patch TransitionPatch) (*models.Transaction, error) {
	cur, err := Get(tx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, &Error{Kind: ErrVersionConflict, Transaction: cur,
			Err: fmt.Errorf("expected version %d, stored %d", expectedVersion, cur.Version)}
	}
	if !CanTransition(cur.Type, cur.Status, newStatus) {
		return nil, &Error{Kind: ErrInvalidTransition, Transaction: cur,
			Err: fmt.Errorf("%s %s -> %s", cur.Type, cur.Status, newStatus)}
	}

	updates := map[string]interface{}{
		"status":  newStatus,
		"version": gorm.Expr("version + 1"),
	}
	if patch.FailureReason != "" {
		updates["failure_reason"] = patch.FailureReason
	}
	if patch.AdapterReference != "" {
		updates["adapter_reference"] = patch.AdapterReference
	}
	if patch.SentAt != nil {
		updates["sent_at"] = patch.SentAt.UTC()
	}
	res := tx.Model(&models.Transaction{}).
		Where("tenant_id = ? AND id = ? AND version = ?", tenantID, id, expectedVersion).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		latest, err := Get(tx, tenantID, id)
		if err != nil {
			return nil, err
		}
		return nil, &Error{Kind: ErrVersionConflict, Transaction: latest}
	}
	return Get(tx, tenantID, id)
}

// ListExpiredSent returns SENT transactions sent at or before cutoff, oldest
// first, across every tenant the context allows.
func ListExpiredSent(tx *gorm.DB, cutoff time.Time, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := tx.Where("status = ? AND sent_at IS NOT NULL AND sent_at <= ?", models.TransactionStatusSent, cutoff.UTC()).
		Order("sent_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListByAccount returns every transaction booked against accountRef.
func ListByAccount(tx *gorm.DB, tenantID, accountRef string) ([]models.Transaction, error) {
	var out []models.Transaction
	err := tx.Where("tenant_id = ? AND account_ref = ?", tenantID, accountRef).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}
