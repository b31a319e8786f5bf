package ledger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newDividend(tenant, key string) NewTransaction {
	return NewTransaction{
		TenantId:       tenant,
		IdempotencyKey: key,
		Type:           models.TransactionTypeDividend,
		AccountRef:     "sh-1",
		Amount:         decimal.RequireFromString("100.00"),
		Currency:       "USD",
	}
}

func TestCreatePendingIsExactlyOnce(t *testing.T) {
	db := openTestDB(t)

	first, err := CreatePending(db, newDividend("t1", "div-001"))
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if first.Status != models.TransactionStatusPending || first.Version != 1 || first.ID == "" {
		t.Fatalf("unexpected new row: %+v", first)
	}

	again, err := CreatePending(db, newDividend("t1", "div-001"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("second CreatePending err = %v, want ErrConflict", err)
	}
	if again == nil || again.ID != first.ID {
		t.Fatalf("conflict returned %+v, want existing %s", again, first.ID)
	}
	if TransactionOf(err).ID != first.ID {
		t.Fatalf("conflict error does not carry the existing transaction")
	}

	var count int64
	db.Model(&models.Transaction{}).Where("tenant_id = ?", "t1").Count(&count)
	if count != 1 {
		t.Fatalf("rows = %d, want 1", count)
	}

	// The same key under another tenant or type is a different transaction.
	if _, err := CreatePending(db, newDividend("t2", "div-001")); err != nil {
		t.Fatalf("other tenant: %v", err)
	}
	disburse := newDividend("t1", "div-001")
	disburse.Type = models.TransactionTypeDisburse
	if _, err := CreatePending(db, disburse); err != nil {
		t.Fatalf("other type: %v", err)
	}
}

func TestGetHidesOtherTenants(t *testing.T) {
	db := openTestDB(t)
	txn, err := CreatePending(db, newDividend("t1", "k1"))
	if err != nil {
		t.Fatalf("CreatePending: %v", err)
	}
	if _, err := Get(db, "t1", txn.ID); err != nil {
		t.Fatalf("owner Get: %v", err)
	}
	_, crossErr := Get(db, "t2", txn.ID)
	if !errors.Is(crossErr, ErrNotFound) {
		t.Fatalf("cross-tenant Get err = %v, want ErrNotFound", crossErr)
	}
	_, missingErr := Get(db, "t2", "no-such-id")
	if KindName(crossErr) != KindName(missingErr) {
		t.Fatalf("cross-tenant and missing errors differ: %q vs %q", KindName(crossErr), KindName(missingErr))
	}
}

func TestTransitionOptimisticVersion(t *testing.T) {
	db := openTestDB(t)
	txn, _ := CreatePending(db, newDividend("t1", "k1"))

	sentAt := time.Now().UTC()
	sent, err := Transition(db, "t1", txn.ID, 1, models.TransactionStatusSent, TransitionPatch{SentAt: &sentAt, AdapterReference: "ref-1"})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if sent.Status != models.TransactionStatusSent || sent.Version != 2 || sent.AdapterReference != "ref-1" || sent.SentAt == nil {
		t.Fatalf("unexpected row after SEND: %+v", sent)
	}

	_, err = Transition(db, "t1", txn.ID, 1, models.TransactionStatusSettled, TransitionPatch{})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale version err = %v, want ErrVersionConflict", err)
	}
	if cur := TransactionOf(err); cur == nil || cur.Version != 2 {
		t.Fatalf("conflict should carry current row, got %+v", cur)
	}

	if _, err := Transition(db, "t1", txn.ID, 2, models.TransactionStatusPending, TransitionPatch{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("SENT -> PENDING err = %v, want ErrInvalidTransition", err)
	}
	if _, err := Transition(db, "t2", txn.ID, 2, models.TransactionStatusSettled, TransitionPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-tenant transition err = %v, want ErrNotFound", err)
	}

	settled, err := Transition(db, "t1", txn.ID, 2, models.TransactionStatusSettled, TransitionPatch{})
	if err != nil || settled.Version != 3 {
		t.Fatalf("SETTLE: (%+v, %v)", settled, err)
	}
	if _, err := Transition(db, "t1", txn.ID, 3, models.TransactionStatusFailed, TransitionPatch{FailureReason: "late"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal transition err = %v, want ErrInvalidTransition", err)
	}
}

func TestListExpiredSent(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	old, _ := CreatePending(db, newDividend("t1", "old"))
	fresh, _ := CreatePending(db, newDividend("t2", "fresh"))
	_, _ = CreatePending(db, newDividend("t1", "pending"))

	oldSent := now.Add(-2 * time.Hour)
	freshSent := now.Add(-time.Minute)
	if _, err := Transition(db, "t1", old.ID, 1, models.TransactionStatusSent, TransitionPatch{SentAt: &oldSent}); err != nil {
		t.Fatalf("send old: %v", err)
	}
	if _, err := Transition(db, "t2", fresh.ID, 1, models.TransactionStatusSent, TransitionPatch{SentAt: &freshSent}); err != nil {
		t.Fatalf("send fresh: %v", err)
	}

	expired, err := ListExpiredSent(db, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListExpiredSent: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expired = %+v, want only %s", expired, old.ID)
	}
}
