package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenSQLite(filepath.Join(t.TempDir(), "workflow.db"))
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

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func newTestService(t *testing.T) *Service {
	t.Helper()
	db := openTestDB(t)
	units := NewUnitController(db, nil, nil)
	units.BaseBackoff = time.Millisecond
	units.MaxBackoff = 5 * time.Millisecond
	svc := NewService(db, units, audit.NewWriter(nil, nil), nil, nil, nil)
	svc.VestingConcurrency = 4
	return svc
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func mustProvision(t *testing.T, svc *Service, tenantID string) {
	t.Helper()
	if _, err := svc.ProvisionTenant(context.Background(), NewTenant{ID: tenantID, Name: tenantID + " Inc", Type: models.TenantTypeIssuer}); err != nil {
		t.Fatalf("ProvisionTenant(%s): %v", tenantID, err)
	}
}

func mustOpen(t *testing.T, svc *Service, tenantID, ref string, kind models.AccountKind) {
	t.Helper()
	if _, err := svc.OpenAccount(context.Background(), tenantID, ref, kind, "USD"); err != nil {
		t.Fatalf("OpenAccount(%s/%s): %v", tenantID, ref, err)
	}
}

func mustShareholder(t *testing.T, svc *Service, tenantID, ref string, verified bool) {
	t.Helper()
	_, err := svc.RegisterShareholder(context.Background(), NewShareholder{
		TenantId:    tenantID,
		AccountRef:  ref,
		ExternalRef: "ext-" + ref,
		Name:        "Holder " + ref,
		Email:       "holder@example.com",
		Phone:       "+14155550100",
		TotalShares: dec("100"),
		Currency:    "USD",
	})
	if err != nil {
		t.Fatalf("RegisterShareholder(%s): %v", ref, err)
	}
	if verified {
		if err := svc.VerifyShareholderKYC(context.Background(), tenantID, ref); err != nil {
			t.Fatalf("VerifyShareholderKYC(%s): %v", ref, err)
		}
	}
}

func mustSubmit(t *testing.T, svc *Service, tenantID, key string, typ models.TransactionType, ref, amount string) *models.Transaction {
	t.Helper()
	txn, err := svc.SubmitIntent(context.Background(), Intent{
		TenantId:       tenantID,
		IdempotencyKey: key,
		Type:           typ,
		AccountRef:     ref,
		Amount:         dec(amount),
		Currency:       "USD",
	})
	if err != nil {
		t.Fatalf("SubmitIntent(%s): %v", key, err)
	}
	return txn
}

func mustAdvance(t *testing.T, svc *Service, txn *models.Transaction, event ledger.Event) *models.Transaction {
	t.Helper()
	next, err := svc.Advance(context.Background(), txn.TenantId, txn.ID, txn.Version, event)
	if err != nil {
		t.Fatalf("Advance(%s, %s): %v", txn.ID, event, err)
	}
	return next
}

func auditCount(t *testing.T, db *gorm.DB, tenantID string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.AuditLog{}).Where("tenant_id = ?", tenantID).Count(&n).Error; err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func balanceOf(t *testing.T, svc *Service, tenantID, ref string) decimal.Decimal {
	t.Helper()
	bal, err := svc.QueryBalance(context.Background(), tenantID, ref)
	if err != nil {
		t.Fatalf("QueryBalance(%s): %v", ref, err)
	}
	return bal.Amount
}
