package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/settlement"
)

func TestSettlementSweepFailsExpiredSends(t *testing.T) {
	svc := newTestService(t)
	clock := &testClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc.Now = clock.now
	mustProvision(t, svc, "t1")
	mustOpen(t, svc, "t1", "plan-1", models.AccountKindPlan)
	if _, err := svc.RecordContribution(context.Background(), "t1", "c-1", "plan-1", dec("500.00"), "USD"); err != nil {
		t.Fatalf("contribution: %v", err)
	}

	old := mustAdvance(t, svc, mustSubmit(t, svc, "t1", "d-old", models.TransactionTypeDisburse, "plan-1", "100.00"), ledger.EventSend)
	clock.t = clock.t.Add(50 * time.Minute)
	fresh := mustAdvance(t, svc, mustSubmit(t, svc, "t1", "d-new", models.TransactionTypeDisburse, "plan-1", "50.00"), ledger.EventSend)

	sweeper := NewSettlementSweeper(svc, nil, time.Hour)
	sweeper.Now = func() time.Time { return clock.t.Add(20 * time.Minute) }
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("SweepOnce = (%d, %v), want 1", n, err)
	}

	got, _ := ledger.Get(svc.DB, "t1", old.ID)
	if got.Status != models.TransactionStatusFailed || got.FailureReason != ReasonWindowExpired {
		t.Fatalf("expired send = %s %q", got.Status, got.FailureReason)
	}
	if got, _ := ledger.Get(svc.DB, "t1", fresh.ID); got.Status != models.TransactionStatusSent {
		t.Fatalf("fresh send = %s", got.Status)
	}
	if bal := balanceOf(t, svc, "t1", "plan-1"); !bal.Equal(dec("450")) {
		t.Fatalf("balance = %s, want 450 (expired debit returned)", bal)
	}

	if n, _ := sweeper.SweepOnce(context.Background()); n != 0 {
		t.Fatalf("second sweep failed %d", n)
	}
}

func waitForStatus(t *testing.T, svc *Service, tenantID, id string, want models.TransactionStatus) *models.Transaction {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := ledger.Get(svc.DB, tenantID, id)
		if err == nil && got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("transaction %s never reached %s (last %v, %v)", id, want, got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMockACHDrivesSettlement(t *testing.T) {
	svc := newTestService(t)
	ach := settlement.NewMockACH(nil, 5*time.Millisecond)
	ach.Reject = settlement.RejectAccounts("sh-closed")
	ach.SetCallbacks(svc)
	t.Cleanup(ach.Close)
	svc.Adapter = ach

	mustProvision(t, svc, "t1")
	mustShareholder(t, svc, "t1", "sh-1", true)
	mustShareholder(t, svc, "t1", "sh-closed", true)

	div := mustSubmit(t, svc, "t1", "div-1", models.TransactionTypeDividend, "sh-1", "75.00")
	sent := mustAdvance(t, svc, div, ledger.EventSend)
	if sent.Status != models.TransactionStatusSent {
		t.Fatalf("after SEND = %s", sent.Status)
	}
	settled := waitForStatus(t, svc, "t1", div.ID, models.TransactionStatusSettled)
	if settled.AdapterReference != sent.AdapterReference {
		t.Fatalf("adapter reference changed: %s -> %s", sent.AdapterReference, settled.AdapterReference)
	}
	if bal := balanceOf(t, svc, "t1", "sh-1"); !bal.Equal(dec("75")) {
		t.Fatalf("balance = %s, want 75", bal)
	}

	rejected := mustSubmit(t, svc, "t1", "div-2", models.TransactionTypeDividend, "sh-closed", "10.00")
	got, err := svc.Advance(context.Background(), "t1", rejected.ID, rejected.Version, ledger.EventSend)
	if err != nil {
		t.Fatalf("rejected SEND err = %v", err)
	}
	if got.Status != models.TransactionStatusFailed || got.FailureReason == "" {
		t.Fatalf("rejected SEND = %s %q, want FAILED with reason", got.Status, got.FailureReason)
	}

	reqs := ach.Requests()
	if len(reqs) != 1 || reqs[0].TransactionId != div.ID {
		t.Fatalf("adapter requests = %+v", reqs)
	}
}
