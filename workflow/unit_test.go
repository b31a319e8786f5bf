package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var km keyedMutex
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("t1|acct")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxSeen)
	}
	if len(km.locks) != 0 {
		t.Fatalf("%d lock entries left behind", len(km.locks))
	}
}

func TestUnitRetriesThenReportsContention(t *testing.T) {
	svc := newTestService(t)
	mustProvision(t, svc, "t1")
	mustOpen(t, svc, "t1", "plan-1", models.AccountKindPlan)
	svc.Units.MaxAttempts = 3

	calls := 0
	err := svc.Units.WithSerializableUnit(context.Background(), "t1", "plan-1", func(u *Unit) error {
		calls++
		return errStaleAccount
	})
	if !errors.Is(err, ledger.ErrContention) || !ledger.IsRetryable(err) {
		t.Fatalf("err = %v, want ErrContention", err)
	}
	if calls != 3 {
		t.Fatalf("fn ran %d times, want 3", calls)
	}

	// A conflict that clears is retried transparently.
	calls = 0
	err = svc.Units.WithSerializableUnit(context.Background(), "t1", "plan-1", func(u *Unit) error {
		calls++
		if calls == 1 {
			return errStaleAccount
		}
		return u.Credit(dec("5"))
	})
	if err != nil || calls != 2 {
		t.Fatalf("transient conflict = (%v, %d calls)", err, calls)
	}
	if bal := balanceOf(t, svc, "t1", "plan-1"); !bal.Equal(dec("5")) {
		t.Fatalf("balance = %s, want 5", bal)
	}
}

func TestUnitAbortLeavesNoPartialState(t *testing.T) {
	svc := newTestService(t)
	mustProvision(t, svc, "t1")
	mustOpen(t, svc, "t1", "plan-1", models.AccountKindPlan)
	before := auditCount(t, svc.DB, "t1")

	boom := errors.New("downstream refused")
	committed := false
	err := svc.Units.WithSerializableUnit(context.Background(), "t1", "plan-1", func(u *Unit) error {
		if err := u.Credit(dec("10")); err != nil {
			return err
		}
		if _, err := svc.Audit.Append(u.Tx(), audit.Entry{TenantId: "t1", Action: "test.partial"}); err != nil {
			return err
		}
		u.AfterCommit(func() { committed = true })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if committed {
		t.Fatalf("after-commit hook ran for an aborted unit")
	}
	if bal := balanceOf(t, svc, "t1", "plan-1"); !bal.IsZero() {
		t.Fatalf("balance = %s after abort", bal)
	}
	if got := auditCount(t, svc.DB, "t1"); got != before {
		t.Fatalf("abort left %d audit rows", got-before)
	}
}

func TestUnitDebitGuardsBalance(t *testing.T) {
	svc := newTestService(t)
	mustProvision(t, svc, "t1")
	mustOpen(t, svc, "t1", "plan-1", models.AccountKindPlan)

	err := svc.Units.WithSerializableUnit(context.Background(), "t1", "plan-1", func(u *Unit) error {
		return u.Debit(dec("0.01"))
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("overdraft err = %v", err)
	}
	if err := svc.Units.WithSerializableUnit(context.Background(), "t1", "missing", func(*Unit) error { return nil }); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("missing account err = %v", err)
	}
	if err := svc.Units.WithSerializableUnit(context.Background(), "t2", "plan-1", func(*Unit) error { return nil }); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("cross-tenant account err = %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errStaleAccount, true},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("Error 40001: could not serialize access"), true},
		{ledger.ErrInvalidTransition, false},
		{errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.err); got != tc.want {
			t.Fatalf("isRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
