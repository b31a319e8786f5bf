package workflow

import (
	"context"

	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Reconciliation compares an account balance with the sum of its effective
// ledger entries.
type Reconciliation struct {
	TenantId   string          `json:"tenant_id"`
	AccountRef string          `json:"account_ref"`
	Balance    decimal.Decimal `json:"balance"`
	Expected   decimal.Decimal `json:"expected"`
	Entries    int             `json:"entries"`
}

func (r Reconciliation) Balanced() bool { return r.Balance.Equal(r.Expected) }

// ReconcileAccount reads the account and its transactions in one unit so
// both come from the same committed state. Committed contributions and
// settled dividends add; disbursements holding funds (SENT or SETTLED)
// subtract.
func (s *Service) ReconcileAccount(ctx context.Context, tenantID, accountRef string) (*Reconciliation, error) {
	var rec *Reconciliation
	err := s.Units.WithSerializableUnit(ctx, tenantID, accountRef, func(u *Unit) error {
		txns, err := ledger.ListByAccount(u.Tx(), tenantID, accountRef)
		if err != nil {
			return err
		}
		expected := decimal.Zero
		entries := 0
		for _, t := range txns {
			switch {
			case t.Type == models.TransactionTypeContribution && t.Status == models.TransactionStatusCommitted,
				t.Type == models.TransactionTypeDividend && t.Status == models.TransactionStatusSettled:
				expected = expected.Add(t.Amount)
				entries++
			case t.Type == models.TransactionTypeDisburse &&
				(t.Status == models.TransactionStatusSent || t.Status == models.TransactionStatusSettled):
				expected = expected.Sub(t.Amount)
				entries++
			}
		}
		rec = &Reconciliation{
			TenantId:   tenantID,
			AccountRef: accountRef,
			Balance:    u.Balance(),
			Expected:   expected,
			Entries:    entries,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !rec.Balanced() && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":       "ReconcileAccount",
			"tenant_id":   tenantID,
			"account_ref": accountRef,
			"balance":     rec.Balance.String(),
			"expected":    rec.Expected.String(),
		}).Error("account balance does not match ledger entries")
	}
	return rec, nil
}
