package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
)

// SettlementSweeper fails SENT transactions whose settlement window has
// elapsed without a callback. It goes through Advance like any callback.
type SettlementSweeper struct {
	Service   *Service
	Logger    *logrus.Logger
	Window    time.Duration
	Interval  time.Duration
	BatchSize int
	Now       func() time.Time
}

func NewSettlementSweeper(svc *Service, logger *logrus.Logger, window time.Duration) *SettlementSweeper {
	return &SettlementSweeper{
		Service:   svc,
		Logger:    logger,
		Window:    window,
		Interval:  time.Minute,
		BatchSize: 200,
		Now:       time.Now,
	}
}

func (sw *SettlementSweeper) Run(ctx context.Context) {
	interval := sw.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := sw.SweepOnce(ctx); err != nil {
			config.LogError(sw.Logger, "settlementSweep.go", "Run", "sweep", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce fails one batch of expired transactions and returns how many it
// moved. A transaction settled concurrently is skipped.
func (sw *SettlementSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := time.Now
	if sw.Now != nil {
		now = sw.Now
	}
	limit := sw.BatchSize
	if limit <= 0 {
		limit = 200
	}
	cutoff := now().UTC().Add(-sw.Window)

	scan := utils.SetSkipTenantScopeInContext(ctx, true)
	expired, err := ledger.ListExpiredSent(sw.Service.DB.WithContext(scan), cutoff, limit)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, txn := range expired {
		if ctx.Err() != nil {
			break
		}
		tctx := utils.SetActorIdInContext(ctx, "settlement-sweep")
		_, err := sw.Service.Advance(tctx, txn.TenantId, txn.ID, AnyVersion, ledger.EventFail, WithReason(ReasonWindowExpired))
		if err != nil {
			if errors.Is(err, ledger.ErrInvalidTransition) {
				continue
			}
			config.LogError(sw.Logger, "settlementSweep.go", "SweepOnce", "expire transaction", logrus.Fields{
				"tenant_id":      txn.TenantId,
				"transaction_id": txn.ID,
			}, err)
			continue
		}
		failed++
	}
	sw.Service.Metrics.SweepExpired(failed)
	if failed > 0 && sw.Logger != nil {
		sw.Logger.WithFields(logrus.Fields{
			"field":  "SettlementSweeper",
			"cutoff": cutoff.Format(time.RFC3339),
			"failed": failed,
		}).Info("expired SENT transactions failed")
	}
	return failed, nil
}
