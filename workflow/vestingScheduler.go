package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/sirupsen/logrus"
)

// NextMonthStart returns midnight UTC on the first day of the month after t.
func NextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// MonthlyScheduler recomputes vesting for every active tenant at the start of
// each month. It drives the same per-plan path as an on-demand recompute.
type MonthlyScheduler struct {
	Service *Service
	Logger  *logrus.Logger
	Now     func() time.Time
	// After is time.After unless replaced.
	After func(time.Duration) <-chan time.Time
}

func NewMonthlyScheduler(svc *Service, logger *logrus.Logger) *MonthlyScheduler {
	return &MonthlyScheduler{Service: svc, Logger: logger, Now: time.Now, After: time.After}
}

func (m *MonthlyScheduler) Run(ctx context.Context) {
	for {
		now := m.now()
		next := NextMonthStart(now)
		select {
		case <-ctx.Done():
			return
		case <-m.after(next.Sub(now)):
		}
		m.RunOnce(ctx, next)
	}
}

// RunOnce recomputes every ACTIVE tenant as of asOf. A failing tenant is
// logged and the rest still run.
func (m *MonthlyScheduler) RunOnce(ctx context.Context, asOf time.Time) []*VestingReport {
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	var tenants []models.Tenant
	if err := m.Service.DB.WithContext(ctx).
		Where("status = ?", models.TenantStatusActive).
		Order("id ASC").
		Find(&tenants).Error; err != nil {
		config.LogError(m.Logger, "vestingScheduler.go", "RunOnce", "list tenants", nil, err)
		return nil
	}

	var reports []*VestingReport
	for _, t := range tenants {
		if ctx.Err() != nil {
			break
		}
		tctx := utils.SetSkipTenantScopeInContext(ctx, false)
		report, err := m.Service.RecomputeVesting(tctx, t.ID, asOf)
		if err != nil {
			config.LogError(m.Logger, "vestingScheduler.go", "RunOnce", "recompute tenant", logrus.Fields{"tenant_id": t.ID}, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports
}

func (m *MonthlyScheduler) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MonthlyScheduler) after(d time.Duration) <-chan time.Time {
	if m.After != nil {
		return m.After(d)
	}
	return time.After(d)
}
