package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/utils"
	"github.com/mmdatafocus/ledger_backend/vesting"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// PlanFailure is one plan the batch could not recompute.
type PlanFailure struct {
	PlanId     int    `json:"plan_id"`
	EmployeeId string `json:"employee_id"`
	Error      string `json:"error"`
}

// VestingReport summarises a RecomputeVesting run.
type VestingReport struct {
	TenantId  string        `json:"tenant_id"`
	AsOf      time.Time     `json:"as_of"`
	Processed int           `json:"processed"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    []PlanFailure `json:"failed,omitempty"`
}

// RecomputeVesting recomputes the vested balance of every ACTIVE plan in the
// tenant as of asOf. Each plan runs in its own unit; a plan that fails is
// logged and reported while the rest of the batch continues. Only a failure
// to enumerate plans aborts the run.
func (s *Service) RecomputeVesting(ctx context.Context, tenantID string, asOf time.Time) (report *VestingReport, err error) {
	ctx, span := tracer.Start(ctx, "ledger.RecomputeVesting", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer func() { endSpan(span, err) }()

	if err := s.requireActiveTenant(ctx, tenantID); err != nil {
		return nil, err
	}

	var plans []models.EmployeePlan
	if err := s.scoped(ctx, tenantID).
		Where("tenant_id = ? AND status = ?", tenantID, models.PlanStatusActive).
		Order("id ASC").
		Find(&plans).Error; err != nil {
		return nil, err
	}

	report = &VestingReport{TenantId: tenantID, AsOf: asOf.UTC()}
	var mu sync.Mutex

	limit := s.VestingConcurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := range plans {
		plan := plans[i]
		g.Go(func() error {
			changed, err := s.recomputePlan(gctx, plan, asOf)
			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			switch {
			case err != nil:
				report.Failed = append(report.Failed, PlanFailure{PlanId: plan.ID, EmployeeId: plan.EmployeeId, Error: err.Error()})
				s.Metrics.VestingPlan("failed")
				config.LogError(s.Logger, "vestingRecompute.go", "RecomputeVesting", "recompute plan", logrus.Fields{
					"tenant_id": tenantID,
					"plan_id":   plan.ID,
				}, err)
			case changed:
				report.Updated++
				s.Metrics.VestingPlan("updated")
			default:
				report.Unchanged++
				s.Metrics.VestingPlan("unchanged")
			}
			// Per-plan failures never cancel the group.
			return nil
		})
	}
	_ = g.Wait()

	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":     "RecomputeVesting",
			"tenant_id": tenantID,
			"as_of":     report.AsOf.Format("2006-01-02"),
			"processed": report.Processed,
			"updated":   report.Updated,
			"unchanged": report.Unchanged,
			"failed":    len(report.Failed),
		}).Info("vesting recompute finished")
	}
	return report, nil
}

// recomputePlan writes the plan's vested balance when it differs from the
// stored one, with an audit entry and an outbox event in the same unit.
func (s *Service) recomputePlan(ctx context.Context, plan models.EmployeePlan, asOf time.Time) (changed bool, err error) {
	schedule := vesting.Schedule{Type: plan.ScheduleType, CliffMonths: plan.CliffMonths, TotalMonths: plan.TotalMonths}
	vested, err := vesting.ComputeVested(schedule, plan.GrantDate, asOf, plan.GrantedAmount)
	if err != nil {
		return false, err
	}

	err = s.Units.WithSerializableUnit(ctx, plan.TenantId, plan.AccountRef, func(u *Unit) error {
		changed = false
		var current models.VestedBalance
		err := u.Tx().Where("tenant_id = ? AND plan_id = ?", plan.TenantId, plan.ID).Take(&current).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if found && current.VestedAmount.Equal(vested) {
			return nil
		}

		previous := decimal.Zero
		if found {
			previous = current.VestedAmount
			res := u.Tx().Model(&models.VestedBalance{}).
				Where("tenant_id = ? AND id = ? AND version = ?", plan.TenantId, current.ID, current.Version).
				Updates(map[string]interface{}{
					"vested_amount": vested,
					"as_of":         asOf.UTC(),
					"version":       gorm.Expr("version + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return &ledger.Error{Kind: ledger.ErrVersionConflict, Err: fmt.Errorf("vested balance for plan %d", plan.ID)}
			}
		} else if err := u.Tx().Create(&models.VestedBalance{
			TenantId:     plan.TenantId,
			PlanId:       plan.ID,
			VestedAmount: vested,
			AsOf:         asOf.UTC(),
			Version:      1,
		}).Error; err != nil {
			return err
		}

		row, err := s.Audit.Append(u.Tx(), s.resourceEntry(ctx, plan.TenantId, "vesting.recomputed", "employee_plan", fmt.Sprint(plan.ID), map[string]any{
			"employee_id": plan.EmployeeId,
			"as_of":       asOf.UTC().Format("2006-01-02"),
			"previous":    previous.StringFixed(2),
			"vested":      vested.StringFixed(2),
		}))
		if err != nil {
			return err
		}
		correlationID, _ := utils.GetCorrelationIdFromContext(ctx)
		if err := enqueueEvent(u.Tx(), plan.TenantId, "employee_plan", fmt.Sprint(plan.ID), EventTypeVestingRecomputed, correlationID, VestingEvent{
			TenantId:     plan.TenantId,
			PlanId:       plan.ID,
			EmployeeId:   plan.EmployeeId,
			VestedAmount: vested,
			Previous:     previous,
			AsOf:         asOf.UTC(),
		}); err != nil {
			return err
		}
		u.AfterCommit(func() { s.Audit.Emit(row) })
		changed = true
		return nil
	})
	return changed, err
}

// VestedBalanceOf returns the stored vested balance for a plan.
func (s *Service) VestedBalanceOf(ctx context.Context, tenantID string, planID int) (*models.VestedBalance, error) {
	var vb models.VestedBalance
	err := s.scoped(ctx, tenantID).Where("tenant_id = ? AND plan_id = ?", tenantID, planID).Take(&vb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("vested balance for plan %d", planID)}
	}
	if err != nil {
		return nil, err
	}
	return &vb, nil
}
