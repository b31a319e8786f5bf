package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ledger_backend/audit"
	"github.com/mmdatafocus/ledger_backend/ledger"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/vesting"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type NewTenant struct {
	ID   string            `validate:"required,max=64"`
	Name string            `validate:"required,max=255"`
	Type models.TenantType `validate:"required,oneof=ISSUER SPONSOR"`
}

// ProvisionTenant creates a tenant and its audit chain. Provisioning an
// existing id returns the stored tenant with ErrConflict.
func (s *Service) ProvisionTenant(ctx context.Context, in NewTenant) (tenant *models.Tenant, err error) {
	ctx, span := tracer.Start(ctx, "ledger.ProvisionTenant", trace.WithAttributes(attribute.String("tenant_id", in.ID)))
	defer func() { endSpan(span, err) }()

	if err := s.validator().Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidIntent, err)
	}

	var existing models.Tenant
	if err := s.DB.WithContext(ctx).Where("id = ?", in.ID).Take(&existing).Error; err == nil {
		return &existing, &ledger.Error{Kind: ledger.ErrConflict, Err: fmt.Errorf("tenant %s", in.ID)}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tenant = &models.Tenant{ID: in.ID, Name: in.Name, Type: in.Type, Status: models.TenantStatusActive}
	var row *models.AuditLog
	err = s.scoped(ctx, in.ID).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(tenant).Error; err != nil {
			if ledger.IsDuplicateKeyErr(err) {
				return &ledger.Error{Kind: ledger.ErrConflict, Err: err}
			}
			return err
		}
		var err error
		row, err = s.Audit.Append(tx, s.resourceEntry(ctx, in.ID, "tenant.provisioned", "tenant", in.ID, map[string]any{
			"name": in.Name,
			"type": in.Type,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Audit.Emit(row)
	return tenant, nil
}

// OpenAccount creates an empty ACTIVE account. A ref already in use returns
// ErrConflict with no account.
func (s *Service) OpenAccount(ctx context.Context, tenantID, ref string, kind models.AccountKind, currency string) (*models.Account, error) {
	if err := s.requireActiveTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	if err := s.validator().Var(currency, "required,iso4217"); err != nil {
		return nil, fmt.Errorf("%w: currency: %v", ledger.ErrInvalidIntent, err)
	}
	if ref == "" || (kind != models.AccountKindPlan && kind != models.AccountKindShareholder) {
		return nil, fmt.Errorf("%w: account ref and kind are required", ledger.ErrInvalidIntent)
	}

	acct := &models.Account{
		TenantId: tenantID,
		Ref:      ref,
		Kind:     kind,
		Currency: currency,
		Balance:  decimal.Zero,
		Status:   models.AccountStatusActive,
	}
	var row *models.AuditLog
	err := s.scoped(ctx, tenantID).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(acct).Error; err != nil {
			if ledger.IsDuplicateKeyErr(err) {
				return &ledger.Error{Kind: ledger.ErrConflict, Err: fmt.Errorf("account %s: %w", ref, err)}
			}
			return err
		}
		var err error
		row, err = s.Audit.Append(tx, s.resourceEntry(ctx, tenantID, "account.opened", "account", ref, map[string]any{
			"kind":     kind,
			"currency": currency,
		}))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Audit.Emit(row)
	return acct, nil
}

func (s *Service) ensureAccount(ctx context.Context, tenantID, ref string, kind models.AccountKind, currency string) error {
	var acct models.Account
	err := s.scoped(ctx, tenantID).Where("tenant_id = ? AND ref = ?", tenantID, ref).Take(&acct).Error
	if err == nil {
		if acct.Kind != kind {
			return fmt.Errorf("%w: account %s is a %s account", ledger.ErrInvalidIntent, ref, acct.Kind)
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	_, err = s.OpenAccount(ctx, tenantID, ref, kind, currency)
	if errors.Is(err, ledger.ErrConflict) {
		return nil
	}
	return err
}

type NewShareholder struct {
	TenantId    string `validate:"required"`
	AccountRef  string `validate:"required,max=100"`
	ExternalRef string `validate:"max=100"`
	Name        string `validate:"required,max=255"`
	Email       string `validate:"omitempty,email"`
	Phone       string `validate:"omitempty,max=50"`
	TotalShares decimal.Decimal
	Currency    string `validate:"required,iso4217"`
}

// RegisterShareholder opens the shareholder's account if needed and records
// the holder. New holders start without KYC, which blocks disbursements.
func (s *Service) RegisterShareholder(ctx context.Context, in NewShareholder) (*models.Shareholder, error) {
	if err := s.validator().Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidIntent, err)
	}
	if in.TotalShares.IsNegative() {
		return nil, fmt.Errorf("%w: total shares must not be negative", ledger.ErrInvalidIntent)
	}
	if err := s.ensureAccount(ctx, in.TenantId, in.AccountRef, models.AccountKindShareholder, in.Currency); err != nil {
		return nil, err
	}

	sh := &models.Shareholder{
		TenantId:    in.TenantId,
		AccountRef:  in.AccountRef,
		ExternalRef: in.ExternalRef,
		Name:        in.Name,
		Email:       in.Email,
		Phone:       in.Phone,
		TotalShares: in.TotalShares,
	}
	err := s.Units.WithSerializableUnit(ctx, in.TenantId, in.AccountRef, func(u *Unit) error {
		if err := u.Tx().Create(sh).Error; err != nil {
			if ledger.IsDuplicateKeyErr(err) {
				return &ledger.Error{Kind: ledger.ErrConflict, Err: fmt.Errorf("shareholder %s: %w", in.AccountRef, err)}
			}
			return err
		}
		row, err := s.Audit.Append(u.Tx(), s.resourceEntry(ctx, in.TenantId, "shareholder.registered", "shareholder", in.AccountRef, map[string]any{
			"external_ref": in.ExternalRef,
			"name":         in.Name,
			"email":        in.Email,
			"phone":        in.Phone,
			"total_shares": in.TotalShares.String(),
		}))
		if err != nil {
			return err
		}
		u.AfterCommit(func() { s.Audit.Emit(row) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sh, nil
}

// VerifyShareholderKYC marks the holder verified. It runs in the account's
// unit so it orders against any in-flight SEND.
func (s *Service) VerifyShareholderKYC(ctx context.Context, tenantID, accountRef string) error {
	return s.Units.WithSerializableUnit(ctx, tenantID, accountRef, func(u *Unit) error {
		res := u.Tx().Model(&models.Shareholder{}).
			Where("tenant_id = ? AND account_ref = ?", tenantID, accountRef).
			Update("kyc_verified", true)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &ledger.Error{Kind: ledger.ErrNotFound, Err: fmt.Errorf("shareholder %s", accountRef)}
		}
		row, err := s.Audit.Append(u.Tx(), s.resourceEntry(ctx, tenantID, "shareholder.kyc_verified", "shareholder", accountRef, nil))
		if err != nil {
			return err
		}
		u.AfterCommit(func() { s.Audit.Emit(row) })
		return nil
	})
}

type PlanEnrollment struct {
	TenantId      string          `validate:"required"`
	EmployeeId    string          `validate:"required,max=100"`
	PlanType      models.PlanType `validate:"required,oneof=ESPP RSU 401K PENSION"`
	AccountRef    string          `validate:"required,max=100"`
	Currency      string          `validate:"required,iso4217"`
	Schedule      vesting.Schedule
	GrantDate     time.Time `validate:"required"`
	GrantedAmount decimal.Decimal
}

// EnrollPlan records an employee's enrollment and computes the vested amount
// as of now in the same unit, so a plan never exists without a balance.
func (s *Service) EnrollPlan(ctx context.Context, in PlanEnrollment) (plan *models.EmployeePlan, err error) {
	ctx, span := tracer.Start(ctx, "ledger.EnrollPlan", trace.WithAttributes(attribute.String("tenant_id", in.TenantId)))
	defer func() { endSpan(span, err) }()

	if err := s.validator().Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidIntent, err)
	}
	if err := in.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidIntent, err)
	}
	if !in.GrantedAmount.IsPositive() {
		return nil, fmt.Errorf("%w: granted amount must be positive", ledger.ErrInvalidIntent)
	}
	if err := s.ensureAccount(ctx, in.TenantId, in.AccountRef, models.AccountKindPlan, in.Currency); err != nil {
		return nil, err
	}

	asOf := s.now()
	vested, err := vesting.ComputeVested(in.Schedule, in.GrantDate, asOf, in.GrantedAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrInvalidIntent, err)
	}

	plan = &models.EmployeePlan{
		TenantId:      in.TenantId,
		EmployeeId:    in.EmployeeId,
		PlanType:      in.PlanType,
		AccountRef:    in.AccountRef,
		Status:        models.PlanStatusActive,
		ScheduleType:  in.Schedule.Type,
		CliffMonths:   in.Schedule.CliffMonths,
		TotalMonths:   in.Schedule.TotalMonths,
		GrantDate:     in.GrantDate.UTC(),
		GrantedAmount: in.GrantedAmount,
	}
	err = s.Units.WithSerializableUnit(ctx, in.TenantId, in.AccountRef, func(u *Unit) error {
		var count int64
		if err := u.Tx().Model(&models.EmployeePlan{}).
			Where("tenant_id = ? AND employee_id = ? AND plan_type = ?", in.TenantId, in.EmployeeId, in.PlanType).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return &ledger.Error{Kind: ledger.ErrConflict, Err: fmt.Errorf("employee %s already enrolled in %s", in.EmployeeId, in.PlanType)}
		}
		plan.ID = 0
		if err := u.Tx().Create(plan).Error; err != nil {
			if ledger.IsDuplicateKeyErr(err) {
				return &ledger.Error{Kind: ledger.ErrConflict, Err: err}
			}
			return err
		}
		if err := u.Tx().Create(&models.VestedBalance{
			TenantId:     in.TenantId,
			PlanId:       plan.ID,
			VestedAmount: vested,
			AsOf:         asOf,
			Version:      1,
		}).Error; err != nil {
			return err
		}
		row, err := s.Audit.Append(u.Tx(), s.resourceEntry(ctx, in.TenantId, "plan.enrolled", "employee_plan", fmt.Sprint(plan.ID), map[string]any{
			"employee_id":    in.EmployeeId,
			"plan_type":      in.PlanType,
			"schedule_type":  in.Schedule.Type,
			"cliff_months":   in.Schedule.CliffMonths,
			"total_months":   in.Schedule.TotalMonths,
			"grant_date":     in.GrantDate.UTC().Format("2006-01-02"),
			"granted_amount": in.GrantedAmount.StringFixed(2),
			"vested_amount":  vested.StringFixed(2),
		}))
		if err != nil {
			return err
		}
		u.AfterCommit(func() { s.Audit.Emit(row) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (s *Service) resourceEntry(ctx context.Context, tenantID, action, resourceType, resourceID string, payload any) audit.Entry {
	e := s.entry(ctx, tenantID, action, resourceID, payload)
	e.ResourceType = resourceType
	return e
}
