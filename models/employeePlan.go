package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PlanType string

const (
	PlanTypeESPP    PlanType = "ESPP"
	PlanTypeRSU     PlanType = "RSU"
	PlanType401K    PlanType = "401K"
	PlanTypePension PlanType = "PENSION"
)

type PlanStatus string

const (
	PlanStatusActive     PlanStatus = "ACTIVE"
	PlanStatusSuspended  PlanStatus = "SUSPENDED"
	PlanStatusTerminated PlanStatus = "TERMINATED"
)

type ScheduleType string

const (
	ScheduleTypeCliff  ScheduleType = "CLIFF"
	ScheduleTypeGraded ScheduleType = "GRADED"
)

// EmployeePlan is one employee's enrollment in a plan. The vesting schedule
// columns are written at enrollment and never updated.
type EmployeePlan struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"size:64;not null;uniqueIndex:uniq_employee_plan,priority:1;index:idx_plan_status,priority:1" json:"tenant_id"`
	EmployeeId    string          `gorm:"size:100;not null;uniqueIndex:uniq_employee_plan,priority:2" json:"employee_id"`
	PlanType      PlanType        `gorm:"size:20;not null;uniqueIndex:uniq_employee_plan,priority:3" json:"plan_type"`
	AccountRef    string          `gorm:"size:100;not null;index" json:"account_ref"`
	Status        PlanStatus      `gorm:"size:20;not null;default:'ACTIVE';index:idx_plan_status,priority:2" json:"status"`
	ScheduleType  ScheduleType    `gorm:"size:20;not null" json:"schedule_type"`
	CliffMonths   int             `gorm:"not null" json:"cliff_months"`
	TotalMonths   int             `gorm:"not null" json:"total_months"`
	GrantDate     time.Time       `gorm:"not null" json:"grant_date"`
	GrantedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"granted_amount"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// VestedBalance is the last computed vested amount for a plan.
type VestedBalance struct {
	ID           int             `gorm:"primary_key" json:"id"`
	TenantId     string          `gorm:"size:64;not null;uniqueIndex:uniq_vested_plan,priority:1" json:"tenant_id"`
	PlanId       int             `gorm:"not null;uniqueIndex:uniq_vested_plan,priority:2" json:"plan_id"`
	VestedAmount decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"vested_amount"`
	AsOf         time.Time       `gorm:"not null" json:"as_of"`
	Version      int             `gorm:"not null;default:0" json:"version"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
