package vesting

import (
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/shopspring/decimal"
)

var ErrInvalidSchedule = errors.New("invalid vesting schedule")

// Schedule is attached to a plan at enrollment and never changes afterwards.
type Schedule struct {
	Type        models.ScheduleType `json:"type" validate:"required,oneof=CLIFF GRADED"`
	CliffMonths int                 `json:"cliff_months" validate:"gte=0"`
	TotalMonths int                 `json:"total_months" validate:"gte=0"`
}

func (s Schedule) Validate() error {
	if s.CliffMonths < 0 || s.TotalMonths < 0 {
		return fmt.Errorf("%w: negative months", ErrInvalidSchedule)
	}
	switch s.Type {
	case models.ScheduleTypeCliff:
		return nil
	case models.ScheduleTypeGraded:
		if s.TotalMonths <= s.CliffMonths {
			return fmt.Errorf("%w: graded total_months (%d) must exceed cliff_months (%d)", ErrInvalidSchedule, s.TotalMonths, s.CliffMonths)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidSchedule, s.Type)
}

// MonthsElapsed counts whole months from grant to asOf. A month completes on
// the grant's day-of-month, clamped to the last day of shorter months, so a
// grant on Jan 31 completes its first month on Feb 28/29.
func MonthsElapsed(grant, asOf time.Time) int {
	grant = grant.UTC()
	asOf = asOf.UTC()
	if asOf.Before(grant) {
		return 0
	}
	months := (asOf.Year()-grant.Year())*12 + int(asOf.Month()-grant.Month())
	anniversary := grant.Day()
	if last := daysIn(asOf.Year(), asOf.Month()); anniversary > last {
		anniversary = last
	}
	if asOf.Day() < anniversary {
		months--
	}
	if months < 0 {
		return 0
	}
	return months
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ComputeVested returns the amount of granted that has vested by asOf.
// Results are truncated to cents and clamped to [0, granted].
func ComputeVested(s Schedule, grantDate, asOf time.Time, granted decimal.Decimal) (decimal.Decimal, error) {
	if err := s.Validate(); err != nil {
		return decimal.Zero, err
	}
	if granted.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative granted amount", ErrInvalidSchedule)
	}
	m := MonthsElapsed(grantDate, asOf)

	var vested decimal.Decimal
	switch s.Type {
	case models.ScheduleTypeCliff:
		if m >= s.CliffMonths {
			vested = granted
		}
	case models.ScheduleTypeGraded:
		switch {
		case m <= s.CliffMonths:
			vested = decimal.Zero
		case m >= s.TotalMonths:
			vested = granted
		default:
			vested = granted.
				Mul(decimal.NewFromInt(int64(m - s.CliffMonths))).
				Div(decimal.NewFromInt(int64(s.TotalMonths - s.CliffMonths))).
				Truncate(2)
		}
	}
	return clamp(vested, granted), nil
}

func clamp(v, granted decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(granted) {
		return granted
	}
	return v
}
