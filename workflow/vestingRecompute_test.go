package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/vesting"
)

func enroll(t *testing.T, svc *Service, employee string, s vesting.Schedule, grant time.Time, amount string) *models.EmployeePlan {
	t.Helper()
	plan, err := svc.EnrollPlan(context.Background(), PlanEnrollment{
		TenantId:      "t1",
		EmployeeId:    employee,
		PlanType:      models.PlanTypeRSU,
		AccountRef:    "plan-" + employee,
		Currency:      "USD",
		Schedule:      s,
		GrantDate:     grant,
		GrantedAmount: dec(amount),
	})
	if err != nil {
		t.Fatalf("EnrollPlan(%s): %v", employee, err)
	}
	return plan
}

func TestRecomputeVestingGradedAndCliff(t *testing.T) {
	svc := newTestService(t)
	grant := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	clock := &testClock{t: grant}
	svc.Now = clock.now
	mustProvision(t, svc, "t1")

	graded := enroll(t, svc, "e1", vesting.Schedule{Type: models.ScheduleTypeGraded, CliffMonths: 6, TotalMonths: 30}, grant, "2400.00")
	cliff := enroll(t, svc, "e2", vesting.Schedule{Type: models.ScheduleTypeCliff, CliffMonths: 12}, grant, "1000.00")

	vb, err := svc.VestedBalanceOf(context.Background(), "t1", graded.ID)
	if err != nil || !vb.VestedAmount.IsZero() {
		t.Fatalf("vested at enrollment = (%v, %v), want 0", vb, err)
	}

	asOf := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC) // month 18
	report, err := svc.RecomputeVesting(context.Background(), "t1", asOf)
	if err != nil {
		t.Fatalf("RecomputeVesting: %v", err)
	}
	if report.Processed != 2 || report.Updated != 2 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
	vb, _ = svc.VestedBalanceOf(context.Background(), "t1", graded.ID)
	if !vb.VestedAmount.Equal(dec("1200")) {
		t.Fatalf("graded vested = %s, want 1200 (12/24 of 2400)", vb.VestedAmount)
	}
	vb, _ = svc.VestedBalanceOf(context.Background(), "t1", cliff.ID)
	if !vb.VestedAmount.Equal(dec("1000")) {
		t.Fatalf("cliff vested = %s, want 1000", vb.VestedAmount)
	}

	before := auditCount(t, svc.DB, "t1")
	report, err = svc.RecomputeVesting(context.Background(), "t1", asOf)
	if err != nil || report.Unchanged != 2 || report.Updated != 0 {
		t.Fatalf("second run = (%+v, %v)", report, err)
	}
	if got := auditCount(t, svc.DB, "t1"); got != before {
		t.Fatalf("unchanged recompute wrote %d audit entries", got-before)
	}
}

func TestRecomputeVestingIsolatesFailures(t *testing.T) {
	svc := newTestService(t)
	grant := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	svc.Now = (&testClock{t: grant}).now
	mustProvision(t, svc, "t1")

	good := enroll(t, svc, "e1", vesting.Schedule{Type: models.ScheduleTypeGraded, CliffMonths: 0, TotalMonths: 12}, grant, "1200.00")
	// A corrupt schedule written behind the service's back.
	bad := models.EmployeePlan{
		TenantId:      "t1",
		EmployeeId:    "e-bad",
		PlanType:      models.PlanTypeESPP,
		AccountRef:    "plan-e1",
		Status:        models.PlanStatusActive,
		ScheduleType:  models.ScheduleTypeGraded,
		CliffMonths:   6,
		TotalMonths:   6,
		GrantDate:     grant,
		GrantedAmount: dec("500"),
	}
	if err := svc.DB.Create(&bad).Error; err != nil {
		t.Fatalf("insert bad plan: %v", err)
	}
	suspended := enroll(t, svc, "e3", vesting.Schedule{Type: models.ScheduleTypeCliff, CliffMonths: 1}, grant, "10.00")
	svc.DB.Model(&models.EmployeePlan{}).Where("id = ?", suspended.ID).Update("status", models.PlanStatusSuspended)

	// Jan 31 grant completes month 1 on Feb 29 in a leap year.
	report, err := svc.RecomputeVesting(context.Background(), "t1", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("RecomputeVesting: %v", err)
	}
	if report.Processed != 2 || report.Updated != 1 || len(report.Failed) != 1 || report.Failed[0].PlanId != bad.ID {
		t.Fatalf("report = %+v", report)
	}
	vb, _ := svc.VestedBalanceOf(context.Background(), "t1", good.ID)
	if !vb.VestedAmount.Equal(dec("100")) {
		t.Fatalf("good plan vested = %s, want 100", vb.VestedAmount)
	}
}

func TestEnrollPlanRejectsDuplicatesAndBadSchedules(t *testing.T) {
	svc := newTestService(t)
	grant := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	svc.Now = (&testClock{t: grant.AddDate(2, 0, 0)}).now
	mustProvision(t, svc, "t1")

	plan := enroll(t, svc, "e1", vesting.Schedule{Type: models.ScheduleTypeCliff, CliffMonths: 12}, grant, "300.00")
	vb, _ := svc.VestedBalanceOf(context.Background(), "t1", plan.ID)
	if !vb.VestedAmount.Equal(dec("300")) {
		t.Fatalf("vested at enrollment = %s, want 300 (past cliff)", vb.VestedAmount)
	}

	_, err := svc.EnrollPlan(context.Background(), PlanEnrollment{
		TenantId: "t1", EmployeeId: "e1", PlanType: models.PlanTypeRSU, AccountRef: "plan-e1", Currency: "USD",
		Schedule: vesting.Schedule{Type: models.ScheduleTypeCliff, CliffMonths: 12}, GrantDate: grant, GrantedAmount: dec("1"),
	})
	if err == nil {
		t.Fatalf("duplicate enrollment accepted")
	}
	_, err = svc.EnrollPlan(context.Background(), PlanEnrollment{
		TenantId: "t1", EmployeeId: "e2", PlanType: models.PlanTypeRSU, AccountRef: "plan-e2", Currency: "USD",
		Schedule: vesting.Schedule{Type: models.ScheduleTypeGraded, CliffMonths: 12, TotalMonths: 12}, GrantDate: grant, GrantedAmount: dec("1"),
	})
	if err == nil {
		t.Fatalf("degenerate graded schedule accepted")
	}
}

func TestMonthlySchedulerRunsEveryActiveTenant(t *testing.T) {
	svc := newTestService(t)
	grant := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.Now = (&testClock{t: grant}).now
	mustProvision(t, svc, "t1")
	mustProvision(t, svc, "t2")
	enroll(t, svc, "e1", vesting.Schedule{Type: models.ScheduleTypeGraded, TotalMonths: 10}, grant, "100.00")
	svc.DB.Model(&models.Tenant{}).Where("id = ?", "t2").Update("status", models.TenantStatusSuspended)

	s := NewMonthlyScheduler(svc, nil)
	reports := s.RunOnce(context.Background(), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	if len(reports) != 1 || reports[0].TenantId != "t1" || reports[0].Updated != 1 {
		t.Fatalf("reports = %+v", reports)
	}

	cases := []struct{ in, want time.Time }{
		{time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := NextMonthStart(tc.in); !got.Equal(tc.want) {
			t.Fatalf("NextMonthStart(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
