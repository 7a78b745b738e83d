package paymentplan

import (
	"fmt"
	"strings"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// Auto-approval inner policy band: conservative subset of the valid range.
const (
	AutoApproveMinWeekly = 50.00
	AutoApproveMaxWeeks  = 8
)

const (
	shortPlanWeeks     = 2
	longPlanWeeks      = 10
	maxStartDateDays   = 30
	incomeShareCeiling = 0.30 // weekly payment vs. weekly income
	coverageFloor      = 0.10 // plan total vs. outstanding balance
	weeksPerMonth      = 4.33
)

// Validator applies collections policy to extracted plans.
type Validator struct {
	minWeekly float64
	maxWeekly float64
	maxWeeks  int
	now       func() time.Time
}

// NewValidator creates a validator with the standard policy bounds.
func NewValidator() *Validator {
	return &Validator{
		minWeekly: MinWeeklyAmount,
		maxWeekly: MaxWeeklyAmount,
		maxWeeks:  MaxDurationWeeks,
		now:       time.Now,
	}
}

// NewValidatorWith overrides policy bounds (config-driven) and the clock.
func NewValidatorWith(minWeekly, maxWeekly float64, maxWeeks int, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{minWeekly: minWeekly, maxWeekly: maxWeekly, maxWeeks: maxWeeks, now: now}
}

// Validate checks a plan against policy. planCtx may be nil; when supplied,
// account data produces additional context-aware warnings.
func (v *Validator) Validate(plan *core.ExtractedPaymentPlan, planCtx *core.PlanContext) *core.ValidationReport {
	report := &core.ValidationReport{}

	if plan == nil {
		report.Status = core.ValidationInvalid
		report.Errors = append(report.Errors, "no payment plan supplied")
		report.Summary = "no plan"
		return report
	}

	if plan.WeeklyAmount < v.minWeekly || plan.WeeklyAmount > v.maxWeekly {
		report.Errors = append(report.Errors,
			fmt.Sprintf("weekly amount $%.2f outside policy range $%.2f-$%.2f",
				plan.WeeklyAmount, v.minWeekly, v.maxWeekly))
	}

	if plan.DurationWeeks < 1 || plan.DurationWeeks > v.maxWeeks {
		report.Errors = append(report.Errors,
			fmt.Sprintf("duration %d weeks outside policy range 1-%d", plan.DurationWeeks, v.maxWeeks))
	} else {
		if plan.DurationWeeks <= shortPlanWeeks {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("very short plan (%d weeks); confirm the customer can meet it", plan.DurationWeeks))
		}
		if plan.DurationWeeks >= longPlanWeeks {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("long plan (%d weeks); increased default risk", plan.DurationWeeks))
		}
	}

	if plan.ConfidenceLevel == core.PlanConfidenceLow {
		report.Errors = append(report.Errors, "extraction confidence too low to act on")
	}

	if plan.StartDate != nil {
		today := v.now().UTC().Truncate(24 * time.Hour)
		earliest := today.AddDate(0, 0, 1)
		latest := today.AddDate(0, 0, maxStartDateDays)
		if plan.StartDate.Before(earliest) || plan.StartDate.After(latest) {
			report.Errors = append(report.Errors,
				fmt.Sprintf("start date %s outside allowed window (tomorrow to +%d days)",
					plan.StartDate.Format("2006-01-02"), maxStartDateDays))
		}
	} else {
		report.Warnings = append(report.Warnings, "no start date given; assuming immediate start")
	}

	v.contextWarnings(plan, planCtx, report)

	report.IsValid = len(report.Errors) == 0
	report.IsAutoApprovable = report.IsValid &&
		plan.ConfidenceLevel == core.PlanConfidenceHigh &&
		plan.WeeklyAmount >= AutoApproveMinWeekly &&
		plan.DurationWeeks <= AutoApproveMaxWeeks

	switch {
	case !report.IsValid:
		report.Status = core.ValidationInvalid
	case report.IsAutoApprovable:
		report.Status = core.ValidationAutoApproved
	case len(report.Warnings) > 0:
		report.Status = core.ValidationNeedsReview
	default:
		report.Status = core.ValidationValid
	}

	report.Summary = summarize(plan, report)
	return report
}

func (v *Validator) contextWarnings(plan *core.ExtractedPaymentPlan, planCtx *core.PlanContext, report *core.ValidationReport) {
	if planCtx == nil {
		return
	}
	if planCtx.AverageMonthlyIncome > 0 {
		weeklyIncome := planCtx.AverageMonthlyIncome / weeksPerMonth
		if plan.WeeklyAmount > incomeShareCeiling*weeklyIncome {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("weekly payment $%.2f exceeds %.0f%% of estimated weekly income",
					plan.WeeklyAmount, incomeShareCeiling*100))
		}
	}
	if planCtx.TotalBalance > 0 {
		total := float64(v.maxWeeks) * plan.WeeklyAmount
		if total < coverageFloor*planCtx.TotalBalance {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("plan covers under %.0f%% of the $%.2f balance even at maximum length",
					coverageFloor*100, planCtx.TotalBalance))
		}
	}
	if planCtx.ExistingPaymentPlans > 0 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("customer already has %d active payment plan(s)", planCtx.ExistingPaymentPlans))
	}
	if planCtx.MissedPayments > 2 {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("customer has %d missed payments on record", planCtx.MissedPayments))
	}
}

func summarize(plan *core.ExtractedPaymentPlan, report *core.ValidationReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$%.2f/week for %d weeks", plan.WeeklyAmount, plan.DurationWeeks)
	if plan.StartDate != nil {
		fmt.Fprintf(&b, " starting %s", plan.StartDate.Format("2006-01-02"))
	}
	fmt.Fprintf(&b, ": %s", report.Status)
	if n := len(report.Errors); n > 0 {
		fmt.Fprintf(&b, " (%d error(s))", n)
	}
	if n := len(report.Warnings); n > 0 {
		fmt.Fprintf(&b, " (%d warning(s))", n)
	}
	return b.String()
}
