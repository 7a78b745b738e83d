package paymentplan

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectra/orchestrator/internal/core"
)

func testValidator() *Validator {
	return NewValidatorWith(MinWeeklyAmount, MaxWeeklyAmount, MaxDurationWeeks, func() time.Time { return fixedNow })
}

func plan(amount float64, weeks int, level core.PlanConfidence) *core.ExtractedPaymentPlan {
	return &core.ExtractedPaymentPlan{
		WeeklyAmount:    amount,
		DurationWeeks:   weeks,
		ConfidenceLevel: level,
		ConfidenceScore: 0.9,
		Source:          core.SourceTenantMessage,
	}
}

func TestValidateHappyPath(t *testing.T) {
	v := testValidator()
	p := plan(100, 6, core.PlanConfidenceHigh)
	start := fixedNow.Truncate(24 * time.Hour).AddDate(0, 0, 2)
	p.StartDate = &start

	report := v.Validate(p, nil)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.Errors)
	assert.True(t, report.IsAutoApprovable)
	assert.Equal(t, core.ValidationAutoApproved, report.Status)
}

func TestValidateAmountBounds(t *testing.T) {
	v := testValidator()

	report := v.Validate(plan(25.00, 6, core.PlanConfidenceHigh), nil)
	assert.True(t, report.IsValid, "policy floor is inclusive")

	report = v.Validate(plan(24.99, 6, core.PlanConfidenceHigh), nil)
	assert.False(t, report.IsValid)
	assert.Equal(t, core.ValidationInvalid, report.Status)

	report = v.Validate(plan(1000.00, 6, core.PlanConfidenceHigh), nil)
	assert.True(t, report.IsValid)

	report = v.Validate(plan(1000.01, 6, core.PlanConfidenceHigh), nil)
	assert.False(t, report.IsValid)
}

func TestValidateDurationBounds(t *testing.T) {
	v := testValidator()

	assert.True(t, v.Validate(plan(100, 12, core.PlanConfidenceHigh), nil).IsValid)
	assert.False(t, v.Validate(plan(100, 13, core.PlanConfidenceHigh), nil).IsValid)
	assert.False(t, v.Validate(plan(100, 0, core.PlanConfidenceHigh), nil).IsValid)

	// Length warnings at the edges of the valid range.
	report := v.Validate(plan(100, 2, core.PlanConfidenceHigh), nil)
	assert.True(t, report.IsValid)
	assert.NotEmpty(t, report.Warnings)

	report = v.Validate(plan(100, 10, core.PlanConfidenceHigh), nil)
	assert.True(t, report.IsValid)
	assert.NotEmpty(t, report.Warnings)
}

func TestValidateLowConfidenceIsError(t *testing.T) {
	v := testValidator()
	report := v.Validate(plan(100, 6, core.PlanConfidenceLow), nil)
	assert.False(t, report.IsValid)
	assert.Equal(t, core.ValidationInvalid, report.Status)
}

func TestValidateStartDateWindow(t *testing.T) {
	v := testValidator()
	today := fixedNow.Truncate(24 * time.Hour)

	p := plan(100, 6, core.PlanConfidenceHigh)
	tooSoon := today
	p.StartDate = &tooSoon
	assert.False(t, v.Validate(p, nil).IsValid, "start today is too soon")

	p = plan(100, 6, core.PlanConfidenceHigh)
	edge := today.AddDate(0, 0, 30)
	p.StartDate = &edge
	assert.True(t, v.Validate(p, nil).IsValid)

	p = plan(100, 6, core.PlanConfidenceHigh)
	tooFar := today.AddDate(0, 0, 31)
	p.StartDate = &tooFar
	assert.False(t, v.Validate(p, nil).IsValid)
}

func TestValidateMissingStartDateWarns(t *testing.T) {
	v := testValidator()

	// Not in the auto-approval band, so the warning downgrades the status.
	report := v.Validate(plan(40, 6, core.PlanConfidenceHigh), nil)
	require.True(t, report.IsValid)
	assert.NotEmpty(t, report.Warnings)
	assert.Equal(t, core.ValidationNeedsReview, report.Status)

	// Auto-approvable plans keep auto_approved even with warnings.
	report = v.Validate(plan(100, 6, core.PlanConfidenceHigh), nil)
	require.True(t, report.IsValid)
	assert.Equal(t, core.ValidationAutoApproved, report.Status)
}

func TestAutoApprovalBand(t *testing.T) {
	v := testValidator()

	// Inside the band at High confidence.
	assert.True(t, v.Validate(plan(50, 8, core.PlanConfidenceHigh), nil).IsAutoApprovable)

	// Below $50/week: valid but not auto-approvable.
	report := v.Validate(plan(49.99, 8, core.PlanConfidenceHigh), nil)
	assert.True(t, report.IsValid)
	assert.False(t, report.IsAutoApprovable)

	// More than 8 weeks: not auto-approvable.
	assert.False(t, v.Validate(plan(100, 9, core.PlanConfidenceHigh), nil).IsAutoApprovable)

	// Medium confidence never auto-approves.
	assert.False(t, v.Validate(plan(100, 6, core.PlanConfidenceMedium), nil).IsAutoApprovable)
}

func TestAutoApprovalImpliesValidity(t *testing.T) {
	v := testValidator()
	cases := []*core.ExtractedPaymentPlan{
		plan(100, 6, core.PlanConfidenceHigh),
		plan(24, 6, core.PlanConfidenceHigh),
		plan(60, 13, core.PlanConfidenceHigh),
		plan(500, 2, core.PlanConfidenceLow),
		plan(75, 8, core.PlanConfidenceMedium),
	}
	for _, p := range cases {
		report := v.Validate(p, nil)
		if report.IsAutoApprovable {
			assert.True(t, report.IsValid)
			assert.Empty(t, report.Errors)
			assert.Equal(t, core.PlanConfidenceHigh, p.ConfidenceLevel)
		}
	}
}

func TestContextAwareWarnings(t *testing.T) {
	v := testValidator()

	// $400/week against $4000/month income: weekly income ≈ $923,
	// 30% ceiling ≈ $277, so flag.
	report := v.Validate(plan(400, 6, core.PlanConfidenceHigh), &core.PlanContext{
		AverageMonthlyIncome: 4000,
	})
	assert.True(t, report.IsValid)
	found := false
	for _, w := range report.Warnings {
		if strings.Contains(w, "weekly income") {
			found = true
		}
	}
	assert.True(t, found, "expected income-share warning, got %v", report.Warnings)

	// Coverage floor: 12 * $30 = $360 < 10% of $10000.
	report = v.Validate(plan(30, 6, core.PlanConfidenceHigh), &core.PlanContext{
		TotalBalance: 10000,
	})
	assert.GreaterOrEqual(t, len(report.Warnings), 1)

	// History flags.
	report = v.Validate(plan(100, 6, core.PlanConfidenceHigh), &core.PlanContext{
		ExistingPaymentPlans: 1,
		MissedPayments:       3,
	})
	assert.GreaterOrEqual(t, len(report.Warnings), 2)
}
