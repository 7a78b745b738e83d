// Package paymentplan parses payment terms out of free text and validates
// them against collections policy.
package paymentplan

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// Policy bounds enforced before a plan is even surfaced.
const (
	MinWeeklyAmount  = 25.00
	MaxWeeklyAmount  = 1000.00
	MaxDurationWeeks = 12
)

const (
	combinedWithSigilScore = 0.80
	combinedNoSigilScore   = 0.60
	amountAndDurationScore = 0.70
	fullPlanScore          = 0.90
	partialPlanScore       = 0.60
	structuredMarkerScore  = 0.95
	aiSourceBoost          = 0.10
)

// combinedPattern captures amount and duration in one expression. weeksFirst
// marks the single sibling that places duration before amount; its groups
// are reconciled with looksLikeAmount.
type combinedPattern struct {
	name       string
	re         *regexp.Regexp
	withSigil  bool
	weeksFirst bool
}

var combinedPatterns = []combinedPattern{
	{
		name:      "amount_per_week_for_weeks",
		re:        regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*(?:per|/|a)\s*week\s+for\s+(\d+)\s+weeks?`),
		withSigil: true,
	},
	{
		name:       "weeks_at_amount_per_week",
		re:         regexp.MustCompile(`(?i)(\d+)\s+weeks?\s+at\s+\$(\d+(?:\.\d{1,2})?)\s*(?:per|/|a)?\s*week`),
		withSigil:  true,
		weeksFirst: true,
	},
	{
		name: "dollars_weekly_for_weeks",
		re:   regexp.MustCompile(`(?i)(\d+(?:\.\d{1,2})?)\s+dollars\s+(?:a\s+week|weekly|per\s+week)\s+for\s+(\d+)\s+weeks?`),
	},
	{
		name:      "pay_amount_weekly_for_weeks",
		re:        regexp.MustCompile(`(?i)pay\s+\$(\d+(?:\.\d{1,2})?)\s+weekly\s+for\s+(\d+)\s+weeks?`),
		withSigil: true,
	},
	{
		name:      "amount_a_week_over_weeks",
		re:        regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*(?:a|per|/)\s*week\s+over\s+(?:the\s+next\s+)?(\d+)\s+weeks?`),
		withSigil: true,
	},
	{
		name: "weekly_payments_of_for_weeks",
		re:   regexp.MustCompile(`(?i)weekly\s+payments?\s+of\s+(\d+(?:\.\d{1,2})?)\s+for\s+(\d+)\s+weeks?`),
	},
}

var amountPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$(\d+(?:\.\d{1,2})?)\s*(?:per|/|a)\s*week`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d{1,2})?)\s+dollars\s+(?:a\s+week|weekly|per\s+week|each\s+week)`),
	regexp.MustCompile(`(?i)monthly\s+payments?\s+of\s+\$(\d+(?:\.\d{1,2})?)`),
}

// monthlyAmountPattern index in amountPatterns: its capture is a monthly
// figure and is converted to weekly.
const monthlyAmountIndex = 2

var durationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)for\s+(\d+)\s+weeks?`),
	regexp.MustCompile(`(?i)(\d+)\s+weeks?`),
	regexp.MustCompile(`(?i)(\d+)\s+months?`),
}

// monthDurationIndex marks the pattern whose capture is months (×4 weeks).
const monthDurationIndex = 2

var (
	weekdayPattern  = regexp.MustCompile(`(?i)(?:starting|next|this|beginning)\s+(monday|tuesday|wednesday|thursday|friday|saturday|sunday)`)
	tomorrowPattern = regexp.MustCompile(`(?i)\btomorrow\b`)

	// structuredMarker is the distinguished machine-readable plan line the
	// LLM is prompted to emit.
	structuredMarker = regexp.MustCompile(`(?i)PAYMENT_PLAN:\s*weekly=\$?(\d+(?:\.\d{1,2})?),\s*weeks=(\d+)`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Extractor parses payment plans from message text. now is injectable so
// start-date resolution is testable.
type Extractor struct {
	now func() time.Time
}

// NewExtractor creates an extractor using wall-clock time.
func NewExtractor() *Extractor {
	return &Extractor{now: time.Now}
}

// NewExtractorAt pins the extractor's clock, for tests.
func NewExtractorAt(now func() time.Time) *Extractor {
	return &Extractor{now: now}
}

// ExtractFromMessage parses a customer message for payment terms. Returns
// nil when no plan is present or the parsed plan fails the business
// pre-filter (weekly < $25 or more than 12 weeks).
func (e *Extractor) ExtractFromMessage(text string) *core.ExtractedPaymentPlan {
	return e.extract(text, core.SourceTenantMessage, 0)
}

// ExtractFromAIResponse parses an LLM reply. The structured
// PAYMENT_PLAN marker is tried first; otherwise the general method runs
// with a confidence boost.
func (e *Extractor) ExtractFromAIResponse(text string) *core.ExtractedPaymentPlan {
	if m := structuredMarker.FindStringSubmatch(text); m != nil {
		amount := parseAmount(m[1])
		weeks, _ := strconv.Atoi(m[2])
		plan := &core.ExtractedPaymentPlan{
			WeeklyAmount:    amount,
			DurationWeeks:   weeks,
			ConfidenceScore: structuredMarkerScore,
			Source:          core.SourceAIResponse,
			PatternsMatched: []string{"structured_marker"},
		}
		plan.ConfidenceLevel = levelForScore(plan.ConfidenceScore)
		if e.resolveStartDate(text, plan) {
			plan.PatternsMatched = append(plan.PatternsMatched, "start_date")
		}
		return e.filter(plan)
	}
	return e.extract(text, core.SourceAIResponse, aiSourceBoost)
}

func (e *Extractor) extract(text string, source core.PlanSource, boost float64) *core.ExtractedPaymentPlan {
	plan := &core.ExtractedPaymentPlan{Source: source}

	// Pass 1: combined patterns.
	for _, cp := range combinedPatterns {
		m := cp.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		amountStr, weeksStr := m[1], m[2]
		if cp.weeksFirst {
			amountStr, weeksStr = m[2], m[1]
		}
		// Reconciliation when a pattern's group order is ambiguous.
		if !looksLikeAmount(amountStr) && looksLikeAmount(weeksStr) {
			amountStr, weeksStr = weeksStr, amountStr
		}

		plan.WeeklyAmount = parseAmount(amountStr)
		plan.DurationWeeks, _ = strconv.Atoi(weeksStr)
		plan.PatternsMatched = append(plan.PatternsMatched, cp.name)
		if cp.withSigil {
			plan.ConfidenceScore = combinedWithSigilScore
		} else {
			plan.ConfidenceScore = combinedNoSigilScore
		}
		break
	}

	// Pass 2: individual patterns for whatever is still missing.
	if plan.WeeklyAmount == 0 {
		for i, re := range amountPatterns {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			amount := parseAmount(m[1])
			if i == monthlyAmountIndex {
				amount = round2(amount / 4.0)
			}
			plan.WeeklyAmount = amount
			plan.PatternsMatched = append(plan.PatternsMatched, fmt.Sprintf("amount_%d", i))
			break
		}
	}
	if plan.DurationWeeks == 0 {
		for i, re := range durationPatterns {
			m := re.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			n, _ := strconv.Atoi(m[1])
			if i == monthDurationIndex {
				n *= 4
			}
			plan.DurationWeeks = n
			plan.PatternsMatched = append(plan.PatternsMatched, fmt.Sprintf("duration_%d", i))
			break
		}
	}

	hasStart := e.resolveStartDate(text, plan)
	if hasStart {
		plan.PatternsMatched = append(plan.PatternsMatched, "start_date")
	}

	if plan.WeeklyAmount == 0 && plan.DurationWeeks == 0 {
		return nil
	}

	// Scoring: combined hits keep their base score.
	if plan.ConfidenceScore == 0 {
		switch {
		case plan.WeeklyAmount > 0 && plan.DurationWeeks > 0 && hasStart:
			plan.ConfidenceScore = fullPlanScore
		case plan.WeeklyAmount > 0 && plan.DurationWeeks > 0:
			plan.ConfidenceScore = amountAndDurationScore
		default:
			plan.ConfidenceScore = partialPlanScore
		}
	}

	plan.ConfidenceScore = math.Min(1.0, plan.ConfidenceScore+boost)
	plan.ConfidenceLevel = levelForScore(plan.ConfidenceScore)
	return e.filter(plan)
}

// filter applies the business pre-filter: plans outside the policy floor and
// ceiling are not surfaced at all.
func (e *Extractor) filter(plan *core.ExtractedPaymentPlan) *core.ExtractedPaymentPlan {
	if plan.WeeklyAmount > 0 && plan.WeeklyAmount < MinWeeklyAmount {
		return nil
	}
	if plan.DurationWeeks > MaxDurationWeeks {
		return nil
	}
	return plan
}

// resolveStartDate parses a start date and stores it on the plan. A named
// weekday resolves to its next occurrence at least one day out; "tomorrow"
// is today+1.
func (e *Extractor) resolveStartDate(text string, plan *core.ExtractedPaymentPlan) bool {
	today := e.now().UTC().Truncate(24 * time.Hour)

	if m := weekdayPattern.FindStringSubmatch(text); m != nil {
		target := weekdays[strings.ToLower(m[1])]
		d := today.AddDate(0, 0, 1)
		for d.Weekday() != target {
			d = d.AddDate(0, 0, 1)
		}
		plan.StartDate = &d
		return true
	}
	if tomorrowPattern.MatchString(text) {
		d := today.AddDate(0, 0, 1)
		plan.StartDate = &d
		return true
	}
	return false
}

// looksLikeAmount decides which of two captured numbers is the dollar figure
// when a pattern's group order is ambiguous. Deterministic across locales:
// only digits and a dot decimal are ever captured.
func looksLikeAmount(s string) bool {
	if strings.Contains(s, ".") {
		return true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false
	}
	return v > MaxDurationWeeks
}

func levelForScore(score float64) core.PlanConfidence {
	switch {
	case score >= 0.85:
		return core.PlanConfidenceHigh
	case score >= 0.6:
		return core.PlanConfidenceMedium
	default:
		return core.PlanConfidenceLow
	}
}

func parseAmount(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return round2(v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// FormatPlan renders a plan as the structured marker the LLM emits, so that
// extract(format(p)) round-trips amount and duration.
func FormatPlan(p *core.ExtractedPaymentPlan) string {
	return fmt.Sprintf("PAYMENT_PLAN: weekly=%.2f, weeks=%d", p.WeeklyAmount, p.DurationWeeks)
}

// FormatPlanHuman renders the customer-facing phrasing of a plan.
func FormatPlanHuman(p *core.ExtractedPaymentPlan) string {
	return fmt.Sprintf("$%.2f per week for %d weeks", p.WeeklyAmount, p.DurationWeeks)
}
