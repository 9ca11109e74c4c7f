package rules

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/benefits"
)

// ElectiveDeferralLimit caps the employee deferral per year.
var ElectiveDeferralLimit = decimal.NewFromInt(23000)

// SafeHarborTiers is the basic safe harbor formula: 100% of the first 3%
// of pay plus 50% of the next 2%.
var SafeHarborTiers = []benefits.MatchTier{
	{UpToPercent: decimal.NewFromInt(3), Rate: decimal.NewFromInt(100)},
	{UpToPercent: decimal.NewFromInt(5), Rate: decimal.NewFromInt(50)},
}

// Contribution computes contribution amounts for a CalculationFact.
//
// Compensation is capped at fact.CompensationLimit before any formula runs.
// A category left at zero makes the calculation stage use its fallback
// formula.
type Contribution struct{}

func (Contribution) EvaluateContribution(_ context.Context, fact *benefits.CalculationFact, plan *benefits.TenantPlan) error {
	comp := fact.CappedCompensation()
	if !comp.IsPositive() {
		fact.CalculationReason = "No eligible compensation"
		return nil
	}

	pct, employee := employeeDeferral(comp, fact, plan.EmployeeContribution)
	fact.EmployeeContributionPercent = pct
	fact.EmployeeContribution = employee

	employer := employerContribution(comp, pct, employee, fact, plan.EmployerContribution)
	fact.EmployerContribution = employer
	fact.EmployerContributionPercent = benefits.PercentageOf(employer, comp)

	if ps := plan.ProfitSharing; ps != nil && ps.IsEnabled && fact.ProfitSharingPercent.IsPositive() {
		fact.ProfitSharingContribution = benefits.PercentOf(comp, fact.ProfitSharingPercent)
	}

	fact.CalculationReason = "Calculated by builtin rules"
	return nil
}

func employeeDeferral(comp decimal.Decimal, fact *benefits.CalculationFact, policy *benefits.EmployeeContributionPolicy) (decimal.Decimal, decimal.Decimal) {
	if policy != nil && !policy.HasEmployeeContribution && !policy.IsAutoEnrollment {
		return decimal.Zero, decimal.Zero
	}

	pct := fact.EmployeeContributionPercent
	if !pct.IsPositive() && fact.AutoEnrollment {
		pct = fact.AutoEnrollmentPercent
	}
	if policy != nil && policy.EnrollmentMaxRate.Valid && policy.EnrollmentMaxRate.Decimal.IsPositive() && pct.GreaterThan(policy.EnrollmentMaxRate.Decimal) {
		pct = policy.EnrollmentMaxRate.Decimal
	}
	if !pct.IsPositive() {
		return decimal.Zero, decimal.Zero
	}

	amount := benefits.PercentOf(comp, pct)
	if amount.GreaterThan(ElectiveDeferralLimit) {
		amount = ElectiveDeferralLimit
	}
	return pct.Round(benefits.Precision), amount
}

func employerContribution(comp, deferralPct, employee decimal.Decimal, fact *benefits.CalculationFact, rule *benefits.EmployerContributionRule) decimal.Decimal {
	if rule == nil {
		return decimal.Zero
	}

	var amount decimal.Decimal
	switch fact.EmployerMatchRuleType {
	case benefits.RuleMatch, benefits.RuleBasicMatch:
		amount = benefits.PercentOf(employee, fact.EmployerMatchPercent)
	case benefits.RulePercentageMatch, benefits.RuleNonElective:
		amount = benefits.PercentOf(comp, fact.EmployerMatchPercent)
	case benefits.RuleTieredMatch:
		amount = tieredMatch(comp, deferralPct, rule.Tiers)
	case benefits.RuleSafeHarborBasic:
		tiers := rule.Tiers
		if len(tiers) == 0 {
			tiers = SafeHarborTiers
		}
		amount = tieredMatch(comp, deferralPct, tiers)
	default:
		return decimal.Zero
	}

	if limit := rule.MatchLimitPercent; limit.Valid && limit.Decimal.IsPositive() {
		if ceiling := benefits.PercentOf(comp, limit.Decimal); amount.GreaterThan(ceiling) {
			amount = ceiling
		}
	}
	return amount
}

// tieredMatch matches each band of the deferral percentage at its tier
// rate. Tiers must be ascending by UpToPercent.
func tieredMatch(comp, deferralPct decimal.Decimal, tiers []benefits.MatchTier) decimal.Decimal {
	total := decimal.Zero
	floor := decimal.Zero
	for _, t := range tiers {
		if !deferralPct.GreaterThan(floor) {
			break
		}
		band := decimal.Min(deferralPct, t.UpToPercent).Sub(floor)
		if band.IsPositive() {
			total = total.Add(benefits.PercentOf(benefits.PercentOf(comp, band), t.Rate))
		}
		floor = t.UpToPercent
	}
	return total
}
