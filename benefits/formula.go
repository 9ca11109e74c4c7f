/*
formula.go - Deterministic fallback contribution formulas

PURPOSE:
  The calculation stage prefers the contribution oracle's output, but each
  category (employee, employer, profit sharing) falls back to a fixed
  formula when the oracle leaves it at zero. These formulas are pure
  functions of compensation and plan configuration.

FORMULAS:
  Employee:       pct = start rate (3% when auto-enrolled without a rate),
                  capped at max rate; amount = comp * pct / 100
  Employer:       MATCH / BASIC_MATCH -> employee amount * rate / 100
                  PERCENTAGE_MATCH    -> comp * rate / 100
                  both capped at comp * limit / 100 when a limit is set;
                  any other rule type -> 0
  Profit sharing: comp * pro-rata / 100
  Total:          sum of the three; pct = total * 100 / comp (0 when comp is 0)

ROUNDING:
  Every division rounds half-up to 2 decimal places (shopspring DivRound
  rounds half away from zero, which is half-up for non-negative values).

SEE ALSO:
  - calculation.go: Applies these after the oracle
*/
package benefits

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Precision is the number of decimal places kept for amounts and percentages.
const Precision = 2

// PercentOf returns base * pct / 100 rounded half-up.
func PercentOf(base, pct decimal.Decimal) decimal.Decimal {
	return base.Mul(pct).DivRound(hundred, Precision)
}

// PercentageOf returns part * 100 / whole rounded half-up, or zero when
// whole is not positive.
func PercentageOf(part, whole decimal.Decimal) decimal.Decimal {
	if !whole.IsPositive() {
		return decimal.Zero
	}
	return part.Mul(hundred).DivRound(whole, Precision)
}

// ContributionBreakdown is the resolved result of one calculation.
type ContributionBreakdown struct {
	Employee      Contribution
	Employer      Contribution
	ProfitSharing Contribution
	Total         Contribution

	// Fallbacks lists the categories that used the fallback formula.
	Fallbacks []string
}

// Category names used in ContributionBreakdown.Fallbacks.
const (
	CategoryEmployee      = "employee"
	CategoryEmployer      = "employer"
	CategoryProfitSharing = "profit_sharing"
)

// EmployeeFallback computes the employee deferral from plan configuration.
func EmployeeFallback(comp decimal.Decimal, policy *EmployeeContributionPolicy) Contribution {
	pct := decimal.Zero
	if policy != nil {
		if policy.EnrollmentStartRate.Valid {
			pct = policy.EnrollmentStartRate.Decimal
		}
		if policy.IsAutoEnrollment && pct.IsZero() && !policy.EnrollmentStartRate.Valid {
			pct = DefaultAutoEnrollPercent
		}
		if maxRate := policy.EnrollmentMaxRate; maxRate.Valid && maxRate.Decimal.IsPositive() && pct.GreaterThan(maxRate.Decimal) {
			pct = maxRate.Decimal
		}
	}

	amount := decimal.Zero
	if comp.IsPositive() && pct.IsPositive() {
		amount = PercentOf(comp, pct)
	}
	return Contribution{Amount: amount, Percentage: pct.Round(Precision)}
}

// EmployerFallback computes the employer contribution from the rule.
// employeeAmount is the final employee deferral for the period.
func EmployerFallback(comp, employeeAmount decimal.Decimal, rule *EmployerContributionRule) Contribution {
	if rule == nil {
		return Contribution{Amount: decimal.Zero, Percentage: decimal.Zero}
	}
	rate := decimal.Zero
	if rule.MatchPercentage.Valid {
		rate = rule.MatchPercentage.Decimal
	}

	var amount decimal.Decimal
	switch rule.RuleType {
	case RuleMatch, RuleBasicMatch:
		amount = PercentOf(employeeAmount, rate)
	case RulePercentageMatch:
		amount = PercentOf(comp, rate)
	default:
		return Contribution{Amount: decimal.Zero, Percentage: decimal.Zero}
	}

	if limit := rule.MatchLimitPercent; limit.Valid && limit.Decimal.IsPositive() {
		if ceiling := PercentOf(comp, limit.Decimal); amount.GreaterThan(ceiling) {
			amount = ceiling
		}
	}
	return Contribution{Amount: amount, Percentage: PercentageOf(amount, comp)}
}

// ProfitSharingFallback computes the profit-sharing contribution.
func ProfitSharingFallback(comp decimal.Decimal, policy *ProfitSharingPolicy) Contribution {
	if policy == nil || !policy.ProRataPercentage.Valid {
		return Contribution{Amount: decimal.Zero, Percentage: decimal.Zero}
	}
	pct := policy.ProRataPercentage.Decimal
	amount := decimal.Zero
	if comp.IsPositive() && pct.IsPositive() {
		amount = PercentOf(comp, pct)
	}
	return Contribution{Amount: amount, Percentage: pct.Round(Precision)}
}

// ResolveContributions merges the oracle's output in fact with the
// fallback formulas. Positive oracle amounts win per category. Both work on
// the capped compensation.
func ResolveContributions(fact *CalculationFact, plan *TenantPlan) ContributionBreakdown {
	var (
		out  ContributionBreakdown
		comp = fact.CappedCompensation()
	)

	if fact.EmployeeContribution.IsPositive() {
		out.Employee = fromOracle(fact.EmployeeContribution, fact.EmployeeContributionPercent, comp)
	} else {
		out.Employee = EmployeeFallback(comp, plan.EmployeeContribution)
		out.Fallbacks = append(out.Fallbacks, CategoryEmployee)
	}

	if fact.EmployerContribution.IsPositive() {
		out.Employer = fromOracle(fact.EmployerContribution, fact.EmployerContributionPercent, comp)
	} else {
		out.Employer = EmployerFallback(comp, out.Employee.Amount, plan.EmployerContribution)
		out.Fallbacks = append(out.Fallbacks, CategoryEmployer)
	}

	if fact.ProfitSharingContribution.IsPositive() {
		out.ProfitSharing = fromOracle(fact.ProfitSharingContribution, fact.ProfitSharingPercent, comp)
	} else {
		out.ProfitSharing = ProfitSharingFallback(comp, plan.ProfitSharing)
		out.Fallbacks = append(out.Fallbacks, CategoryProfitSharing)
	}

	out.Total = Total(comp, out.Employee.Amount, out.Employer.Amount, out.ProfitSharing.Amount)
	return out
}

// ComputeFallback is ResolveContributions with no oracle output.
func ComputeFallback(comp decimal.Decimal, plan *TenantPlan) ContributionBreakdown {
	return ResolveContributions(&CalculationFact{EligibleCompensation: comp}, plan)
}

// Total sums contribution amounts and expresses them as a share of comp.
func Total(comp decimal.Decimal, amounts ...decimal.Decimal) Contribution {
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	return Contribution{Amount: sum.Round(Precision), Percentage: PercentageOf(sum, comp)}
}

func fromOracle(amount, pct, comp decimal.Decimal) Contribution {
	c := Contribution{Amount: amount.Round(Precision)}
	if pct.IsPositive() {
		c.Percentage = pct.Round(Precision)
	} else {
		c.Percentage = PercentageOf(c.Amount, comp)
	}
	return c
}
