/*
oracle.go - Rule oracle contracts

PURPOSE:
  Eligibility and contribution decisions are delegated to rule oracles.
  An oracle receives a fact, mutates it in place, and returns. The concrete
  rule runtime is swappable (see package rules); the stages never depend
  on more than these two interfaces.

CONTRACTS:
  EligibilityOracle:  Sets Eligible, EligibilityDate, Reason, ReasonCode.
                      A nil policy must yield a reason, not an error.
  ContributionOracle: Sets contribution amounts and percentages. Errors and
                      zero outputs are tolerated; the calculation stage
                      falls back to the formulas in formula.go.

SEE ALSO:
  - rules/: Built-in and disabled oracles
  - formula.go: Deterministic fallback
*/
package benefits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Calculation fact defaults.
var (
	// CompensationLimit is the modeled annual compensation ceiling.
	CompensationLimit = decimal.NewFromInt(315000)

	// DefaultAutoEnrollPercent applies when auto-enrollment has no start rate.
	DefaultAutoEnrollPercent = decimal.NewFromInt(3)
)

const (
	DefaultMinimumServiceMonths = 1
	DefaultMinimumAge           = 21
	UnknownValue                = "UNKNOWN"
)

// ReasonCode classifies an eligibility outcome.
type ReasonCode string

const (
	ReasonEligible      ReasonCode = "ELIGIBLE"
	ReasonAge           ReasonCode = "AGE"
	ReasonService       ReasonCode = "SERVICE"
	ReasonEmployment    ReasonCode = "EMPLOYMENT_STATUS"
	ReasonExclusion     ReasonCode = "EXCLUSION"
	ReasonConfiguration ReasonCode = "CONFIGURATION"
	ReasonError         ReasonCode = "ERROR"
)

// EligibilityFact is the input and output of an eligibility evaluation.
type EligibilityFact struct {
	TenantID       string
	EmployeeID     string
	EvaluationDate time.Time

	DateOfBirth       time.Time
	HireDate          time.Time
	RehireDate        time.Time
	TerminationDate   time.Time
	EmploymentStatus  string
	EmploymentType    string
	EmploymentSubtype string
	ClassCode         string
	IsActive          bool

	Age             int
	MonthsOfService int

	// Set by the oracle.
	Eligible        bool
	EligibilityDate time.Time
	Reason          string
	ReasonCode      ReasonCode
}

// CalculationFact is the input and output of a contribution evaluation.
type CalculationFact struct {
	TenantID    string
	EmployeeID  string
	PeriodStart time.Time
	PeriodEnd   time.Time

	EligibleCompensation        decimal.Decimal
	EmployeeContributionPercent decimal.Decimal
	AutoEnrollment              bool
	AutoEnrollmentPercent       decimal.Decimal
	EmployerMatchPercent        decimal.Decimal
	EmployerMatchRuleType       MatchRuleType
	ProfitSharingPercent        decimal.Decimal
	CompensationLimit           decimal.Decimal
	EmploymentStatus            string
	Age                         int
	MonthsOfService             int
	MinimumServiceMonths        int
	MinimumAge                  int
	PlanType                    string

	// Set by the oracle.
	EmployeeContribution        decimal.Decimal
	EmployerContribution        decimal.Decimal
	EmployerContributionPercent decimal.Decimal
	ProfitSharingContribution   decimal.Decimal
	CalculationReason           string
}

// CappedCompensation is EligibleCompensation limited to CompensationLimit.
// Every contribution amount and percentage is computed on this base.
func (f *CalculationFact) CappedCompensation() decimal.Decimal {
	if f.CompensationLimit.IsPositive() && f.EligibleCompensation.GreaterThan(f.CompensationLimit) {
		return f.CompensationLimit
	}
	return f.EligibleCompensation
}

// EligibilityOracle decides plan eligibility.
type EligibilityOracle interface {
	EvaluateEligibility(ctx context.Context, fact *EligibilityFact, policy *EligibilityPolicy) error
}

// ContributionOracle computes contribution amounts.
type ContributionOracle interface {
	EvaluateContribution(ctx context.Context, fact *CalculationFact, plan *TenantPlan) error
}

// EligibilityOracleFunc adapts a function to EligibilityOracle.
type EligibilityOracleFunc func(ctx context.Context, fact *EligibilityFact, policy *EligibilityPolicy) error

func (f EligibilityOracleFunc) EvaluateEligibility(ctx context.Context, fact *EligibilityFact, policy *EligibilityPolicy) error {
	return f(ctx, fact, policy)
}

// ContributionOracleFunc adapts a function to ContributionOracle.
type ContributionOracleFunc func(ctx context.Context, fact *CalculationFact, plan *TenantPlan) error

func (f ContributionOracleFunc) EvaluateContribution(ctx context.Context, fact *CalculationFact, plan *TenantPlan) error {
	return f(ctx, fact, plan)
}

func evaluateEligibility(ctx context.Context, o EligibilityOracle, fact *EligibilityFact, policy *EligibilityPolicy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrOracle, r)
		}
	}()
	if err := o.EvaluateEligibility(ctx, fact, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrOracle, err)
	}
	return nil
}

func evaluateContribution(ctx context.Context, o ContributionOracle, fact *CalculationFact, plan *TenantPlan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrOracle, r)
		}
	}()
	if err := o.EvaluateContribution(ctx, fact, plan); err != nil {
		return fmt.Errorf("%w: %v", ErrOracle, err)
	}
	return nil
}
