/*
Package benefits implements the pre-payroll 401(k) pipeline.

PURPOSE:
  Evaluates participant eligibility, computes per-period contributions and
  pushes the resulting deductions to the HRIS. Each concern is one chunked
  batch.Step; NewPayrollJob chains them into one job per tenant and period.

KEY CONCEPTS:
  Participant:       One employee of a tenant, synced from the HRIS
  TenantPlan:        The tenant's retirement plan configuration (latest wins)
  CalculationRecord: One contribution result per employee per period per attempt
  JobContext:        Typed hand-off state between the three stages

OWNERSHIP:
  Each stage writes a disjoint set of attributes:
  - Eligibility stage:  participant eligibility fields
  - Calculation stage:  calculation records
  - Deduction stage:    sync fields of calculation records (and the FAILED flip)

SEE ALSO:
  - eligibility.go, calculation.go, deduction.go: The stages
  - formula.go: Deterministic fallback contribution formulas
  - oracle.go: Rule oracle interfaces
  - pipeline.go: Job assembly
*/
package benefits

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PARTICIPANT
// =============================================================================

// EligibilityStatus is the plan participation state of a participant.
type EligibilityStatus string

const (
	EligibilityPending     EligibilityStatus = "PENDING"
	EligibilityEligible    EligibilityStatus = "ELIGIBLE"
	EligibilityNotEligible EligibilityStatus = "NOT_ELIGIBLE"
	EligibilitySuspended   EligibilityStatus = "SUSPENDED"
)

// Income units reported by the HRIS.
const (
	IncomeYearly      = "yearly"
	IncomeMonthly     = "monthly"
	IncomeSemiMonthly = "semi_monthly"
	IncomeBiWeekly    = "bi_weekly"
	IncomeWeekly      = "weekly"
	IncomeHourly      = "hourly"
)

// Income is the compensation reported for a participant.
type Income struct {
	Amount        decimal.Decimal
	Unit          string
	Currency      string
	EffectiveDate time.Time
}

// Participant is one employee of a tenant.
type Participant struct {
	TenantID     string
	IndividualID string

	FirstName string
	LastName  string
	Title     string

	DateOfBirth       time.Time
	EmploymentStatus  string
	EmploymentType    string
	EmploymentSubtype string
	ClassCode         string
	IsActive          bool

	StartDate        time.Time // original hire date
	LatestRehireDate time.Time
	EndDate          time.Time // termination date

	Income *Income

	// Eligibility fields, owned by the eligibility stage.
	IsEligible           bool
	EligibilityDate      time.Time
	EligibilityStatus    EligibilityStatus
	EligibilityReason    string
	LastEligibilityCheck time.Time
	NextEligibilityCheck time.Time
	EligibilityNotes     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EffectiveStartDate is the rehire date if present, else the hire date.
func (p Participant) EffectiveStartDate() time.Time {
	if !p.LatestRehireDate.IsZero() {
		return p.LatestRehireDate
	}
	return p.StartDate
}

// AnnualCompensation annualizes the reported income; zero when unknown.
func (p Participant) AnnualCompensation() decimal.Decimal {
	if p.Income == nil {
		return decimal.Zero
	}
	return Annualize(*p.Income)
}

// Annualize converts an income amount to a yearly figure. Unknown or empty
// units are treated as yearly.
func Annualize(in Income) decimal.Decimal {
	var factor int64
	switch in.Unit {
	case IncomeMonthly:
		factor = 12
	case IncomeSemiMonthly:
		factor = 24
	case IncomeBiWeekly:
		factor = 26
	case IncomeWeekly:
		factor = 52
	case IncomeHourly:
		factor = 2080
	default:
		factor = 1
	}
	return in.Amount.Mul(decimal.NewFromInt(factor))
}

// =============================================================================
// TENANT PLAN
// =============================================================================

// ExclusionType is an employee category a plan may exclude.
type ExclusionType string

const (
	ExcludeUnionEmployees    ExclusionType = "UNION_EMPLOYEES"
	ExcludePartTime          ExclusionType = "PART_TIME_EMPLOYEES"
	ExcludeSeasonal          ExclusionType = "SEASONAL_EMPLOYEES"
	ExcludeInterns           ExclusionType = "INTERNS"
	ExcludeContractors       ExclusionType = "CONTRACTORS"
	ExcludeNonResidentAliens ExclusionType = "NON_RESIDENT_ALIENS"
)

// MatchRuleType selects the employer contribution formula.
type MatchRuleType string

const (
	RuleNoMatch         MatchRuleType = "NO_MATCH"
	RuleMatch           MatchRuleType = "MATCH"
	RuleBasicMatch      MatchRuleType = "BASIC_MATCH"
	RulePercentageMatch MatchRuleType = "PERCENTAGE_MATCH"
	RuleNonElective     MatchRuleType = "NON_ELECTIVE"
	RuleTieredMatch     MatchRuleType = "TIERED_MATCH"
	RuleSafeHarborBasic MatchRuleType = "SAFE_HARBOR_BASIC"
)

// IsKnown reports whether the rule type is one the engine recognizes.
func (t MatchRuleType) IsKnown() bool {
	switch t {
	case RuleNoMatch, RuleMatch, RuleBasicMatch, RulePercentageMatch,
		RuleNonElective, RuleTieredMatch, RuleSafeHarborBasic:
		return true
	}
	return false
}

// EligibilityPolicy gates participation by age, service and category.
type EligibilityPolicy struct {
	ID                 string
	MinimumEntryAge    *int
	TimeEmployedMonths *int
	Exclusions         []ExclusionType
}

// EmployeeContributionPolicy configures employee deferrals.
type EmployeeContributionPolicy struct {
	ID                       string
	HasEmployeeContribution  bool
	IsAutoEnrollment         bool
	EnrollmentStartRate      decimal.NullDecimal
	EnrollmentAnnualIncrease decimal.NullDecimal
	EnrollmentMaxRate        decimal.NullDecimal
}

// MatchTier matches Rate percent of deferrals up to UpToPercent of pay.
type MatchTier struct {
	UpToPercent decimal.Decimal
	Rate        decimal.Decimal
}

// EmployerContributionRule configures the employer contribution.
type EmployerContributionRule struct {
	ID                string
	RuleType          MatchRuleType
	MatchPercentage   decimal.NullDecimal
	MatchLimitPercent decimal.NullDecimal
	Tiers             []MatchTier
}

// ProfitSharingPolicy configures employer profit sharing.
type ProfitSharingPolicy struct {
	ID                string
	IsEnabled         bool
	ProRataPercentage decimal.NullDecimal
}

// TenantPlan is a tenant's plan configuration. When a tenant has several,
// the one created last is active.
type TenantPlan struct {
	ID            string
	TenantID      string
	PlanTypeID    string
	PlanYear      int
	EffectiveDate time.Time
	CreatedAt     time.Time

	Eligibility          *EligibilityPolicy
	EmployeeContribution *EmployeeContributionPolicy
	EmployerContribution *EmployerContributionRule
	ProfitSharing        *ProfitSharingPolicy
}

// LatestPlan returns the most recently created plan, or nil.
func LatestPlan(plans []TenantPlan) *TenantPlan {
	var latest *TenantPlan
	for i := range plans {
		if latest == nil || plans[i].CreatedAt.After(latest.CreatedAt) {
			latest = &plans[i]
		}
	}
	return latest
}

// =============================================================================
// CALCULATION RECORD
// =============================================================================

// CalculationStatus is the outcome of one calculation attempt.
type CalculationStatus string

const (
	CalculationPending     CalculationStatus = "PENDING"
	CalculationInProgress  CalculationStatus = "IN_PROGRESS"
	CalculationSuccess     CalculationStatus = "SUCCESS"
	CalculationFailed      CalculationStatus = "FAILED"
	CalculationReprocessed CalculationStatus = "REPROCESSED"
)

// SyncStatus is the deduction push state of a calculation.
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncCreated SyncStatus = "CREATED"
	SyncFailed  SyncStatus = "FAILED"
	SyncSkipped SyncStatus = "SKIPPED"
)

// Contribution is an amount paired with its percentage of compensation.
type Contribution struct {
	Amount     decimal.Decimal
	Percentage decimal.Decimal
}

// CalculationRecord is one computed contribution result.
type CalculationRecord struct {
	CalculationID  string
	TenantID       string
	EmployeeID     string
	JobExecutionID string

	PeriodStart  time.Time
	PeriodEnd    time.Time
	CalculatedAt time.Time

	Status       CalculationStatus
	ErrorMessage string

	EmployeeContribution Contribution
	EmployerMatch        Contribution
	ProfitSharing        Contribution
	Total                Contribution

	BaseSalary           decimal.Decimal
	EligibleCompensation decimal.Decimal

	PlanID                string
	EmployeeConfigID      string
	EmployerRuleID        string
	ProfitSharingConfigID string

	SyncStatus  SyncStatus
	SyncError   string
	ProcessedAt time.Time

	ReprocessCount    int
	LastReprocessedAt time.Time
}

// =============================================================================
// PERIOD
// =============================================================================

// Period is an inclusive payroll period.
type Period struct {
	Start time.Time
	End   time.Time
}

// NewPeriod validates and normalizes a period to whole UTC dates.
func NewPeriod(start, end time.Time) (Period, error) {
	p := Period{Start: Today(start), End: Today(end)}
	if p.End.Before(p.Start) {
		return Period{}, ErrInvalidPeriod
	}
	return p, nil
}

// Contains reports whether t falls on a day inside the period.
func (p Period) Contains(t time.Time) bool {
	d := Today(t)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Equal reports whether two periods cover the same days.
func (p Period) Equal(o Period) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

func (p Period) String() string {
	return p.Start.Format("2006-01-02") + ".." + p.End.Format("2006-01-02")
}
