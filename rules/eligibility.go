package rules

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/warp/payroll-engine/benefits"
)

// Eligibility evaluates a participant against an EligibilityPolicy.
//
// Gates run in order and the first failing gate decides the reason:
// employment, exclusions, age, service. An eligible participant enters the
// plan on the later of the date they reach the minimum age and the date
// they complete the minimum service.
type Eligibility struct{}

func (Eligibility) EvaluateEligibility(_ context.Context, fact *benefits.EligibilityFact, policy *benefits.EligibilityPolicy) error {
	fact.Eligible = false
	fact.EligibilityDate = time.Time{}

	if policy == nil {
		fact.Reason = "No eligibility configuration found"
		fact.ReasonCode = benefits.ReasonConfiguration
		return nil
	}

	if reason, ok := employmentGate(fact); !ok {
		fact.Reason, fact.ReasonCode = reason, benefits.ReasonEmployment
		return nil
	}

	for _, ex := range policy.Exclusions {
		if excluded(fact, ex) {
			fact.Reason = fmt.Sprintf("Employee is excluded by plan category %s", ex)
			fact.ReasonCode = benefits.ReasonExclusion
			return nil
		}
	}

	minAge := benefits.DefaultMinimumAge
	if policy.MinimumEntryAge != nil {
		minAge = *policy.MinimumEntryAge
	}
	if fact.DateOfBirth.IsZero() || fact.Age < minAge {
		fact.Reason = fmt.Sprintf("Employee does not meet minimum age requirement of %d", minAge)
		fact.ReasonCode = benefits.ReasonAge
		return nil
	}

	minService := benefits.DefaultMinimumServiceMonths
	if policy.TimeEmployedMonths != nil {
		minService = *policy.TimeEmployedMonths
	}
	start := fact.HireDate
	if !fact.RehireDate.IsZero() {
		start = fact.RehireDate
	}
	if start.IsZero() || fact.MonthsOfService < minService {
		fact.Reason = fmt.Sprintf("Employee does not meet minimum service requirement of %d months", minService)
		fact.ReasonCode = benefits.ReasonService
		return nil
	}

	ageDate := benefits.AddYears(benefits.Today(fact.DateOfBirth), minAge)
	serviceDate := benefits.AddMonths(benefits.Today(start), minService)
	entry := ageDate
	if serviceDate.After(entry) {
		entry = serviceDate
	}

	fact.Eligible = true
	fact.EligibilityDate = entry
	fact.Reason = "Employee meets all eligibility requirements"
	fact.ReasonCode = benefits.ReasonEligible
	return nil
}

func employmentGate(fact *benefits.EligibilityFact) (string, bool) {
	if !fact.TerminationDate.IsZero() && !fact.TerminationDate.After(fact.EvaluationDate) {
		return "Employment terminated", false
	}
	if strings.EqualFold(fact.EmploymentStatus, "terminated") {
		return "Employment terminated", false
	}
	if !fact.IsActive {
		return "Employee is not active", false
	}
	return "", true
}

// excluded maps a plan exclusion category to HRIS employment attributes.
func excluded(fact *benefits.EligibilityFact, ex benefits.ExclusionType) bool {
	typ := strings.ToLower(fact.EmploymentType)
	sub := strings.ToLower(fact.EmploymentSubtype)
	class := strings.ToUpper(fact.ClassCode)

	switch ex {
	case benefits.ExcludeUnionEmployees:
		return strings.HasPrefix(class, "UNION")
	case benefits.ExcludePartTime:
		return sub == "part_time"
	case benefits.ExcludeSeasonal:
		return sub == "seasonal" || sub == "temp"
	case benefits.ExcludeInterns:
		return sub == "intern"
	case benefits.ExcludeContractors:
		return typ == "contractor" || sub == "individual_contractor"
	case benefits.ExcludeNonResidentAliens:
		return strings.HasPrefix(class, "NRA")
	}
	return false
}
