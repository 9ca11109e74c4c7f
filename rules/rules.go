/*
Package rules provides implementations of the benefits rule oracles.

PURPOSE:
  The pipeline consumes eligibility and contribution decisions through two
  small interfaces. This package supplies the engines behind them:

  Builtin:  Go rule set covering age, service, employment and exclusion
            gates plus the employer match formulas
  Disabled: Leaves every fact untouched; the calculation stage then runs
            on the deterministic fallback formulas alone

USAGE:
  eng, err := rules.New("builtin")
  deps := benefits.Dependencies{
      EligibilityOracle:  eng,
      ContributionOracle: eng,
  }

SEE ALSO:
  - benefits/oracle.go: Oracle contracts
  - benefits/formula.go: Fallback formulas
*/
package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/payroll-engine/benefits"
)

// Engine names accepted by New.
const (
	EngineBuiltin  = "builtin"
	EngineDisabled = "disabled"
)

// ErrUnknownEngine is returned by New for unrecognized engine names.
var ErrUnknownEngine = errors.New("unknown rule engine")

// Engine satisfies both oracle interfaces.
type Engine interface {
	benefits.EligibilityOracle
	benefits.ContributionOracle
}

// New returns the named engine.
func New(name string) (Engine, error) {
	switch name {
	case EngineBuiltin, "":
		return Builtin{}, nil
	case EngineDisabled:
		return Disabled{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
}

// Builtin is the in-process rule set.
type Builtin struct {
	Eligibility
	Contribution
}

// Disabled is an oracle that decides nothing. Eligibility facts come back
// not eligible with a configuration reason; contribution facts come back
// with zero outputs.
type Disabled struct{}

func (Disabled) EvaluateEligibility(_ context.Context, fact *benefits.EligibilityFact, _ *benefits.EligibilityPolicy) error {
	fact.Eligible = false
	fact.Reason = "Rule engine disabled"
	fact.ReasonCode = benefits.ReasonConfiguration
	return nil
}

func (Disabled) EvaluateContribution(context.Context, *benefits.CalculationFact, *benefits.TenantPlan) error {
	return nil
}
