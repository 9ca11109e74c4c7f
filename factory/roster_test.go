package factory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/factory"
)

func TestParseRoster_YAML(t *testing.T) {
	// GIVEN: A roster with one rehired employee and one inactive contractor
	doc := `
tenant_id: acme
participants:
  - individual_id: e1
    first_name: Ada
    date_of_birth: "1990-03-01"
    start_date: "2015-01-10"
    latest_rehire_date: "2023-02-01"
    employment_type: full_time
    income:
      amount: 4000
      unit: Monthly
      currency: USD
  - individual_id: e2
    employment_type: contractor
    is_active: false
`
	// WHEN: It is parsed
	participants, err := newTestFactory().ParseRoster([]byte(doc), factory.FormatYAML)

	// THEN: Participants carry the tenant, parsed dates and pending eligibility
	require.NoError(t, err)
	require.Len(t, participants, 2)

	e1 := participants[0]
	assert.Equal(t, "acme", e1.TenantID)
	assert.True(t, e1.IsActive)
	assert.Equal(t, time.Date(2023, time.February, 1, 0, 0, 0, 0, time.UTC), e1.EffectiveStartDate())
	require.NotNil(t, e1.Income)
	assert.Equal(t, benefits.IncomeMonthly, e1.Income.Unit)
	assert.True(t, e1.AnnualCompensation().Equal(decimal.NewFromInt(48000)))
	assert.Equal(t, benefits.EligibilityPending, e1.EligibilityStatus)
	assert.Equal(t, fixedNow, e1.CreatedAt)

	assert.False(t, participants[1].IsActive)
	assert.Nil(t, participants[1].Income)
}

func TestParseRoster_Errors(t *testing.T) {
	f := newTestFactory()

	_, err := f.ParseRoster([]byte(`{"tenant_id": "acme", "participants": [{"first_name": "x"}]}`), factory.FormatJSON)
	assert.ErrorIs(t, err, benefits.ErrMissingIdentifier)

	_, err = f.ParseRoster([]byte(`{"tenant_id": "acme", "participants": [{"individual_id": "e1"}, {"individual_id": "e1"}]}`), factory.FormatJSON)
	assert.ErrorIs(t, err, factory.ErrInvalidDocument)

	_, err = f.ParseRoster([]byte(`{"tenant_id": "acme", "participants": [{"individual_id": "e1", "start_date": "2020-13-01"}]}`), factory.FormatJSON)
	var verr *factory.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "participants[0].start_date", verr.Field)

	_, err = f.ParseRoster([]byte(`{"participants": []}`), factory.FormatJSON)
	assert.ErrorIs(t, err, factory.ErrInvalidDocument)
}
