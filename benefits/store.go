/*
store.go - Persistence contract for the payroll pipeline

PURPOSE:
  Defines what the stages need from durable storage. Implementations live
  in store/memory (tests, dev) and store/sqlite (production).

KEY INTERFACES:
  ParticipantStore: Lookup by tenant+id, paged tenant scan, eligible scan, upsert
  PlanStore:        Tenant plan configurations
  CalculationStore: Lookup by id batch, filtered scan, upsert
  Store:            All of the above plus WithTx

UPSERT CONTRACT:
  SaveParticipants and SaveCalculations are idempotent: writing the same
  record twice leaves one row with the latest values.

ATOMIC CHUNKS:
  Stage writers call WithTx once per chunk. If fn returns an error nothing
  from that chunk is persisted; earlier chunks stay committed.

SEE ALSO:
  - store/sqlite/sqlite.go: SQLite implementation
  - store/memory/memory.go: In-memory implementation
*/
package benefits

import "context"

// PageRequest selects one page of a tenant scan.
type PageRequest struct {
	Offset int
	Limit  int
}

// CalculationFilter narrows ListCalculations. Zero fields match everything
// except TenantID, which is required.
type CalculationFilter struct {
	TenantID   string
	EmployeeID string
	Status     CalculationStatus
	Period     *Period
}

// ParticipantStore persists participants.
type ParticipantStore interface {
	// GetParticipant returns ErrParticipantNotFound when absent.
	GetParticipant(ctx context.Context, tenantID, individualID string) (*Participant, error)

	// ListParticipants returns one page ordered by CreatedAt descending,
	// then IndividualID ascending.
	ListParticipants(ctx context.Context, tenantID string, page PageRequest) ([]Participant, error)

	// ListEligibleParticipants returns participants with IsEligible set.
	ListEligibleParticipants(ctx context.Context, tenantID string) ([]Participant, error)

	// SaveParticipants upserts by (TenantID, IndividualID).
	SaveParticipants(ctx context.Context, participants []Participant) error
}

// PlanStore persists tenant plan configurations.
type PlanStore interface {
	ListTenantPlans(ctx context.Context, tenantID string) ([]TenantPlan, error)
	SaveTenantPlan(ctx context.Context, plan TenantPlan) error
	// ListPlanTenants returns every tenant that has at least one plan.
	ListPlanTenants(ctx context.Context) ([]string, error)
}

// CalculationStore persists calculation records.
type CalculationStore interface {
	// GetCalculations returns the records that exist among ids, in id order.
	GetCalculations(ctx context.Context, ids []string) ([]CalculationRecord, error)

	// ListCalculations returns matches ordered by CalculatedAt ascending.
	ListCalculations(ctx context.Context, filter CalculationFilter) ([]CalculationRecord, error)

	// SaveCalculations upserts by CalculationID.
	SaveCalculations(ctx context.Context, records []CalculationRecord) error
}

// Store is the full persistence contract.
type Store interface {
	ParticipantStore
	PlanStore
	CalculationStore

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ResolvePlan returns the tenant's active plan or ErrPlanNotFound.
func ResolvePlan(ctx context.Context, plans PlanStore, tenantID string) (*TenantPlan, error) {
	all, err := plans.ListTenantPlans(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	latest := LatestPlan(all)
	if latest == nil {
		return nil, ErrPlanNotFound
	}
	return latest, nil
}
