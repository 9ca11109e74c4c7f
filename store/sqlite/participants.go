package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/payroll-engine/benefits"
)

// =============================================================================
// PARTICIPANT STORE (benefits.ParticipantStore interface)
// =============================================================================

const participantColumns = `
	tenant_id, individual_id, first_name, last_name, title, date_of_birth,
	employment_status, employment_type, employment_subtype, class_code, is_active,
	start_date, latest_rehire_date, end_date,
	income_amount, income_unit, income_currency, income_effective_date,
	is_eligible, eligibility_date, eligibility_status, eligibility_reason,
	last_eligibility_check, next_eligibility_check, eligibility_notes,
	created_at, updated_at`

func (s *Store) GetParticipant(ctx context.Context, tenantID, individualID string) (*benefits.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getParticipant(ctx, s.db, tenantID, individualID)
}

func (s *Store) ListParticipants(ctx context.Context, tenantID string, page benefits.PageRequest) ([]benefits.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listParticipants(ctx, s.db, tenantID, page)
}

func (s *Store) ListEligibleParticipants(ctx context.Context, tenantID string) ([]benefits.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEligibleParticipants(ctx, s.db, tenantID)
}

// SaveParticipants upserts participants atomically.
func (s *Store) SaveParticipants(ctx context.Context, participants []benefits.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.withWriteTx(ctx, func(q querier) error {
		return saveParticipants(ctx, q, participants)
	})
}

func getParticipant(ctx context.Context, q querier, tenantID, individualID string) (*benefits.Participant, error) {
	query := `SELECT ` + participantColumns + `
		FROM participants WHERE tenant_id = ? AND individual_id = ?`

	p, err := scanParticipant(q.QueryRowContext(ctx, query, tenantID, individualID))
	if err == sql.ErrNoRows {
		return nil, benefits.ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func listParticipants(ctx context.Context, q querier, tenantID string, page benefits.PageRequest) ([]benefits.Participant, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	query := `SELECT ` + participantColumns + `
		FROM participants
		WHERE tenant_id = ?
		ORDER BY created_at DESC, individual_id ASC
		LIMIT ? OFFSET ?`
	return queryParticipants(ctx, q, query, tenantID, limit, page.Offset)
}

func listEligibleParticipants(ctx context.Context, q querier, tenantID string) ([]benefits.Participant, error) {
	query := `SELECT ` + participantColumns + `
		FROM participants
		WHERE tenant_id = ? AND is_eligible = TRUE
		ORDER BY created_at DESC, individual_id ASC`
	return queryParticipants(ctx, q, query, tenantID)
}

func saveParticipants(ctx context.Context, q querier, participants []benefits.Participant) error {
	query := `
		INSERT INTO participants (` + participantColumns + `)
		VALUES (` + placeholders(27) + `)
		ON CONFLICT(tenant_id, individual_id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			title = excluded.title,
			date_of_birth = excluded.date_of_birth,
			employment_status = excluded.employment_status,
			employment_type = excluded.employment_type,
			employment_subtype = excluded.employment_subtype,
			class_code = excluded.class_code,
			is_active = excluded.is_active,
			start_date = excluded.start_date,
			latest_rehire_date = excluded.latest_rehire_date,
			end_date = excluded.end_date,
			income_amount = excluded.income_amount,
			income_unit = excluded.income_unit,
			income_currency = excluded.income_currency,
			income_effective_date = excluded.income_effective_date,
			is_eligible = excluded.is_eligible,
			eligibility_date = excluded.eligibility_date,
			eligibility_status = excluded.eligibility_status,
			eligibility_reason = excluded.eligibility_reason,
			last_eligibility_check = excluded.last_eligibility_check,
			next_eligibility_check = excluded.next_eligibility_check,
			eligibility_notes = excluded.eligibility_notes,
			updated_at = excluded.updated_at
	`

	for _, p := range participants {
		if p.IndividualID == "" {
			return benefits.ErrMissingIdentifier
		}

		var (
			incomeAmount  decimal.NullDecimal
			incomeUnit    sql.NullString
			incomeCcy     sql.NullString
			incomeEffDate sql.NullString
		)
		if p.Income != nil {
			incomeAmount = decimal.NewNullDecimal(p.Income.Amount)
			incomeUnit = nullString(p.Income.Unit)
			incomeCcy = nullString(p.Income.Currency)
			incomeEffDate = formatDate(p.Income.EffectiveDate)
		}

		_, err := q.ExecContext(ctx, query,
			p.TenantID, p.IndividualID, p.FirstName, p.LastName, p.Title,
			formatDate(p.DateOfBirth),
			p.EmploymentStatus, p.EmploymentType, p.EmploymentSubtype, p.ClassCode, p.IsActive,
			formatDate(p.StartDate), formatDate(p.LatestRehireDate), formatDate(p.EndDate),
			incomeAmount, incomeUnit, incomeCcy, incomeEffDate,
			p.IsEligible, formatDate(p.EligibilityDate), string(p.EligibilityStatus), p.EligibilityReason,
			formatTime(p.LastEligibilityCheck), formatDate(p.NextEligibilityCheck), p.EligibilityNotes,
			formatTime(p.CreatedAt).String, formatTime(p.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to save participant %s/%s: %w", p.TenantID, p.IndividualID, err)
		}
	}
	return nil
}

func queryParticipants(ctx context.Context, q querier, query string, args ...any) ([]benefits.Participant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var out []benefits.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanParticipant(row rowScanner) (benefits.Participant, error) {
	var p benefits.Participant
	var incomeAmount decimal.NullDecimal
	var (
		firstName, lastName, title, status, typ, subtype, class sql.NullString
		dob, start, rehire, end, eligDate, nextCheck            sql.NullString
		incomeUnit, incomeCcy, incomeEffDate                    sql.NullString
		eligStatus, eligReason, notes                           sql.NullString
		lastCheck, createdAt, updatedAt                         sql.NullString
	)

	err := row.Scan(
		&p.TenantID, &p.IndividualID, &firstName, &lastName, &title, &dob,
		&status, &typ, &subtype, &class, &p.IsActive,
		&start, &rehire, &end,
		&incomeAmount, &incomeUnit, &incomeCcy, &incomeEffDate,
		&p.IsEligible, &eligDate, &eligStatus, &eligReason,
		&lastCheck, &nextCheck, &notes,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("failed to scan participant: %w", err)
	}

	var tp timeParser
	p.FirstName, p.LastName, p.Title = firstName.String, lastName.String, title.String
	p.EmploymentStatus, p.EmploymentType = status.String, typ.String
	p.EmploymentSubtype, p.ClassCode = subtype.String, class.String
	p.DateOfBirth = tp.date(dob)
	p.StartDate = tp.date(start)
	p.LatestRehireDate = tp.date(rehire)
	p.EndDate = tp.date(end)
	if incomeAmount.Valid {
		p.Income = &benefits.Income{
			Amount:        incomeAmount.Decimal,
			Unit:          incomeUnit.String,
			Currency:      incomeCcy.String,
			EffectiveDate: tp.date(incomeEffDate),
		}
	}
	p.EligibilityDate = tp.date(eligDate)
	p.EligibilityStatus = benefits.EligibilityStatus(eligStatus.String)
	p.EligibilityReason = eligReason.String
	p.EligibilityNotes = notes.String
	p.LastEligibilityCheck = tp.time(lastCheck)
	p.NextEligibilityCheck = tp.date(nextCheck)
	p.CreatedAt = tp.time(createdAt)
	p.UpdatedAt = tp.time(updatedAt)
	return p, tp.err
}
