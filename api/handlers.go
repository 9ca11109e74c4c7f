/*
handlers.go - HTTP API handlers for the pre-payroll engine

PURPOSE:
  Exposes the payroll orchestrator and the benefits store via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  payroll.Service and the stores.

ENDPOINTS:
  Runs:
    POST   /api/tenants/{tenantID}/payroll-runs            Launch the pre-payroll job
    POST   /api/tenants/{tenantID}/payroll-runs/reprocess  Relaunch a period with failures

  Jobs:
    GET    /api/jobs/{id}                     One job execution
    GET    /api/tenants/{tenantID}/jobs       Tenant job executions, newest first

  Calculations:
    GET    /api/tenants/{tenantID}/calculations  ?status=&employee_id=&period_start=&period_end=

  Participants:
    GET    /api/tenants/{tenantID}/participants  ?offset=&limit=
    PUT    /api/tenants/{tenantID}/participants  Upsert from HRIS payload

  Plans:
    GET    /api/tenants/{tenantID}/plans         Active plan
    POST   /api/tenants/{tenantID}/plans         Create plan from PlanJSON

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Job, plan or participant not found
  - 409: Tenant already has a running job (BusyResponse)
  - 500: Internal errors

SECURITY NOTE:
  No authentication or authorization. Deploy behind a gateway that
  authenticates callers and scopes them to their tenant.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - payroll/service.go: Launch semantics
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

const (
	defaultJobLimit         = 20
	defaultParticipantLimit = 100
	maxBodyBytes            = 4 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *payroll.Service
	Store   benefits.Store
	Plans   *factory.PlanFactory
	Logger  zerolog.Logger
}

// NewHandler creates a handler over the service and its store.
func NewHandler(svc *payroll.Service, store benefits.Store) *Handler {
	return &Handler{
		Service: svc,
		Store:   store,
		Plans:   factory.NewPlanFactory(),
		Logger:  zerolog.Nop(),
	}
}

// Health reports liveness.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// PAYROLL RUNS
// =============================================================================

type launchFunc func(ctx context.Context, tenantID string, start, end time.Time) (*payroll.JobHandle, error)

// StartPayrollRun launches the pre-payroll job for a period.
// POST /api/tenants/{tenantID}/payroll-runs
func (h *Handler) StartPayrollRun(w http.ResponseWriter, r *http.Request) {
	h.launch(w, r, func(req PayrollRunRequest) launchFunc {
		if req.Wait {
			return h.Service.ProcessPayroll
		}
		return h.Service.ProcessPayrollAsync
	})
}

// ReprocessPayrollRun relaunches a period that has FAILED calculations.
// POST /api/tenants/{tenantID}/payroll-runs/reprocess
func (h *Handler) ReprocessPayrollRun(w http.ResponseWriter, r *http.Request) {
	h.launch(w, r, func(PayrollRunRequest) launchFunc {
		return h.Service.ReprocessFailed
	})
}

func (h *Handler) launch(w http.ResponseWriter, r *http.Request, pick func(PayrollRunRequest) launchFunc) {
	tenantID := chi.URLParam(r, "tenantID")

	var req PayrollRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	start, err := parseDate("period_start", req.PeriodStart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_start", err)
		return
	}
	end, err := parseDate("period_end", req.PeriodEnd)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period_end", err)
		return
	}

	handle, err := pick(req)(r.Context(), tenantID, start, end)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := PayrollRunResponse{
		JobID:    handle.ExecutionID,
		TenantID: handle.TenantID,
		Period:   handle.Period.String(),
		TookOver: handle.TookOver,
	}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	exec, runErr := handle.Wait(r.Context())
	if exec == nil {
		writeError(w, http.StatusGatewayTimeout, "Job still running", runErr)
		return
	}
	dto := toJobDTO(exec)
	resp.Job = &dto
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// JOBS
// =============================================================================

// GetJob returns one job execution.
// GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	exec, err := h.Service.Execution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobDTO(exec))
}

// ListJobs returns a tenant's job executions.
// GET /api/tenants/{tenantID}/jobs?limit=
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	execs, err := h.Service.Executions(r.Context(), chi.URLParam(r, "tenantID"), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	dtos := make([]JobDTO, len(execs))
	for i, e := range execs {
		dtos[i] = toJobDTO(e)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": dtos})
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// ListCalculations returns calculation records of a tenant.
// GET /api/tenants/{tenantID}/calculations
func (h *Handler) ListCalculations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := benefits.CalculationFilter{
		TenantID:   chi.URLParam(r, "tenantID"),
		EmployeeID: q.Get("employee_id"),
		Status:     benefits.CalculationStatus(strings.ToUpper(q.Get("status"))),
	}

	if q.Has("period_start") || q.Has("period_end") {
		start, err := parseDate("period_start", q.Get("period_start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_start", err)
			return
		}
		end, err := parseDate("period_end", q.Get("period_end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period_end", err)
			return
		}
		period, err := benefits.NewPeriod(start, end)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		filter.Period = &period
	}

	records, err := h.Store.ListCalculations(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	dtos := make([]CalculationDTO, len(records))
	for i, rec := range records {
		dtos[i] = toCalculationDTO(rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"calculations": dtos})
}

// =============================================================================
// PARTICIPANTS
// =============================================================================

// ListParticipants returns one page of a tenant's participants.
// GET /api/tenants/{tenantID}/participants?offset=&limit=
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}
	limit, err := queryInt(r, "limit", defaultParticipantLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}

	participants, err := h.Store.ListParticipants(r.Context(), chi.URLParam(r, "tenantID"), benefits.PageRequest{Offset: offset, Limit: limit})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	dtos := make([]ParticipantDTO, len(participants))
	for i, p := range participants {
		dtos[i] = toParticipantDTO(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": dtos})
}

// UpsertParticipants stores participants as reported by the HRIS. Their
// eligibility is reset to PENDING until the next run.
// PUT /api/tenants/{tenantID}/participants
func (h *Handler) UpsertParticipants(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req UpsertParticipantsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	participants, err := h.Plans.FromRoster(factory.RosterJSON{TenantID: tenantID, Participants: req.Participants})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.Store.SaveParticipants(r.Context(), participants); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.Logger.Info().Str("tenant_id", tenantID).Int("participants", len(participants)).Msg("participants upserted")
	writeJSON(w, http.StatusOK, map[string]any{"saved": len(participants)})
}

// =============================================================================
// PLANS
// =============================================================================

// GetPlan returns the tenant's active plan.
// GET /api/tenants/{tenantID}/plans
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := benefits.ResolvePlan(r.Context(), h.Store, chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Plans.ToJSON(*plan))
}

// CreatePlan stores a new plan version. The newest plan wins.
// POST /api/tenants/{tenantID}/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var pj factory.PlanJSON
	if err := decodeBody(w, r, &pj); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid plan JSON", err)
		return
	}
	if pj.TenantID != "" && pj.TenantID != tenantID {
		writeError(w, http.StatusBadRequest, "tenant_id does not match path", nil)
		return
	}
	pj.TenantID = tenantID

	plan, err := h.Plans.FromJSON(pj)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if err := h.Store.SaveTenantPlan(r.Context(), plan); err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.Logger.Info().Str("tenant_id", tenantID).Str("plan_id", plan.ID).Msg("plan created")
	writeJSON(w, http.StatusCreated, h.Plans.ToJSON(plan))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps domain errors to HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var busy *batch.JobRunningError
	switch {
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, BusyResponse{
			Busy:         true,
			Message:      busy.Error(),
			RunningJobID: busy.ExecutionID,
			RunningSince: formatTime(busy.StartedAt),
		})
	case payroll.IsInvalidRequest(err), benefits.IsClientError(err), errors.Is(err, factory.ErrInvalidDocument):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case batch.IsNotFound(err), benefits.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	default:
		h.Logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseDate(field, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%s is required", field)
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD: %w", field, err)
	}
	return t, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
