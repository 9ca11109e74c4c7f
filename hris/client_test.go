package hris_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/payroll-engine/benefits"
	"github.com/warp/payroll-engine/hris"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *hris.Client {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return hris.NewClient(srv.URL, "secret", time.Second)
}

func TestClient_CreateDeduction_Success(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody map[string]any
	)
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"success":true,"deduction_id":"d-1"}`))
	})

	res, err := client.CreateDeduction(context.Background(), "acme", benefits.DeductionRequest{
		EmployeeID: "e1",
		Amount:     decimal.RequireFromString("4500.00"),
	})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "d-1", res.DeductionID)
	assert.Equal(t, "/tenants/acme/deductions", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "e1", gotBody["employee_id"])
	assert.Equal(t, "4500", gotBody["amount"])
}

func TestClient_CreateDeduction_Rejected(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"error":"benefit not enrolled"}`))
	})

	res, err := client.CreateDeduction(context.Background(), "acme", benefits.DeductionRequest{EmployeeID: "e1"})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "benefit not enrolled", res.Error)
}

func TestClient_CreateDeduction_APIError(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	})

	_, err := client.CreateDeduction(context.Background(), "acme", benefits.DeductionRequest{EmployeeID: "e1"})

	var apiErr *hris.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}

func TestClient_NotConfigured(t *testing.T) {
	client := hris.NewClient("", "", 0)
	_, err := client.CreateDeduction(context.Background(), "acme", benefits.DeductionRequest{})
	assert.ErrorIs(t, err, hris.ErrNotConfigured)
}

func TestRecorder_RecordsAndFails(t *testing.T) {
	rec := hris.NewRecorder()
	boom := errors.New("boom")
	rec.RejectFor("e2", "no benefit")
	rec.ErrorFor("e3", boom)
	ctx := context.Background()

	ok, err := rec.CreateDeduction(ctx, "acme", benefits.DeductionRequest{EmployeeID: "e1"})
	require.NoError(t, err)
	assert.True(t, ok.Success)
	assert.NotEmpty(t, ok.DeductionID)

	rejected, err := rec.CreateDeduction(ctx, "acme", benefits.DeductionRequest{EmployeeID: "e2"})
	require.NoError(t, err)
	assert.False(t, rejected.Success)
	assert.Equal(t, "no benefit", rejected.Error)

	_, err = rec.CreateDeduction(ctx, "acme", benefits.DeductionRequest{EmployeeID: "e3"})
	assert.ErrorIs(t, err, boom)

	assert.Len(t, rec.Requests(), 3)
	rec.Reset()
	assert.Empty(t, rec.Requests())
}
