package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/omnicore/internal/healthcheck"
)

type staticChecker []healthcheck.CheckResult

func (s staticChecker) ListChecks(context.Context) []healthcheck.CheckResult { return s }

func serveHealth(t *testing.T, method string, checkers ...healthcheck.Checker) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	NewPingHandler(nil, checkers...).Register(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, "/health", nil))
	return rec
}

func TestPing(t *testing.T) {
	t.Parallel()
	e := echo.New()
	NewPingHandler(nil).Register(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, serveHealth(t, http.MethodHead).Code)
}

func TestHealthReport(t *testing.T) {
	t.Parallel()
	warn := staticChecker{
		{ID: "database", Type: "store", Status: healthcheck.StatusOK},
		{ID: "retry_queue", Type: "store", Status: healthcheck.StatusWarn, Summary: "2 exhausted deliveries"},
	}
	rec := serveHealth(t, http.MethodGet, warn)
	require.Equal(t, http.StatusOK, rec.Code)
	var report healthcheck.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, healthcheck.StatusWarn, report.Status)
	assert.Len(t, report.Checks, 2)

	failing := staticChecker{{ID: "redis", Type: "store", Status: healthcheck.StatusError}}
	rec = serveHealth(t, http.MethodGet, warn, failing)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
