package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/revenue_backend/models"
	"bitbucket.org/mmdatafocus/revenue_backend/models/memstore"
	"bitbucket.org/mmdatafocus/revenue_backend/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockRefresher struct {
	mock.Mock
}

func (m *MockRefresher) RefreshProjections(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRefresher) Refresh(ctx context.Context) ([]models.ProjectionRefreshState, error) {
	args := m.Called(ctx)
	states, _ := args.Get(0).([]models.ProjectionRefreshState)
	return states, args.Error(1)
}

type testEnv struct {
	store  *memstore.Store
	app    *application
	router *gin.Engine
	k1     int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := memstore.New()
	s.AddForma("F1", "Renta")
	s.AddForma("F2", "Patentes")
	k1 := s.AddCodigoPresupuestario("K1", "Renta de personas")
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, a := range []string{"100.00", "250.50", "0.01"} {
		s.AddPlanilla("F1", decimal.RequireFromString(a), date)
	}
	_, err := s.RebuildProjections(context.Background(), date)
	require.NoError(t, err)

	app := newApplication(s, nil, logger)
	app.orchestrator.MappingWorkers = 1
	return &testEnv{
		store:  s,
		app:    app,
		router: newRouter(func() *application { return app }, logger),
		k1:     k1,
	}
}

func (e *testEnv) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewBuffer(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestRouter_NotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newRouter(func() *application { return nil }, logrus.New())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/reconciliation/outstanding", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_RecoversPanicInMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := newRouter(func() *application { panic("application lookup failed") }, logger)

	req := httptest.NewRequest(http.MethodGet, "/reconciliation/outstanding", nil)
	rr := httptest.NewRecorder()
	require.NotPanics(t, func() { r.ServeHTTP(rr, req) })

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestOutstandingHandler(t *testing.T) {
	t.Run("should return the first page with defaults", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodGet, "/reconciliation/outstanding", nil)

		require.Equal(t, http.StatusOK, rr.Code)
		body := decodeBody(t, rr)
		items := body["items"].([]any)
		assert.Len(t, items, 3)
		first := items[0].(map[string]any)
		assert.Equal(t, 250.5, first["total_amount"])
		assert.Equal(t, 350.51, body["totalAmount"])
		pagination := body["pagination"].(map[string]any)
		assert.Equal(t, float64(1), pagination["page"])
		assert.Equal(t, float64(25), pagination["limit"])
		assert.Equal(t, float64(3), pagination["total"])
		assert.Equal(t, float64(1), pagination["totalPages"])
		assert.Len(t, body["budgetCodes"], 1)
		assert.Len(t, body["formAggregates"], 1)
		assert.NotNil(t, body["lastRefreshedAt"])
	})

	t.Run("should reject a limit above the maximum", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodGet, "/reconciliation/outstanding?limit=500", nil)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, false, decodeBody(t, rr)["success"])
	})

	t.Run("should reject a non numeric page", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodGet, "/reconciliation/outstanding?page=abc", nil)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("should reject a page whose offset overflows", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodGet, "/reconciliation/outstanding?page=9223372036854775807&limit=2", nil)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, false, decodeBody(t, rr)["success"])
	})
}

func TestBatchHandler(t *testing.T) {
	t.Run("should classify and validate every outstanding planilla", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodPost, "/reconciliation/batch", gin.H{
			"mappings": []gin.H{{"form_code": "F1", "budget_code_id": e.k1}},
		})

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decodeBody(t, rr)
		assert.Equal(t, true, body["success"])
		data := body["data"].(map[string]any)
		assert.Equal(t, float64(3), data["processed"])
		assert.Equal(t, float64(3), data["conceptsCreated"])
		assert.Equal(t, float64(3), data["validated"])
		assert.Equal(t, []any{}, data["errors"])

		// projections were refreshed at the end of the batch
		rr = e.do(http.MethodGet, "/reconciliation/outstanding", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decodeBody(t, rr)["items"], 0)
	})

	t.Run("should report an unknown form code inside a successful response", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodPost, "/reconciliation/batch", gin.H{
			"mappings": []gin.H{
				{"form_code": "ZZ", "budget_code_id": e.k1},
				{"form_code": "F1", "budget_code_id": e.k1},
			},
		})

		require.Equal(t, http.StatusOK, rr.Code)
		data := decodeBody(t, rr)["data"].(map[string]any)
		assert.Len(t, data["errors"], 1)
		assert.Equal(t, float64(3), data["validated"])
	})

	t.Run("should reject an empty batch without touching the store", func(t *testing.T) {
		e := newTestEnv(t)
		before := e.store.Calls()

		rr := e.do(http.MethodPost, "/reconciliation/batch", gin.H{"mappings": []gin.H{}})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, false, decodeBody(t, rr)["success"])
		assert.Equal(t, before, e.store.Calls())
	})

	t.Run("should reject missing or non-list mappings", func(t *testing.T) {
		e := newTestEnv(t)

		for _, body := range []string{`{}`, `{"mappings": "F1"}`, `not json`} {
			rr := e.do(http.MethodPost, "/reconciliation/batch", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, body)
		}
	})

	t.Run("should reject a mapping without a budget code", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodPost, "/reconciliation/batch", gin.H{
			"mappings": []gin.H{{"form_code": "F1"}},
		})

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "budget_code_id")
	})

	t.Run("should not fail the batch when the refresh fails", func(t *testing.T) {
		e := newTestEnv(t)
		refresher := new(MockRefresher)
		refresher.On("RefreshProjections", mock.Anything).Return(errors.New("refresh failed")).Once()
		e.app.orchestrator.Refresher = refresher

		rr := e.do(http.MethodPost, "/reconciliation/batch", gin.H{
			"mappings": []gin.H{{"form_code": "F1", "budget_code_id": e.k1}},
		})

		require.Equal(t, http.StatusOK, rr.Code)
		data := decodeBody(t, rr)["data"].(map[string]any)
		assert.Equal(t, []any{}, data["errors"])
		refresher.AssertExpectations(t)
	})
}

func TestOutstandingByFormHandler(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodGet, "/reconciliation/outstanding/by-form", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = e.do(http.MethodGet, "/reconciliation/outstanding/by-form?form_code=ZZ", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = e.do(http.MethodGet, "/reconciliation/outstanding/by-form?form_code=F1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]any)
	assert.Equal(t, float64(3), data["count"])
	assert.Equal(t, 350.51, data["totalAmount"])
	assert.Equal(t, "Renta", data["form"].(map[string]any)["display_name"])
}

func TestNonValidatedHandler(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(http.MethodGet, "/reconciliation/non-validated", nil)

	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeBody(t, rr)["data"].(map[string]any)
	assert.Equal(t, float64(3), data["planillaCount"])
	assert.Len(t, data["items"], 1)
}

func TestRefreshProjectionsHandler(t *testing.T) {
	t.Run("should return the refresh states", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodPost, "/reconciliation/projections/refresh", nil)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, decodeBody(t, rr)["data"], 2)
	})

	t.Run("should answer 503 when the rebuild fails", func(t *testing.T) {
		e := newTestEnv(t)
		e.store.Hooks.RebuildProjections = func() error { return errors.New("deadlock") }

		rr := e.do(http.MethodPost, "/reconciliation/projections/refresh", nil)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, false, decodeBody(t, rr)["success"])
	})
}

func pushEnvelope(t *testing.T, data []byte) string {
	t.Helper()
	var msg PubSubMessage
	msg.Message.Data = data
	msg.Message.ID = "msg-1"
	msg.Subscription = "projects/p/subscriptions/reconciliation-projection-refresh-push"
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	return string(raw)
}

func TestProjectionPubSubHandler(t *testing.T) {
	t.Run("should rebuild and ack", func(t *testing.T) {
		e := newTestEnv(t)
		e.store.AddPlanilla("F2", decimal.RequireFromString("10"), time.Now().UTC())

		rr := e.do(http.MethodPost, "/pubsub/projections", pushEnvelope(t, []byte(`{"requested_by":"scheduler","reason":"cron"}`)))

		assert.Equal(t, http.StatusNoContent, rr.Code)
		refs, err := e.store.ListOutstanding(context.Background(), "F2")
		require.NoError(t, err)
		assert.Len(t, refs, 1)
	})

	t.Run("should ack and drop a malformed payload", func(t *testing.T) {
		e := newTestEnv(t)

		rr := e.do(http.MethodPost, "/pubsub/projections", pushEnvelope(t, []byte(`{not json`)))
		assert.Equal(t, http.StatusNoContent, rr.Code)

		rr = e.do(http.MethodPost, "/pubsub/projections", "garbage")
		assert.Equal(t, http.StatusNoContent, rr.Code)
	})

	t.Run("should ask for redelivery while another refresh holds the lock", func(t *testing.T) {
		e := newTestEnv(t)
		refresher := new(MockRefresher)
		refresher.On("Refresh", mock.Anything).Return(nil, workflow.ErrRefreshInProgress).Twice()
		e.app.refresher = refresher

		rr := e.do(http.MethodPost, "/pubsub/projections", pushEnvelope(t, []byte(`{"requested_by":"batch"}`)))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		err := handleProjectionRefreshRequest(context.Background(), e.app, nil, "msg-2")
		assert.ErrorIs(t, err, workflow.ErrRefreshInProgress)
		refresher.AssertExpectations(t)
	})

	t.Run("should ask for redelivery when the rebuild fails", func(t *testing.T) {
		e := newTestEnv(t)
		e.store.Hooks.RebuildProjections = func() error { return errors.New("deadlock") }

		rr := e.do(http.MethodPost, "/pubsub/projections", pushEnvelope(t, nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestSplitAndTrim(t *testing.T) {
	assert.Nil(t, splitAndTrim("  "))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, splitAndTrim(" https://a.example, ,https://b.example "))
}
