package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rbaliyan/event/v3/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbaliyan/event-saga/dispatch"
	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event-saga/trigger"
)

type staticChecker struct {
	res *health.Result
}

func (s staticChecker) Health(context.Context) *health.Result { return s.res }

type testAPI struct {
	t      *testing.T
	e      *echo.Echo
	engine *saga.Engine
	d2c    *trigger.DemandToCash
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	engine := saga.NewEngine(saga.NewMemoryStore(),
		dispatch.New(dispatch.WithTarget(dispatch.KindInternal, dispatch.NewRegistry())),
		saga.WithOwner("api-test"),
	)
	d2c := trigger.NewDemandToCash(engine)

	e := echo.New()
	NewServer(engine, d2c, opts...).InitRoutes(e)
	return &testAPI{t: t, e: e, engine: engine, d2c: d2c}
}

func (a *testAPI) do(method, path, body string) *httptest.ResponseRecorder {
	a.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const triggerBody = `{
	"tenant_id": "acme",
	"customer_id": "cust-1",
	"currency": "EUR",
	"actor_id": "u-1",
	"quote_lines": [{"sku": "A-1", "quantity": 2, "unit_price_minor": 500}]
}`

func (a *testAPI) trigger() string {
	a.t.Helper()
	rec := a.do(http.MethodPost, "/api/v1/triggers/demand-to-cash", triggerBody)
	require.Equal(a.t, http.StatusAccepted, rec.Code, rec.Body.String())
	return decode[saga.ExecutionResult](a.t, rec).SagaInstanceID
}

func TestHealth(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		a := newTestAPI(t,
			WithServiceName("billing-sagas"),
			WithHealthCheck("store", saga.NewMemoryStore()),
		)
		rec := a.do(http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		body := decode[map[string]any](t, rec)
		assert.Equal(t, fmt.Sprint(health.StatusHealthy), body["status"])
		assert.Equal(t, "billing-sagas", body["service"])
		assert.Contains(t, body["components"], "store")
	})

	t.Run("Degraded", func(t *testing.T) {
		a := newTestAPI(t,
			WithHealthCheck("limiter", staticChecker{&health.Result{Status: health.StatusDegraded}}),
		)
		rec := a.do(http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, fmt.Sprint(health.StatusDegraded), decode[HealthResponse](t, rec).Status)
	})

	t.Run("Unhealthy", func(t *testing.T) {
		a := newTestAPI(t,
			WithHealthCheck("limiter", staticChecker{&health.Result{Status: health.StatusDegraded}}),
			WithHealthCheck("store", staticChecker{&health.Result{Status: health.StatusUnhealthy}}),
		)
		rec := a.do(http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, fmt.Sprint(health.StatusUnhealthy), decode[HealthResponse](t, rec).Status)
	})
}

func TestTriggerDemandToCash(t *testing.T) {
	a := newTestAPI(t)

	rec := a.do(http.MethodPost, "/api/v1/triggers/demand-to-cash", triggerBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	res := decode[saga.ExecutionResult](t, rec)
	assert.NotEmpty(t, res.SagaInstanceID)
	assert.Equal(t, saga.StatusStarted, res.Status)
	assert.Equal(t, 6, res.TotalSteps)

	t.Run("InvalidRequest", func(t *testing.T) {
		body := strings.Replace(triggerBody, `"EUR"`, `"EURO"`, 1)
		rec := a.do(http.MethodPost, "/api/v1/triggers/demand-to-cash", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_request", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/triggers/demand-to-cash", `{"tenant_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("InactiveDefinition", func(t *testing.T) {
		ctx := context.Background()
		def, err := a.engine.Store().GetActiveDefinition(ctx, "acme", trigger.DemandToCashSaga)
		require.NoError(t, err)
		require.NoError(t, a.engine.Store().SetDefinitionActive(ctx, def.ID, false))
		t.Cleanup(func() {
			_ = a.engine.Store().SetDefinitionActive(ctx, def.ID, true)
		})

		rec := a.do(http.MethodPost, "/api/v1/triggers/demand-to-cash", triggerBody)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "definition_inactive", decode[ErrorResponse](t, rec).Error)
	})
}

func TestQueries(t *testing.T) {
	a := newTestAPI(t)
	first := a.trigger()
	second := a.trigger()

	t.Run("List", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/sagas?tenant_id=acme&name=demand-to-cash&status=started,running", "")
		require.Equal(t, http.StatusOK, rec.Code)

		list := decode[ListResponse](t, rec)
		assert.Equal(t, 2, list.Total)
		assert.Len(t, list.Items, 2)
		assert.Equal(t, 50, list.Limit)
	})

	t.Run("ListPaged", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/sagas?tenant_id=acme&limit=1&offset=1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		list := decode[ListResponse](t, rec)
		assert.Equal(t, 2, list.Total)
		assert.Len(t, list.Items, 1)
		assert.Equal(t, 1, list.Offset)
	})

	t.Run("ListLimitBounds", func(t *testing.T) {
		for q, want := range map[string]int{"limit=0": 50, "limit=10000": 500} {
			rec := a.do(http.MethodGet, "/api/v1/sagas?tenant_id=acme&"+q, "")
			require.Equal(t, http.StatusOK, rec.Code, q)
			assert.Equal(t, want, decode[ListResponse](t, rec).Limit, q)
		}
	})

	t.Run("ListNoMatch", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/sagas?tenant_id=acme&status=completed", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Zero(t, decode[ListResponse](t, rec).Total)
	})

	t.Run("ListBadParams", func(t *testing.T) {
		for _, q := range []string{"status=done", "limit=abc", "offset=-1"} {
			rec := a.do(http.MethodGet, "/api/v1/sagas?"+q, "")
			assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/sagas/"+first, "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[map[string]any](t, rec)
		assert.Equal(t, first, body["id"])
		assert.Equal(t, "started", body["status"])
		assert.Equal(t, "cust-1", body["entity_id"])
		assert.EqualValues(t, 0, body["completed_steps"])
		assert.EqualValues(t, 6, body["total_steps"])
	})

	t.Run("Events", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/sagas/"+second+"/events", "")
		require.Equal(t, http.StatusOK, rec.Code)

		body := decode[struct {
			Items []saga.Event `json:"items"`
		}](t, rec)
		require.Len(t, body.Items, 1)
		assert.Equal(t, saga.EventSagaStarted, body.Items[0].Type)
	})

	t.Run("Steps", func(t *testing.T) {
		rec := a.do(http.MethodGet, "/api/v1/sagas/"+second+"/steps", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
	})

	t.Run("NotFound", func(t *testing.T) {
		for _, path := range []string{"/missing", "/missing/steps", "/missing/events"} {
			rec := a.do(http.MethodGet, "/api/v1/sagas"+path, "")
			assert.Equal(t, http.StatusNotFound, rec.Code, path)
			assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error)
		}
	})
}

func TestOperatorActions(t *testing.T) {
	ctx := context.Background()
	a := newTestAPI(t)
	id := a.trigger()

	t.Run("RetryNonTerminal", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/sagas/"+id+"/retry", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "not_retryable", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("Cancel", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/sagas/"+id+"/cancel", `{"actor_id":"ops-1","reason":"customer request"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, saga.StatusCompensating, decode[saga.ExecutionResult](t, rec).Status)

		events, err := a.engine.Events(ctx, id)
		require.NoError(t, err)
		last := events[len(events)-1]
		assert.Equal(t, saga.EventSagaCancelled, last.Type)
		assert.Equal(t, "ops-1", last.Payload["actor_id"])
	})

	t.Run("CancelTwice", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/sagas/"+id+"/cancel", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "not_cancellable", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("Retry", func(t *testing.T) {
		// Nothing completed, so the compensation walk ends at once.
		require.NoError(t, a.engine.Execute(ctx, id))
		inst, err := a.engine.GetInstance(ctx, id)
		require.NoError(t, err)
		require.Equal(t, saga.StatusCompensated, inst.Status)

		rec := a.do(http.MethodPost, "/api/v1/sagas/"+id+"/retry", `{"actor_id":"ops-1"}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		res := decode[saga.ExecutionResult](t, rec)
		assert.NotEqual(t, id, res.SagaInstanceID)
		assert.Equal(t, saga.StatusStarted, res.Status)

		retried, err := a.engine.GetInstance(ctx, res.SagaInstanceID)
		require.NoError(t, err)
		assert.Equal(t, 1, retried.RetryCount)
		assert.Equal(t, inst.Context["customer_id"], retried.Context["customer_id"])
	})

	t.Run("Unknown", func(t *testing.T) {
		rec := a.do(http.MethodPost, "/api/v1/sagas/missing/cancel", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = a.do(http.MethodPost, "/api/v1/sagas/missing/retry", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("x: %w", saga.ErrInstanceNotFound), http.StatusNotFound},
		{saga.ErrNotCancellable, http.StatusConflict},
		{saga.ErrNotRetryable, http.StatusConflict},
		{saga.ErrDefinitionNotFound, http.StatusUnprocessableEntity},
		{saga.ErrDefinitionInactive, http.StatusUnprocessableEntity},
		{trigger.ErrInvalidRequest, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := classify(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
