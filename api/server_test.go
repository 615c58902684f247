//go:build unit

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hugolhafner/healthstream"
	"github.com/hugolhafner/healthstream/api"
	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/pipeline"
	"github.com/hugolhafner/healthstream/store"
	memstore "github.com/hugolhafner/healthstream/store/memory"
	mockstream "github.com/hugolhafner/healthstream/stream/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusFunc func(ctx context.Context) (healthstream.Status, error)

func (f statusFunc) Status(ctx context.Context) (healthstream.Status, error) {
	return f(ctx)
}

type fixture struct {
	log    *mockstream.Log
	store  *memstore.Store
	status healthstream.Status
	err    error
	server *api.Server
}

func newFixture(t *testing.T, opts ...api.Option) *fixture {
	t.Helper()

	f := &fixture{
		log:   mockstream.NewLog(),
		store: memstore.New(),
	}

	producer := pipeline.NewProducer(f.log, "health_metrics")
	status := statusFunc(
		func(context.Context) (healthstream.Status, error) {
			return f.status, f.err
		},
	)

	f.server = api.NewServer(producer, status, f.store, opts...)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seed(t *testing.T, recs ...metric.Record) {
	t.Helper()

	for _, r := range recs {
		err := f.store.WithTx(
			context.Background(), func(tx store.Tx) error {
				_, err := tx.Insert(context.Background(), r, "")
				return err
			},
		)
		require.NoError(t, err)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestServer_Root(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Health Data API is running"}`, rec.Body.String())
}

func TestServer_EnqueueAppendsToStream(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/stream/?user_id=7&heart_rate=81&steps=120&calories=4.2", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decode[map[string]string](t, rec)
	assert.Equal(t, "Metric for user 7 sent to processing queue", body["message"])
	assert.Equal(t, "1-0", body["entry_id"])

	entries := f.log.Entries("health_metrics")
	require.Len(t, entries, 1)

	got, err := metric.Decode(entries[0].Fields)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.UserID)
	assert.Equal(t, int64(81), got.HeartRate)
	assert.Equal(t, int64(120), got.Steps)
	assert.InDelta(t, 4.2, got.Calories, 1e-9)
}

func TestServer_EnqueueMissingParam(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/stream/?user_id=7&heart_rate=81&steps=120", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "calories")
	f.log.AssertLength(t, "health_metrics", 0)
}

func TestServer_EnqueueInvalidParam(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/stream/?user_id=abc&heart_rate=81&steps=120&calories=1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "user_id")
}

func TestServer_EnqueueBrokerError(t *testing.T) {
	f := newFixture(t)
	f.log.SetAppendError(errors.New("connection refused"))

	rec := f.do(t, http.MethodPost, "/health-metrics/stream/?user_id=7&heart_rate=81&steps=120&calories=4.2", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode[map[string]string](t, rec)
	assert.Equal(t, "Failed to process metric: connection refused", body["detail"])
}

func TestServer_CreateJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/", `{"user_id":3,"heart_rate":72,"steps":1000,"calories":55.5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, float64(3), body["user_id"])
	assert.Equal(t, float64(72), body["heart_rate"])
	assert.NotEmpty(t, body["timestamp"])

	rows := f.store.Rows()
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].EntryID)
	f.log.AssertLength(t, "health_metrics", 0)
}

func TestServer_CreateJSONValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/", `{"user_id":3,"steps":1000}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "heart_rate")
	assert.Contains(t, rec.Body.String(), "calories")

	rec = f.do(t, http.MethodPost, "/health-metrics/", `{"user_id":"x"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	assert.Empty(t, f.store.Rows())
}

func TestServer_CreateJSONAcceptsZeroValues(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/", `{"user_id":0,"heart_rate":0,"steps":0,"calories":0}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestServer_CreateParams(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/health-metrics/params/?user_id=4&heart_rate=64&steps=10&calories=0.5", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rows := f.store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), rows[0].UserID)
}

func TestServer_CreateStoreError(t *testing.T) {
	f := newFixture(t)
	f.store.SetInsertErrorFunc(
		func(metric.Record, string) error {
			return errors.New("database unavailable")
		},
	)

	rec := f.do(t, http.MethodPost, "/health-metrics/params/?user_id=4&heart_rate=64&steps=10&calories=0.5", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_List(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, metric.New(1, 60, 10, 1, now), metric.New(2, 70, 20, 2, now.Add(time.Second)))

	rec := f.do(t, http.MethodGet, "/health-metrics/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[[]map[string]any](t, rec)
	assert.Len(t, body, 2)
}

func TestServer_ListEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health-metrics/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_ListUser(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, metric.New(1, 60, 10, 1, now), metric.New(2, 70, 20, 2, now), metric.New(1, 65, 5, 1, now))

	rec := f.do(t, http.MethodGet, "/health-metrics/1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[[]map[string]any](t, rec)
	require.Len(t, body, 2)
	for _, row := range body {
		assert.Equal(t, float64(1), row["user_id"])
	}
}

func TestServer_ListUserNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health-metrics/42", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"No metrics found for user 42"}`, rec.Body.String())
}

func TestServer_Aggregate(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f.seed(
		t,
		metric.New(1, 60, 100, 1.111, base),
		metric.New(1, 71, 200, 2.222, base.Add(time.Hour)),
		metric.New(1, 90, 300, 3.333, base.Add(48*time.Hour)),
		metric.New(2, 100, 1, 1, base),
	)

	rec := f.do(t, http.MethodGet, "/metrics/aggregate?user_id=1&start=2024-01-01T00:00:00Z&end=2024-01-01T23:59:59", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), body["user_id"])
	assert.InDelta(t, 65.5, body["average_heart_rate"], 1e-9)
	assert.Equal(t, float64(300), body["total_steps"])
	assert.InDelta(t, 3.33, body["total_calories"], 1e-9)
	assert.NotNil(t, body["start"])
	assert.NotNil(t, body["end"])
}

func TestServer_AggregateAllUsers(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seed(t, metric.New(1, 60, 1, 1, now), metric.New(2, 61, 1, 1, now))

	rec := f.do(t, http.MethodGet, "/metrics/aggregate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Nil(t, body["user_id"])
	assert.InDelta(t, 60.5, body["average_heart_rate"], 1e-9)
	assert.Equal(t, float64(2), body["total_steps"])
}

func TestServer_AggregateNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics/aggregate?user_id=9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail":"No metrics found for the given parameters"}`, rec.Body.String())
}

func TestServer_AggregateInvalidTime(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/metrics/aggregate?start=yesterday", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "start")
}

func TestServer_StreamStatus(t *testing.T) {
	f := newFixture(t)
	f.status = healthstream.Status{
		Running:      true,
		StreamLength: 12,
		Pending:      healthstream.PendingCount{Available: true, Count: 3},
	}

	rec := f.do(t, http.MethodGet, "/stream/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream_running":true,"messages_in_stream":12,"pending_messages":3}`, rec.Body.String())
}

func TestServer_StreamStatusPendingUnavailable(t *testing.T) {
	f := newFixture(t)
	f.status = healthstream.Status{Running: true, StreamLength: 5}

	rec := f.do(t, http.MethodGet, "/stream/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream_running":true,"messages_in_stream":5,"pending_messages":"unavailable"}`, rec.Body.String())
}

func TestServer_StreamStatusError(t *testing.T) {
	f := newFixture(t)
	f.status = healthstream.Status{Running: false}
	f.err = errors.New("connection refused")

	rec := f.do(t, http.MethodGet, "/stream/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"stream_running":false,"error":"connection refused"}`, rec.Body.String())
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, api.WithBuild("v1.2.3"))

	rec := f.do(t, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","build":"v1.2.3"}`, rec.Body.String())
}

func TestServer_Readiness(t *testing.T) {
	f := newFixture(t)
	f.server = api.NewServer(
		pipeline.NewProducer(f.log, "health_metrics"),
		statusFunc(func(context.Context) (healthstream.Status, error) { return healthstream.Status{}, nil }),
		f.store,
		api.WithReadinessCheck("stream", f.log),
	)

	rec := f.do(t, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.log.SetPingError(errors.New("connection refused"))
	rec = f.do(t, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "stream")

	f.log.SetPingError(nil)
	f.store.SetPingError(errors.New("too many connections"))
	rec = f.do(t, http.MethodGet, "/v1/readiness", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store")
}
