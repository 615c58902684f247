package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hugolhafner/healthstream/metric"
	"github.com/hugolhafner/healthstream/store"
)

type metricRequest struct {
	UserID    *int64   `json:"user_id" validate:"required"`
	HeartRate *int64   `json:"heart_rate" validate:"required"`
	Steps     *int64   `json:"steps" validate:"required"`
	Calories  *float64 `json:"calories" validate:"required"`
}

type metricResponse struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	HeartRate int64     `json:"heart_rate"`
	Steps     int64     `json:"steps"`
	Calories  float64   `json:"calories"`
}

func newMetricResponse(m store.Metric) metricResponse {
	return metricResponse{
		ID:        m.ID,
		UserID:    m.UserID,
		Timestamp: m.Timestamp,
		HeartRate: m.HeartRate,
		Steps:     m.Steps,
		Calories:  m.Calories,
	}
}

type aggregateResponse struct {
	UserID           *int64     `json:"user_id"`
	Start            *time.Time `json:"start"`
	End              *time.Time `json:"end"`
	AverageHeartRate float64    `json:"average_heart_rate"`
	TotalSteps       int64      `json:"total_steps"`
	TotalCalories    float64    `json:"total_calories"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"message": "Health Data API is running"})
}

func (s *Server) handleCreateJSON(w http.ResponseWriter, r *http.Request) {
	var req metricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	s.create(w, r, req)
}

func (s *Server) handleCreateParams(w http.ResponseWriter, r *http.Request) {
	req, err := parseMetricQuery(r)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.create(w, r, req)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, req metricRequest) {
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, validationDetail(err))
		return
	}

	ctx := r.Context()
	rec := metric.New(*req.UserID, *req.HeartRate, *req.Steps, *req.Calories, time.Now())

	var id int64
	err := s.store.WithTx(
		ctx, func(tx store.Tx) error {
			var err error
			id, err = tx.Insert(ctx, rec, "")
			return err
		},
	)
	if err != nil {
		s.logger.Error("Failed to insert metric", "error", err, "user_id", rec.UserID)
		s.respondError(w, http.StatusInternalServerError, "failed to store metric")
		return
	}

	s.respond(w, http.StatusCreated, newMetricResponse(store.Metric{Record: rec, ID: id}))
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, err := parseMetricQuery(r)
	if err == nil {
		err = s.validate.Struct(req)
	}
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, validationDetail(err))
		return
	}

	id, err := s.enqueuer.Enqueue(r.Context(), *req.UserID, *req.HeartRate, *req.Steps, *req.Calories)
	if err != nil {
		s.logger.Error("Failed to enqueue metric", "error", err, "user_id", *req.UserID)
		s.respondError(w, http.StatusInternalServerError, "Failed to process metric: "+err.Error())
		return
	}

	s.respond(
		w, http.StatusAccepted, map[string]string{
			"message":  fmt.Sprintf("Metric for user %d sent to processing queue", *req.UserID),
			"entry_id": id,
		},
	)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.List(r.Context(), store.Filter{})
	if err != nil {
		s.logger.Error("Failed to list metrics", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}

	s.respond(w, http.StatusOK, toResponses(rows))
}

func (s *Server) handleListUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "user_id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "user_id: must be an integer")
		return
	}

	rows, err := s.store.List(r.Context(), store.Filter{UserID: &userID})
	if err != nil {
		s.logger.Error("Failed to list metrics", "error", err, "user_id", userID)
		s.respondError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}

	if len(rows) == 0 {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("No metrics found for user %d", userID))
		return
	}

	s.respond(w, http.StatusOK, toResponses(rows))
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f store.Filter
	if raw := q.Get("user_id"); raw != "" {
		userID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusUnprocessableEntity, "user_id: must be an integer")
			return
		}
		f.UserID = &userID
	}

	for _, p := range []struct {
		key string
		dst **time.Time
	}{
		{key: "start", dst: &f.Start},
		{key: "end", dst: &f.End},
	} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}

		ts, err := parseTime(raw)
		if err != nil {
			s.respondError(w, http.StatusUnprocessableEntity, p.key+": "+err.Error())
			return
		}
		*p.dst = &ts
	}

	agg, err := s.store.Aggregate(r.Context(), f)
	if errors.Is(err, store.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "No metrics found for the given parameters")
		return
	}
	if err != nil {
		s.logger.Error("Failed to aggregate metrics", "error", err)
		s.respondError(w, http.StatusInternalServerError, "failed to aggregate metrics")
		return
	}

	agg = agg.Rounded()
	s.respond(
		w, http.StatusOK, aggregateResponse{
			UserID:           f.UserID,
			Start:            f.Start,
			End:              f.End,
			AverageHeartRate: agg.AvgHeartRate,
			TotalSteps:       agg.TotalSteps,
			TotalCalories:    agg.TotalCalories,
		},
	)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Error("Couldn't get stream status", "error", err)
		s.respond(
			w, http.StatusOK, map[string]any{
				"stream_running": status.Running,
				"error":   err.Error(),
			},
		)
		return
	}

	s.respond(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok", "build": s.config.Build})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]Pinger{"store": s.store}
	for name, p := range s.config.Pingers {
		checks[name] = p
	}

	failed := make(map[string]string)
	for name, p := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.ReadyTimeout)
		err := p.Ping(ctx)
		cancel()

		if err != nil {
			s.logger.Warn("Readiness check failed", "check", name, "error", err)
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		s.respond(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "errors": failed})
		return
	}

	s.respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, detail string) {
	s.respond(w, status, errorResponse{Detail: detail})
}

func toResponses(rows []store.Metric) []metricResponse {
	out := make([]metricResponse, 0, len(rows))
	for _, m := range rows {
		out = append(out, newMetricResponse(m))
	}
	return out
}

// parseMetricQuery reads the metric fields from query parameters. Missing
// parameters are left nil for the validator to report.
func parseMetricQuery(r *http.Request) (metricRequest, error) {
	q := r.URL.Query()

	var req metricRequest
	for _, p := range []struct {
		key string
		dst **int64
	}{
		{key: "user_id", dst: &req.UserID},
		{key: "heart_rate", dst: &req.HeartRate},
		{key: "steps", dst: &req.Steps},
	} {
		if !q.Has(p.key) {
			continue
		}

		v, err := strconv.ParseInt(q.Get(p.key), 10, 64)
		if err != nil {
			return metricRequest{}, fmt.Errorf("%s: must be an integer", p.key)
		}
		*p.dst = &v
	}

	if q.Has("calories") {
		v, err := strconv.ParseFloat(q.Get("calories"), 64)
		if err != nil {
			return metricRequest{}, errors.New("calories: must be a number")
		}
		req.Calories = &v
	}

	return req, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// parseTime accepts RFC 3339 and zone-less ISO 8601 values, the latter as UTC.
func parseTime(raw string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", raw)
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fmt.Sprintf("missing required fields: %v", fields)
}
