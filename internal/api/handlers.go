package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/splitops/internal/models"
	"github.com/punchamoorthee/splitops/internal/service"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitops_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "splitops_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	engine   *service.Engine
	log      *zap.Logger
	validate *validator.Validate
}

func NewHandler(engine *service.Engine, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:   engine,
		log:      log,
		validate: validator.New(),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, r.Method, "/health")
}

func (h *Handler) CreateSplitHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/splits/create"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	caller := userID(r)

	var req models.CreateSplitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, validationMessage(err), "POST", endpoint)
		return
	}

	// A dropped client must not tear an in-flight write.
	ctx := context.WithoutCancel(r.Context())
	resp, status, err := h.engine.CreateSplit(ctx, caller, req)
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, status, resp, "POST", endpoint)
}

func (h *Handler) RetrySplitHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/splits/{id}/retry"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	caller := userID(r)
	splitID := mux.Vars(r)["id"]

	ctx := context.WithoutCancel(r.Context())
	resp, err := h.engine.RetrySplit(ctx, caller, splitID)
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, resp, "POST", endpoint)
}

func (h *Handler) GetSplitHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/splits/{id}"

	caller := userID(r)
	splitID := mux.Vars(r)["id"]

	coord, err := h.engine.GetSplit(r.Context(), caller, splitID)
	if err != nil {
		h.respondServiceError(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, coord, "GET", endpoint)
}

func (h *Handler) FinalizePendingHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/records/finalize-pending"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	caller := userID(r)

	var req models.FinalizePendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, validationMessage(err), "POST", endpoint)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	rec, err := h.engine.FinalizePending(ctx, caller, req.RecordID, req.CategoryID)
	if err != nil {
		h.respondServiceError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, rec, "POST", endpoint)
}

func (h *Handler) SettleHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/records/{id}/settle"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("PUT", endpoint))
	defer timer.ObserveDuration()

	caller := userID(r)
	recordID := mux.Vars(r)["id"]

	var req models.SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "PUT", endpoint)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, validationMessage(err), "PUT", endpoint)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	rec, err := h.engine.Settle(ctx, caller, recordID, req.SplitID)
	if err != nil {
		h.respondServiceError(w, err, "PUT", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, rec, "PUT", endpoint)
}

func (h *Handler) ListRecordsHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/records"

	caller := userID(r)
	filter, err := parseRecordFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), "GET", endpoint)
		return
	}

	resp, err := h.engine.ListRecords(r.Context(), caller, filter)
	if err != nil {
		h.respondServiceError(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, resp, "GET", endpoint)
}

func parseRecordFilter(r *http.Request) (models.RecordFilter, error) {
	var filter models.RecordFilter
	q := r.URL.Query()

	parseBool := func(name string) (*bool, error) {
		raw := q.Get(name)
		if raw == "" {
			return nil, nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.New("Invalid " + name + " filter")
		}
		return &v, nil
	}

	var err error
	if filter.Pending, err = parseBool("pending"); err != nil {
		return filter, err
	}
	if filter.Settle, err = parseBool("settle"); err != nil {
		return filter, err
	}
	filter.StartDate = q.Get("start_date")
	filter.EndDate = q.Get("end_date")

	if raw := q.Get("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			return filter, errors.New("Invalid limit")
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil {
			return filter, errors.New("Invalid offset")
		}
	}
	return filter, nil
}

// validationMessage flattens a validator error into a single caller-facing line.
func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return "Invalid field: " + fe.Field()
	}
	return "Invalid request body"
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, method, endpoint string) {
	var (
		vErr *service.ValidationError
		pErr *service.PartialFanoutError
	)
	switch {
	case errors.As(err, &vErr):
		h.respondError(w, http.StatusBadRequest, vErr.Msg, method, endpoint)
	case errors.Is(err, service.ErrIdempotencyConflict):
		h.respondError(w, http.StatusConflict, "Idempotency key already used with different payload", method, endpoint)
	case errors.Is(err, service.ErrAlreadyFinalized):
		h.respondError(w, http.StatusConflict, "Record already finalized", method, endpoint)
	case errors.Is(err, service.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "Not found", method, endpoint)
	case errors.As(err, &pErr):
		// Recoverable: the message carries the split id for a targeted retry.
		h.respondError(w, http.StatusInternalServerError, pErr.Error(), method, endpoint)
	default:
		h.log.Error("request failed", zap.String("endpoint", endpoint), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
