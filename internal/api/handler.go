package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/storagecredits/internal/domain"
	"github.com/punchamoorthee/storagecredits/internal/models"
	"github.com/punchamoorthee/storagecredits/internal/service"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storage_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

const (
	requestIDHeader = "X-Request-ID"
	walletHeader    = "X-Wallet"

	// multipartMemory is how much of a multipart body is buffered in memory
	// before spilling to temp files.
	multipartMemory = 32 << 20
	// multipartOverhead is the framing allowance on top of the payload cap.
	multipartOverhead = 64 << 10
)

type Handler struct {
	service *service.StorageService
	logger  *zap.Logger
	// maxBody caps an upload request body, all parts and framing included.
	maxBody int64
}

// NewHandler serves svc. maxUpload bounds the summed size of the files in
// one upload request; per-file limits are the service's concern. Zero
// disables the cap.
func NewHandler(svc *service.StorageService, logger *zap.Logger, maxUpload int64) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{service: svc, logger: logger.Named("http")}
	if maxUpload > 0 {
		h.maxBody = maxUpload + multipartOverhead
	}
	return h
}

// Routes returns the full router, metrics and health included.
func (h *Handler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.observe)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/storage/account", h.AccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/storage/preflight", h.PreflightHandler).Methods(http.MethodGet)
	v1.HandleFunc("/storage/quote", h.QuoteHandler).Methods(http.MethodGet)
	v1.HandleFunc("/storage/upload", h.UploadHandler).Methods(http.MethodPost)
	v1.HandleFunc("/storage/directory", h.UploadDirectoryHandler).Methods(http.MethodPost)
	v1.HandleFunc("/storage/objects", h.HistoryHandler).Methods(http.MethodGet)
	v1.HandleFunc("/storage/objects/{cid}", h.DownloadHandler).Methods(http.MethodGet)
	v1.HandleFunc("/storage/objects/{cid}", h.DeleteHandler).Methods(http.MethodDelete)
	v1.HandleFunc("/deposits/{txHash}", h.DepositHandler).Methods(http.MethodGet)
	v1.HandleFunc("/payments/deposit-tx", h.DepositTxHandler).Methods(http.MethodPost)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// observe tags each request with an id, then records its outcome in logs
// and metrics under the matched route template.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		h.logger.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", endpoint),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrCIDMismatch),
		errors.Is(err, domain.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrUploadFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", w.Header().Get(requestIDHeader)),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondWithError(w, code, "Internal Server Error")
		return
	}
	respondWithError(w, code, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
