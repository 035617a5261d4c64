package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/mcclellann/sinkfund/pkg/apperr"
	"github.com/mcclellann/sinkfund/pkg/auth"
	"github.com/mcclellann/sinkfund/pkg/jobs"
	"github.com/mcclellann/sinkfund/pkg/ledger"
	"github.com/mcclellann/sinkfund/pkg/metrics"
	"github.com/mcclellann/sinkfund/pkg/models"
	"github.com/mcclellann/sinkfund/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the ledger instance and the collaborators the HTTP layer needs.
type Server struct {
	ledger    *ledger.Ledger
	storage   store.Storage // Keep a reference to the storage to close it
	resolver  auth.Resolver
	runner    *jobs.Runner
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	jobSecret string
	validate  *validator.Validate
}

type Deps struct {
	Ledger    *ledger.Ledger
	Storage   store.Storage
	Resolver  auth.Resolver
	Runner    *jobs.Runner
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	JobSecret string
}

func NewServer(d Deps) *Server {
	return &Server{
		ledger:    d.Ledger,
		storage:   d.Storage,
		resolver:  d.Resolver,
		runner:    d.Runner,
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		jobSecret: d.JobSecret,
		validate:  validator.New(),
	}
}

// Router builds the route table. Everything except the ops endpoints and
// job triggers requires a bearer token.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(s.observe)

	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")
	if s.gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	router.HandleFunc("/jobs/{name}", s.runJobHandler).Methods("POST")

	api := router.NewRoute().Subrouter()
	api.Use(auth.RequireAuth(s.resolver, s.storage))

	api.HandleFunc("/groups", s.createGroupHandler).Methods("POST")
	api.HandleFunc("/groups/{id}", s.getGroupHandler).Methods("GET")
	api.HandleFunc("/groups/{id}/settings", s.updateSettingsHandler).Methods("PUT")
	api.HandleFunc("/groups/{id}/members", s.joinGroupHandler).Methods("POST")
	api.HandleFunc("/groups/{id}/members", s.listMembersHandler).Methods("GET")
	api.HandleFunc("/groups/{id}/eligibility", s.eligibilityHandler).Methods("GET")
	api.HandleFunc("/groups/{id}/loans", s.requestLoanHandler).Methods("POST")
	api.HandleFunc("/groups/{id}/loans", s.listLoansHandler).Methods("GET")
	api.HandleFunc("/groups/{id}/contributions", s.recordContributionHandler).Methods("POST")
	api.HandleFunc("/groups/{id}/contributions", s.listContributionsHandler).Methods("GET")
	api.HandleFunc("/groups/{id}/distribution", s.previewDistributionHandler).Methods("GET")
	api.HandleFunc("/groups/{id}/distribution", s.executeDistributionHandler).Methods("POST")

	api.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/approve", s.approveLoanHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/reject", s.rejectLoanHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/repayments", s.repayLoanHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/repayments", s.listRepaymentsHandler).Methods("GET")

	api.HandleFunc("/contributions/{id}/pay", s.markPaidHandler).Methods("POST")

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// observe records request latency under the matched route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveHTTP(route, r.Method, rec.status, time.Since(start))
		slog.Debug("Request handled", "method", r.Method, "route", route, "status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runJobHandler triggers one sweep. The caller must present the configured
// job secret; with no secret configured the endpoint is disabled.
func (s *Server) runJobHandler(w http.ResponseWriter, r *http.Request) {
	if s.jobSecret == "" || s.runner == nil {
		writeMessage(w, http.StatusNotFound, "job triggers are disabled")
		return
	}
	given := r.Header.Get("X-Job-Secret")
	if subtle.ConstantTimeCompare([]byte(given), []byte(s.jobSecret)) != 1 {
		writeMessage(w, http.StatusUnauthorized, "invalid job secret")
		return
	}

	name := mux.Vars(r)["name"]
	n, err := s.runner.Run(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": name, "processed": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps an error kind to its status and a caller-safe message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(apperr.KindOf(err))
	if status >= 500 {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeMessage(w, status, apperr.Message(err))
}

// decode reads a JSON body into dst and validates it, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeMessage(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func caller(r *http.Request) *models.Identity {
	return auth.IdentityFrom(r.Context())
}
