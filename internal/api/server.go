package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"matchflow/internal/batch"
	"matchflow/internal/domain"
	"matchflow/internal/ledger"
	"matchflow/internal/manual"
	"matchflow/internal/metrics"
	"matchflow/internal/registry"
	"matchflow/internal/scheduler"
)

// ActorHeader names the operator on mutating requests.
const (
	ActorHeader  = "X-Admin-User"
	defaultActor = "admin"
)

type Deps struct {
	Registry  *registry.Registry
	Scheduler *scheduler.Service
	Status    *scheduler.StatusTracker
	Ledger    *ledger.Ledger
	Batches   *batch.Coordinator
	Manual    *manual.Service
	Metrics   *metrics.Recorder
	Debug     bool
}

type Server struct {
	r *chi.Mux
	Deps
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, Deps: d}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Route("/config", func(r chi.Router) {
		r.Get("/", s.listConfigs)
		r.Post("/", s.upsertConfig)
		r.Post("/trigger", s.trigger)
		r.Get("/jobs/status", s.jobStatuses)
		r.Get("/jobs/status/{country}", s.jobStatus)
		r.Get("/batches/running", s.runningBatches)
		r.Get("/batches/detail/{batchId}", s.batchDetail)
		r.Get("/batches/{country}", s.batchesByCountry)
		r.Post("/batches/{batchId}/cancel", s.cancelBatch)
		r.Get("/{country}", s.getConfig)
		r.Patch("/{country}", s.updateConfig)
	})

	r.Route("/matching", func(r chi.Router) {
		r.Post("/validate", s.validateManual)
		r.Post("/manual", s.createManual)
		r.Get("/manual", s.listManual)
		r.Get("/manual/{id}", s.getManual)
		r.Delete("/manual/{id}", s.cancelManual)
		r.Post("/manual/{id}/execute", s.executeManual)
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(ActorHeader)); a != "" {
		return a
	}
	return defaultActor
}

func countryParam(r *http.Request) domain.Country {
	return domain.Country(strings.ToUpper(chi.URLParam(r, "country")))
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.Invalid(key, "must be an integer")
	}
	return n, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Invalid("", "invalid request body: %v", err)
	}
	return nil
}

// Schedule configs

type upsertConfigReq struct {
	Country domain.Country `json:"country"`
	domain.ConfigPatch
}

func (s *Server) listConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.Registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configs)
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Registry.Get(r.Context(), countryParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) upsertConfig(w http.ResponseWriter, r *http.Request) {
	var req upsertConfigReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.Registry.Upsert(r.Context(), domain.Country(strings.ToUpper(string(req.Country))), req.ConfigPatch, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch domain.ConfigPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.Registry.Update(r.Context(), countryParam(r), patch, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Batches and jobs

type triggerReq struct {
	Country domain.Country `json:"country"`
}

type triggerResp struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Country     domain.Country `json:"country"`
	TriggeredAt time.Time      `json:"triggeredAt"`
	BatchID     string         `json:"batchId"`
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	country := domain.Country(strings.ToUpper(string(req.Country)))
	res, err := s.Scheduler.TriggerManual(r.Context(), country, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, triggerResp{
		Success:     true,
		Message:     fmt.Sprintf("matching batch started for %s", country),
		Country:     res.Country,
		TriggeredAt: res.TriggeredAt,
		BatchID:     res.BatchID,
	})
}

func (s *Server) jobStatuses(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status.Statuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	country := countryParam(r)
	if !country.IsValid() {
		writeError(w, errors.Wrapf(domain.ErrNotFound, "country %s", country))
		return
	}
	st, err := s.Status.Status(r.Context(), country)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) runningBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := s.Ledger.ListRunning(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func window(r *http.Request) (int, int, error) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	offset, err := queryInt(r, "offset")
	return limit, offset, err
}

func (s *Server) batchesByCountry(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := window(r)
	if err != nil {
		writeError(w, err)
		return
	}
	batches, err := s.Ledger.ListByCountry(r.Context(), countryParam(r), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (s *Server) batchDetail(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := window(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := s.Ledger.GetDetail(r.Context(), chi.URLParam(r, "batchId"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	b, err := s.Batches.Cancel(r.Context(), chi.URLParam(r, "batchId"))
	if err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("batch_id", b.ID).Str("by", actor(r)).Msg("batch cancelled via api")
	writeJSON(w, http.StatusOK, b)
}

// Manual matching

type validateReq struct {
	UserIDs []string `json:"userIds"`
}

type cancelManualReq struct {
	Reason string `json:"reason"`
}

func (s *Server) validateManual(w http.ResponseWriter, r *http.Request) {
	var req validateReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Manual.Validate(r.Context(), req.UserIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) createManual(w http.ResponseWriter, r *http.Request) {
	var req manual.CreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.Manual.Create(r.Context(), req, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) listManual(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	res, err := s.Manual.List(r.Context(), domain.ManualFilter{
		Status:    domain.ManualStatus(q.Get("status")),
		MatchType: domain.MatchType(q.Get("matchType")),
		Page:      page,
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getManual(w http.ResponseWriter, r *http.Request) {
	m, err := s.Manual.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) cancelManual(w http.ResponseWriter, r *http.Request) {
	var req cancelManualReq
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	m, err := s.Manual.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) executeManual(w http.ResponseWriter, r *http.Request) {
	m, err := s.Manual.Execute(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type errorResp struct {
	Message        string   `json:"message"`
	BlockedReasons []string `json:"blockedReasons,omitempty"`
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// a 500 and is logged.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr    *domain.ValidationError
		blocked *domain.ValidationBlockedError
	)
	switch {
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusBadRequest, errorResp{Message: blocked.Error(), BlockedReasons: blocked.Reasons})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResp{Message: verr.Error()})
	case errors.Is(err, domain.ErrInvalidState):
		writeJSON(w, http.StatusBadRequest, errorResp{Message: err.Error()})
	case errors.Is(err, domain.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResp{Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Message: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Message: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
