// Package ops serves the operational HTTP surface: health, provider
// status, budgets, job status, manual job triggers, and the Prometheus
// scrape endpoint.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/quotewire/internal/budget"
	"github.com/sawpanic/quotewire/internal/health"
	"github.com/sawpanic/quotewire/internal/metrics"
	"github.com/sawpanic/quotewire/internal/provider"
	"github.com/sawpanic/quotewire/internal/ratelimit"
	"github.com/sawpanic/quotewire/internal/scheduler"
)

// Server is the ops HTTP endpoint.
type Server struct {
	registry  *provider.Registry
	monitor   *health.Monitor
	budgets   *budget.Tracker
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Scheduler
	metrics   *metrics.Registry

	httpSrv *http.Server
	started time.Time
}

// New wires the server; Start binds it to addr.
func New(reg *provider.Registry, hm *health.Monitor, bt *budget.Tracker, rl *ratelimit.Limiter, sched *scheduler.Scheduler, m *metrics.Registry) *Server {
	return &Server{
		registry:  reg,
		monitor:   hm,
		budgets:   bt,
		limiter:   rl,
		scheduler: sched,
		metrics:   m,
		started:   time.Now(),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestLog)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/providers", s.handleProviders).Methods(http.MethodGet)
	r.HandleFunc("/budget", s.handleBudget).Methods(http.MethodGet)
	r.HandleFunc("/ratelimits", s.handleRateLimits).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{name}/run", s.handleRunJob).Methods(http.MethodPost)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	log.Info().Str("addr", addr).Msg("Ops server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("request_id", id).Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Ops request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Providers     int     `json:"providers"`
	Healthy       int     `json:"healthy_providers"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	healthy := 0
	for _, p := range all {
		if s.monitor.IsHealthy(p.Name()) {
			healthy++
		}
	}

	resp := healthzResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(s.started).Seconds(),
		Providers:     len(all),
		Healthy:       healthy,
	}
	status := http.StatusOK
	if len(all) > 0 && healthy == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type providerView struct {
	Name    string                  `json:"name"`
	Markets interface{}             `json:"markets"`
	Health  health.Snapshot         `json:"health"`
	Adapter provider.StatusSnapshot `json:"adapter"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	var out []providerView
	for _, p := range s.registry.All() {
		out = append(out, providerView{
			Name:    p.Name(),
			Markets: p.Config().Markets,
			Health:  s.monitor.Snapshot(p.Name()),
			Adapter: p.Status(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	snaps := s.budgets.Snapshots()
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Provider < snaps[j].Provider })
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	var out []ratelimit.Snapshot
	for _, p := range s.registry.All() {
		out = append(out, s.limiter.Snapshot(p.Name()))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.scheduler.JobsStatus()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.scheduler.RunNow(name); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name, "status": "completed"})
}
