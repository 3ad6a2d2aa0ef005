package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/randomizedcoder/go-prefork/internal/supervisor"
)

// CountResponse is the body of GET /workers/count.
type CountResponse struct {
	Live       int  `json:"live"`
	Target     int  `json:"target"`
	Restarting bool `json:"restarting"`
}

// StatsResponse is the body of GET /workers.
type StatsResponse struct {
	Workers []supervisor.WorkerStat `json:"workers"`
	Errors  []string                `json:"errors,omitempty"`
}

// RestartResponse is the body of POST /workers/restart.
type RestartResponse struct {
	Restarted bool   `json:"restarted"`
	Workers   int    `json:"workers"`
	Error     string `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("admin_encode_error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("admin_write_error", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

// handleReady reports 200 once the live set has reached the target.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	opts := s.cfg.Pool.Options()
	live := s.cfg.Pool.WorkersCount()
	if opts.UseSupervisor && live < opts.TargetWorkerCount {
		s.writeJSON(w, http.StatusServiceUnavailable, CountResponse{
			Live:       live,
			Target:     opts.TargetWorkerCount,
			Restarting: s.cfg.Pool.IsRestarting(),
		})
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ready\n"))
}

func (s *Server) handleCount(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, CountResponse{
		Live:       s.cfg.Pool.WorkersCount(),
		Target:     s.cfg.Pool.Options().TargetWorkerCount,
		Restarting: s.cfg.Pool.IsRestarting(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Pool.Snapshot())
}

// handleWorkers returns whatever stats arrived; failed workers are listed
// under errors.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.StatsTimeout)
	defer cancel()

	stats, err := s.cfg.Pool.WorkersStats(ctx)
	resp := StatsResponse{Workers: stats}
	if resp.Workers == nil {
		resp.Workers = []supervisor.WorkerStat{}
	}
	if err != nil {
		resp.Errors = splitJoined(err)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	graceful, ok := s.gracefulParam(w, r)
	if !ok {
		return
	}

	// A rolling restart outlives an impatient client.
	restarted, err := s.cfg.Pool.RestartWorkers(context.WithoutCancel(r.Context()), graceful)
	resp := RestartResponse{Restarted: restarted, Workers: s.cfg.Pool.WorkersCount()}
	switch {
	case errors.Is(err, supervisor.ErrNotStarted):
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
	case err != nil:
		resp.Error = err.Error()
		s.writeJSON(w, http.StatusInternalServerError, resp)
	case !restarted:
		resp.Error = "restart already in progress"
		s.writeJSON(w, http.StatusConflict, resp)
	default:
		s.logger.Info("admin_restart_completed", "graceful", graceful, "workers", resp.Workers)
		s.writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	graceful, ok := s.gracefulParam(w, r)
	if !ok {
		return
	}

	if err := s.cfg.Pool.ShutDownWorkers(context.WithoutCancel(r.Context()), graceful); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	s.logger.Info("admin_shutdown_completed", "graceful", graceful)
	s.writeJSON(w, http.StatusOK, CountResponse{Live: s.cfg.Pool.WorkersCount()})

	if s.cfg.OnShutdown != nil {
		go s.cfg.OnShutdown()
	}
}

// gracefulParam parses ?graceful=, defaulting to true.
func (s *Server) gracefulParam(w http.ResponseWriter, r *http.Request) (bool, bool) {
	raw := r.URL.Query().Get("graceful")
	if raw == "" {
		return true, true
	}
	graceful, err := strconv.ParseBool(raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "graceful must be a boolean"})
		return false, false
	}
	return graceful, true
}

// splitJoined flattens an errors.Join result into messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
