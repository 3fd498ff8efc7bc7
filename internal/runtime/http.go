package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/status"
	"github.com/loqalabs/loqa-scribe/internal/worker"
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	mux.HandleFunc("GET /status", r.handleStatus)
	mux.HandleFunc("GET /nodes", r.handleNodes)
	mux.HandleFunc("GET /history", r.handleHistory)
	mux.HandleFunc("POST /devices/{id}/reload", r.handleReload)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.pipe.Running() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.writeJSON(w, http.StatusOK, r.pipe.Snapshot())
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	if r.reporter == nil {
		r.writeJSON(w, http.StatusOK, []status.Node{})
		return
	}
	r.writeJSON(w, http.StatusOK, r.reporter.Nodes())
}

func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	if r.history == nil {
		r.writeJSON(w, http.StatusNotFound, map[string]string{"error": "history disabled"})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	var (
		entries []eventstore.Entry
		err     error
	)
	if session := req.URL.Query().Get("session"); session != "" {
		entries, err = r.history.ListSessionTranscripts(req.Context(), session, limit)
	} else {
		entries, err = r.history.Recent(req.Context(), limit)
	}
	if err != nil {
		r.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	r.writeJSON(w, http.StatusOK, entries)
}

func (r *Runtime) handleReload(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	err := r.pool.Reload(req.Context(), id)
	switch {
	case err == nil:
		r.logger.Info("device reloaded", slog.String("device", id))
		r.writeJSON(w, http.StatusOK, map[string]string{"device": id, "status": "reloaded"})
	case errors.Is(err, worker.ErrUnknownDevice):
		r.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, worker.ErrDeviceAlive):
		r.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		r.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (r *Runtime) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		r.logger.Warn("failed to write response", slog.String("error", err.Error()))
	}
}
