package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hubenschmidt/voicechat-gateway/internal/pipeline"
	"github.com/hubenschmidt/voicechat-gateway/internal/session"
	"github.com/hubenschmidt/voicechat-gateway/internal/trace"
)

const (
	// defaultTraceSessionLimit is how many trace sessions are returned
	// when the caller omits the ?limit= query parameter.
	defaultTraceSessionLimit = 20
	maxTraceSessionLimit     = 200

	healthTimeout = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

type deps struct {
	registry   *session.Registry
	asrRouter  *pipeline.ASRRouter
	dialogs    *pipeline.DialogRouter
	ttsRouter  *pipeline.TTSRouter
	history    pipeline.HistoryStore
	wsHandler  http.Handler
	traceStore *trace.Store
}

// registerRoutes wires all HTTP endpoints to the shared mux.
func registerRoutes(mux *http.ServeMux, d deps) {
	mux.Handle("/ws/voice-chat", d.wsHandler)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/backends", d.handleBackends)
	mux.HandleFunc("GET /api/sessions", d.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/history", d.handleHistory)
	registerTraceRoutes(mux, d.traceStore)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err)
	}
}

// handleHealth reports ok unless a configured store is unreachable.
func (d deps) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	checks := map[string]string{}
	status := http.StatusOK
	check := func(name string, p pinger) {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			return
		}
		checks[name] = "ok"
	}
	if p, ok := d.history.(pinger); ok {
		check("redis", p)
	}
	if d.traceStore != nil {
		check("trace_db", d.traceStore)
	}

	writeJSON(w, status, map[string]any{
		"status":   http.StatusText(status),
		"sessions": d.registry.Len(),
		"checks":   checks,
	})
}

func (d deps) handleBackends(w http.ResponseWriter, _ *http.Request) {
	describe := func(names []string, def string) map[string]any {
		return map[string]any{"engines": names, "default": def}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stt":    describe(d.asrRouter.Names(), d.asrRouter.Default()),
		"dialog": describe(d.dialogs.Names(), d.dialogs.Default()),
		"tts":    describe(d.ttsRouter.Names(), d.ttsRouter.Default()),
	})
}

func (d deps) handleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := d.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": len(sessions)})
}

// handleHistory serves a live session's log, falling back to the persisted
// log once the session has ended.
func (d deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if c := d.registry.Get(id); c != nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "live": true, "history": c.History()})
		return
	}
	if d.history == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	entries, err := d.history.Load(r.Context(), id)
	if err != nil {
		slog.Error("history load", "session_id", id, "error", err)
		http.Error(w, "history unavailable", http.StatusBadGateway)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "live": false, "history": entries})
}

func registerTraceRoutes(mux *http.ServeMux, store *trace.Store) {
	mux.HandleFunc("GET /api/traces/sessions", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		limit := min(queryInt(r, "limit", defaultTraceSessionLimit), maxTraceSessionLimit)
		offset := max(queryInt(r, "offset", 0), 0)
		sessions, total, err := store.ListSessions(r.Context(), limit, offset)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "total": total})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		sess, runs, err := store.GetSession(r.Context(), r.PathValue("id"))
		if err != nil {
			traceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "runs": runs})
	})

	mux.HandleFunc("GET /api/traces/sessions/{id}/runs/{runId}", func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "tracing disabled", http.StatusNotFound)
			return
		}
		run, spans, err := store.GetRun(r.Context(), r.PathValue("id"), r.PathValue("runId"))
		if err != nil {
			traceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "spans": spans})
	})
}

func traceError(w http.ResponseWriter, err error) {
	if errors.Is(err, trace.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	slog.Error("trace query", "error", err)
	http.Error(w, "trace query failed", http.StatusInternalServerError)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
