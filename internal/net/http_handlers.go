package net

import (
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lockstep/server/internal/net/ws"
	"lockstep/server/internal/netserver"
	"lockstep/server/internal/observability"
	"lockstep/server/internal/telemetry"
)

type HTTPHandlerConfig struct {
	Logger        telemetry.Logger
	Observability observability.Config
	// Gatherer backs /metrics when metrics are enabled. Defaults to the
	// prometheus default registry.
	Gatherer prometheus.Gatherer
	// Counters are reported verbatim on /diagnostics when set.
	Counters *telemetry.Counters
	Conn     ws.ConnConfig
}

type lobbyApprovalRequest struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

type lobbyApprovalResponse struct {
	Status string `json:"status"`
	Token  string `json:"token"`
}

func NewHTTPHandler(worker *netserver.Worker, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodGet {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		payload := struct {
			Status     string                `json:"status"`
			ServerTime int64                 `json:"serverTime"`
			Server     netserver.Diagnostics `json:"server"`
			Counters   map[string]uint64     `json:"counters,omitempty"`
		}{
			Status:     "ok",
			ServerTime: time.Now().UnixMilli(),
			Server:     worker.Diagnostics(),
		}
		if cfg.Counters != nil {
			payload.Counters = cfg.Counters.Snapshot()
		}
		writeJSON(w, payload)
	})

	// The lobby approves a waiting session by GUID. The issued token is
	// handed to the worker and returned to the lobby for its records.
	mux.HandleFunc("/lobby/approve", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		tokens := worker.LobbyTokens()
		if tokens == nil {
			httpError(w, "lobby authentication disabled", nethttp.StatusNotFound)
			return
		}
		var req lobbyApprovalRequest
		if r.Body != nil {
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}
		req.GUID = strings.TrimSpace(req.GUID)
		if req.GUID == "" || strings.TrimSpace(req.Name) == "" {
			httpError(w, "guid and name are required", nethttp.StatusBadRequest)
			return
		}
		token, err := tokens.Issue(req.GUID, req.Name)
		if err != nil {
			logger.Printf("failed to issue lobby token for %s: %v", req.GUID, err)
			httpError(w, "failed to issue token", nethttp.StatusInternalServerError)
			return
		}
		if !worker.ApproveLobbyAuth(netserver.LobbyApproval{GUID: req.GUID, Token: token}) {
			httpError(w, "server busy", nethttp.StatusServiceUnavailable)
			return
		}
		writeJSON(w, lobbyApprovalResponse{Status: "ok", Token: token})
	})

	wsHandler := ws.NewHandler(worker, ws.HandlerConfig{Logger: logger, Conn: cfg.Conn})
	mux.HandleFunc("/ws", wsHandler.Handle)

	if cfg.Observability.EnableMetrics {
		gatherer := cfg.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.Observability.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func writeJSON(w nethttp.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		httpError(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
