package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/switchboard-gw/switchboard/internal/message"
	"github.com/switchboard-gw/switchboard/internal/observability"
)

// adminServer is the out-of-band HTTP endpoint for metrics, health,
// and protocol switching. It binds its own port so it stays reachable
// while the serving listener is mid-switch.
type adminServer struct {
	server *http.Server
	logger observability.Logger
}

// switchRequest is the body of POST /admin/protocol.
type switchRequest struct {
	Protocol string `json:"protocol"`
}

// startAdminServer wires the admin mux and starts serving it.
func startAdminServer(app *application, logger observability.Logger) *adminServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	mux.Handle("/healthz", app.healthChecker.Handler())
	mux.HandleFunc("/admin/protocol", func(w http.ResponseWriter, r *http.Request) {
		handleProtocol(app, logger, w, r)
	})

	srv := &http.Server{
		Addr:              app.config.Gateway.Admin.Address(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a := &adminServer{server: srv, logger: logger}
	go func() {
		logger.Info("admin endpoint listening", observability.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin endpoint failed", observability.Error(err))
		}
	}()
	return a
}

// handleProtocol reports the active protocol on GET and switches the
// gateway to a new one on POST.
func handleProtocol(app *application, logger observability.Logger, w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, app.gateway.Snapshot())

	case http.MethodPost:
		var req switchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		target := message.Protocol(req.Protocol)
		if !target.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown protocol " + req.Protocol})
			return
		}

		logger.Info("protocol switch requested",
			observability.String("from", string(app.gateway.ActiveProtocol())),
			observability.String("to", string(target)),
		)
		if err := app.gateway.SwitchTo(r.Context(), target); err != nil {
			logger.Error("protocol switch failed", observability.Error(err))
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, app.gateway.Snapshot())

	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// stop shuts the admin endpoint down within ctx's deadline.
func (a *adminServer) stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("admin endpoint shutdown", observability.Error(err))
	}
}
