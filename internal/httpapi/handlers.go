// Package httpapi is the HTTP surface over the authorization core. It
// stays deliberately thin: decode, authenticate, hand off to the pipeline,
// and reveal nothing about why a request was rejected.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/envkey/envkey-sub005/internal/authz"
	"github.com/envkey/envkey-sub005/internal/obs"
	"github.com/envkey/envkey-sub005/internal/sockets"
)

// ReadyProbe checks backing-store reachability for /readyz.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *authz.Service
	hub        *sockets.Hub
	readyProbe ReadyProbe
	version    string
}

func New(svc *authz.Service, hub *sockets.Hub, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		hub:        hub,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// core
	a.mux.HandleFunc("/v1/session", a.handleCreateSession)
	a.mux.HandleFunc("/v1/action", a.handleAction)
	a.mux.HandleFunc("/v1/provisioning-tokens", a.handleCreateProvisioningToken)
	a.mux.HandleFunc("/v1/socket-clears", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

const (
	// maxBodyBytes bounds signed action batches; ciphertext payloads can
	// legitimately run to megabytes.
	maxBodyBytes = 10 << 20

	rateBurst     = 50
	ratePerSecond = 25
)

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, rateBurst, ratePerSecond)
	h = RequestID(h)
	h = Logging(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "envkey-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "envkey-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeUnauthorized is the single rejection shape for every core failure.
// Bad signature, missing object, insufficient permission, and broken trust
// chain are indistinguishable to the caller.
func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, "unauthorized")
}
