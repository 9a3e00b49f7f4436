// Package httpapi exposes the daemon's command surface over HTTP. The
// handlers are thin: every command delegates to the controller, which runs
// it on the cooperative loop and reports the outcome.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"boxd/pkg/types"
)

// Service defines the controller methods required by the HTTP API layer.
type Service interface {
	FetchFile(file, dest string, chunk int, source string) error
	FetchStatus() types.FetchStatus
	StartCheck(local bool) error
	StartUpdate() error
	Versions() (map[string]string, error)
	Status() types.StatusResponse
	Events() []string
	Ready() bool
}

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// NewRouter builds the daemon's HTTP handler.
func NewRouter(svc Service, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Use(MetricsMiddleware)
	r.Use(requestLogger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !svc.Ready() {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Get("/events", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"events": svc.Events()})
	})
	r.Get("/versions", func(w http.ResponseWriter, _ *http.Request) {
		v, err := svc.Versions()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": v})
	})

	r.Post("/fetch", func(w http.ResponseWriter, req *http.Request) {
		var body types.FetchRequest
		if !decodeBody(w, req, &body) {
			return
		}
		if body.File == "" {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		if err := svc.FetchFile(body.File, body.Dest, body.Chunk, body.Source); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
	})
	r.Get("/fetch/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.FetchStatus())
	})

	r.Post("/check", func(w http.ResponseWriter, _ *http.Request) {
		startRun(w, func() error { return svc.StartCheck(false) })
	})
	r.Post("/check/local", func(w http.ResponseWriter, _ *http.Request) {
		startRun(w, func() error { return svc.StartCheck(true) })
	})
	r.Post("/update", func(w http.ResponseWriter, _ *http.Request) {
		startRun(w, svc.StartUpdate)
	})

	return r
}

func startRun(w http.ResponseWriter, start func() error) {
	if err := start(); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
