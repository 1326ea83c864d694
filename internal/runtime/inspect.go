package runtime

import (
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/jsoncodec"
)

type instanceDetail struct {
	Info    InstanceMetadata `json:"info"`
	Metrics *MetricsSnapshot `json:"metrics,omitempty"`
}

// HTTPHandler serves the inspection API of the factory:
//
//	GET  /api/instances              metadata of every instance
//	GET  /api/instances/{id}         metadata and metrics of one instance
//	POST /api/instances/{id}/pause   pause an active instance
//	POST /api/instances/{id}/resume  resume a paused instance
//	GET  /api/metrics                aggregated factory metrics
//	GET  /metrics                    Prometheus exposition
func (f *Factory) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/instances", f.handleListInstances)
	mux.HandleFunc("GET /api/instances/{id}", f.handleGetInstance)
	mux.HandleFunc("POST /api/instances/{id}/pause", f.handleTransition(f.PauseInstance))
	mux.HandleFunc("POST /api/instances/{id}/resume", f.handleTransition(f.ResumeInstance))
	mux.HandleFunc("GET /api/metrics", f.handleMetrics)
	mux.Handle("GET /metrics", promhttp.HandlerFor(f.promRegistry, promhttp.HandlerOpts{}))
	return f.withCORS(mux)
}

func (f *Factory) handleListInstances(w http.ResponseWriter, _ *http.Request) {
	list, err := f.ListInstances()
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, list)
}

func (f *Factory) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := f.InstanceInfo(id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	detail := instanceDetail{Info: info}
	if bus, err := f.GetInstance(id); err == nil {
		snap := bus.Metrics()
		detail.Metrics = &snap
	}
	f.writeJSON(w, http.StatusOK, detail)
}

func (f *Factory) handleTransition(apply func(id string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		changed, err := apply(id)
		if err != nil {
			f.writeError(w, err)
			return
		}
		if !changed {
			f.writeJSON(w, http.StatusConflict, map[string]string{"error": "instance is not in the expected state"})
			return
		}
		info, err := f.InstanceInfo(id)
		if err != nil {
			f.writeError(w, err)
			return
		}
		f.writeJSON(w, http.StatusOK, info)
	}
}

func (f *Factory) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m, err := f.Metrics()
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, m)
}

func (f *Factory) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		f.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (f *Factory) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errspkg.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errspkg.ErrFactoryDestroyed):
		status = http.StatusGone
	}
	f.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// withCORS answers preflight requests and sets the allow headers for origins
// on the allow-list. Without an allow-list no CORS headers are sent.
func (f *Factory) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := f.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if allowed != "*" {
				w.Header().Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *Factory) allowedCORSOrigin(origin string) string {
	for _, allowed := range f.corsOrigins {
		if allowed == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(allowed, origin) {
			return origin
		}
	}
	return ""
}
