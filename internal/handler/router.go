package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"drm-host-service/config"
)

// NewRouter はルーターを生成する。
func NewRouter(h *DrmHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	// ルート定義
	r.Route("/v1/instances", func(r chi.Router) {
		r.Post("/", h.CreateInstance)
		r.Route("/{instance_id}", func(r chi.Router) {
			r.Delete("/", h.ReleaseInstance)
			r.Get("/supports", h.Supports)
			r.Get("/events", h.StreamEvents)

			r.Post("/plugin", h.CreatePlugin)
			r.Delete("/plugin", h.DestroyPlugin)

			r.Post("/sessions", h.OpenSession)
			r.Route("/sessions/{session_id}", func(r chi.Router) {
				r.Delete("/", h.CloseSession)
				r.Post("/keys/request", h.GetKeyRequest)
				r.Post("/keys/response", h.ProvideKeyResponse)
				r.Post("/keys/restore", h.RestoreKeys)
				r.Get("/keys/status", h.QueryKeyStatus)
				r.Post("/cipher-algorithm", h.SetCipherAlgorithm)
				r.Post("/mac-algorithm", h.SetMacAlgorithm)
				r.Post("/encrypt", h.Encrypt)
				r.Post("/decrypt", h.Decrypt)
				r.Post("/sign", h.Sign)
				r.Post("/verify", h.Verify)
				r.Post("/sign-rsa", h.SignRSA)
			})
			r.Delete("/keys/{key_set_id}", h.RemoveKeys)

			r.Post("/provision/request", h.GetProvisionRequest)
			r.Post("/provision/response", h.ProvideProvisionResponse)

			r.Get("/secure-stops", h.GetSecureStops)
			r.Get("/secure-stops/{secure_stop_id}", h.GetSecureStop)
			r.Post("/secure-stops/release", h.ReleaseSecureStops)
			r.Delete("/secure-stops", h.ReleaseAllSecureStops)

			r.Get("/properties/{name}", h.GetProperty)
			r.Put("/properties/{name}", h.SetProperty)
		})
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "drm-host-service")
	}
	return r
}
