package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/cashback-engine/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware движка кэшбэка.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	if len(h.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "Content-Encoding", custommiddleware.StoreTokenHeader},
			MaxAge:         300,
		}))
	}

	r.Route("/api/cashback", func(r chi.Router) {
		r.Use(h.storeMiddleware.Middleware)

		r.Get("/config", h.GetConfig)
		r.Put("/config", h.UpdateConfig)

		r.Post("/calculate", h.Calculate)
		r.Post("/orders/{orderID}/earn", h.EarnCashback)
		r.Post("/use", h.UseCashback)

		r.Get("/customer/{customerID}/balance", h.GetBalance)
		r.Get("/customer/{customerID}/history", h.GetHistory)

		r.Get("/reports", h.GetReport)
		r.Post("/expire", h.ExpireCashback)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
