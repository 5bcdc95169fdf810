package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/avolkov/teopay-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса teopay.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Вебхук аутентифицируется подписью провайдера, не cookie.
		r.Post("/webhooks/payments", h.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/discounts/preview", h.Preview)
			r.Post("/discounts/confirm", h.Confirm)

			r.Get("/discounts/pending", h.GetPendingDecisions)
			r.Post("/discounts/{id}/accept", h.AcceptDecision)
			r.Post("/discounts/{id}/decline", h.DeclineDecision)

			r.Get("/wallet/balance", h.GetWalletBalance)
			r.Get("/wallet/transactions", h.GetWalletTransactions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
