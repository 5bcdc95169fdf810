package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/service"
	"github.com/avolkov/teopay-system/internal/signature"
)

// Размер тела вебхука ограничен, провайдер шлёт компактные события.
const maxWebhookBody = 1 << 20

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			PaymentIntent string            `json:"payment_intent"`
			PaymentStatus string            `json:"payment_status"`
			Metadata      map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// StripeWebhook принимает события платёжного провайдера.
// Подпись проверяется до разбора тела; события с неизвестным типом
// подтверждаются без обработки, чтобы провайдер не ретраил их бесконечно.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.webhookSecret != "" {
		header := r.Header.Get("Stripe-Signature")
		if err := signature.Verify(body, header, []byte(h.webhookSecret), signature.DefaultTolerance, time.Now()); err != nil {
			h.logger.Warn("webhook signature rejected", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	} else {
		h.logger.Warn("webhook secret not configured, skipping signature check")
	}

	var ev stripeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.logger.Warn("webhook body rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if ev.ID == "" || ev.Type == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	pe, known := mapStripeEvent(ev)
	if !known {
		h.logger.Info("webhook event ignored", zap.String("eventID", ev.ID), zap.String("type", ev.Type))
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.service.HandleProviderEvent(r.Context(), pe); err != nil {
		h.logger.Error("webhook processing error", zap.Error(err), zap.String("eventID", ev.ID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func mapStripeEvent(ev stripeEvent) (service.PaymentEvent, bool) {
	pe := service.PaymentEvent{
		EventID:     ev.ID,
		Type:        ev.Type,
		OrderID:     ev.Data.Object.Metadata["order_id"],
		TeoDiscount: ev.Data.Object.Metadata["teo_discount"] == "true",
	}

	if strings.HasPrefix(ev.Type, "checkout.session.") {
		pe.CheckoutSessionID = ev.Data.Object.ID
		pe.PaymentIntentID = ev.Data.Object.PaymentIntent
	} else {
		pe.PaymentIntentID = ev.Data.Object.ID
	}

	switch ev.Type {
	case service.EventCheckoutCompleted:
		pe.Paid = ev.Data.Object.PaymentStatus == "paid"
	case service.EventPaymentSucceeded:
		pe.Paid = true
	case service.EventPaymentFailed, service.EventCheckoutExpired:
		pe.Paid = false
	default:
		return service.PaymentEvent{}, false
	}

	return pe, true
}
