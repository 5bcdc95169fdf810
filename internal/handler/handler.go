// Package handler содержит HTTP-обработчики API сервиса teopay.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/middleware"
	"github.com/avolkov/teopay-system/internal/model"
	"github.com/avolkov/teopay-system/internal/pricing"
	"github.com/avolkov/teopay-system/internal/repository"
	"github.com/avolkov/teopay-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Preview(ctx context.Context, in service.PreviewInput) (*service.PreviewResult, error)
	Confirm(ctx context.Context, in service.ConfirmInput) (*service.ConfirmResult, error)
	PendingForTeacher(ctx context.Context, teacherID int64) ([]repository.PendingDecision, error)
	MakeDecision(ctx context.Context, decisionID int64, accept bool, actorID int64) (repository.DecisionOutcome, error)
	WalletBalance(ctx context.Context, userID int64) (model.WalletBalance, error)
	WalletTransactions(ctx context.Context, userID int64) ([]model.WalletTransaction, error)
	HandleProviderEvent(ctx context.Context, ev service.PaymentEvent) error
}

// Handler реализует HTTP-обработчики API сервиса teopay.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	webhookSecret  string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, webhookSecret string) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		webhookSecret:  webhookSecret,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type previewRequest struct {
	PriceEUR        decimal.Decimal  `json:"price_eur"`
	DiscountPercent decimal.Decimal  `json:"discount_percent"`
	TeacherTier     string           `json:"teacher_tier"`
	AcceptTeo       bool             `json:"accept_teo"`
	AcceptRatio     *decimal.Decimal `json:"accept_ratio,omitempty"`
}

// Preview возвращает расчёт скидки без побочных эффектов.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}

	result, err := h.service.Preview(r.Context(), service.PreviewInput{
		StudentID:       userID,
		PriceEUR:        req.PriceEUR,
		DiscountPercent: req.DiscountPercent,
		TeacherTier:     req.TeacherTier,
		AcceptTeo:       req.AcceptTeo,
		AcceptRatio:     req.AcceptRatio,
	})
	if err != nil {
		h.writePreviewError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) writePreviewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pricing.ErrInvalidPrice):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_PRICE", err.Error())
	case errors.Is(err, pricing.ErrInvalidDiscountPercent):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_DISCOUNT", err.Error())
	case errors.Is(err, repository.ErrTierNotFound):
		writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_TIER", err.Error())
	default:
		h.logger.Error("preview error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

type confirmRequest struct {
	OrderID                 string           `json:"order_id"`
	CourseID                int64            `json:"course_id"`
	TeacherID               *int64           `json:"teacher_id,omitempty"`
	TeacherTier             string           `json:"teacher_tier"`
	DiscountPercent         *decimal.Decimal `json:"discount_percent,omitempty"`
	TokensToSpend           *int64           `json:"tokens_to_spend,omitempty"`
	AcceptTeo               bool             `json:"accept_teo"`
	AcceptRatio             *decimal.Decimal `json:"accept_ratio,omitempty"`
	PriceEUR                decimal.Decimal  `json:"price_eur"`
	CheckoutSessionID       string           `json:"checkout_session_id"`
	StripeCheckoutSessionID string           `json:"stripe_checkout_session_id"`
	StripePaymentIntentID   string           `json:"stripe_payment_intent_id"`
}

type confirmResponse struct {
	SnapshotID int64           `json:"snapshot_id"`
	OrderID    string          `json:"order_id"`
	Status     string          `json:"status"`
	HoldID     int64           `json:"hold_id"`
	Created    bool            `json:"created"`
	Breakdown  model.Breakdown `json:"breakdown"`
}

// Confirm резервирует скидку для заказа текущего студента.
// Повторный запрос с теми же параметрами возвращает существующую резервацию.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed JSON body")
		return
	}

	if req.OrderID == "" || req.CourseID == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "order_id and course_id are required")
		return
	}

	result, err := h.service.Confirm(r.Context(), service.ConfirmInput{
		OrderID:                 req.OrderID,
		StudentID:               userID,
		CourseID:                req.CourseID,
		TeacherID:               req.TeacherID,
		TeacherTier:             req.TeacherTier,
		DiscountPercent:         req.DiscountPercent,
		TokensToSpend:           req.TokensToSpend,
		AcceptTeo:               req.AcceptTeo,
		AcceptRatio:             req.AcceptRatio,
		PriceEUR:                req.PriceEUR,
		CheckoutSessionID:       req.CheckoutSessionID,
		StripeCheckoutSessionID: req.StripeCheckoutSessionID,
		StripePaymentIntentID:   req.StripePaymentIntentID,
	})
	if err != nil {
		h.writeConfirmError(w, err, req.OrderID)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, confirmResponse{
		SnapshotID: result.Snapshot.ID,
		OrderID:    result.Snapshot.OrderID,
		Status:     string(result.Status),
		HoldID:     result.HoldID,
		Created:    result.Created,
		Breakdown:  result.Breakdown,
	})
}

func (h *Handler) writeConfirmError(w http.ResponseWriter, err error, orderID string) {
	switch {
	case errors.Is(err, repository.ErrInsufficientBalance):
		writeError(w, http.StatusBadRequest, "INSUFFICIENT_TOKENS", "not enough TEO for the requested discount")
	case errors.Is(err, service.ErrHoldCreationFailed):
		h.logger.Error("hold creation failed", zap.Error(err), zap.String("order", orderID))
		writeError(w, http.StatusInternalServerError, "HOLD_CREATION_FAILED", "could not reserve tokens")
	case errors.Is(err, repository.ErrSnapshotConflict):
		writeError(w, http.StatusConflict, "CONFLICT", "another discount is already active for this checkout")
	case errors.Is(err, service.ErrInvalidDiscount),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, pricing.ErrInvalidDiscountPercent):
		writeError(w, http.StatusUnprocessableEntity, "INVALID_DISCOUNT", err.Error())
	case errors.Is(err, repository.ErrTierNotFound):
		writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_TIER", err.Error())
	default:
		h.logger.Error("confirm error", zap.Error(err), zap.String("order", orderID))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

type pendingDecisionResponse struct {
	DecisionID      int64           `json:"decision_id"`
	OrderID         string          `json:"order_id"`
	StudentID       int64           `json:"student_id"`
	CourseID        int64           `json:"course_id"`
	CoursePrice     decimal.Decimal `json:"course_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	TeoCost         decimal.Decimal `json:"teo_cost"`
	TeacherBonus    decimal.Decimal `json:"teacher_bonus"`
	SnapshotStatus  string          `json:"snapshot_status"`
	ExpiresAt       string          `json:"expires_at"`
}

// GetPendingDecisions возвращает входящие запросы текущего преподавателя.
func (h *Handler) GetPendingDecisions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	pending, err := h.service.PendingForTeacher(r.Context(), userID)
	if err != nil {
		h.logger.Error("pending decisions error", zap.Error(err), zap.Int64("teacherID", userID))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	// Пустой входящий список — обычный ответ 200 с пустым массивом.
	resp := make([]pendingDecisionResponse, 0, len(pending))
	for _, p := range pending {
		resp = append(resp, pendingDecisionResponse{
			DecisionID:      p.Decision.ID,
			OrderID:         p.OrderID,
			StudentID:       p.Decision.StudentID,
			CourseID:        p.Decision.CourseID,
			CoursePrice:     p.Decision.CoursePrice,
			DiscountPercent: p.Decision.DiscountPercent,
			TeoCost:         decimal.New(p.Decision.TeoCost, -8),
			TeacherBonus:    decimal.New(p.Decision.TeacherBonus, -8),
			SnapshotStatus:  string(p.SnapshotStatus),
			ExpiresAt:       p.Decision.ExpiresAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type decisionResponse struct {
	State          string          `json:"state"`
	CreditedTeo    decimal.Decimal `json:"credited_teo"`
	AlreadyDecided bool            `json:"already_decided"`
}

// AcceptDecision принимает запрос на выплату в TEO.
func (h *Handler) AcceptDecision(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// DeclineDecision отклоняет запрос на выплату в TEO.
func (h *Handler) DeclineDecision(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request, accept bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	decisionID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid decision id")
		return
	}

	outcome, err := h.service.MakeDecision(r.Context(), decisionID, accept, userID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrDecisionNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "decision not found")
		case errors.Is(err, service.ErrNotDecisionOwner):
			writeError(w, http.StatusForbidden, "FORBIDDEN", "decision belongs to another teacher")
		case errors.Is(err, repository.ErrDecisionExpired):
			writeError(w, http.StatusConflict, "DECISION_EXPIRED", "decision window has expired")
		default:
			h.logger.Error("decide error", zap.Error(err), zap.Int64("decisionID", decisionID))
			writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}

	wanted := model.DecisionDeclined
	if accept {
		wanted = model.DecisionAccepted
	}
	if outcome.AlreadyDecided && outcome.State != wanted {
		writeError(w, http.StatusConflict, "ALREADY_DECIDED", "decision was already finalized with the opposite outcome")
		return
	}

	writeJSON(w, http.StatusOK, decisionResponse{
		State:          string(outcome.State),
		CreditedTeo:    outcome.CreditedTeo,
		AlreadyDecided: outcome.AlreadyDecided,
	})
}

// GetWalletBalance возвращает баланс TEO текущего пользователя с учётом резервов.
func (h *Handler) GetWalletBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.WalletBalance(r.Context(), userID)
	if err != nil {
		h.logger.Error("wallet balance error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type transactionResponse struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	HoldAmount  decimal.Decimal `json:"hold_amount,omitempty"`
	HoldStatus  string          `json:"hold_status,omitempty"`
	Description string          `json:"description,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// GetWalletTransactions возвращает журнал кошелька текущего пользователя.
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txs, err := h.service.WalletTransactions(r.Context(), userID)
	if err != nil {
		h.logger.Error("wallet transactions error", zap.Error(err), zap.Int64("userID", userID))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	if len(txs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		resp = append(resp, transactionResponse{
			ID:          tx.ID,
			Kind:        string(tx.Kind),
			Amount:      tx.Amount,
			HoldAmount:  tx.HoldAmount,
			HoldStatus:  string(tx.HoldStatus),
			Description: tx.Description,
			Reference:   tx.Reference,
			CreatedAt:   tx.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
