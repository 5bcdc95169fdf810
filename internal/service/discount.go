package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/model"
	"github.com/avolkov/teopay-system/internal/pricing"
	"github.com/avolkov/teopay-system/internal/repository"
)

// allowedTokenAmounts — серверный белый список для пути tokens_to_spend.
var allowedTokenAmounts = map[int64]struct{}{5: {}, 10: {}, 15: {}}

// PreviewInput содержит параметры предварительного расчёта.
type PreviewInput struct {
	StudentID       int64
	PriceEUR        decimal.Decimal
	DiscountPercent decimal.Decimal
	TeacherTier     string
	AcceptTeo       bool
	AcceptRatio     *decimal.Decimal
}

// PreviewResult содержит расчёт без побочных эффектов.
type PreviewResult struct {
	Breakdown      model.Breakdown `json:"breakdown"`
	TokensRequired decimal.Decimal `json:"tokens_required"`
	Balance        decimal.Decimal `json:"balance"`
	Eligible       bool            `json:"eligible"`
}

// Preview вычисляет разбиение и доступность скидки. Никаких записей.
func (s *Service) Preview(ctx context.Context, in PreviewInput) (*PreviewResult, error) {
	tier, err := s.resolveTier(ctx, in.TeacherTier)
	if err != nil {
		return nil, err
	}

	breakdown, err := pricing.Compute(pricing.ComputeInput{
		Price:           in.PriceEUR,
		DiscountPercent: in.DiscountPercent,
		Tier:            tier,
		AcceptTeo:       in.AcceptTeo,
		AcceptRatio:     in.AcceptRatio,
		Rate:            s.opts.Rate,
	})
	if err != nil {
		return nil, err
	}

	required := pricing.TokensRequired(in.PriceEUR, in.DiscountPercent, s.opts.Rate)
	balance, err := s.repo.Balance(ctx, in.StudentID)
	if err != nil {
		return nil, err
	}

	return &PreviewResult{
		Breakdown:      breakdown,
		TokensRequired: required,
		Balance:        balance,
		Eligible:       balance.GreaterThanOrEqual(required),
	}, nil
}

// ConfirmInput содержит параметры подтверждения скидки.
type ConfirmInput struct {
	OrderID   string
	StudentID int64
	CourseID  int64
	TeacherID *int64
	// TeacherTier — имя тарифа преподавателя; пустая строка означает тариф по умолчанию.
	TeacherTier string
	// DiscountPercent и TokensToSpend — альтернативные способы задать скидку;
	// TokensToSpend имеет приоритет и ограничен белым списком {5, 10, 15} EUR.
	DiscountPercent         *decimal.Decimal
	TokensToSpend           *int64
	AcceptTeo               bool
	AcceptRatio             *decimal.Decimal
	PriceEUR                decimal.Decimal
	CheckoutSessionID       string
	StripeCheckoutSessionID string
	StripePaymentIntentID   string
}

// ConfirmResult содержит исход подтверждения скидки.
type ConfirmResult struct {
	Created   bool
	Snapshot  *model.DiscountSnapshot
	Breakdown model.Breakdown
	HoldID    int64
	// Status — pending при созданном решении преподавателя, иначе applied.
	Status model.SnapshotStatus
}

// Confirm атомарно резервирует скидку: создаёт резерв TEO, записывает
// резервацию и — при принятии скидки преподавателем — нерешённый запрос
// к нему в одной транзакции. Операция идемпотентна по ключу
// (студент, курс, checkout-сессия).
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*ConfirmResult, error) {
	if in.OrderID == "" {
		return nil, fmt.Errorf("%w: empty order id", ErrInvalidDiscount)
	}

	sessionID := in.CheckoutSessionID
	if sessionID == "" {
		// Стабильный идентификатор сессии выводится из номера заказа,
		// чтобы повторы одного заказа попадали в ту же партицию идемпотентности.
		sessionID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("teopay:checkout:"+in.OrderID)).String()
	}

	percent, discountAmount, err := s.canonicalDiscount(in)
	if err != nil {
		return nil, err
	}

	// Проверка идемпотентности по составному ключу среди нетерминальных статусов.
	existing, err := s.repo.FindActiveSnapshot(ctx, in.StudentID, in.CourseID, sessionID)
	if err != nil && !errors.Is(err, repository.ErrSnapshotNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.DiscountPercent.Equal(percent) {
			s.logger.Info("duplicate_prevented",
				zap.String("order", in.OrderID),
				zap.Int64("snapshotID", existing.ID),
				zap.String("session", sessionID))
			return existingResult(existing), nil
		}

		// Процент изменился в той же сессии: прежняя резервация вытесняется,
		// её резерв освобождается, и создаётся новая.
		if err := s.repo.SupersedeSnapshot(ctx, existing.ID); err != nil {
			return nil, err
		}
		s.logger.Info("snapshot superseded",
			zap.Int64("snapshotID", existing.ID),
			zap.String("oldPercent", existing.DiscountPercent.String()),
			zap.String("newPercent", percent.String()))
	}

	tier, err := s.resolveTier(ctx, in.TeacherTier)
	if err != nil {
		return nil, err
	}

	breakdown, err := pricing.Compute(pricing.ComputeInput{
		Price:           in.PriceEUR,
		DiscountPercent: percent,
		Tier:            tier,
		AcceptTeo:       in.AcceptTeo,
		AcceptRatio:     in.AcceptRatio,
		Rate:            s.opts.Rate,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDiscount, err)
	}

	balance, err := s.repo.Balance(ctx, in.StudentID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(discountAmount) {
		return nil, repository.ErrInsufficientBalance
	}

	holdAmount := discountAmount.Mul(s.opts.Rate).Round(8)
	holdDesc := fmt.Sprintf("TeoCoin discount hold for course %d", in.CourseID)
	holdID, err := s.repo.CreateHold(ctx, in.StudentID, holdAmount, holdDesc, &in.CourseID, in.OrderID)
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrHoldCreationFailed, err)
	}

	now := s.now()
	snap := &model.DiscountSnapshot{
		OrderID:           in.OrderID,
		StudentID:         in.StudentID,
		TeacherID:         in.TeacherID,
		CourseID:          in.CourseID,
		CheckoutSessionID: sessionID,

		PriceEUR:          breakdown.PriceEUR,
		DiscountPercent:   percent,
		DiscountAmountEUR: breakdown.DiscountAmountEUR,
		StudentPayEUR:     breakdown.StudentPayEUR,
		TeacherEUR:        breakdown.TeacherEUR,
		PlatformEUR:       breakdown.PlatformEUR,
		TeacherTeo:        breakdown.TeacherTeo,
		PlatformTeo:       breakdown.PlatformTeo,
		AbsorptionPolicy:  breakdown.AbsorptionPolicy,

		TierName:               breakdown.TierName,
		TeacherSplitPercent:    tierOrDefault(tier).TeacherSplitPercent,
		PlatformSplitPercent:   tierOrDefault(tier).PlatformSplitPercent,
		MaxAcceptDiscountRatio: tierOrDefault(tier).MaxAcceptDiscountRatio,
		TeoBonusMultiplier:     tierOrDefault(tier).TeoBonusMultiplier,

		WalletHoldID:            &holdID,
		StripeCheckoutSessionID: in.StripeCheckoutSessionID,
		StripePaymentIntentID:   in.StripePaymentIntentID,

		Status:    model.SnapshotStatusApplied,
		AppliedAt: &now,
	}

	var dec *model.TeacherDecision
	if in.AcceptTeo && in.TeacherID != nil && breakdown.TeacherTeo.IsPositive() {
		dec = s.buildDecision(in, tierOrDefault(tier), breakdown)
		snap.Status = model.SnapshotStatusPending
	}

	if err := s.repo.CreateSnapshot(ctx, snap, dec); err != nil {
		// Освобождение только что созданного резерва: резервация не записана.
		if _, relErr := s.repo.ReleaseHold(ctx, holdID, "Snapshot creation failed for order "+in.OrderID); relErr != nil {
			s.logger.Error("release hold after failed snapshot",
				zap.Error(relErr), zap.Int64("holdID", holdID))
		}

		if errors.Is(err, repository.ErrSnapshotConflict) {
			// Гонка по уникальному индексу: возвращаем победившую резервацию.
			winner, findErr := s.repo.FindActiveSnapshot(ctx, in.StudentID, in.CourseID, sessionID)
			if findErr != nil {
				return nil, err
			}
			s.logger.Info("duplicate_prevented",
				zap.String("order", in.OrderID),
				zap.Int64("snapshotID", winner.ID),
				zap.String("reason", "unique constraint race"))
			return existingResult(winner), nil
		}
		return nil, err
	}

	if dec != nil {
		s.notifyTeacherDecision(ctx, dec.TeacherID, dec.ID, in.OrderID)
	}

	return &ConfirmResult{
		Created:   true,
		Snapshot:  snap,
		Breakdown: breakdown,
		HoldID:    holdID,
		Status:    snap.Status,
	}, nil
}

// canonicalDiscount вычисляет серверный процент и сумму скидки.
// Путь tokens_to_spend трактует токены как скидку в EUR и ограничен
// белым списком; иначе процент берётся из запроса.
func (s *Service) canonicalDiscount(in ConfirmInput) (decimal.Decimal, decimal.Decimal, error) {
	if !in.PriceEUR.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: price must be positive", ErrInvalidDiscount)
	}

	var percent decimal.Decimal
	switch {
	case in.TokensToSpend != nil:
		if _, ok := allowedTokenAmounts[*in.TokensToSpend]; !ok {
			return decimal.Zero, decimal.Zero, fmt.Errorf("%w: tokens_to_spend %d not allowed", ErrInvalidDiscount, *in.TokensToSpend)
		}
		percent = pricing.DiscountFromTokens(decimal.NewFromInt(*in.TokensToSpend), in.PriceEUR)
	case in.DiscountPercent != nil:
		percent = *in.DiscountPercent
	default:
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: discount not specified", ErrInvalidDiscount)
	}

	amount := in.PriceEUR.Mul(percent).Div(decimal.NewFromInt(100)).Round(2)
	if !amount.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: discount amount must be positive", ErrInvalidDiscount)
	}
	return percent, amount, nil
}

// buildDecision собирает запрос преподавателю из рассчитанного разбиения.
// Суммы пишутся в наименьших единицах TEO с обрезкой по потолку int64.
func (s *Service) buildDecision(in ConfirmInput, tier model.Tier, b model.Breakdown) *model.TeacherDecision {
	cost := b.TeacherTeo.Div(tier.TeoBonusMultiplier).Round(8)
	bonus := b.TeacherTeo.Sub(cost)

	return &model.TeacherDecision{
		TeacherID:             *in.TeacherID,
		StudentID:             in.StudentID,
		CourseID:              in.CourseID,
		CoursePrice:           b.PriceEUR,
		DiscountPercent:       b.DiscountPercent,
		TeoCost:               teoUnits(cost),
		TeacherBonus:          teoUnits(bonus),
		TeacherCommissionRate: tier.TeacherSplitPercent,
		TeacherStakingTier:    tier.Name,
		State:                 model.DecisionPending,
		ExpiresAt:             s.now().Add(s.opts.DecisionTTL),
	}
}

// teoUnits переводит сумму TEO в наименьшие единицы (10^-8) с обрезкой
// значений выше потолка знакового 64-битного целого.
func teoUnits(v decimal.Decimal) int64 {
	shifted := v.Shift(8)
	if shifted.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return math.MaxInt64
	}
	return shifted.IntPart()
}

func (s *Service) resolveTier(ctx context.Context, name string) (*model.Tier, error) {
	if name == "" {
		return nil, nil
	}
	return s.repo.TierByName(ctx, name)
}

func tierOrDefault(t *model.Tier) model.Tier {
	if t != nil {
		return *t
	}
	return pricing.DefaultTier()
}

func existingResult(snap *model.DiscountSnapshot) *ConfirmResult {
	res := &ConfirmResult{
		Created:   false,
		Snapshot:  snap,
		Breakdown: breakdownFromSnapshot(snap),
		Status:    snap.Status,
	}
	if snap.WalletHoldID != nil {
		res.HoldID = *snap.WalletHoldID
	}
	return res
}

// breakdownFromSnapshot восстанавливает разбиение из замороженных полей
// резервации: пересчёт по текущему тарифу здесь недопустим.
func breakdownFromSnapshot(s *model.DiscountSnapshot) model.Breakdown {
	return model.Breakdown{
		PriceEUR:          s.PriceEUR,
		DiscountPercent:   s.DiscountPercent,
		DiscountAmountEUR: s.DiscountAmountEUR,
		StudentPayEUR:     s.StudentPayEUR,
		TeacherEUR:        s.TeacherEUR,
		PlatformEUR:       s.PlatformEUR,
		TeacherTeo:        s.TeacherTeo,
		PlatformTeo:       s.PlatformTeo,
		AbsorptionPolicy:  s.AbsorptionPolicy,
		TierName:          s.TierName,
	}
}
