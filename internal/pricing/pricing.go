// Package pricing реализует расчёт распределения цены курса между
// студентом, преподавателем и платформой.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
)

// ErrInvalidPrice возвращается при неположительной цене курса.
var ErrInvalidPrice = errors.New("price must be positive")

// ErrInvalidDiscountPercent возвращается при проценте скидки вне [0, 100].
var ErrInvalidDiscountPercent = errors.New("discount percent out of range")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// DefaultTier возвращает тариф, применяемый когда преподаватель не указан
// или его уровень не найден: раздел 50/50, приём скидки без ограничений,
// бонус 1.25.
func DefaultTier() model.Tier {
	return model.Tier{
		Name:                   "Bronze",
		TeacherSplitPercent:    decimal.NewFromInt(50),
		PlatformSplitPercent:   decimal.NewFromInt(50),
		MaxAcceptDiscountRatio: one,
		TeoBonusMultiplier:     decimal.RequireFromString("1.25"),
		IsActive:               true,
	}
}

// ComputeInput содержит параметры расчёта распределения.
type ComputeInput struct {
	Price           decimal.Decimal
	DiscountPercent decimal.Decimal
	Tier            *model.Tier
	AcceptTeo       bool
	// AcceptRatio задаёт долю скидки, принимаемую преподавателем в TEO.
	// nil означает максимум, допускаемый тарифом.
	AcceptRatio *decimal.Decimal
	// Rate — курс EUR→TEO.
	Rate decimal.Decimal
}

// Compute вычисляет разбиение цены. Функция чистая: никаких записей и
// обращений к хранилищу. Все суммы EUR округляются до 2 знаков,
// TEO — до 8 знаков (half-up). Отрицательные выплаты обрезаются до нуля.
func Compute(in ComputeInput) (model.Breakdown, error) {
	if !in.Price.IsPositive() {
		return model.Breakdown{}, ErrInvalidPrice
	}
	if in.DiscountPercent.IsNegative() || in.DiscountPercent.GreaterThan(hundred) {
		return model.Breakdown{}, ErrInvalidDiscountPercent
	}

	tier := DefaultTier()
	if in.Tier != nil {
		tier = *in.Tier
	}
	rate := in.Rate
	if rate.IsZero() {
		rate = one
	}

	discountAmount := in.Price.Mul(in.DiscountPercent).Div(hundred)
	studentPay := in.Price.Sub(discountAmount)

	teacherGross := in.Price.Mul(tier.TeacherSplitPercent).Div(hundred)
	platformGross := in.Price.Mul(tier.PlatformSplitPercent).Div(hundred)

	b := model.Breakdown{
		PriceEUR:        quantizeEUR(in.Price),
		DiscountPercent: in.DiscountPercent,
		TierName:        tier.Name,
	}

	if in.AcceptTeo {
		r := tier.MaxAcceptDiscountRatio
		if in.AcceptRatio != nil {
			r = *in.AcceptRatio
		}
		r = clampRatio(r, tier.MaxAcceptDiscountRatio)

		accepted := discountAmount.Mul(r)
		remainder := discountAmount.Sub(accepted)

		b.TeacherEUR = quantizeEUR(teacherGross.Sub(accepted))
		b.PlatformEUR = quantizeEUR(platformGross.Sub(remainder))
		b.TeacherTeo = quantizeTeo(accepted.Mul(tier.TeoBonusMultiplier).Mul(rate))
		b.PlatformTeo = quantizeTeo(remainder.Mul(rate))
		b.AbsorptionPolicy = model.AbsorptionTeacher
	} else {
		b.TeacherEUR = quantizeEUR(teacherGross)
		b.PlatformEUR = quantizeEUR(platformGross.Sub(discountAmount))
		b.TeacherTeo = quantizeTeo(decimal.Zero)
		b.PlatformTeo = quantizeTeo(discountAmount.Mul(rate))
		b.AbsorptionPolicy = model.AbsorptionNone
	}

	b.DiscountAmountEUR = quantizeEUR(discountAmount)
	b.StudentPayEUR = quantizeEUR(studentPay)

	b.TeacherEUR = clampZero(b.TeacherEUR)
	b.PlatformEUR = clampZero(b.PlatformEUR)
	b.StudentPayEUR = clampZero(b.StudentPayEUR)

	return b, nil
}

// TokensRequired возвращает количество токенов TEO, необходимое для скидки:
// ceil(price × percent / 100 / rate).
func TokensRequired(price, discountPercent, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		rate = one
	}
	exact := price.Mul(discountPercent).Div(hundred).Div(rate)
	return exact.Ceil()
}

// DiscountFromTokens пересчитывает количество потраченных токенов
// в процент скидки от цены курса.
func DiscountFromTokens(tokens, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return tokens.Mul(hundred).Div(price)
}

func clampRatio(r, max decimal.Decimal) decimal.Decimal {
	if r.IsNegative() {
		return decimal.Zero
	}
	if r.GreaterThan(max) {
		return max
	}
	return r
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return quantizeEUR(decimal.Zero)
	}
	return v
}

func quantizeEUR(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func quantizeTeo(v decimal.Decimal) decimal.Decimal {
	return v.Round(8)
}
