package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute_PlatformAbsorbsDiscount(t *testing.T) {
	b, err := Compute(ComputeInput{
		Price:           d("100"),
		DiscountPercent: d("10"),
		Rate:            d("1"),
	})
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	checks := []struct {
		name string
		got  decimal.Decimal
		want string
	}{
		{"student_pay", b.StudentPayEUR, "90.00"},
		{"discount_amount", b.DiscountAmountEUR, "10.00"},
		{"teacher_eur", b.TeacherEUR, "50.00"},
		{"platform_eur", b.PlatformEUR, "40.00"},
		{"platform_teo", b.PlatformTeo, "10.00000000"},
		{"teacher_teo", b.TeacherTeo, "0.00000000"},
	}
	for _, c := range checks {
		if c.got.String() != d(c.want).String() {
			t.Errorf("%s = %s, want %s", c.name, c.got, c.want)
		}
	}
	if b.AbsorptionPolicy != model.AbsorptionNone {
		t.Errorf("absorption = %s, want none", b.AbsorptionPolicy)
	}
}

func TestCompute_TeacherAcceptsTeo(t *testing.T) {
	ratio := d("1")
	b, err := Compute(ComputeInput{
		Price:           d("100"),
		DiscountPercent: d("10"),
		AcceptTeo:       true,
		AcceptRatio:     &ratio,
		Rate:            d("1"),
	})
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	if !b.TeacherTeo.Equal(d("12.5")) {
		t.Errorf("teacher_teo = %s, want 12.5", b.TeacherTeo)
	}
	if !b.PlatformTeo.Equal(d("0")) {
		t.Errorf("platform_teo = %s, want 0", b.PlatformTeo)
	}
	if !b.TeacherEUR.Equal(d("40.00")) {
		t.Errorf("teacher_eur = %s, want 40.00", b.TeacherEUR)
	}
	if !b.PlatformEUR.Equal(d("50.00")) {
		t.Errorf("platform_eur = %s, want 50.00", b.PlatformEUR)
	}
	if b.AbsorptionPolicy != model.AbsorptionTeacher {
		t.Errorf("absorption = %s, want teacher", b.AbsorptionPolicy)
	}
}

func TestCompute_PartialAcceptRatio(t *testing.T) {
	ratio := d("0.5")
	b, err := Compute(ComputeInput{
		Price:           d("100"),
		DiscountPercent: d("20"),
		AcceptTeo:       true,
		AcceptRatio:     &ratio,
		Rate:            d("1"),
	})
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	// Скидка 20, преподаватель принимает половину: 10 EUR в TEO с бонусом 1.25.
	if !b.TeacherTeo.Equal(d("12.5")) {
		t.Errorf("teacher_teo = %s, want 12.5", b.TeacherTeo)
	}
	if !b.PlatformTeo.Equal(d("10")) {
		t.Errorf("platform_teo = %s, want 10", b.PlatformTeo)
	}
	if !b.TeacherEUR.Equal(d("40.00")) {
		t.Errorf("teacher_eur = %s, want 40.00", b.TeacherEUR)
	}
	if !b.PlatformEUR.Equal(d("40.00")) {
		t.Errorf("platform_eur = %s, want 40.00", b.PlatformEUR)
	}
}

func TestCompute_RatioClampedToTierMax(t *testing.T) {
	tier := DefaultTier()
	tier.MaxAcceptDiscountRatio = d("0.5")
	ratio := d("0.9")

	b, err := Compute(ComputeInput{
		Price:           d("100"),
		DiscountPercent: d("10"),
		Tier:            &tier,
		AcceptTeo:       true,
		AcceptRatio:     &ratio,
		Rate:            d("1"),
	})
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}

	// Принимается не более 0.5 скидки: 5 × 1.25 = 6.25 TEO.
	if !b.TeacherTeo.Equal(d("6.25")) {
		t.Errorf("teacher_teo = %s, want 6.25", b.TeacherTeo)
	}
	if !b.PlatformTeo.Equal(d("5")) {
		t.Errorf("platform_teo = %s, want 5", b.PlatformTeo)
	}
}

func TestCompute_NegativePayoutClamped(t *testing.T) {
	// Скидка 100% при разделе 50/50: платформа ушла бы в минус.
	b, err := Compute(ComputeInput{
		Price:           d("100"),
		DiscountPercent: d("100"),
		Rate:            d("1"),
	})
	if err != nil {
		t.Fatalf("Compute error: %v", err)
	}
	if b.PlatformEUR.IsNegative() {
		t.Errorf("platform_eur = %s, must not be negative", b.PlatformEUR)
	}
	if !b.StudentPayEUR.Equal(d("0")) {
		t.Errorf("student_pay = %s, want 0", b.StudentPayEUR)
	}
}

func TestCompute_RejectsBadInput(t *testing.T) {
	if _, err := Compute(ComputeInput{Price: d("0"), DiscountPercent: d("10")}); err == nil {
		t.Errorf("expected error for zero price")
	}
	if _, err := Compute(ComputeInput{Price: d("100"), DiscountPercent: d("101")}); err == nil {
		t.Errorf("expected error for percent above 100")
	}
	if _, err := Compute(ComputeInput{Price: d("100"), DiscountPercent: d("-1")}); err == nil {
		t.Errorf("expected error for negative percent")
	}
}

func TestTokensRequired_CeilDivision(t *testing.T) {
	tests := []struct {
		price, percent, rate, want string
	}{
		{"100", "10", "1", "10"},
		{"99.99", "10", "1", "10"},
		{"100", "15", "2", "8"},
		{"100", "0", "1", "0"},
	}
	for _, tc := range tests {
		got := TokensRequired(d(tc.price), d(tc.percent), d(tc.rate))
		if !got.Equal(d(tc.want)) {
			t.Errorf("TokensRequired(%s, %s, %s) = %s, want %s",
				tc.price, tc.percent, tc.rate, got, tc.want)
		}
	}
}

func TestDiscountFromTokens(t *testing.T) {
	got := DiscountFromTokens(d("15"), d("100"))
	if !got.Equal(d("15")) {
		t.Errorf("DiscountFromTokens(15, 100) = %s, want 15", got)
	}
	if !DiscountFromTokens(d("5"), d("0")).IsZero() {
		t.Errorf("zero price must yield zero percent")
	}
}
