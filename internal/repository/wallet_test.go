package repository

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
)

func activeHold(amount string) *model.WalletTransaction {
	return &model.WalletTransaction{
		ID:         7,
		UserID:     42,
		Kind:       model.KindHold,
		HoldStatus: model.HoldStatusActive,
		HoldAmount: decimal.RequireFromString(amount),
	}
}

func TestCaptureTransition_Active(t *testing.T) {
	tr, err := captureTransition(activeHold("25"), false, "Payment settled for order o-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Already {
		t.Fatal("fresh capture marked as already done")
	}
	if tr.Kind != model.KindHoldCapture {
		t.Fatalf("kind = %s, want %s", tr.Kind, model.KindHoldCapture)
	}
	if tr.ToStatus != model.HoldStatusCaptured {
		t.Fatalf("status = %s, want captured", tr.ToStatus)
	}
	if !tr.Amount.Equal(decimal.RequireFromString("-25")) {
		t.Fatalf("amount = %s, want -25", tr.Amount)
	}
	if tr.Description != "Payment settled for order o-1" {
		t.Fatalf("description = %q", tr.Description)
	}
}

func TestCaptureTransition_LegacyWritesZero(t *testing.T) {
	tr, err := captureTransition(activeHold("25"), true, "Payment settled for order o-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Amount.IsZero() {
		t.Fatalf("amount = %s, want 0 when funds were pre-deducted", tr.Amount)
	}
	if tr.Description != "Payment settled for order o-1 | legacy pre-deduction detected" {
		t.Fatalf("description = %q", tr.Description)
	}
}

func TestCaptureTransition_AlreadyCaptured(t *testing.T) {
	captureID := int64(99)
	hold := activeHold("25")
	hold.HoldStatus = model.HoldStatusCaptured
	hold.PairedID = &captureID

	tr, err := captureTransition(hold, false, "retry")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Already || tr.AlreadyPairedID != 99 {
		t.Fatalf("transition = %+v, want idempotent reference to capture 99", tr)
	}
}

func TestCaptureTransition_AfterRelease(t *testing.T) {
	hold := activeHold("25")
	hold.HoldStatus = model.HoldStatusReleased

	_, err := captureTransition(hold, false, "late settle")
	if !errors.Is(err, ErrHoldReleased) {
		t.Fatalf("error = %v, want ErrHoldReleased", err)
	}
}

func TestReleaseTransition_Active(t *testing.T) {
	tr, err := releaseTransition(activeHold("25"), false, "Payment failed for order o-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Already {
		t.Fatal("fresh release marked as already done")
	}
	if tr.Kind != model.KindHoldRelease {
		t.Fatalf("kind = %s, want %s", tr.Kind, model.KindHoldRelease)
	}
	if tr.ToStatus != model.HoldStatusReleased {
		t.Fatalf("status = %s, want released", tr.ToStatus)
	}
	// Средства не снимались при создании резерва, компенсировать нечего.
	if !tr.Amount.IsZero() {
		t.Fatalf("amount = %s, want 0", tr.Amount)
	}
}

func TestReleaseTransition_LegacyCompensates(t *testing.T) {
	tr, err := releaseTransition(activeHold("25"), true, "Checkout session expired")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Amount.Equal(decimal.RequireFromString("25")) {
		t.Fatalf("amount = %s, want +25 compensating credit", tr.Amount)
	}
	if tr.Description != "Checkout session expired | legacy pre-deduction compensated" {
		t.Fatalf("description = %q", tr.Description)
	}
}

func TestReleaseTransition_AfterCapture(t *testing.T) {
	hold := activeHold("25")
	hold.HoldStatus = model.HoldStatusCaptured

	_, err := releaseTransition(hold, false, "late expire")
	if !errors.Is(err, ErrHoldCaptured) {
		t.Fatalf("error = %v, want ErrHoldCaptured", err)
	}
}

func TestReleaseTransition_AlreadyReleased(t *testing.T) {
	releaseID := int64(77)
	hold := activeHold("25")
	hold.HoldStatus = model.HoldStatusReleased
	hold.PairedID = &releaseID

	tr, err := releaseTransition(hold, false, "retry")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tr.Already || tr.AlreadyPairedID != 77 {
		t.Fatalf("transition = %+v, want idempotent reference to release 77", tr)
	}
}

func TestHoldTransitions_Terminality(t *testing.T) {
	// Терминальный статус не зависит от порядка: capture→release и
	// release→capture одинаково запрещены, повторы одинаково идемпотентны.
	for _, status := range []model.HoldStatus{model.HoldStatusCaptured, model.HoldStatusReleased} {
		hold := activeHold("10")
		hold.HoldStatus = status

		if _, err := captureTransition(hold, false, "x"); status == model.HoldStatusReleased && err == nil {
			t.Fatalf("capture after %s must fail", status)
		}
		if _, err := releaseTransition(hold, false, "x"); status == model.HoldStatusCaptured && err == nil {
			t.Fatalf("release after %s must fail", status)
		}
	}
	if !terminalHoldStatus(model.HoldStatusCaptured) || !terminalHoldStatus(model.HoldStatusReleased) {
		t.Fatal("captured and released must be terminal")
	}
	if terminalHoldStatus(model.HoldStatusActive) || terminalHoldStatus("") {
		t.Fatal("active hold must not be terminal")
	}
}
