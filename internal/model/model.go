// Package model содержит доменные сущности сервиса teopay.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier описывает стейкинг-уровень преподавателя с параметрами распределения выручки.
type Tier struct {
	ID                     int64
	Name                   string
	TeacherSplitPercent    decimal.Decimal
	PlatformSplitPercent   decimal.Decimal
	MaxAcceptDiscountRatio decimal.Decimal
	TeoBonusMultiplier     decimal.Decimal
	IsActive               bool
}

// TransactionKind описывает тип операции в кошельке TEO.
type TransactionKind string

const (
	KindCredit      TransactionKind = "credit"
	KindHold        TransactionKind = "hold"
	KindHoldCapture TransactionKind = "hold_capture"
	KindHoldRelease TransactionKind = "hold_release"
	// KindCourseDiscount встречается только в исторических записях,
	// созданных до перехода на отложенное списание.
	KindCourseDiscount TransactionKind = "course_discount"
)

// HoldStatus описывает состояние резерва средств.
type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusCaptured HoldStatus = "captured"
	HoldStatusReleased HoldStatus = "released"
)

// WalletTransaction представляет запись в журнале кошелька TEO.
// Журнал append-only: у hold-строк меняются только hold_status, paired_id и описание.
type WalletTransaction struct {
	ID          int64
	UserID      int64
	Amount      decimal.Decimal
	Kind        TransactionKind
	Description string
	HoldAmount  decimal.Decimal
	HoldStatus  HoldStatus
	PairedID    *int64
	CourseID    *int64
	Reference   string
	CreatedAt   time.Time
}

// SnapshotStatus описывает статус резервации скидки.
type SnapshotStatus string

const (
	SnapshotStatusApplied    SnapshotStatus = "applied"
	SnapshotStatusConfirmed  SnapshotStatus = "confirmed"
	SnapshotStatusFailed     SnapshotStatus = "failed"
	SnapshotStatusExpired    SnapshotStatus = "expired"
	SnapshotStatusSuperseded SnapshotStatus = "superseded"
	SnapshotStatusPending    SnapshotStatus = "pending"
	SnapshotStatusClosed     SnapshotStatus = "closed"
)

// ActiveSnapshotStatuses перечисляет нетерминальные статусы, участвующие
// в частичном уникальном индексе ключа идемпотентности.
var ActiveSnapshotStatuses = []SnapshotStatus{
	SnapshotStatusApplied,
	SnapshotStatusConfirmed,
	SnapshotStatusPending,
}

// AbsorptionPolicy определяет, какая сторона несёт стоимость скидки в EUR.
type AbsorptionPolicy string

const (
	// AbsorptionNone — скидку целиком несёт платформа.
	AbsorptionNone AbsorptionPolicy = "none"
	// AbsorptionTeacher — преподаватель принимает часть скидки в TEO.
	AbsorptionTeacher AbsorptionPolicy = "teacher"
)

// DiscountSnapshot фиксирует резервацию скидки вместе с замороженной экономикой.
// Поля тарифа копируются из Tier при создании, чтобы последующие правки
// тарифа не меняли уже записанный расчёт.
type DiscountSnapshot struct {
	ID                int64
	OrderID           string
	StudentID         int64
	TeacherID         *int64
	CourseID          int64
	CheckoutSessionID string

	PriceEUR          decimal.Decimal
	DiscountPercent   decimal.Decimal
	DiscountAmountEUR decimal.Decimal
	StudentPayEUR     decimal.Decimal
	TeacherEUR        decimal.Decimal
	PlatformEUR       decimal.Decimal
	TeacherTeo        decimal.Decimal
	PlatformTeo       decimal.Decimal
	AbsorptionPolicy  AbsorptionPolicy

	TierName               string
	TeacherSplitPercent    decimal.Decimal
	PlatformSplitPercent   decimal.Decimal
	MaxAcceptDiscountRatio decimal.Decimal
	TeoBonusMultiplier     decimal.Decimal

	WalletHoldID    *int64
	WalletCaptureID *int64

	StripeCheckoutSessionID string
	StripePaymentIntentID   string

	Status      SnapshotStatus
	AppliedAt   *time.Time
	ConfirmedAt *time.Time
	FailedAt    *time.Time

	DecisionID *int64
	CreatedAt  time.Time
}

// DecisionState описывает состояние решения преподавателя.
type DecisionState string

const (
	DecisionPending  DecisionState = "pending"
	DecisionAccepted DecisionState = "accepted"
	DecisionDeclined DecisionState = "declined"
	DecisionExpired  DecisionState = "expired"
)

// TeacherDecision представляет ограниченный по времени выбор преподавателя:
// дополнительная фиатная комиссия или TEO с бонусом.
// Суммы TEO хранятся в наименьших единицах (1 TEO = 10^8 единиц).
type TeacherDecision struct {
	ID                    int64
	TeacherID             int64
	StudentID             int64
	CourseID              int64
	SnapshotID            int64
	CoursePrice           decimal.Decimal
	DiscountPercent       decimal.Decimal
	TeoCost               int64
	TeacherBonus          int64
	TeacherCommissionRate decimal.Decimal
	TeacherStakingTier    string
	State                 DecisionState
	ExpiresAt             time.Time
	DecidedAt             *time.Time
	CreatedAt             time.Time
}

// ExternalEvent фиксирует однократную обработку события платёжного провайдера.
type ExternalEvent struct {
	ID        int64
	EventID   string
	EventType string
	CreatedAt time.Time
}

// Breakdown содержит результат расчёта распределения цены курса.
type Breakdown struct {
	PriceEUR          decimal.Decimal  `json:"price_eur"`
	DiscountPercent   decimal.Decimal  `json:"discount_percent"`
	DiscountAmountEUR decimal.Decimal  `json:"discount_amount_eur"`
	StudentPayEUR     decimal.Decimal  `json:"student_pay_eur"`
	TeacherEUR        decimal.Decimal  `json:"teacher_eur"`
	PlatformEUR       decimal.Decimal  `json:"platform_eur"`
	TeacherTeo        decimal.Decimal  `json:"teacher_teo"`
	PlatformTeo       decimal.Decimal  `json:"platform_teo"`
	AbsorptionPolicy  AbsorptionPolicy `json:"absorption_policy"`
	TierName          string           `json:"tier_name"`
}

// WalletBalance содержит баланс пользователя с учётом активных резервов.
type WalletBalance struct {
	Balance            decimal.Decimal `json:"balance"`
	ActiveHolds        decimal.Decimal `json:"active_holds"`
	EffectiveAvailable decimal.Decimal `json:"effective_available"`
}
