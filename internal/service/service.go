// Package service реализует бизнес-логику сервиса teopay.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/model"
	"github.com/avolkov/teopay-system/internal/repository"
)

// ErrInvalidDiscount возвращается при нулевой или отрицательной сумме скидки,
// а также при количестве токенов вне белого списка.
var (
	ErrInvalidDiscount = errors.New("invalid discount")
	// ErrHoldCreationFailed возвращается, когда резерв не удалось создать
	// по инфраструктурной причине.
	ErrHoldCreationFailed = errors.New("hold creation failed")
	// ErrNotDecisionOwner возвращается при попытке решить чужой запрос.
	ErrNotDecisionOwner = errors.New("decision belongs to another teacher")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	TierByName(ctx context.Context, name string) (*model.Tier, error)

	Balance(ctx context.Context, userID int64) (decimal.Decimal, error)
	EffectiveAvailable(ctx context.Context, userID int64) (model.WalletBalance, error)
	TransactionsByUser(ctx context.Context, userID int64, limit int) ([]model.WalletTransaction, error)
	CreateHold(ctx context.Context, userID int64, amount decimal.Decimal, description string, courseID *int64, reference string) (int64, error)
	ReleaseHold(ctx context.Context, holdID int64, reason string) (decimal.Decimal, error)

	CreateSnapshot(ctx context.Context, snap *model.DiscountSnapshot, dec *model.TeacherDecision) error
	FindActiveSnapshot(ctx context.Context, studentID, courseID int64, checkoutSessionID string) (*model.DiscountSnapshot, error)
	SnapshotByID(ctx context.Context, id int64) (*model.DiscountSnapshot, error)
	SnapshotByOrderID(ctx context.Context, orderID string) (*model.DiscountSnapshot, error)
	SnapshotByStripeSession(ctx context.Context, sessionID string) (*model.DiscountSnapshot, error)
	SnapshotByStripeIntent(ctx context.Context, intentID string) (*model.DiscountSnapshot, error)
	SupersedeSnapshot(ctx context.Context, snapshotID int64) error
	ConfirmSnapshotPaid(ctx context.Context, snapshotID int64, paymentIntentID, eventID, eventType string) (repository.SettleResult, error)
	FailSnapshot(ctx context.Context, snapshotID int64, to model.SnapshotStatus, reason, eventID, eventType string) (repository.SettleResult, error)
	ListOrphanedSnapshots(ctx context.Context, cutoff time.Time, limit int) ([]model.DiscountSnapshot, error)
	ListSnapshotsNeedingDecision(ctx context.Context, limit int) ([]model.DiscountSnapshot, error)
	AttachDecision(ctx context.Context, snapshotID int64, dec *model.TeacherDecision) error

	DecisionByID(ctx context.Context, id int64) (*model.TeacherDecision, error)
	PendingDecisionsByTeacher(ctx context.Context, teacherID int64) ([]repository.PendingDecision, error)
	HasPendingDecision(ctx context.Context, teacherID, studentID, courseID int64) (bool, error)
	FinalizeDecision(ctx context.Context, decisionID int64, accept bool, now time.Time) (repository.DecisionOutcome, error)
	ListExpiredPendingDecisions(ctx context.Context, now time.Time, limit int) ([]model.TeacherDecision, error)
	ExpireDecision(ctx context.Context, decisionID int64, now time.Time) (bool, error)
}

// Notifier описывает контракт исходящих уведомлений. Ошибки уведомлений
// никогда не прерывают экономическую операцию.
type Notifier interface {
	TeacherDecisionRequested(ctx context.Context, teacherID, decisionID int64, orderID string) error
	PaymentSettled(ctx context.Context, studentID int64, orderID string) error
	DecisionExpired(ctx context.Context, teacherID, decisionID int64) error
}

// Options содержит параметры работы сервиса.
type Options struct {
	// Rate — курс EUR→TEO.
	Rate decimal.Decimal
	// DecisionTTL — срок, отведённый преподавателю на решение.
	DecisionTTL time.Duration
	// OrphanHoldMaxAge — возраст применённой резервации, после которого
	// она считается осиротевшей.
	OrphanHoldMaxAge time.Duration
	// SweepInterval — период фоновых обходов.
	SweepInterval time.Duration
}

// Service содержит бизнес-логику сервиса teopay.
type Service struct {
	repo     Repository
	notifier Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger, opts Options) *Service {
	if opts.Rate.IsZero() {
		opts.Rate = decimal.NewFromInt(1)
	}
	if opts.DecisionTTL <= 0 {
		opts.DecisionTTL = 24 * time.Hour
	}
	if opts.OrphanHoldMaxAge <= 0 {
		opts.OrphanHoldMaxAge = 2 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// WalletBalance возвращает баланс пользователя с учётом активных резервов.
func (s *Service) WalletBalance(ctx context.Context, userID int64) (model.WalletBalance, error) {
	return s.repo.EffectiveAvailable(ctx, userID)
}

// WalletTransactions возвращает журнал кошелька пользователя, новые записи первыми.
func (s *Service) WalletTransactions(ctx context.Context, userID int64) ([]model.WalletTransaction, error) {
	return s.repo.TransactionsByUser(ctx, userID, 100)
}

func (s *Service) notifyTeacherDecision(ctx context.Context, teacherID, decisionID int64, orderID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.TeacherDecisionRequested(ctx, teacherID, decisionID, orderID); err != nil {
		s.logger.Warn("teacher decision notification failed",
			zap.Error(err), zap.Int64("decisionID", decisionID))
	}
}

func (s *Service) notifyPaymentSettled(ctx context.Context, studentID int64, orderID string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.PaymentSettled(ctx, studentID, orderID); err != nil {
		s.logger.Warn("payment settled notification failed",
			zap.Error(err), zap.String("order", orderID))
	}
}

func (s *Service) notifyDecisionExpired(ctx context.Context, teacherID, decisionID int64) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.DecisionExpired(ctx, teacherID, decisionID); err != nil {
		s.logger.Warn("decision expired notification failed",
			zap.Error(err), zap.Int64("decisionID", decisionID))
	}
}
