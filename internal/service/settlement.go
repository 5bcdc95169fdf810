package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/model"
	"github.com/avolkov/teopay-system/internal/repository"
)

// Типы событий платёжного провайдера, обрабатываемые ядром.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventPaymentSucceeded  = "payment_intent.succeeded"
	EventPaymentFailed     = "payment_intent.payment_failed"
	EventCheckoutExpired   = "checkout.session.expired"
)

// PaymentEvent описывает одну доставку события платёжного провайдера.
type PaymentEvent struct {
	EventID           string
	Type              string
	CheckoutSessionID string
	PaymentIntentID   string
	// OrderID приходит в метаданных и служит резервным ключом корреляции.
	OrderID string
	Paid    bool
	// TeoDiscount выставляется метаданными, когда скидка проведена
	// по пути принятия TEO преподавателем.
	TeoDiscount bool
}

// HandleProviderEvent обрабатывает событие провайдера не-менее-чем-однажды.
// Отметка о событии вставляется в той же транзакции, что и расчёт по
// резервации: дедупликация по event_id срабатывает только после успешного
// коммита, поэтому сбой расчёта оставляет событие необработанным и повторная
// доставка провайдера доводит его до конца. Ошибки уведомлений событие
// не проваливают.
func (s *Service) HandleProviderEvent(ctx context.Context, ev PaymentEvent) error {
	snap, err := s.correlateSnapshot(ctx, ev)
	if err != nil {
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			s.logger.Info("provider event without matching snapshot",
				zap.String("eventID", ev.EventID),
				zap.String("type", ev.Type),
				zap.String("order", ev.OrderID))
			return nil
		}
		return err
	}

	switch ev.Type {
	case EventCheckoutCompleted, EventPaymentSucceeded:
		if !ev.Paid {
			s.logger.Info("unpaid completion event ignored",
				zap.String("eventID", ev.EventID), zap.Int64("snapshotID", snap.ID))
			return nil
		}
		if ev.TeoDiscount && snap.DecisionID == nil {
			s.logger.Warn("event metadata marks teacher-accept path but snapshot has no decision",
				zap.String("eventID", ev.EventID), zap.Int64("snapshotID", snap.ID))
		}
		res, err := s.repo.ConfirmSnapshotPaid(ctx, snap.ID, ev.PaymentIntentID, ev.EventID, ev.Type)
		if err != nil {
			return err
		}
		if res.Duplicate {
			s.logger.Info("duplicate provider event ignored", zap.String("eventID", ev.EventID))
			return nil
		}
		if res.AlreadyFinal {
			s.logger.Info("snapshot already settled",
				zap.Int64("snapshotID", snap.ID), zap.String("status", string(res.Status)))
			return nil
		}
		s.notifyPaymentSettled(ctx, snap.StudentID, snap.OrderID)
		if res.NotifyTeacher && snap.TeacherID != nil && snap.DecisionID != nil {
			s.notifyTeacherDecision(ctx, *snap.TeacherID, *snap.DecisionID, snap.OrderID)
		}
		s.logger.Info("payment settled",
			zap.Int64("snapshotID", snap.ID),
			zap.Bool("captured", res.Captured))
		return nil

	case EventPaymentFailed:
		return s.failSnapshot(ctx, ev, snap, model.SnapshotStatusFailed, "Payment failed for order "+snap.OrderID)

	case EventCheckoutExpired:
		return s.failSnapshot(ctx, ev, snap, model.SnapshotStatusExpired, "Checkout session expired for order "+snap.OrderID)

	default:
		s.logger.Info("unhandled provider event type",
			zap.String("eventID", ev.EventID), zap.String("type", ev.Type))
		return nil
	}
}

func (s *Service) failSnapshot(ctx context.Context, ev PaymentEvent, snap *model.DiscountSnapshot, to model.SnapshotStatus, reason string) error {
	res, err := s.repo.FailSnapshot(ctx, snap.ID, to, reason, ev.EventID, ev.Type)
	if err != nil {
		return err
	}
	if res.Duplicate {
		s.logger.Info("duplicate provider event ignored", zap.String("eventID", ev.EventID))
		return nil
	}
	if res.AlreadyFinal {
		s.logger.Info("snapshot already settled",
			zap.Int64("snapshotID", snap.ID), zap.String("status", string(res.Status)))
		return nil
	}
	s.logger.Info("snapshot failed",
		zap.Int64("snapshotID", snap.ID), zap.String("status", string(to)))
	return nil
}

// correlateSnapshot находит резервацию по ключам события: сначала явные
// идентификаторы провайдера, затем order_id из метаданных.
func (s *Service) correlateSnapshot(ctx context.Context, ev PaymentEvent) (*model.DiscountSnapshot, error) {
	if ev.CheckoutSessionID != "" {
		snap, err := s.repo.SnapshotByStripeSession(ctx, ev.CheckoutSessionID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, repository.ErrSnapshotNotFound) {
			return nil, err
		}
	}
	if ev.PaymentIntentID != "" {
		snap, err := s.repo.SnapshotByStripeIntent(ctx, ev.PaymentIntentID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, repository.ErrSnapshotNotFound) {
			return nil, err
		}
	}
	if ev.OrderID != "" {
		return s.repo.SnapshotByOrderID(ctx, ev.OrderID)
	}
	return nil, repository.ErrSnapshotNotFound
}
