package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/model"
)

// StartSweepers запускает фоновые обходы: освобождение осиротевших резервов
// и закрытие просроченных решений преподавателей.
func (s *Service) StartSweepers(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := s.CleanupOrphanedHolds(ctx); err != nil {
					s.logger.Error("orphaned holds sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("orphaned holds released", zap.Int("count", n))
				}

				if n, err := s.ExpireDueDecisions(ctx); err != nil {
					s.logger.Error("decision expiry sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("decisions expired", zap.Int("count", n))
				}
			}
		}
	}()
}

// CleanupOrphanedHolds освобождает резервы применённых резерваций, по которым
// платёжное событие так и не пришло за ORPHAN_HOLD_MAX_AGE. Обход идемпотентен
// и безопасен при одновременном приходе вебхука: резервация блокируется
// построчно перед освобождением, терминальный статус останавливает операцию.
func (s *Service) CleanupOrphanedHolds(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.opts.OrphanHoldMaxAge)
	orphans, err := s.repo.ListOrphanedSnapshots(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	var released int
	for _, snap := range orphans {
		res, err := s.repo.FailSnapshot(ctx, snap.ID, model.SnapshotStatusExpired,
			"Orphaned hold released for order "+snap.OrderID, "", "")
		if err != nil {
			s.logger.Error("release orphaned hold",
				zap.Error(err), zap.Int64("snapshotID", snap.ID))
			continue
		}
		if !res.AlreadyFinal {
			released++
		}
	}
	return released, nil
}

// ExpireDueDecisions переводит просроченные нерешённые запросы в expired,
// освобождая резервы студентов и уведомляя стороны.
func (s *Service) ExpireDueDecisions(ctx context.Context) (int, error) {
	due, err := s.repo.ListExpiredPendingDecisions(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}

	var expired int
	for _, d := range due {
		ok, err := s.repo.ExpireDecision(ctx, d.ID, s.now())
		if err != nil {
			s.logger.Error("expire decision", zap.Error(err), zap.Int64("decisionID", d.ID))
			continue
		}
		if ok {
			expired++
			s.notifyDecisionExpired(ctx, d.TeacherID, d.ID)
		}
	}
	return expired, nil
}
