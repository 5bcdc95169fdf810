package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/model"
)

// BackfillDecisions достраивает нерешённые запросы преподавателям по
// историческим резервациям, записанным до появления протокола решений.
// Защита от дублей — проверка наличия нерешённого запроса по тройке
// (преподаватель, студент, курс).
func (s *Service) BackfillDecisions(ctx context.Context) (int, error) {
	snaps, err := s.repo.ListSnapshotsNeedingDecision(ctx, 500)
	if err != nil {
		return 0, err
	}

	var created int
	for _, snap := range snaps {
		if snap.TeacherID == nil {
			continue
		}

		exists, err := s.repo.HasPendingDecision(ctx, *snap.TeacherID, snap.StudentID, snap.CourseID)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}

		cost := snap.TeacherTeo.Div(snap.TeoBonusMultiplier).Round(8)
		bonus := snap.TeacherTeo.Sub(cost)

		dec := &model.TeacherDecision{
			TeacherID:             *snap.TeacherID,
			StudentID:             snap.StudentID,
			CourseID:              snap.CourseID,
			CoursePrice:           snap.PriceEUR,
			DiscountPercent:       snap.DiscountPercent,
			TeoCost:               teoUnits(cost),
			TeacherBonus:          teoUnits(bonus),
			TeacherCommissionRate: snap.TeacherSplitPercent,
			TeacherStakingTier:    snap.TierName,
			ExpiresAt:             s.now().Add(s.opts.DecisionTTL),
		}

		if err := s.repo.AttachDecision(ctx, snap.ID, dec); err != nil {
			s.logger.Error("backfill decision",
				zap.Error(err), zap.Int64("snapshotID", snap.ID))
			continue
		}

		created++
		s.notifyTeacherDecision(ctx, dec.TeacherID, dec.ID, snap.OrderID)
	}

	return created, nil
}
