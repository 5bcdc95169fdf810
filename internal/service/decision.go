package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/avolkov/teopay-system/internal/repository"
)

// MakeDecision применяет выбор преподавателя по запросу на принятие TEO.
// Идемпотентна: повторный вызов по решённому запросу возвращает первый исход.
func (s *Service) MakeDecision(ctx context.Context, decisionID int64, accept bool, actorID int64) (repository.DecisionOutcome, error) {
	d, err := s.repo.DecisionByID(ctx, decisionID)
	if err != nil {
		return repository.DecisionOutcome{}, err
	}
	if d.TeacherID != actorID {
		return repository.DecisionOutcome{}, fmt.Errorf("decision %d: %w", decisionID, ErrNotDecisionOwner)
	}

	out, err := s.repo.FinalizeDecision(ctx, decisionID, accept, s.now())
	if err != nil {
		return repository.DecisionOutcome{}, err
	}

	if !out.AlreadyDecided {
		s.logger.Info("teacher decision finalized",
			zap.Int64("decisionID", decisionID),
			zap.String("state", string(out.State)),
			zap.String("credited", out.CreditedTeo.String()))
	}
	return out, nil
}

// PendingForTeacher возвращает входящие преподавателя: резервации,
// ожидающие его решения.
func (s *Service) PendingForTeacher(ctx context.Context, teacherID int64) ([]repository.PendingDecision, error) {
	return s.repo.PendingDecisionsByTeacher(ctx, teacherID)
}
