package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
)

const decisionColumns = `id, teacher_id, student_id, course_id, snapshot_id,
	course_price::text, discount_percent::text, teo_cost, teacher_bonus,
	teacher_commission_rate::text, teacher_staking_tier,
	state, expires_at, decided_at, created_at`

func scanDecision(row snapshotScanner) (*model.TeacherDecision, error) {
	var (
		d                   model.TeacherDecision
		priceRaw, pctRaw    string
		commissionRaw       string
	)
	err := row.Scan(
		&d.ID, &d.TeacherID, &d.StudentID, &d.CourseID, &d.SnapshotID,
		&priceRaw, &pctRaw, &d.TeoCost, &d.TeacherBonus,
		&commissionRaw, &d.TeacherStakingTier,
		&d.State, &d.ExpiresAt, &d.DecidedAt, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if d.CoursePrice, err = parseDec(priceRaw); err != nil {
		return nil, err
	}
	if d.DiscountPercent, err = parseDec(pctRaw); err != nil {
		return nil, err
	}
	if d.TeacherCommissionRate, err = parseDec(commissionRaw); err != nil {
		return nil, err
	}
	return &d, nil
}

// DecisionByID возвращает решение преподавателя по идентификатору.
func (r *PostgresRepository) DecisionByID(ctx context.Context, id int64) (*model.TeacherDecision, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM teacher_decision WHERE id = $1`, id)
	d, err := scanDecision(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("decision %d: %w", id, ErrDecisionNotFound)
		}
		return nil, fmt.Errorf("select decision: %w", err)
	}
	return d, nil
}

// PendingDecision описывает элемент входящих преподавателя: нерешённый
// запрос вместе с заказом, к которому он привязан.
type PendingDecision struct {
	Decision       model.TeacherDecision
	OrderID        string
	SnapshotStatus model.SnapshotStatus
}

// PendingDecisionsByTeacher возвращает входящие преподавателя: резервации,
// ожидающие его решения.
func (r *PostgresRepository) PendingDecisionsByTeacher(ctx context.Context, teacherID int64) ([]PendingDecision, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT d.id, d.teacher_id, d.student_id, d.course_id, d.snapshot_id,
		        d.course_price::text, d.discount_percent::text, d.teo_cost, d.teacher_bonus,
		        d.teacher_commission_rate::text, d.teacher_staking_tier,
		        d.state, d.expires_at, d.decided_at, d.created_at,
		        s.order_id, s.status
		 FROM teacher_decision d
		 JOIN discount_snapshot s ON s.id = d.snapshot_id
		 WHERE d.teacher_id = $1 AND d.state = 'pending'
		 ORDER BY d.expires_at`,
		teacherID,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending decisions: %w", err)
	}
	defer rows.Close()

	var res []PendingDecision
	for rows.Next() {
		var (
			p                 PendingDecision
			priceRaw, pctRaw  string
			commissionRaw     string
		)
		d := &p.Decision
		if err := rows.Scan(
			&d.ID, &d.TeacherID, &d.StudentID, &d.CourseID, &d.SnapshotID,
			&priceRaw, &pctRaw, &d.TeoCost, &d.TeacherBonus,
			&commissionRaw, &d.TeacherStakingTier,
			&d.State, &d.ExpiresAt, &d.DecidedAt, &d.CreatedAt,
			&p.OrderID, &p.SnapshotStatus,
		); err != nil {
			return nil, fmt.Errorf("scan pending decision: %w", err)
		}
		if d.CoursePrice, err = parseDec(priceRaw); err != nil {
			return nil, err
		}
		if d.DiscountPercent, err = parseDec(pctRaw); err != nil {
			return nil, err
		}
		if d.TeacherCommissionRate, err = parseDec(commissionRaw); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// HasPendingDecision проверяет наличие нерешённого запроса по тройке
// (преподаватель, студент, курс). Используется бэкфиллом как защита от дублей.
func (r *PostgresRepository) HasPendingDecision(ctx context.Context, teacherID, studentID, courseID int64) (bool, error) {
	var found bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM teacher_decision
			WHERE teacher_id = $1 AND student_id = $2 AND course_id = $3 AND state = 'pending'
		)`,
		teacherID, studentID, courseID,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check pending decision: %w", err)
	}
	return found, nil
}

// DecisionOutcome описывает исход решения преподавателя.
type DecisionOutcome struct {
	State          model.DecisionState
	CreditedTeo    decimal.Decimal
	AlreadyDecided bool
}

// FinalizeDecision применяет выбор преподавателя. На accept начисление TEO,
// перевод решения в accepted, закрытие резервации и списание резерва студента
// выполняются в одной транзакции; на decline резерв освобождается.
// Операция идемпотентна: повторный вызов по решённому запросу возвращает
// первый исход без побочных эффектов.
func (r *PostgresRepository) FinalizeDecision(ctx context.Context, decisionID int64, accept bool, now time.Time) (DecisionOutcome, error) {
	var out DecisionOutcome
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Просмотр без блокировок: нужны идентификаторы резерва и резервации.
		peek, err := r.DecisionByID(ctx, decisionID)
		if err != nil {
			return err
		}

		var holdID *int64
		if err := tx.QueryRow(ctx,
			`SELECT wallet_hold_id FROM discount_snapshot WHERE id = $1`,
			peek.SnapshotID,
		).Scan(&holdID); err != nil {
			return fmt.Errorf("peek snapshot: %w", err)
		}

		// Порядок блокировок: резерв → резервация → решение.
		if holdID != nil {
			if _, err := lockHold(ctx, tx, *holdID); err != nil && !errors.Is(err, ErrHoldNotFound) {
				return err
			}
		}
		var snapStatus model.SnapshotStatus
		if err := tx.QueryRow(ctx,
			`SELECT status FROM discount_snapshot WHERE id = $1 FOR UPDATE`,
			peek.SnapshotID,
		).Scan(&snapStatus); err != nil {
			return fmt.Errorf("lock snapshot: %w", err)
		}

		row := tx.QueryRow(ctx,
			`SELECT `+decisionColumns+` FROM teacher_decision WHERE id = $1 FOR UPDATE`,
			decisionID,
		)
		d, err := scanDecision(row)
		if err != nil {
			return fmt.Errorf("lock decision: %w", err)
		}

		if d.State != model.DecisionPending {
			out = DecisionOutcome{State: d.State, AlreadyDecided: true}
			if d.State == model.DecisionAccepted {
				out.CreditedTeo = creditedAmount(d.TeoCost, d.TeacherBonus)
			}
			return nil
		}

		if now.After(d.ExpiresAt) {
			return fmt.Errorf("decision %d: %w", decisionID, ErrDecisionExpired)
		}

		if accept {
			credited := creditedAmount(d.TeoCost, d.TeacherBonus)
			desc := fmt.Sprintf("TeoCoin discount accepted, decision %d | amount: %s",
				d.ID, credited.StringFixed(8))
			if _, err := r.creditUserTx(ctx, tx, d.TeacherID, credited, desc, &d.CourseID); err != nil {
				return err
			}

			if holdID != nil {
				_, captureID, err := r.captureHoldTx(ctx, tx, *holdID,
					fmt.Sprintf("TeoCoin discount accepted by teacher, decision %d", d.ID), &d.CourseID)
				if err != nil {
					return err
				}
				if _, err := tx.Exec(ctx,
					`UPDATE discount_snapshot SET wallet_capture_id = $2 WHERE id = $1`,
					d.SnapshotID, captureID,
				); err != nil {
					return fmt.Errorf("store capture id: %w", err)
				}
			}

			if _, err := tx.Exec(ctx,
				`UPDATE teacher_decision SET state = 'accepted', decided_at = $2 WHERE id = $1`,
				d.ID, now,
			); err != nil {
				return fmt.Errorf("mark accepted: %w", err)
			}
			out = DecisionOutcome{State: model.DecisionAccepted, CreditedTeo: credited}
		} else {
			if holdID != nil {
				if _, err := r.releaseHoldTx(ctx, tx, *holdID,
					fmt.Sprintf("TeoCoin discount declined by teacher, decision %d", d.ID)); err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx,
				`UPDATE teacher_decision SET state = 'declined', decided_at = $2 WHERE id = $1`,
				d.ID, now,
			); err != nil {
				return fmt.Errorf("mark declined: %w", err)
			}
			out = DecisionOutcome{State: model.DecisionDeclined}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE discount_snapshot SET status = $2 WHERE id = $1`,
			d.SnapshotID, model.SnapshotStatusClosed,
		); err != nil {
			return fmt.Errorf("close snapshot: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return DecisionOutcome{}, err
	}
	return out, nil
}

// ListExpiredPendingDecisions возвращает нерешённые запросы с истёкшим сроком.
func (r *PostgresRepository) ListExpiredPendingDecisions(ctx context.Context, now time.Time, limit int) ([]model.TeacherDecision, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+decisionColumns+`
		 FROM teacher_decision
		 WHERE state = 'pending' AND expires_at < $1
		 ORDER BY expires_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired decisions: %w", err)
	}
	defer rows.Close()

	var res []model.TeacherDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		res = append(res, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ExpireDecision переводит просроченный нерешённый запрос в expired,
// освобождая резерв студента и закрывая резервацию.
func (r *PostgresRepository) ExpireDecision(ctx context.Context, decisionID int64, now time.Time) (bool, error) {
	var expired bool
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		peek, err := r.DecisionByID(ctx, decisionID)
		if err != nil {
			return err
		}

		var holdID *int64
		if err := tx.QueryRow(ctx,
			`SELECT wallet_hold_id FROM discount_snapshot WHERE id = $1`,
			peek.SnapshotID,
		).Scan(&holdID); err != nil {
			return fmt.Errorf("peek snapshot: %w", err)
		}

		if holdID != nil {
			if _, err := lockHold(ctx, tx, *holdID); err != nil && !errors.Is(err, ErrHoldNotFound) {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`SELECT 1 FROM discount_snapshot WHERE id = $1 FOR UPDATE`, peek.SnapshotID,
		); err != nil {
			return fmt.Errorf("lock snapshot: %w", err)
		}

		var state model.DecisionState
		var expiresAt time.Time
		if err := tx.QueryRow(ctx,
			`SELECT state, expires_at FROM teacher_decision WHERE id = $1 FOR UPDATE`,
			decisionID,
		).Scan(&state, &expiresAt); err != nil {
			return fmt.Errorf("lock decision: %w", err)
		}

		if state != model.DecisionPending || now.Before(expiresAt) {
			expired = false
			return nil
		}

		if holdID != nil {
			if _, err := r.releaseHoldTx(ctx, tx, *holdID,
				fmt.Sprintf("Teacher decision %d expired", decisionID)); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE teacher_decision SET state = 'expired', decided_at = $2 WHERE id = $1`,
			decisionID, now,
		); err != nil {
			return fmt.Errorf("mark expired: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE discount_snapshot SET status = $2 WHERE id = $1`,
			peek.SnapshotID, model.SnapshotStatusClosed,
		); err != nil {
			return fmt.Errorf("close snapshot: %w", err)
		}

		expired = true
		return tx.Commit(ctx)
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

// creditedAmount переводит сумму к начислению из наименьших единиц в TEO,
// ограничивая её потолком int64.
func creditedAmount(teoCost, teacherBonus int64) decimal.Decimal {
	total := ClampTeoUnits(teoCost, teacherBonus)
	return decimal.New(total, -8)
}

// ClampTeoUnits складывает суммы в наименьших единицах TEO, обрезая
// переполнение по потолку знакового 64-битного целого.
func ClampTeoUnits(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
