package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
)

const snapshotColumns = `id, order_id, student_id, teacher_id, course_id, checkout_session_id,
	price_eur::text, discount_percent::text, discount_amount_eur::text, student_pay_eur::text,
	teacher_eur::text, platform_eur::text, teacher_teo::text, platform_teo::text,
	absorption_policy, tier_name,
	teacher_split_percent::text, platform_split_percent::text,
	max_accept_discount_ratio::text, teo_bonus_multiplier::text,
	wallet_hold_id, wallet_capture_id,
	stripe_checkout_session_id, stripe_payment_intent_id,
	status, applied_at, confirmed_at, failed_at, decision_id, created_at`

type snapshotScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row snapshotScanner) (*model.DiscountSnapshot, error) {
	var (
		s    model.DiscountSnapshot
		decs [12]string
	)
	err := row.Scan(
		&s.ID, &s.OrderID, &s.StudentID, &s.TeacherID, &s.CourseID, &s.CheckoutSessionID,
		&decs[0], &decs[1], &decs[2], &decs[3],
		&decs[4], &decs[5], &decs[6], &decs[7],
		&s.AbsorptionPolicy, &s.TierName,
		&decs[8], &decs[9], &decs[10], &decs[11],
		&s.WalletHoldID, &s.WalletCaptureID,
		&s.StripeCheckoutSessionID, &s.StripePaymentIntentID,
		&s.Status, &s.AppliedAt, &s.ConfirmedAt, &s.FailedAt, &s.DecisionID, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	targets := []*decimalField{
		{&s.PriceEUR, decs[0]}, {&s.DiscountPercent, decs[1]},
		{&s.DiscountAmountEUR, decs[2]}, {&s.StudentPayEUR, decs[3]},
		{&s.TeacherEUR, decs[4]}, {&s.PlatformEUR, decs[5]},
		{&s.TeacherTeo, decs[6]}, {&s.PlatformTeo, decs[7]},
		{&s.TeacherSplitPercent, decs[8]}, {&s.PlatformSplitPercent, decs[9]},
		{&s.MaxAcceptDiscountRatio, decs[10]}, {&s.TeoBonusMultiplier, decs[11]},
	}
	for _, t := range targets {
		v, err := parseDec(t.raw)
		if err != nil {
			return nil, err
		}
		*t.dst = v
	}
	return &s, nil
}

type decimalField struct {
	dst *decimal.Decimal
	raw string
}

// CreateSnapshot атомарно создаёт резервацию скидки и, если передано,
// связанное решение преподавателя — в одной транзакции. Нарушение
// уникальности order_id или ключа идемпотентности отображается
// в ErrSnapshotConflict, и обе записи откатываются.
func (r *PostgresRepository) CreateSnapshot(ctx context.Context, snap *model.DiscountSnapshot, dec *model.TeacherDecision) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO discount_snapshot (
			order_id, student_id, teacher_id, course_id, checkout_session_id,
			price_eur, discount_percent, discount_amount_eur, student_pay_eur,
			teacher_eur, platform_eur, teacher_teo, platform_teo,
			absorption_policy, tier_name,
			teacher_split_percent, platform_split_percent,
			max_accept_discount_ratio, teo_bonus_multiplier,
			wallet_hold_id, stripe_checkout_session_id, stripe_payment_intent_id,
			status, applied_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		RETURNING id, created_at`,
		snap.OrderID, snap.StudentID, snap.TeacherID, snap.CourseID, snap.CheckoutSessionID,
		snap.PriceEUR, snap.DiscountPercent, snap.DiscountAmountEUR, snap.StudentPayEUR,
		snap.TeacherEUR, snap.PlatformEUR, snap.TeacherTeo, snap.PlatformTeo,
		snap.AbsorptionPolicy, snap.TierName,
		snap.TeacherSplitPercent, snap.PlatformSplitPercent,
		snap.MaxAcceptDiscountRatio, snap.TeoBonusMultiplier,
		snap.WalletHoldID, snap.StripeCheckoutSessionID, snap.StripePaymentIntentID,
		snap.Status, snap.AppliedAt,
	).Scan(&snap.ID, &snap.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", snap.OrderID, ErrSnapshotConflict)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if dec != nil {
		dec.SnapshotID = snap.ID
		err = tx.QueryRow(ctx,
			`INSERT INTO teacher_decision (
				teacher_id, student_id, course_id, snapshot_id,
				course_price, discount_percent, teo_cost, teacher_bonus,
				teacher_commission_rate, teacher_staking_tier, state, expires_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',$11)
			RETURNING id, created_at`,
			dec.TeacherID, dec.StudentID, dec.CourseID, dec.SnapshotID,
			dec.CoursePrice, dec.DiscountPercent, dec.TeoCost, dec.TeacherBonus,
			dec.TeacherCommissionRate, dec.TeacherStakingTier, dec.ExpiresAt,
		).Scan(&dec.ID, &dec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert decision: %w", err)
		}
		dec.State = model.DecisionPending

		if _, err = tx.Exec(ctx,
			`UPDATE discount_snapshot SET decision_id = $2 WHERE id = $1`,
			snap.ID, dec.ID,
		); err != nil {
			return fmt.Errorf("link decision: %w", err)
		}
		snap.DecisionID = &dec.ID
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// activeStatuses — значения model.ActiveSnapshotStatuses в форме,
// пригодной для параметра ANY. Список обязан совпадать с частичным
// уникальным индексом ключа идемпотентности в миграции.
var activeStatuses = func() []string {
	res := make([]string, len(model.ActiveSnapshotStatuses))
	for i, s := range model.ActiveSnapshotStatuses {
		res[i] = string(s)
	}
	return res
}()

// FindActiveSnapshot ищет резервацию по ключу идемпотентности среди
// нетерминальных статусов.
func (r *PostgresRepository) FindActiveSnapshot(ctx context.Context, studentID, courseID int64, checkoutSessionID string) (*model.DiscountSnapshot, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+`
		 FROM discount_snapshot
		 WHERE student_id = $1 AND course_id = $2 AND checkout_session_id = $3
		   AND status = ANY($4)`,
		studentID, courseID, checkoutSessionID, activeStatuses,
	)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("find active snapshot: %w", err)
	}
	return s, nil
}

// SnapshotByID возвращает резервацию по идентификатору.
func (r *PostgresRepository) SnapshotByID(ctx context.Context, id int64) (*model.DiscountSnapshot, error) {
	return r.snapshotWhere(ctx, `id = $1`, id)
}

// SnapshotByOrderID возвращает резервацию по пользовательскому номеру заказа.
func (r *PostgresRepository) SnapshotByOrderID(ctx context.Context, orderID string) (*model.DiscountSnapshot, error) {
	return r.snapshotWhere(ctx, `order_id = $1`, orderID)
}

// SnapshotByStripeSession возвращает резервацию по идентификатору
// платёжной сессии провайдера.
func (r *PostgresRepository) SnapshotByStripeSession(ctx context.Context, sessionID string) (*model.DiscountSnapshot, error) {
	return r.snapshotWhere(ctx, `stripe_checkout_session_id = $1`, sessionID)
}

// SnapshotByStripeIntent возвращает резервацию по идентификатору платёжного намерения.
func (r *PostgresRepository) SnapshotByStripeIntent(ctx context.Context, intentID string) (*model.DiscountSnapshot, error) {
	return r.snapshotWhere(ctx, `stripe_payment_intent_id = $1`, intentID)
}

func (r *PostgresRepository) snapshotWhere(ctx context.Context, where string, arg any) (*model.DiscountSnapshot, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM discount_snapshot WHERE `+where, arg)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	return s, nil
}

// SupersedeSnapshot отменяет резервацию при смене процента скидки в той же
// сессии: резерв освобождается и статус меняется на superseded атомарно.
// Связанное нерешённое решение преподавателя закрывается как просроченное.
func (r *PostgresRepository) SupersedeSnapshot(ctx context.Context, snapshotID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		snap, err := r.snapshotForSettlement(ctx, tx, snapshotID)
		if err != nil {
			return err
		}
		if snap.Status != model.SnapshotStatusApplied && snap.Status != model.SnapshotStatusPending {
			return nil
		}

		if snap.WalletHoldID != nil {
			if _, err := r.releaseHoldTx(ctx, tx, *snap.WalletHoldID,
				fmt.Sprintf("Superseded discount for order %s", snap.OrderID)); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE discount_snapshot SET status = 'superseded', failed_at = now() WHERE id = $1`,
			snapshotID,
		); err != nil {
			return fmt.Errorf("mark superseded: %w", err)
		}

		if snap.DecisionID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE teacher_decision SET state = 'expired', decided_at = now()
				 WHERE id = $1 AND state = 'pending'`,
				*snap.DecisionID,
			); err != nil {
				return fmt.Errorf("expire superseded decision: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
}

// SettleResult описывает исход обработки платёжного события по резервации.
type SettleResult struct {
	Status        model.SnapshotStatus
	Captured      bool
	CaptureID     int64
	AlreadyFinal  bool
	NotifyTeacher bool
	// Duplicate выставляется, когда событие с таким event_id уже было
	// закоммичено ранее и текущая доставка ничего не изменила.
	Duplicate bool
}

// ConfirmSnapshotPaid обрабатывает успешную оплату: для обычной резервации
// резерв списывается и статус становится confirmed в одной транзакции;
// для резервации с нерешённым решением преподавателя списание откладывается
// до его ответа. Терминальные статусы завершают операцию без изменений.
// Отметка о событии провайдера вставляется в той же транзакции, что и расчёт:
// дедупликация срабатывает только для доставок, чей расчёт успешно закоммичен.
func (r *PostgresRepository) ConfirmSnapshotPaid(ctx context.Context, snapshotID int64, paymentIntentID, eventID, eventType string) (SettleResult, error) {
	var res SettleResult
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if eventID != "" {
			inserted, err := recordEventTx(ctx, tx, eventID, eventType)
			if err != nil {
				return err
			}
			if !inserted {
				res = SettleResult{Duplicate: true}
				return tx.Commit(ctx)
			}
		}

		snap, err := r.snapshotForSettlement(ctx, tx, snapshotID)
		if err != nil {
			return err
		}
		res = SettleResult{Status: snap.Status}

		switch snap.Status {
		case model.SnapshotStatusApplied:
			if snap.WalletHoldID != nil {
				_, captureID, err := r.captureHoldTx(ctx, tx, *snap.WalletHoldID,
					fmt.Sprintf("Payment settled for order %s", snap.OrderID), &snap.CourseID)
				if err != nil {
					return err
				}
				res.Captured = true
				res.CaptureID = captureID
				if _, err := tx.Exec(ctx,
					`UPDATE discount_snapshot SET wallet_capture_id = $2 WHERE id = $1`,
					snapshotID, captureID,
				); err != nil {
					return fmt.Errorf("store capture id: %w", err)
				}
			}
		case model.SnapshotStatusPending:
			// Путь с решением преподавателя: резерв остаётся активным
			// до accept/decline, оплата лишь подтверждает резервацию.
			res.NotifyTeacher = true
		default:
			res.AlreadyFinal = true
			return tx.Commit(ctx)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE discount_snapshot
			 SET status = 'confirmed',
			     confirmed_at = now(),
			     stripe_payment_intent_id = CASE WHEN $2 <> '' THEN $2 ELSE stripe_payment_intent_id END
			 WHERE id = $1`,
			snapshotID, paymentIntentID,
		); err != nil {
			return fmt.Errorf("mark confirmed: %w", err)
		}
		res.Status = model.SnapshotStatusConfirmed

		return tx.Commit(ctx)
	})
	if err != nil {
		return SettleResult{}, err
	}
	return res, nil
}

// FailSnapshot обрабатывает неуспешную оплату или истечение резервации:
// резерв освобождается, статус становится failed либо expired. Для доставок
// провайдера eventID непустой и фиксируется в транзакции расчёта; фоновая
// уборка осиротевших резерваций передаёт пустой eventID и дедупликацию
// не задействует.
func (r *PostgresRepository) FailSnapshot(ctx context.Context, snapshotID int64, to model.SnapshotStatus, reason, eventID, eventType string) (SettleResult, error) {
	if to != model.SnapshotStatusFailed && to != model.SnapshotStatusExpired {
		return SettleResult{}, fmt.Errorf("invalid terminal status %q", to)
	}

	var res SettleResult
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if eventID != "" {
			inserted, err := recordEventTx(ctx, tx, eventID, eventType)
			if err != nil {
				return err
			}
			if !inserted {
				res = SettleResult{Duplicate: true}
				return tx.Commit(ctx)
			}
		}

		snap, err := r.snapshotForSettlement(ctx, tx, snapshotID)
		if err != nil {
			return err
		}
		res = SettleResult{Status: snap.Status}

		if snap.Status != model.SnapshotStatusApplied && snap.Status != model.SnapshotStatusPending {
			res.AlreadyFinal = true
			return tx.Commit(ctx)
		}

		if snap.WalletHoldID != nil {
			if _, err := r.releaseHoldTx(ctx, tx, *snap.WalletHoldID, reason); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE discount_snapshot SET status = $2, failed_at = now() WHERE id = $1`,
			snapshotID, to,
		); err != nil {
			return fmt.Errorf("mark %s: %w", to, err)
		}

		if snap.DecisionID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE teacher_decision SET state = 'expired', decided_at = now()
				 WHERE id = $1 AND state = 'pending'`,
				*snap.DecisionID,
			); err != nil {
				return fmt.Errorf("expire linked decision: %w", err)
			}
		}

		res.Status = to
		return tx.Commit(ctx)
	})
	if err != nil {
		return SettleResult{}, err
	}
	return res, nil
}

// snapshotForSettlement блокирует строку резервации, предварительно захватив
// блокировку резерва — порядок блокировок резерв → резервация → решение
// общий для всех составных операций.
func (r *PostgresRepository) snapshotForSettlement(ctx context.Context, tx pgx.Tx, snapshotID int64) (*model.DiscountSnapshot, error) {
	// Первый просмотр без блокировки: нужен идентификатор резерва.
	row := tx.QueryRow(ctx,
		`SELECT wallet_hold_id FROM discount_snapshot WHERE id = $1`, snapshotID)
	var holdID *int64
	if err := row.Scan(&holdID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("snapshot %d: %w", snapshotID, ErrSnapshotNotFound)
		}
		return nil, fmt.Errorf("peek snapshot: %w", err)
	}

	if holdID != nil {
		if _, err := lockHold(ctx, tx, *holdID); err != nil && !errors.Is(err, ErrHoldNotFound) {
			return nil, err
		}
	}

	locked := tx.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM discount_snapshot WHERE id = $1 FOR UPDATE`, snapshotID)
	s, err := scanSnapshot(locked)
	if err != nil {
		return nil, fmt.Errorf("lock snapshot: %w", err)
	}
	return s, nil
}

// ListOrphanedSnapshots возвращает применённые резервации старше отсечки,
// по которым так и не пришло платёжное событие.
func (r *PostgresRepository) ListOrphanedSnapshots(ctx context.Context, cutoff time.Time, limit int) ([]model.DiscountSnapshot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM discount_snapshot
		 WHERE status = 'applied' AND applied_at < $1
		 ORDER BY applied_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orphaned snapshots: %w", err)
	}
	defer rows.Close()

	var res []model.DiscountSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// ListSnapshotsNeedingDecision возвращает исторические резервации с
// принятой преподавателем схемой TEO, но без привязанного решения.
func (r *PostgresRepository) ListSnapshotsNeedingDecision(ctx context.Context, limit int) ([]model.DiscountSnapshot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+snapshotColumns+`
		 FROM discount_snapshot
		 WHERE absorption_policy = 'teacher'
		   AND teacher_teo > 0
		   AND teacher_id IS NOT NULL
		   AND decision_id IS NULL
		   AND status = ANY($2)
		 ORDER BY id
		 LIMIT $1`,
		limit, activeStatuses,
	)
	if err != nil {
		return nil, fmt.Errorf("select snapshots needing decision: %w", err)
	}
	defer rows.Close()

	var res []model.DiscountSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		res = append(res, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// AttachDecision привязывает созданное бэкфиллом решение к резервации.
func (r *PostgresRepository) AttachDecision(ctx context.Context, snapshotID int64, dec *model.TeacherDecision) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO teacher_decision (
			teacher_id, student_id, course_id, snapshot_id,
			course_price, discount_percent, teo_cost, teacher_bonus,
			teacher_commission_rate, teacher_staking_tier, state, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',$11)
		RETURNING id, created_at`,
		dec.TeacherID, dec.StudentID, dec.CourseID, snapshotID,
		dec.CoursePrice, dec.DiscountPercent, dec.TeoCost, dec.TeacherBonus,
		dec.TeacherCommissionRate, dec.TeacherStakingTier, dec.ExpiresAt,
	).Scan(&dec.ID, &dec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert backfill decision: %w", err)
	}
	dec.State = model.DecisionPending
	dec.SnapshotID = snapshotID

	if _, err := tx.Exec(ctx,
		`UPDATE discount_snapshot SET decision_id = $2 WHERE id = $1 AND decision_id IS NULL`,
		snapshotID, dec.ID,
	); err != nil {
		return fmt.Errorf("link backfill decision: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
