package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/avolkov/teopay-system/internal/model"
)

// Balance возвращает баланс пользователя: сумму всех операций журнала.
func (r *PostgresRepository) Balance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::text FROM wallet_transaction WHERE user_id = $1`,
		userID,
	).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum wallet transactions: %w", err)
	}
	return parseDec(raw)
}

// ActiveHolds возвращает сумму зарезервированных средств по активным резервам.
func (r *PostgresRepository) ActiveHolds(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(hold_amount), 0)::text
		 FROM wallet_transaction
		 WHERE user_id = $1 AND kind = 'hold' AND hold_status = 'active'`,
		userID,
	).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum active holds: %w", err)
	}
	return parseDec(raw)
}

// EffectiveAvailable возвращает доступный остаток: баланс за вычетом активных резервов.
func (r *PostgresRepository) EffectiveAvailable(ctx context.Context, userID int64) (model.WalletBalance, error) {
	balance, err := r.Balance(ctx, userID)
	if err != nil {
		return model.WalletBalance{}, err
	}
	holds, err := r.ActiveHolds(ctx, userID)
	if err != nil {
		return model.WalletBalance{}, err
	}
	return model.WalletBalance{
		Balance:            balance,
		ActiveHolds:        holds,
		EffectiveAvailable: balance.Sub(holds),
	}, nil
}

// CreateHold создаёт резерв средств с отложенным списанием: строка резерва
// пишется с amount = 0, доступный остаток уменьшается только за счёт учёта
// активных резервов. Проверка остатка — единственный шлюз допуска,
// выполняется в serializable-транзакции.
func (r *PostgresRepository) CreateHold(ctx context.Context, userID int64, amount decimal.Decimal, description string, courseID *int64, reference string) (int64, error) {
	var holdID int64

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balanceRaw, holdsRaw string
		err = tx.QueryRow(ctx,
			`SELECT
				COALESCE(SUM(amount), 0)::text,
				COALESCE(SUM(hold_amount) FILTER (WHERE kind = 'hold' AND hold_status = 'active'), 0)::text
			 FROM wallet_transaction WHERE user_id = $1`,
			userID,
		).Scan(&balanceRaw, &holdsRaw)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		balance, err := parseDec(balanceRaw)
		if err != nil {
			return err
		}
		holds, err := parseDec(holdsRaw)
		if err != nil {
			return err
		}

		if balance.Sub(holds).LessThan(amount) {
			return ErrInsufficientBalance
		}

		desc := fmt.Sprintf("%s | amount: %s", description, amount.StringFixed(8))
		if reference != "" {
			desc += fmt.Sprintf(" | ref: %s", reference)
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO wallet_transaction (user_id, amount, kind, description, hold_amount, hold_status, course_id, reference)
			 VALUES ($1, 0, 'hold', $2, $3, 'active', $4, $5)
			 RETURNING id`,
			userID, desc, amount, courseID, reference,
		).Scan(&holdID)
		if err != nil {
			return fmt.Errorf("insert hold: %w", err)
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, err
	}

	return holdID, nil
}

// CaptureHold превращает резерв в списание. Идемпотентна: повторный вызов
// по уже списанному резерву возвращает сумму без побочных эффектов.
func (r *PostgresRepository) CaptureHold(ctx context.Context, holdID int64, description string, courseID *int64) (decimal.Decimal, int64, error) {
	var (
		amount    decimal.Decimal
		captureID int64
	)
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		amount, captureID, err = r.captureHoldTx(ctx, tx, holdID, description, courseID)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return decimal.Zero, 0, err
	}
	return amount, captureID, nil
}

func terminalHoldStatus(s model.HoldStatus) bool {
	return s == model.HoldStatusCaptured || s == model.HoldStatusReleased
}

// holdTransition описывает парную запись журнала и новый статус резерва
// при переводе его в терминальное состояние.
type holdTransition struct {
	Amount      decimal.Decimal
	Kind        model.TransactionKind
	Description string
	ToStatus    model.HoldStatus

	// Already выставляется, когда переход уже выполнен ранее и журнал
	// менять не нужно; AlreadyPairedID — идентификатор существующей
	// парной записи, если он сохранён.
	Already         bool
	AlreadyPairedID int64
}

// captureTransition решает судьбу резерва при списании. Функция чистая:
// повторное списание идемпотентно, списание после отмены запрещено,
// при историческом предварительном списании пишется нулевая запись,
// чтобы не снять средства дважды.
func captureTransition(hold *model.WalletTransaction, legacy bool, description string) (holdTransition, error) {
	switch hold.HoldStatus {
	case model.HoldStatusCaptured:
		t := holdTransition{Already: true}
		if hold.PairedID != nil {
			t.AlreadyPairedID = *hold.PairedID
		}
		return t, nil
	case model.HoldStatusReleased:
		return holdTransition{}, fmt.Errorf("capture hold %d: %w", hold.ID, ErrHoldReleased)
	}

	t := holdTransition{
		Amount:      hold.HoldAmount.Neg(),
		Kind:        model.KindHoldCapture,
		Description: description,
		ToStatus:    model.HoldStatusCaptured,
	}
	if legacy {
		t.Amount = decimal.Zero
		t.Description += " | legacy pre-deduction detected"
	}
	return t, nil
}

// releaseTransition решает судьбу резерва при отмене. Отмена после списания
// запрещена, повторная отмена идемпотентна; исторически списанный резерв
// компенсируется кредитом на сумму резерва.
func releaseTransition(hold *model.WalletTransaction, legacy bool, reason string) (holdTransition, error) {
	switch hold.HoldStatus {
	case model.HoldStatusCaptured:
		return holdTransition{}, fmt.Errorf("release hold %d: %w", hold.ID, ErrHoldCaptured)
	case model.HoldStatusReleased:
		t := holdTransition{Already: true}
		if hold.PairedID != nil {
			t.AlreadyPairedID = *hold.PairedID
		}
		return t, nil
	}

	t := holdTransition{
		Amount:      decimal.Zero,
		Kind:        model.KindHoldRelease,
		Description: reason,
		ToStatus:    model.HoldStatusReleased,
	}
	if legacy {
		t.Amount = hold.HoldAmount
		t.Description += " | legacy pre-deduction compensated"
	}
	return t, nil
}

// applyHoldTransition записывает парную операцию журнала и помечает резерв
// терминальным статусом с обратной ссылкой на пару.
func applyHoldTransition(ctx context.Context, tx pgx.Tx, hold *model.WalletTransaction, t holdTransition, courseID *int64) (int64, error) {
	var pairedID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO wallet_transaction (user_id, amount, kind, description, paired_id, course_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		hold.UserID, t.Amount, t.Kind, t.Description, hold.ID, courseID,
	).Scan(&pairedID)
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", t.Kind, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE wallet_transaction
		 SET hold_status = $2,
		     paired_id = $3,
		     description = description || ' [' || upper($2::text) || ' by ' || $3::text || ']'
		 WHERE id = $1`,
		hold.ID, t.ToStatus, pairedID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark hold %s: %w", t.ToStatus, err)
	}
	return pairedID, nil
}

// captureHoldTx выполняет списание резерва внутри переданной транзакции.
// Строка резерва блокируется FOR UPDATE; порядок блокировок во всех
// составных операциях: резерв → резервация → решение.
func (r *PostgresRepository) captureHoldTx(ctx context.Context, tx pgx.Tx, holdID int64, description string, courseID *int64) (decimal.Decimal, int64, error) {
	hold, err := lockHold(ctx, tx, holdID)
	if err != nil {
		return decimal.Zero, 0, err
	}

	legacy := false
	if !terminalHoldStatus(hold.HoldStatus) {
		if legacy, err = legacyDeductionDetected(ctx, tx, hold); err != nil {
			return decimal.Zero, 0, err
		}
	}

	t, err := captureTransition(hold, legacy, description)
	if err != nil {
		return decimal.Zero, 0, err
	}
	if t.Already {
		return hold.HoldAmount, t.AlreadyPairedID, nil
	}

	captureID, err := applyHoldTransition(ctx, tx, hold, t, courseID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	return hold.HoldAmount, captureID, nil
}

// ReleaseHold отменяет резерв. Идемпотентна по уже отменённому резерву,
// запрещена по списанному.
func (r *PostgresRepository) ReleaseHold(ctx context.Context, holdID int64, reason string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		amount, err = r.releaseHoldTx(ctx, tx, holdID, reason)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

func (r *PostgresRepository) releaseHoldTx(ctx context.Context, tx pgx.Tx, holdID int64, reason string) (decimal.Decimal, error) {
	hold, err := lockHold(ctx, tx, holdID)
	if err != nil {
		return decimal.Zero, err
	}

	legacy := false
	if !terminalHoldStatus(hold.HoldStatus) {
		if legacy, err = legacyDeductionDetected(ctx, tx, hold); err != nil {
			return decimal.Zero, err
		}
	}

	t, err := releaseTransition(hold, legacy, reason)
	if err != nil {
		return decimal.Zero, err
	}
	if t.Already {
		return hold.HoldAmount, nil
	}

	if _, err := applyHoldTransition(ctx, tx, hold, t, hold.CourseID); err != nil {
		return decimal.Zero, err
	}
	return hold.HoldAmount, nil
}

// creditUserTx начисляет средства пользователю внутри транзакции.
func (r *PostgresRepository) creditUserTx(ctx context.Context, tx pgx.Tx, userID int64, amount decimal.Decimal, description string, courseID *int64) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO wallet_transaction (user_id, amount, kind, description, course_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		userID, amount, model.KindCredit, description, courseID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert credit: %w", err)
	}
	return id, nil
}

// CreditUser начисляет средства пользователю отдельной операцией.
func (r *PostgresRepository) CreditUser(ctx context.Context, userID int64, amount decimal.Decimal, description string, courseID *int64) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id, err := r.creditUserTx(ctx, tx, userID, amount, description, courseID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

func lockHold(ctx context.Context, tx pgx.Tx, holdID int64) (*model.WalletTransaction, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, user_id, hold_amount::text, COALESCE(hold_status, ''), paired_id, course_id, description, created_at
		 FROM wallet_transaction
		 WHERE id = $1 AND kind = 'hold'
		 FOR UPDATE`,
		holdID,
	)

	var (
		h          model.WalletTransaction
		amountRaw  string
		statusRaw  string
	)
	err := row.Scan(&h.ID, &h.UserID, &amountRaw, &statusRaw, &h.PairedID, &h.CourseID, &h.Description, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("hold %d: %w", holdID, ErrHoldNotFound)
		}
		return nil, fmt.Errorf("lock hold: %w", err)
	}

	h.Kind = model.KindHold
	h.HoldStatus = model.HoldStatus(statusRaw)
	h.HoldAmount, err = parseDec(amountRaw)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// legacyDeductionKinds перечисляет типы записей, которыми старый код
// оформлял немедленное списание при создании резерва.
var legacyDeductionKinds = []string{string(model.KindHold), string(model.KindCourseDiscount)}

// legacyDeductionDetected распознаёт резерв, созданный старым кодом с
// немедленным списанием: отрицательная операция того же пользователя,
// записанная не позже резерва, с маркером HOLD: в описании либо
// с одним из исторических типов списания.
func legacyDeductionDetected(ctx context.Context, tx pgx.Tx, hold *model.WalletTransaction) (bool, error) {
	var found bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM wallet_transaction
			WHERE user_id = $1
			  AND id <> $2
			  AND amount < 0
			  AND created_at <= $3
			  AND (description LIKE '%HOLD:%' OR kind = ANY($4))
		)`,
		hold.UserID, hold.ID, hold.CreatedAt, legacyDeductionKinds,
	).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("detect legacy deduction: %w", err)
	}
	return found, nil
}

// TransactionsByUser возвращает журнал операций пользователя, новейшие первыми.
func (r *PostgresRepository) TransactionsByUser(ctx context.Context, userID int64, limit int) ([]model.WalletTransaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, amount::text, kind, description, hold_amount::text,
		        COALESCE(hold_status, ''), paired_id, course_id, reference, created_at
		 FROM wallet_transaction
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.WalletTransaction
	for rows.Next() {
		var (
			t          model.WalletTransaction
			amountRaw  string
			holdRaw    string
			statusRaw  string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &amountRaw, &t.Kind, &t.Description,
			&holdRaw, &statusRaw, &t.PairedID, &t.CourseID, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t.Amount, err = parseDec(amountRaw); err != nil {
			return nil, err
		}
		if t.HoldAmount, err = parseDec(holdRaw); err != nil {
			return nil, err
		}
		t.HoldStatus = model.HoldStatus(statusRaw)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
