package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/avolkov/teopay-system/internal/model"
)

// TierByName возвращает активный тариф по имени.
// Числовые поля тарифа должны быть скопированы в резервацию до записи
// любого экономического решения: правки тарифа не меняют устоявшийся расчёт.
func (r *PostgresRepository) TierByName(ctx context.Context, name string) (*model.Tier, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, teacher_split_percent::text, platform_split_percent::text,
		        max_accept_discount_ratio::text, teo_bonus_multiplier::text, is_active
		 FROM tier
		 WHERE name = $1 AND is_active`,
		name,
	)

	var (
		t                                        model.Tier
		teacherRaw, platformRaw, ratioRaw, bonus string
	)
	err := row.Scan(&t.ID, &t.Name, &teacherRaw, &platformRaw, &ratioRaw, &bonus, &t.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("tier %q: %w", name, ErrTierNotFound)
		}
		return nil, fmt.Errorf("get tier: %w", err)
	}

	if t.TeacherSplitPercent, err = parseDec(teacherRaw); err != nil {
		return nil, err
	}
	if t.PlatformSplitPercent, err = parseDec(platformRaw); err != nil {
		return nil, err
	}
	if t.MaxAcceptDiscountRatio, err = parseDec(ratioRaw); err != nil {
		return nil, err
	}
	if t.TeoBonusMultiplier, err = parseDec(bonus); err != nil {
		return nil, err
	}

	return &t, nil
}
