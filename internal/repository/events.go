package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// recordEventTx фиксирует событие платёжного провайдера в той же транзакции,
// что и расчёт по резервации: отметка о событии и изменения кошелька коммитятся
// атомарно, поэтому сбой расчёта откатывает и дедупликацию — повторная доставка
// провайдера обработается заново. Возвращает false, если событие с таким
// event_id уже зафиксировано ранее.
func recordEventTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) (bool, error) {
	tag, err := tx.Exec(ctx,
		`INSERT INTO external_event (event_id, event_type)
		 VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("insert external event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
