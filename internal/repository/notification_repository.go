package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
)

// NotificationRepository - журнал уведомлений (таблица notifications).
// Уведомления без владельца (риск, потоки) видны всем.
type NotificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создает новый экземпляр репозитория
func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, alert_id, owner, type, severity, message, value, condition, meta, timestamp`

// Create записывает уведомление в журнал
func (r *NotificationRepository) Create(ctx context.Context, n *models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	var metaJSON []byte
	if len(n.Meta) > 0 {
		var err error
		if metaJSON, err = json.Marshal(n.Meta); err != nil {
			return err
		}
	}
	var value interface{}
	if n.Value != nil {
		value = n.Value.String()
	}

	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.AlertID,
		n.Owner,
		n.Type,
		n.Severity,
		n.Message,
		value,
		n.Condition,
		metaJSON,
		n.Timestamp,
	)
	return err
}

// GetRecent возвращает последние limit уведомлений владельца
func (r *NotificationRepository) GetRecent(ctx context.Context, owner string, limit int) ([]*models.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE owner = $1 OR owner = ''
		ORDER BY timestamp DESC
		LIMIT $2`
	return r.list(ctx, query, owner, limit)
}

// GetByTypes возвращает последние уведомления указанных типов
func (r *NotificationRepository) GetByTypes(ctx context.Context, owner string, types []string, limit int) ([]*models.Notification, error) {
	if len(types) == 0 {
		return r.GetRecent(ctx, owner, limit)
	}
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE (owner = $1 OR owner = '') AND type = ANY($2)
		ORDER BY timestamp DESC
		LIMIT $3`
	return r.list(ctx, query, owner, pq.Array(types), limit)
}

// DeleteAll очищает журнал владельца. Общие уведомления не трогаются.
func (r *NotificationRepository) DeleteAll(ctx context.Context, owner string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE owner = $1`, owner)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteOlderThan удаляет записи старше before
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM notifications WHERE timestamp < $1`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *NotificationRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Notification, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n := &models.Notification{}
		var (
			value    decimal.NullDecimal
			metaJSON []byte
		)
		err := rows.Scan(
			&n.ID,
			&n.AlertID,
			&n.Owner,
			&n.Type,
			&n.Severity,
			&n.Message,
			&value,
			&n.Condition,
			&metaJSON,
			&n.Timestamp,
		)
		if err != nil {
			return nil, err
		}
		if value.Valid {
			v := value.Decimal
			n.Value = &v
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &n.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
