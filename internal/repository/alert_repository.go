package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"venuewatch/internal/models"
)

// Ошибки репозитория алертов
var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrAlertExists   = errors.New("alert with this id already exists")
)

// AlertRepository - работа с таблицей alerts
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository создает новый экземпляр репозитория
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

const alertColumns = `id, owner, venue, market, symbol, kind, condition, trigger, state, cooldown_ms, last_fired_at, note, created_at`

// Create сохраняет алерт. ID и CreatedAt выставляет вызывающий.
func (r *AlertRepository) Create(ctx context.Context, a *models.Alert) error {
	condJSON, err := json.Marshal(a.Condition)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.db.ExecContext(ctx, query,
		a.ID,
		a.Owner,
		a.Venue,
		string(a.Market),
		a.Symbol,
		string(a.Kind),
		condJSON,
		string(a.Trigger),
		string(a.State),
		a.Cooldown.Milliseconds(),
		a.LastFiredAt,
		a.Note,
		a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlertExists
		}
		return err
	}
	return nil
}

// GetByID возвращает алерт по ID
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`

	a, err := scanAlert(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListAll возвращает все алерты (загрузка при старте движка)
func (r *AlertRepository) ListAll(ctx context.Context) ([]*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts ORDER BY created_at, id`
	return r.list(ctx, query)
}

// ListByOwner возвращает алерты владельца
func (r *AlertRepository) ListByOwner(ctx context.Context, owner string) ([]*models.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE owner = $1 ORDER BY created_at, id`
	return r.list(ctx, query, owner)
}

// CountByOwner возвращает количество алертов владельца
func (r *AlertRepository) CountByOwner(ctx context.Context, owner string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE owner = $1`, owner).Scan(&n)
	return n, err
}

// Delete удаляет алерт
func (r *AlertRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrAlertNotFound)
}

// UpdateState сохраняет состояние автомата и время последнего срабатывания
func (r *AlertRepository) UpdateState(ctx context.Context, id string, state models.AlertState, lastFiredAt *time.Time) error {
	query := `
		UPDATE alerts
		SET state = $1, last_fired_at = $2
		WHERE id = $3`

	result, err := r.db.ExecContext(ctx, query, string(state), lastFiredAt, id)
	if err != nil {
		return err
	}
	return expectAffected(result, ErrAlertNotFound)
}

func (r *AlertRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// rowScanner - общий интерфейс *sql.Row и *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	a := &models.Alert{}
	var (
		market, kind, trigger, state string
		condJSON                     []byte
		cooldownMS                   int64
		lastFired                    sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.Owner,
		&a.Venue,
		&market,
		&a.Symbol,
		&kind,
		&condJSON,
		&trigger,
		&state,
		&cooldownMS,
		&lastFired,
		&a.Note,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Market = models.MarketType(market)
	a.Kind = models.AlertKind(kind)
	a.Trigger = models.Trigger(trigger)
	a.State = models.AlertState(state)
	a.Cooldown = time.Duration(cooldownMS) * time.Millisecond
	if lastFired.Valid {
		t := lastFired.Time
		a.LastFiredAt = &t
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &a.Condition); err != nil {
			return nil, fmt.Errorf("alert %s: decode condition: %w", a.ID, err)
		}
	}
	return a, nil
}

func expectAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
