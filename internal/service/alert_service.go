package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

// CreateAlertRequest - тело POST /alerts
type CreateAlertRequest struct {
	Venue     string           `json:"venue" validate:"required"`
	Market    string           `json:"market" validate:"required,oneof=spot futures"`
	Symbol    string           `json:"symbol" validate:"required,max=32"`
	Kind      string           `json:"kind" validate:"required,oneof=price funding position indicator"`
	Condition models.Condition `json:"condition"`
	Trigger   string           `json:"trigger,omitempty" validate:"omitempty,oneof=edge recurring"`
	// Cooldown - длительность Go ("90s", "5m"); пусто - значение вида по умолчанию
	Cooldown string `json:"cooldown,omitempty"`
	Note     string `json:"note,omitempty" validate:"max=200"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Короткие формы условий: "pnl_above", "margin_below", "price_above"
var shorthandFields = map[string]string{
	"price":  "last",
	"pnl":    "pnl",
	"margin": "margin_ratio",
	"size":   "size",
}

// expandShorthand раскладывает "<поле>_<оператор>" на поле и оператор
func expandShorthand(c models.Condition) models.Condition {
	if c.Op != "" {
		return c
	}
	for _, op := range []models.ConditionOp{models.OpAbove, models.OpBelow, models.OpEquals} {
		suffix := "_" + string(op)
		if !strings.HasSuffix(c.Field, suffix) {
			continue
		}
		base := strings.TrimSuffix(c.Field, suffix)
		if field, ok := shorthandFields[base]; ok {
			c.Field = field
			c.Op = op
		}
		return c
	}
	return c
}

// AlertService - алерты владельца поверх движка
type AlertService struct {
	engine AlertEngine
	log    *utils.Logger
}

func NewAlertService(engine AlertEngine, log *utils.Logger) *AlertService {
	return &AlertService{engine: engine, log: utils.OrGlobal(log).WithComponent("alert-service")}
}

// CreateAlert собирает алерт из запроса и передаёт движку
func (s *AlertService) CreateAlert(ctx context.Context, owner string, req CreateAlertRequest) (models.Alert, error) {
	market, err := models.ParseMarketType(req.Market)
	if err != nil {
		return models.Alert{}, fmt.Errorf("%w: %v", models.ErrInvalidAlert, err)
	}
	kind := models.AlertKind(strings.ToLower(req.Kind))

	cooldown := s.engine.DefaultCooldown(kind)
	if req.Cooldown != "" {
		d, err := time.ParseDuration(req.Cooldown)
		if err != nil {
			return models.Alert{}, fmt.Errorf("%w: cooldown: %v", models.ErrInvalidAlert, err)
		}
		cooldown = d
	}

	a := models.Alert{
		Owner: owner,
		VenueMarket: models.VenueMarket{
			Venue:  strings.ToLower(req.Venue),
			Market: market,
			Symbol: req.Symbol,
		},
		Kind:      kind,
		Condition: expandShorthand(req.Condition),
		Trigger:   models.Trigger(req.Trigger),
		Cooldown:  cooldown,
		Note:      req.Note,
	}
	if req.Disabled {
		a.State = models.AlertDisabled
	}
	return s.engine.Create(ctx, a)
}

func (s *AlertService) ListAlerts(owner string) []models.Alert {
	return s.engine.List(owner)
}

func (s *AlertService) GetAlert(owner, id string) (models.Alert, error) {
	return s.engine.Get(owner, id)
}

func (s *AlertService) DeleteAlert(ctx context.Context, owner, id string) error {
	return s.engine.Delete(ctx, owner, id)
}

func (s *AlertService) SetEnabled(ctx context.Context, owner, id string, enabled bool) (models.Alert, error) {
	a, err := s.engine.SetEnabled(ctx, owner, id, enabled)
	if err != nil {
		return a, err
	}
	s.log.Info("alert state changed", utils.AlertID(id), utils.Owner(owner), utils.State(string(a.State)))
	return a, nil
}
