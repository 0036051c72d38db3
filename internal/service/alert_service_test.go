package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/alert"
	"venuewatch/internal/models"
)

func TestExpandShorthand(t *testing.T) {
	tests := []struct {
		name      string
		in        models.Condition
		wantField string
		wantOp    models.ConditionOp
	}{
		{"pnl_above", models.Condition{Field: "pnl_above"}, "pnl", models.OpAbove},
		{"pnl_below", models.Condition{Field: "pnl_below"}, "pnl", models.OpBelow},
		{"margin_above", models.Condition{Field: "margin_above"}, "margin_ratio", models.OpAbove},
		{"price_equals", models.Condition{Field: "price_equals"}, "last", models.OpEquals},
		{"явный оператор не трогаем", models.Condition{Field: "bid", Op: models.OpBelow}, "bid", models.OpBelow},
		{"неизвестная основа", models.Condition{Field: "volume_above"}, "volume_above", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := expandShorthand(tt.in)
			if got.Field != tt.wantField || got.Op != tt.wantOp {
				t.Errorf("expandShorthand(%+v) = %s %s, want %s %s", tt.in, got.Field, got.Op, tt.wantField, tt.wantOp)
			}
		})
	}
}

func TestAlertService_CreateAlert(t *testing.T) {
	threshold := decimal.NewFromInt(65000)

	tests := []struct {
		name         string
		req          CreateAlertRequest
		wantErr      error
		wantCooldown time.Duration
		wantState    models.AlertState
	}{
		{
			name: "ценовой алерт с cooldown по умолчанию",
			req: CreateAlertRequest{
				Venue: "Aster", Market: "futures", Symbol: "BTC", Kind: "price",
				Condition: models.Condition{Field: "last", Op: models.OpAbove, Threshold: threshold},
			},
			wantCooldown: 0,
		},
		{
			name: "позиционный алерт в короткой форме",
			req: CreateAlertRequest{
				Venue: "aster", Market: "futures", Symbol: "BTC", Kind: "position",
				Condition: models.Condition{Field: "pnl_below", Threshold: decimal.NewFromInt(-50)},
			},
			wantCooldown: 5 * time.Minute,
		},
		{
			name: "явный cooldown",
			req: CreateAlertRequest{
				Venue: "aster", Market: "futures", Symbol: "BTC", Kind: "funding", Cooldown: "30m",
				Condition: models.Condition{Field: "rate", Op: models.OpAny},
			},
			wantCooldown: 30 * time.Minute,
		},
		{
			name: "создание выключенным",
			req: CreateAlertRequest{
				Venue: "aster", Market: "spot", Symbol: "ETH", Kind: "price", Disabled: true,
				Condition: models.Condition{Field: "mid", Op: models.OpBelow, Threshold: threshold},
			},
			wantState: models.AlertDisabled,
		},
		{
			name:    "неизвестный рынок",
			req:     CreateAlertRequest{Venue: "aster", Market: "margin", Symbol: "BTC", Kind: "price"},
			wantErr: models.ErrInvalidAlert,
		},
		{
			name:    "битый cooldown",
			req:     CreateAlertRequest{Venue: "aster", Market: "spot", Symbol: "BTC", Kind: "price", Cooldown: "soon"},
			wantErr: models.ErrInvalidAlert,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := NewMockAlertEngine()
			svc := NewAlertService(engine, nil)

			a, err := svc.CreateAlert(context.Background(), "owner-1", tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if len(engine.created) != 0 {
					t.Error("engine must not be called on invalid request")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateAlert: %v", err)
			}
			if a.Owner != "owner-1" || a.Venue != "aster" {
				t.Errorf("alert = %+v", a)
			}
			if a.Cooldown != tt.wantCooldown {
				t.Errorf("cooldown = %v, want %v", a.Cooldown, tt.wantCooldown)
			}
			if a.State != tt.wantState {
				t.Errorf("state = %q, want %q", a.State, tt.wantState)
			}
		})
	}
}

func TestAlertService_EngineError(t *testing.T) {
	engine := NewMockAlertEngine()
	engine.createErr = alert.ErrLimitReached
	svc := NewAlertService(engine, nil)

	_, err := svc.CreateAlert(context.Background(), "o", CreateAlertRequest{
		Venue: "aster", Market: "futures", Symbol: "BTC", Kind: "price",
		Condition: models.Condition{Field: "last", Op: models.OpAbove},
	})
	if !errors.Is(err, alert.ErrLimitReached) {
		t.Errorf("expected ErrLimitReached, got %v", err)
	}
}

func TestAlertService_OwnerIsolation(t *testing.T) {
	engine := NewMockAlertEngine()
	svc := NewAlertService(engine, nil)
	ctx := context.Background()

	a, err := svc.CreateAlert(ctx, "alice", CreateAlertRequest{
		Venue: "aster", Market: "futures", Symbol: "BTC", Kind: "price",
		Condition: models.Condition{Field: "last", Op: models.OpAbove},
	})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	if _, err := svc.GetAlert("bob", a.ID); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("foreign Get: %v", err)
	}
	if err := svc.DeleteAlert(ctx, "bob", a.ID); !errors.Is(err, alert.ErrNotFound) {
		t.Errorf("foreign Delete: %v", err)
	}
	if len(svc.ListAlerts("bob")) != 0 || len(svc.ListAlerts("alice")) != 1 {
		t.Error("list must be scoped by owner")
	}

	disabled, err := svc.SetEnabled(ctx, "alice", a.ID, false)
	if err != nil || disabled.State != models.AlertDisabled {
		t.Errorf("SetEnabled(false) = %+v, %v", disabled, err)
	}
	if err := svc.DeleteAlert(ctx, "alice", a.ID); err != nil {
		t.Errorf("own Delete: %v", err)
	}
}
