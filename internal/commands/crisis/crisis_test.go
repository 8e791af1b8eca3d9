package crisiscmd

import (
	"context"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/crisis"
	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
)

func TestCrisisHandlersToggleSwitch(t *testing.T) {
	ctx := context.Background()
	sw := crisis.New(kvstore.NewMemory())
	enable := NewEnableCrisisHandler(sw, logging.NoOp(), metrics.Noop())
	disable := NewDisableCrisisHandler(sw, logging.NoOp(), metrics.Noop())
	brandID := uuid.New()
	actorID := uuid.New()

	if err := enable.Execute(ctx, EnableCrisisCommand{BrandID: brandID, Platform: "LinkedIn", ActorID: actorID}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	active, err := sw.IsActive(ctx, brandID, "linkedin")
	if err != nil || !active {
		t.Fatalf("expected linkedin halted, got %v err=%v", active, err)
	}
	if active, _ := sw.IsActive(ctx, brandID, "facebook"); active {
		t.Fatal("platform scope must not halt other platforms")
	}

	if err := disable.Execute(ctx, DisableCrisisCommand{BrandID: brandID, ActorID: actorID}); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if active, _ := sw.IsActive(ctx, brandID, "linkedin"); active {
		t.Fatal("expected crisis lifted")
	}
}

func TestEnableCrisisRequiresBrandAndActor(t *testing.T) {
	sw := crisis.New(kvstore.NewMemory())
	handler := NewEnableCrisisHandler(sw, logging.NoOp(), nil)

	err := handler.Execute(context.Background(), EnableCrisisCommand{})
	if !goerrors.IsCategory(err, goerrors.CategoryValidation) {
		t.Fatalf("expected validation category, got %v", err)
	}
}
