package publishingcmd

import (
	"context"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/commands"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/publishing"
)

type stubService struct {
	schedules   []publishing.ScheduleRequest
	publishNows []publishing.PublishNowRequest
	reschedules []publishing.RescheduleRequest
	err         error
}

func (s *stubService) ScheduleVariant(_ context.Context, req publishing.ScheduleRequest) (*publishing.Variant, error) {
	s.schedules = append(s.schedules, req)
	return &publishing.Variant{ID: req.VariantID}, s.err
}

func (s *stubService) PublishNow(_ context.Context, req publishing.PublishNowRequest) (*publishing.Variant, error) {
	s.publishNows = append(s.publishNows, req)
	if s.err != nil {
		return nil, s.err
	}
	return &publishing.Variant{ID: req.VariantID}, nil
}

func (s *stubService) Reschedule(_ context.Context, req publishing.RescheduleRequest) (*publishing.Variant, error) {
	s.reschedules = append(s.reschedules, req)
	return &publishing.Variant{ID: req.VariantID}, s.err
}

func TestScheduleVariantHandlerExecutesService(t *testing.T) {
	service := &stubService{}
	handler := NewScheduleVariantHandler(service, commands.CommandLogger(nil, "publishing"), nil)

	variantID := uuid.New()
	at := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	if err := handler.Execute(context.Background(), ScheduleVariantCommand{VariantID: variantID, ScheduledAt: at}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(service.schedules) != 1 {
		t.Fatalf("expected one schedule request, got %d", len(service.schedules))
	}
	if req := service.schedules[0]; req.VariantID != variantID || !req.ScheduledAt.Equal(at) {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestScheduleVariantHandlerValidationError(t *testing.T) {
	service := &stubService{}
	handler := NewScheduleVariantHandler(service, logging.NoOp(), nil)

	err := handler.Execute(context.Background(), ScheduleVariantCommand{VariantID: uuid.New()})
	if !goerrors.IsCategory(err, goerrors.CategoryValidation) {
		t.Fatalf("expected validation category, got %v", err)
	}
	if len(service.schedules) != 0 {
		t.Fatalf("expected no service call, got %d", len(service.schedules))
	}
}

func TestPublishNowHandlerKeepsRefusalCategory(t *testing.T) {
	service := &stubService{err: publishing.ErrPublishNowRefused}
	recorder := metrics.NewPrometheus("test")
	handler := NewPublishNowHandler(service, logging.NoOp(), recorder)

	err := handler.Execute(context.Background(), PublishNowCommand{VariantID: uuid.New(), ActorID: uuid.New()})
	if !goerrors.IsCategory(err, goerrors.CategoryConflict) {
		t.Fatalf("expected conflict category, got %v", err)
	}
	if len(service.publishNows) != 1 {
		t.Fatalf("expected one publish-now call, got %d", len(service.publishNows))
	}

	if err := handler.Execute(context.Background(), PublishNowCommand{}); !goerrors.IsCategory(err, goerrors.CategoryValidation) {
		t.Fatalf("expected validation category for a missing variant, got %v", err)
	}
}

func TestRescheduleVariantHandlerExecutesService(t *testing.T) {
	service := &stubService{}
	handler := NewRescheduleVariantHandler(service, logging.NoOp(), metrics.Noop())

	at := time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC)
	actor := uuid.New()
	if err := handler.Execute(context.Background(), RescheduleVariantCommand{VariantID: uuid.New(), ScheduledAt: at, ActorID: actor}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if len(service.reschedules) != 1 || service.reschedules[0].ActorID != actor {
		t.Fatalf("unexpected reschedule requests %+v", service.reschedules)
	}
}
