package sweepscmd

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-omnipost/internal/health"
	"github.com/goliatone/go-omnipost/internal/jobs"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/metrics"
)

type stubDispatcher struct {
	calls int
	err   error
}

func (d *stubDispatcher) Dispatch(context.Context) (jobs.DispatchReport, error) {
	d.calls++
	return jobs.DispatchReport{Due: 2, Enqueued: 2}, d.err
}

type stubWorker struct{ calls int }

func (w *stubWorker) Process(context.Context) (int, error) {
	w.calls++
	return 1, nil
}

type stubWatcher struct{ calls int }

func (w *stubWatcher) Run(context.Context) (jobs.TokenReport, error) {
	w.calls++
	return jobs.TokenReport{Scanned: 1, Refreshed: 1}, nil
}

type stubSweeper struct {
	calls int
	err   error
}

func (s *stubSweeper) Sweep(context.Context) (health.SweepReport, error) {
	s.calls++
	return health.SweepReport{Pending: 120, Alerted: true, Failures: []string{"redis"}}, s.err
}

func TestHealthSweepHandler(t *testing.T) {
	sweeper := &stubSweeper{}
	handler := NewHealthSweepHandler(sweeper, logging.NoOp(), metrics.Noop(), "")

	if err := handler.CronHandler()(); err != nil {
		t.Fatalf("cron run: %v", err)
	}
	if sweeper.calls != 1 {
		t.Fatalf("expected one sweep, got %d", sweeper.calls)
	}
	if got := handler.CronOptions().Expression; got != "@every 5m" {
		t.Fatalf("expected default health cron, got %q", got)
	}
	if path := handler.CLIOptions().Path; len(path) != 2 || path[1] != "health" {
		t.Fatalf("unexpected cli path %v", path)
	}

	sweeper.err = errors.New("queue unreachable")
	err := handler.Execute(context.Background(), HealthSweepCommand{})
	if !goerrors.IsCategory(err, goerrors.CategoryCommand) {
		t.Fatalf("expected command category, got %v", err)
	}
}

func TestSweepHandlersRunFromCron(t *testing.T) {
	dispatcher := &stubDispatcher{}
	worker := &stubWorker{}
	watcher := &stubWatcher{}

	dispatch := NewDispatchDueHandler(dispatcher, logging.NoOp(), metrics.Noop(), "")
	process := NewProcessJobsHandler(worker, logging.NoOp(), metrics.Noop(), "@every 5s")
	tokens := NewWatchTokensHandler(watcher, logging.NoOp(), metrics.Noop(), " ")

	for _, run := range []func() error{dispatch.CronHandler(), process.CronHandler(), tokens.CronHandler()} {
		if err := run(); err != nil {
			t.Fatalf("cron run: %v", err)
		}
	}
	if dispatcher.calls != 1 || worker.calls != 1 || watcher.calls != 1 {
		t.Fatalf("expected one call each, got %d/%d/%d", dispatcher.calls, worker.calls, watcher.calls)
	}
	if got := dispatch.CronOptions().Expression; got != "@every 30s" {
		t.Fatalf("expected default dispatch cron, got %q", got)
	}
	if got := process.CronOptions().Expression; got != "@every 5s" {
		t.Fatalf("expected configured process cron, got %q", got)
	}
	if got := tokens.CronOptions().Expression; got != "@every 1h" {
		t.Fatalf("blank expressions fall back to the default, got %q", got)
	}
}

func TestDispatchDueHandlerWrapsFailures(t *testing.T) {
	dispatcher := &stubDispatcher{err: errors.New("store down")}
	handler := NewDispatchDueHandler(dispatcher, logging.NoOp(), nil, "")

	err := handler.Execute(context.Background(), DispatchDueCommand{})
	if !goerrors.IsCategory(err, goerrors.CategoryCommand) {
		t.Fatalf("expected command category, got %v", err)
	}
}
