package logging

import (
	"context"
	"testing"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

type recordingLogger struct {
	fields   []map[string]any
	contexts []context.Context
}

func (r *recordingLogger) Trace(string, ...any) {}
func (r *recordingLogger) Debug(string, ...any) {}
func (r *recordingLogger) Info(string, ...any)  {}
func (r *recordingLogger) Warn(string, ...any)  {}
func (r *recordingLogger) Error(string, ...any) {}
func (r *recordingLogger) Fatal(string, ...any) {}

func (r *recordingLogger) WithFields(fields map[string]any) interfaces.Logger {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	r.fields = append(r.fields, copied)
	return r
}

func (r *recordingLogger) WithContext(ctx context.Context) interfaces.Logger {
	r.contexts = append(r.contexts, ctx)
	return r
}

type stubProvider struct {
	requested []string
	logger    interfaces.Logger
}

func (s *stubProvider) GetLogger(name string) interfaces.Logger {
	s.requested = append(s.requested, name)
	return s.logger
}

func TestModuleLoggerFallsBackToNoOp(t *testing.T) {
	logger := ModuleLogger(nil, "omnipost.test")
	if _, ok := logger.(noopLogger); !ok {
		t.Fatalf("expected noopLogger fallback, got %T", logger)
	}
	logger = logger.WithContext(context.Background())
	logger.Debug("noop")
}

func TestModuleLoggerUsesProviderAndAnnotatesFields(t *testing.T) {
	rec := &recordingLogger{}
	provider := &stubProvider{logger: rec}

	logger := PublishingLogger(provider)

	if len(provider.requested) != 1 || provider.requested[0] != publishingModule {
		t.Fatalf("expected module %s, got %v", publishingModule, provider.requested)
	}
	if len(rec.fields) != 1 {
		t.Fatalf("expected module fields to be applied once, got %d", len(rec.fields))
	}
	if got := rec.fields[0]["module"]; got != publishingModule {
		t.Fatalf("expected module field %s, got %v", publishingModule, got)
	}
	logger.Info("with provider")
}

func TestModuleLoggerDefaultsToRootModule(t *testing.T) {
	rec := &recordingLogger{}
	provider := &stubProvider{logger: rec}

	_ = ModuleLogger(provider, " ")

	if len(provider.requested) != 1 || provider.requested[0] != rootModule {
		t.Fatalf("expected default module %s, got %v", rootModule, provider.requested)
	}
}

func TestNamedLoggersRequestTheirModules(t *testing.T) {
	cases := map[string]func(interfaces.LoggerProvider) interfaces.Logger{
		rateLimitModule: RateLimitLogger,
		crisisModule:    CrisisLogger,
		approvalsModule: ApprovalsLogger,
		schedulerModule: SchedulerLogger,
		jobsModule:      JobsLogger,
		notifyModule:    NotifyLogger,
		platformsModule: PlatformsLogger,
	}
	for module, fn := range cases {
		provider := &stubProvider{logger: &recordingLogger{}}
		_ = fn(provider)
		if len(provider.requested) == 0 || provider.requested[0] != module {
			t.Fatalf("expected %s request, got %v", module, provider.requested)
		}
	}
}

func TestWithVariantContextSkipsZeroValues(t *testing.T) {
	rec := &recordingLogger{}
	_ = WithVariantContext(rec, "v-1", 2, 0, "")

	if len(rec.fields) != 1 {
		t.Fatalf("expected one WithFields call, got %d", len(rec.fields))
	}
	fields := rec.fields[0]
	if fields[fieldVariantID] != "v-1" || fields[fieldCycle] != 2 {
		t.Fatalf("unexpected fields %v", fields)
	}
	if _, ok := fields[fieldAttempt]; ok {
		t.Fatalf("attempt should be omitted, got %v", fields)
	}
	if _, ok := fields[fieldPlatform]; ok {
		t.Fatalf("platform should be omitted, got %v", fields)
	}
}

func TestContextWithJobTagsFields(t *testing.T) {
	if ContextFields(context.Background()) != nil {
		t.Fatal("expected no fields on a bare context")
	}
	ctx := ContextWithJob(context.Background(), "job-1", "omnipost.variant.publish")
	ctx = ContextWithJob(ctx, "job-2", " ")

	fields := ContextFields(ctx)
	if fields[fieldJobID] != "job-2" || fields[fieldJobType] != "omnipost.variant.publish" {
		t.Fatalf("expected merged job fields, got %v", fields)
	}
	fields[fieldJobID] = "mutated"
	if ContextFields(ctx)[fieldJobID] != "job-2" {
		t.Fatal("expected a copy of the context fields")
	}
}
