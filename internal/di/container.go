package di

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	repocache "github.com/goliatone/go-repository-cache/cache"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-omnipost/internal/adapters/storage"
	"github.com/goliatone/go-omnipost/internal/approvals"
	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/crisis"
	"github.com/goliatone/go-omnipost/internal/health"
	"github.com/goliatone/go-omnipost/internal/jobs"
	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/logging/gologger"
	"github.com/goliatone/go-omnipost/internal/metrics"
	"github.com/goliatone/go-omnipost/internal/notify"
	"github.com/goliatone/go-omnipost/internal/platforms"
	"github.com/goliatone/go-omnipost/internal/platforms/facebook"
	"github.com/goliatone/go-omnipost/internal/platforms/linkedin"
	"github.com/goliatone/go-omnipost/internal/publishing"
	"github.com/goliatone/go-omnipost/internal/ratelimit"
	"github.com/goliatone/go-omnipost/internal/runtimeconfig"
	"github.com/goliatone/go-omnipost/internal/scheduler"
	"github.com/goliatone/go-omnipost/internal/workflow/simple"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// Container wires the publication runtime. Every dependency has an in-memory
// default so a zero configuration runs without SQL or Redis.
type Container struct {
	Config runtimeconfig.Config

	now            func() time.Time
	loggerProvider interfaces.LoggerProvider

	bunDB       *bun.DB
	ownsDB      bool
	redis       goredis.UniversalClient
	ownsRedis   bool
	kv          kvstore.Store
	scheduler   interfaces.Scheduler
	prometheus  *metrics.Prometheus
	metrics     metrics.Recorder
	notifier    interfaces.Notifier
	webhooks    *notify.Async
	audit       audit.Recorder
	activity    interfaces.ActivitySink
	engine      interfaces.WorkflowEngine
	clients     []interfaces.PlatformClient
	registry    *platforms.Registry
	approvalRep approvals.Repository
	stores      *publishing.Stores

	cacheService  repocache.CacheService
	keySerializer repocache.KeySerializer

	limiter      *ratelimit.Limiter
	crisis       *crisis.Switch
	approvalSvc  *approvals.Service
	orchestrator *publishing.Orchestrator
	publishSvc   *publishing.Service
	worker       *jobs.Worker
	dispatcher   *jobs.Dispatcher
	tokenWatcher *jobs.TokenWatcher
	health       *health.Checker
}

// Option mutates the container before it is finalised.
type Option func(*Container)

// WithBunDB uses db instead of opening the configured storage driver.
func WithBunDB(db *bun.DB) Option {
	return func(c *Container) {
		c.bunDB = db
	}
}

// WithRedisClient uses client for the key-value store and the job queue.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(c *Container) {
		c.redis = client
	}
}

// WithKVStore overrides the store behind rate limits, crisis flags and locks.
func WithKVStore(store kvstore.Store) Option {
	return func(c *Container) {
		c.kv = store
	}
}

// WithScheduler overrides the job queue.
func WithScheduler(s interfaces.Scheduler) Option {
	return func(c *Container) {
		c.scheduler = s
	}
}

// WithCache overrides the repository cache used by bun stores.
func WithCache(service repocache.CacheService, serializer repocache.KeySerializer) Option {
	return func(c *Container) {
		c.cacheService = service
		c.keySerializer = serializer
	}
}

// WithLoggerProvider overrides the go-logger backed provider.
func WithLoggerProvider(provider interfaces.LoggerProvider) Option {
	return func(c *Container) {
		c.loggerProvider = provider
	}
}

// WithNotifier replaces the configured notifier chain.
func WithNotifier(n interfaces.Notifier) Option {
	return func(c *Container) {
		c.notifier = n
	}
}

// WithMetrics overrides the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Container) {
		c.metrics = recorder
	}
}

// WithAuditRecorder overrides the audit recorder.
func WithAuditRecorder(recorder audit.Recorder) Option {
	return func(c *Container) {
		c.audit = recorder
	}
}

// WithActivitySink mirrors audit events into a go-users activity sink.
func WithActivitySink(sink interfaces.ActivitySink) Option {
	return func(c *Container) {
		c.activity = sink
	}
}

// WithWorkflowEngine overrides the built-in workflow engine.
func WithWorkflowEngine(engine interfaces.WorkflowEngine) Option {
	return func(c *Container) {
		c.engine = engine
	}
}

// WithPlatformClients replaces the default facebook and linkedin clients.
func WithPlatformClients(clients ...interfaces.PlatformClient) Option {
	return func(c *Container) {
		c.clients = clients
	}
}

// WithApprovalRepository overrides the content item repository.
func WithApprovalRepository(repo approvals.Repository) Option {
	return func(c *Container) {
		c.approvalRep = repo
	}
}

// WithStores overrides the variant, account and attempt repositories.
func WithStores(stores publishing.Stores) Option {
	return func(c *Container) {
		c.stores = &stores
	}
}

// WithClock overrides the clock shared by every service.
func WithClock(clock func() time.Time) Option {
	return func(c *Container) {
		if clock != nil {
			c.now = clock
		}
	}
}

// NewContainer validates cfg and builds every service.
func NewContainer(cfg runtimeconfig.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{
		Config: cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx := context.Background()
	steps := []func(context.Context) error{
		c.configureLogging,
		c.configureStorage,
		c.configureRedis,
		c.configureInfrastructure,
		c.configureServices,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Container) configureLogging(context.Context) error {
	if c.loggerProvider != nil {
		return nil
	}
	provider, err := gologger.NewProvider(gologger.ConfigFromRuntime(c.Config.Logging, "omnipost"))
	if err != nil {
		return fmt.Errorf("di: logger provider: %w", err)
	}
	c.loggerProvider = provider
	return nil
}

func (c *Container) configureStorage(ctx context.Context) error {
	if c.bunDB == nil {
		db, err := storage.Open(ctx, c.Config.Storage)
		if err != nil {
			return err
		}
		c.bunDB = db
		c.ownsDB = db != nil
	}
	c.configureCacheDefaults()
	return nil
}

func (c *Container) configureCacheDefaults() {
	if !c.Config.Cache.Enabled || c.bunDB == nil {
		return
	}
	if c.cacheService == nil {
		cfg := repocache.DefaultConfig()
		if c.Config.Cache.DefaultTTL > 0 {
			cfg.TTL = c.Config.Cache.DefaultTTL
		}
		if service, err := repocache.NewCacheService(cfg); err == nil {
			c.cacheService = service
		}
	}
	if c.cacheService != nil && c.keySerializer == nil {
		c.keySerializer = repocache.NewDefaultKeySerializer()
	}
}

func (c *Container) configureRedis(ctx context.Context) error {
	if c.redis != nil || !c.Config.Redis.Enabled {
		return nil
	}
	r := c.Config.Redis
	client, err := kvstore.NewUniversalClient(ctx, kvstore.RedisConfig{
		Addrs:        r.Addrs,
		MasterName:   r.MasterName,
		Username:     r.Username,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	})
	if err != nil {
		return fmt.Errorf("di: redis: %w", err)
	}
	c.redis = client
	c.ownsRedis = true
	return nil
}

func (c *Container) configureInfrastructure(context.Context) error {
	cfg := c.Config

	if c.kv == nil {
		if c.redis != nil {
			c.kv = kvstore.NewRedis(c.redis, cfg.Redis.KeyPrefix)
		} else {
			c.kv = kvstore.NewMemory(kvstore.WithClock(c.now))
		}
	}

	if c.scheduler == nil {
		if c.redis != nil {
			c.scheduler = scheduler.NewRedis(c.redis, cfg.Redis.KeyPrefix, scheduler.WithRedisClock(c.now))
		} else {
			c.scheduler = scheduler.NewInMemory(scheduler.WithClock(c.now))
		}
	}

	if c.metrics == nil {
		if cfg.Metrics.Enabled {
			c.prometheus = metrics.NewPrometheus(cfg.Metrics.Namespace)
			c.metrics = c.prometheus
		} else {
			c.metrics = metrics.Noop()
		}
	} else if p, ok := c.metrics.(*metrics.Prometheus); ok {
		c.prometheus = p
	}

	if c.notifier == nil {
		chain := notify.Multi{notify.NewLogNotifier(logging.NotifyLogger(c.loggerProvider))}
		if url := strings.TrimSpace(cfg.Notifier.WebhookURL); url != "" {
			webhook := notify.NewWebhookNotifier(notify.WebhookConfig{
				URL:        url,
				MaxRetries: cfg.Notifier.MaxRetries,
				BaseDelay:  cfg.Notifier.BaseDelay,
				MaxDelay:   cfg.Notifier.MaxDelay,
				Timeout:    cfg.Notifier.Timeout,
			}, notify.WithLogger(logging.NotifyLogger(c.loggerProvider)), notify.WithClock(c.now))
			c.webhooks = notify.NewAsync(webhook, notify.AsyncConfig{
				QueueSize: cfg.Notifier.QueueSize,
				Workers:   cfg.Notifier.Workers,
				Timeout:   time.Duration(cfg.Notifier.MaxRetries+1)*cfg.Notifier.Timeout + cfg.Notifier.MaxDelay*time.Duration(cfg.Notifier.MaxRetries),
			}, logging.NotifyLogger(c.loggerProvider))
			chain = append(chain, c.webhooks)
		}
		c.notifier = notify.Instrumented{Next: chain, Metrics: c.metrics}
	}

	if c.audit == nil {
		if c.bunDB != nil {
			c.audit = audit.NewBunRecorder(c.bunDB)
		} else {
			c.audit = audit.NewInMemoryRecorder()
		}
	}
	if c.activity != nil {
		c.audit = audit.Multi{c.audit, audit.ActivityForwarder{Sink: c.activity}}
	}

	if c.engine == nil {
		c.engine = simple.New(simple.WithClock(c.now))
	}

	if c.clients == nil {
		c.clients = c.defaultClients()
	}
	c.registry = platforms.NewRegistry(c.clients...)
	return nil
}

func (c *Container) defaultClients() []interfaces.PlatformClient {
	cfg := c.Config
	logger := logging.PlatformsLogger(c.loggerProvider)
	clientConfig := func(name string) platforms.ClientConfig {
		p := cfg.Platforms[name]
		return platforms.ClientConfig{
			BaseURL:          p.BaseURL,
			APIVersion:       p.APIVersion,
			ClientID:         p.ClientID,
			ClientSecret:     p.ClientSecret,
			RefreshThreshold: cfg.Publishing.TokenRefreshThreshold,
			Now:              c.now,
		}
	}
	return []interfaces.PlatformClient{
		facebook.New(clientConfig(facebook.Platform), facebook.WithLogger(logger)),
		linkedin.New(clientConfig(linkedin.Platform), linkedin.WithLogger(logger)),
	}
}

func (c *Container) configureServices(context.Context) error {
	cfg := c.Config
	provider := c.loggerProvider

	c.limiter = ratelimit.New(c.kv, ratelimit.ConfigFromRuntime(cfg),
		ratelimit.WithLogger(logging.RateLimitLogger(provider)),
		ratelimit.WithMetrics(c.metrics),
		ratelimit.WithClock(c.now),
	)

	crisisOpts := []crisis.Option{
		crisis.WithTTL(cfg.Crisis.FlagTTL),
		crisis.WithPlatforms(c.platformNames()...),
		crisis.WithAuditRecorder(c.audit),
		crisis.WithNotifier(c.notifier),
		crisis.WithLogger(logging.CrisisLogger(provider)),
		crisis.WithClock(c.now),
	}
	if prefix := strings.TrimSpace(cfg.Crisis.KeyPrefix); prefix != "" {
		crisisOpts = append(crisisOpts, crisis.WithKeyPrefix(prefix))
	}
	c.crisis = crisis.New(c.kv, crisisOpts...)

	if c.approvalRep == nil {
		if c.bunDB != nil {
			c.approvalRep = approvals.NewBunRepository(c.bunDB)
		} else {
			c.approvalRep = approvals.NewMemoryRepository()
		}
	}
	c.approvalSvc = approvals.NewService(c.approvalRep,
		approvals.WithWorkflowEngine(c.engine),
		approvals.WithAuditRecorder(c.audit),
		approvals.WithNotifier(c.notifier),
		approvals.WithLogger(logging.ApprovalsLogger(provider)),
		approvals.WithSLA(cfg.Approvals.SLA),
		approvals.WithEscalationBatch(cfg.Approvals.EscalationBatch),
		approvals.WithClock(c.now),
	)

	if c.stores == nil {
		var stores publishing.Stores
		switch {
		case c.bunDB != nil && c.cacheService != nil:
			stores = publishing.NewBunStoreWithCache(c.bunDB, c.cacheService, c.keySerializer).Stores()
		case c.bunDB != nil:
			stores = publishing.NewBunStore(c.bunDB).Stores()
		default:
			stores = publishing.NewMemoryStore().Stores()
		}
		c.stores = &stores
	}

	c.orchestrator = publishing.NewOrchestrator(publishing.OrchestratorDeps{
		Stores:  *c.stores,
		Limiter: c.limiter,
		Crisis:  c.crisis,
		Clients: c.registry,
		Content: c.approvalSvc,
		Locks:   c.kv,
		Engine:  c.engine,
	}, publishing.OrchestratorConfigFromRuntime(cfg),
		publishing.WithLogger(logging.PublishingLogger(provider)),
		publishing.WithMetrics(c.metrics),
		publishing.WithAuditRecorder(c.audit),
		publishing.WithNotifier(c.notifier),
		publishing.WithClock(c.now),
	)

	c.publishSvc = publishing.NewService(publishing.ServiceDeps{
		Stores:    *c.stores,
		Content:   c.approvalSvc,
		Scheduler: c.scheduler,
		Engine:    c.engine,
		Audit:     c.audit,
		Logger:    logging.PublishingLogger(provider),
		Now:       c.now,
	})

	jobsLogger := logging.JobsLogger(provider)
	c.worker = jobs.NewWorker(c.scheduler, c.orchestrator,
		jobs.WithLogger(jobsLogger),
		jobs.WithMetrics(c.metrics),
		jobs.WithClock(c.now),
		jobs.WithBatchSize(cfg.Publishing.WorkerBatch),
	)
	c.dispatcher = jobs.NewDispatcher(c.stores.Variants, c.stores.Ledger, c.crisis, c.scheduler,
		jobs.DispatcherConfigFromRuntime(cfg),
		jobs.WithLogger(jobsLogger),
		jobs.WithMetrics(c.metrics),
		jobs.WithClock(c.now),
	)
	c.tokenWatcher = jobs.NewTokenWatcher(c.stores.Accounts, c.registry, c.kv, c.notifier, c.audit,
		jobs.TokenWatchConfigFromRuntime(cfg),
		jobs.WithLogger(jobsLogger),
		jobs.WithMetrics(c.metrics),
		jobs.WithClock(c.now),
	)

	healthOpts := []health.Option{
		health.WithCache(c.kv),
		health.WithAccounts(c.stores.Accounts),
		health.WithNotifier(c.notifier),
		health.WithMetrics(c.metrics),
		health.WithLogger(logging.HealthLogger(provider)),
		health.WithClock(c.now),
	}
	if c.bunDB != nil {
		healthOpts = append(healthOpts, health.WithDB(c.bunDB))
	}
	if c.redis != nil {
		healthOpts = append(healthOpts, health.WithRedis(c.redis))
	}
	if depth, ok := c.scheduler.(scheduler.DepthReporter); ok {
		healthOpts = append(healthOpts, health.WithQueue(depth))
	}
	c.health = health.New(health.ConfigFromRuntime(cfg), healthOpts...)
	return nil
}

func (c *Container) platformNames() []string {
	names := make([]string, 0, len(c.clients))
	for _, client := range c.clients {
		names = append(names, client.Platform())
	}
	for name := range c.Config.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return compactStrings(names)
}

func compactStrings(sorted []string) []string {
	out := sorted[:0]
	for i, name := range sorted {
		if i > 0 && name == sorted[i-1] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Close releases connections the container opened itself.
func (c *Container) Close() error {
	var errs error
	if c.webhooks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = errors.Join(errs, c.webhooks.Close(ctx))
		cancel()
	}
	if c.ownsDB && c.bunDB != nil {
		errs = errors.Join(errs, c.bunDB.Close())
	}
	if c.ownsRedis && c.redis != nil {
		errs = errors.Join(errs, c.redis.Close())
	}
	return errs
}

func (c *Container) LoggerProvider() interfaces.LoggerProvider { return c.loggerProvider }

func (c *Container) BunDB() *bun.DB { return c.bunDB }

func (c *Container) KVStore() kvstore.Store { return c.kv }

func (c *Container) Scheduler() interfaces.Scheduler { return c.scheduler }

func (c *Container) Metrics() metrics.Recorder { return c.metrics }

// Prometheus returns the registry-backed recorder, or nil when metrics are disabled.
func (c *Container) Prometheus() *metrics.Prometheus { return c.prometheus }

func (c *Container) Notifier() interfaces.Notifier { return c.notifier }

func (c *Container) AuditRecorder() audit.Recorder { return c.audit }

func (c *Container) WorkflowEngine() interfaces.WorkflowEngine { return c.engine }

func (c *Container) Platforms() *platforms.Registry { return c.registry }

func (c *Container) Stores() publishing.Stores { return *c.stores }

func (c *Container) RateLimiter() *ratelimit.Limiter { return c.limiter }

func (c *Container) CrisisSwitch() *crisis.Switch { return c.crisis }

func (c *Container) ApprovalService() *approvals.Service { return c.approvalSvc }

func (c *Container) Orchestrator() *publishing.Orchestrator { return c.orchestrator }

func (c *Container) PublishingService() *publishing.Service { return c.publishSvc }

func (c *Container) JobWorker() *jobs.Worker { return c.worker }

func (c *Container) Dispatcher() *jobs.Dispatcher { return c.dispatcher }

func (c *Container) TokenWatcher() *jobs.TokenWatcher { return c.tokenWatcher }

func (c *Container) HealthChecker() *health.Checker { return c.health }
