package omnipost

import "github.com/goliatone/go-omnipost/internal/runtimeconfig"

var (
	ErrPlatformQuotaInvalid       = runtimeconfig.ErrPlatformQuotaInvalid
	ErrPlatformWindowInvalid      = runtimeconfig.ErrPlatformWindowInvalid
	ErrFailureThresholdInvalid    = runtimeconfig.ErrFailureThresholdInvalid
	ErrCooldownInvalid            = runtimeconfig.ErrCooldownInvalid
	ErrMaxAttemptsInvalid         = runtimeconfig.ErrMaxAttemptsInvalid
	ErrBackoffScheduleRequired    = runtimeconfig.ErrBackoffScheduleRequired
	ErrLockTTLInvalid             = runtimeconfig.ErrLockTTLInvalid
	ErrCrisisTTLInvalid           = runtimeconfig.ErrCrisisTTLInvalid
	ErrApprovalSLAInvalid         = runtimeconfig.ErrApprovalSLAInvalid
	ErrStorageDriverUnknown       = runtimeconfig.ErrStorageDriverUnknown
	ErrStorageDSNRequired         = runtimeconfig.ErrStorageDSNRequired
	ErrRedisAddrRequired          = runtimeconfig.ErrRedisAddrRequired
	ErrRedisModeInvalid           = runtimeconfig.ErrRedisModeInvalid
	ErrCommandsCronRequiresEngine = runtimeconfig.ErrCommandsCronRequiresEngine
	ErrLoggingLevelInvalid        = runtimeconfig.ErrLoggingLevelInvalid
	ErrLoggingFormatInvalid       = runtimeconfig.ErrLoggingFormatInvalid
	ErrMetricsAddrRequired        = runtimeconfig.ErrMetricsAddrRequired
)

type (
	Config           = runtimeconfig.Config
	PlatformConfig   = runtimeconfig.PlatformConfig
	RateLimitConfig  = runtimeconfig.RateLimitConfig
	PublishingConfig = runtimeconfig.PublishingConfig
	CrisisConfig     = runtimeconfig.CrisisConfig
	ApprovalsConfig  = runtimeconfig.ApprovalsConfig
	AlertsConfig     = runtimeconfig.AlertsConfig
	StorageConfig    = runtimeconfig.StorageConfig
	RedisConfig      = runtimeconfig.RedisConfig
	CacheConfig      = runtimeconfig.CacheConfig
	NotifierConfig   = runtimeconfig.NotifierConfig
	MetricsConfig    = runtimeconfig.MetricsConfig
	LoggingConfig    = runtimeconfig.LoggingConfig
	CommandsConfig   = runtimeconfig.CommandsConfig
)

func DefaultConfig() Config {
	return runtimeconfig.DefaultConfig()
}
