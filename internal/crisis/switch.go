// Package crisis implements the brand kill switch that halts publication for
// a whole brand or for one platform of a brand.
package crisis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-omnipost/internal/audit"
	"github.com/goliatone/go-omnipost/internal/domain"
	"github.com/goliatone/go-omnipost/internal/kvstore"
	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	ScopeAll      = "all"
	ScopePlatform = "platform"
)

var (
	ErrBrandRequired = goerrors.New("crisis: brand id required", goerrors.CategoryValidation).
				WithTextCode("CRISIS_BRAND_REQUIRED")
	// ErrUnknownPlatform rejects a flag that a brand-wide disable would not clear.
	ErrUnknownPlatform = goerrors.New("crisis: unknown platform", goerrors.CategoryValidation).
				WithTextCode("CRISIS_UNKNOWN_PLATFORM")
)

// EnableRequest activates crisis mode. An empty Platform covers every platform.
type EnableRequest struct {
	BrandID  uuid.UUID
	Platform string
	ActorID  uuid.UUID
}

// DisableRequest lifts crisis mode. An empty Platform also clears every
// platform-scoped flag of the brand.
type DisableRequest struct {
	BrandID  uuid.UUID
	Platform string
	ActorID  uuid.UUID
}

// FlagDetail is the JSON payload stored under a crisis key.
type FlagDetail struct {
	EnabledAt time.Time `json:"enabled_at"`
	EnabledBy string    `json:"enabled_by,omitempty"`
	Platform  string    `json:"platform,omitempty"`
}

// Status summarises the crisis flags of a brand.
type Status struct {
	Active    bool
	Scope     string
	Detail    *FlagDetail
	Platforms []string
	Details   map[string]FlagDetail
}

// Switch reads and toggles crisis flags.
type Switch struct {
	store     kvstore.Store
	ttl       time.Duration
	prefix    string
	platforms []string
	audit     audit.Recorder
	notifier  interfaces.Notifier
	logger    interfaces.Logger
	now       func() time.Time
}

type Option func(*Switch)

func WithTTL(ttl time.Duration) Option {
	return func(s *Switch) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithKeyPrefix(prefix string) Option {
	return func(s *Switch) {
		s.prefix = prefix
	}
}

// WithPlatforms sets the platforms Enable accepts. A brand-wide disable clears
// them and Status scans them.
func WithPlatforms(platforms ...string) Option {
	return func(s *Switch) {
		if len(platforms) == 0 {
			return
		}
		s.platforms = normalizePlatforms(platforms)
	}
}

func WithAuditRecorder(recorder audit.Recorder) Option {
	return func(s *Switch) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

func WithNotifier(notifier interfaces.Notifier) Option {
	return func(s *Switch) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

func WithLogger(logger interfaces.Logger) Option {
	return func(s *Switch) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(s *Switch) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New constructs a switch over store.
func New(store kvstore.Store, opts ...Option) *Switch {
	s := &Switch{
		store:     store,
		ttl:       24 * time.Hour,
		platforms: []string{string(domain.PlatformFacebook), string(domain.PlatformLinkedIn)},
		audit:     audit.Noop{},
		logger:    logging.NoOp(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enable writes the crisis flag, audits the toggle and alerts administrators.
func (s *Switch) Enable(ctx context.Context, req EnableRequest) error {
	if req.BrandID == uuid.Nil {
		return ErrBrandRequired
	}
	platform := normalizePlatform(req.Platform)
	if platform != "" && !slices.Contains(s.platforms, platform) {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	now := s.now().UTC()
	detail := FlagDetail{EnabledAt: now, Platform: platform}
	if req.ActorID != uuid.Nil {
		detail.EnabledBy = req.ActorID.String()
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("crisis: encode flag: %w", err)
	}
	if err := s.store.Set(ctx, s.key(req.BrandID, platform), string(payload), s.ttl); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "crisis: write flag").
			WithTextCode("CRISIS_STORE_FAILED")
	}

	s.logger.Warn("crisis.enabled", "brand_id", req.BrandID.String(), "platform", platform, "actor_id", req.ActorID.String())
	s.record(ctx, audit.ActionCrisisEnabled, req.BrandID, req.ActorID, platform, now)
	s.alert(ctx, interfaces.AlertCrisisEnabled, req.BrandID, req.ActorID, platform)
	return nil
}

// Disable removes the crisis flag. A brand-wide disable also clears every
// platform-scoped flag of the brand.
func (s *Switch) Disable(ctx context.Context, req DisableRequest) error {
	if req.BrandID == uuid.Nil {
		return ErrBrandRequired
	}
	platform := normalizePlatform(req.Platform)
	keys := []string{s.key(req.BrandID, platform)}
	if platform == "" {
		for _, p := range s.platforms {
			keys = append(keys, s.key(req.BrandID, p))
		}
	}
	if err := s.store.Del(ctx, keys...); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "crisis: clear flag").
			WithTextCode("CRISIS_STORE_FAILED")
	}

	s.logger.Info("crisis.disabled", "brand_id", req.BrandID.String(), "platform", platform, "actor_id", req.ActorID.String())
	s.record(ctx, audit.ActionCrisisDisabled, req.BrandID, req.ActorID, platform, s.now().UTC())
	s.alert(ctx, interfaces.AlertCrisisDisabled, req.BrandID, req.ActorID, platform)
	return nil
}

// IsActive reports whether publication to platform is halted for the brand.
// The brand-wide flag covers every platform.
func (s *Switch) IsActive(ctx context.Context, brandID uuid.UUID, platform string) (bool, error) {
	active, err := s.store.Exists(ctx, s.key(brandID, ""))
	if err != nil || active {
		return active, err
	}
	platform = normalizePlatform(platform)
	if platform == "" {
		return false, nil
	}
	return s.store.Exists(ctx, s.key(brandID, platform))
}

// Status reports the active scope and the flag details of a brand.
func (s *Switch) Status(ctx context.Context, brandID uuid.UUID) (*Status, error) {
	status := &Status{}
	detail, ok, err := s.readFlag(ctx, s.key(brandID, ""))
	if err != nil {
		return nil, err
	}
	if ok {
		status.Active = true
		status.Scope = ScopeAll
		status.Detail = &detail
		return status, nil
	}

	for _, platform := range s.platforms {
		detail, ok, err := s.readFlag(ctx, s.key(brandID, platform))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if status.Details == nil {
			status.Details = map[string]FlagDetail{}
		}
		status.Active = true
		status.Platforms = append(status.Platforms, platform)
		status.Details[platform] = detail
	}
	if status.Active {
		status.Scope = ScopePlatform
	}
	return status, nil
}

func (s *Switch) readFlag(ctx context.Context, key string) (FlagDetail, bool, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return FlagDetail{}, ok, err
	}
	var detail FlagDetail
	if err := json.Unmarshal([]byte(raw), &detail); err != nil {
		s.logger.Warn("crisis.flag.corrupt", "key", key, "error", err)
	}
	return detail, true, nil
}

func (s *Switch) record(ctx context.Context, action string, brandID, actorID uuid.UUID, platform string, at time.Time) {
	scope := ScopeAll
	if platform != "" {
		scope = ScopePlatform
	}
	err := s.audit.Record(ctx, audit.Event{
		EntityType: domain.EntityTypeBrand,
		EntityID:   brandID.String(),
		Action:     action,
		ActorID:    actorID,
		OccurredAt: at,
		Metadata: map[string]any{
			"brand_id": brandID.String(),
			"platform": platform,
			"scope":    scope,
		},
	})
	if err != nil {
		s.logger.Error("crisis.audit.failed", "action", action, "error", err)
	}
}

func (s *Switch) alert(ctx context.Context, kind interfaces.AlertKind, brandID, actorID uuid.UUID, platform string) {
	if s.notifier == nil {
		return
	}
	subject := "Crisis mode enabled"
	if kind == interfaces.AlertCrisisDisabled {
		subject = "Crisis mode disabled"
	}
	if platform != "" {
		subject += " for " + platform
	}
	err := s.notifier.Notify(ctx, interfaces.Alert{
		Audience: []interfaces.Audience{interfaces.AudienceAdministrators},
		Kind:     kind,
		BrandID:  brandID.String(),
		Subject:  subject,
		Context: map[string]any{
			"platform": platform,
			"actor_id": actorID.String(),
		},
	})
	if err != nil {
		s.logger.Warn("crisis.notify.failed", "kind", string(kind), "error", err)
	}
}

// key renders {prefix}crisis_mode:brand:{id}[:{platform}].
func (s *Switch) key(brandID uuid.UUID, platform string) string {
	key := s.prefix + "crisis_mode:brand:" + brandID.String()
	if platform != "" {
		key += ":" + platform
	}
	return key
}

func normalizePlatform(platform string) string {
	return string(domain.NormalizePlatform(platform))
}

func normalizePlatforms(platforms []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
