package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// WebhookConfig configures delivery to an HTTP endpoint.
type WebhookConfig struct {
	URL        string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
}

// WebhookNotifier POSTs alerts as JSON, retrying network errors, 5xx and 429
// responses with jittered backoff.
type WebhookNotifier struct {
	cfg      WebhookConfig
	client   *http.Client
	executor failsafe.Executor[*http.Response]
	logger   interfaces.Logger
	now      func() time.Time
}

// WebhookOption customises the notifier.
type WebhookOption func(*WebhookNotifier)

func WithHTTPClient(client *http.Client) WebhookOption {
	return func(n *WebhookNotifier) {
		if client != nil {
			n.client = client
		}
	}
}

func WithLogger(logger interfaces.Logger) WebhookOption {
	return func(n *WebhookNotifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithClock(clock func() time.Time) WebhookOption {
	return func(n *WebhookNotifier) {
		if clock != nil {
			n.now = clock
		}
	}
}

// NewWebhookNotifier builds the notifier and its retry policy.
func NewWebhookNotifier(cfg WebhookConfig, opts ...WebhookOption) *WebhookNotifier {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	n := &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logging.NoOp(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(shouldRetry).
		Build()
	n.executor = failsafe.With(retry)
	return n
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests
}

type webhookPayload struct {
	Kind       string         `json:"kind"`
	Audience   []string       `json:"audience"`
	Recipients []string       `json:"recipients,omitempty"`
	BrandID    string         `json:"brand_id,omitempty"`
	Subject    string         `json:"subject"`
	Context    map[string]any `json:"context,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, alert interfaces.Alert) error {
	body, err := json.Marshal(webhookPayload{
		Kind:       string(alert.Kind),
		Audience:   audienceNames(alert.Audience),
		Recipients: alert.Recipients,
		BrandID:    alert.BrandID,
		Subject:    alert.Subject,
		Context:    alert.Context,
		SentAt:     n.now().UTC(),
	})
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "encode alert").
			WithTextCode("NOTIFY_ENCODE_FAILED")
	}

	resp, err := n.executor.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp, nil
	})
	if err != nil {
		n.logger.Error("notify.webhook.failed", "kind", string(alert.Kind), "error", err)
		return goerrors.Wrap(err, goerrors.CategoryExternal, "deliver alert webhook").
			WithTextCode("NOTIFY_WEBHOOK_FAILED")
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Error("notify.webhook.rejected", "kind", string(alert.Kind), "status", resp.StatusCode)
		return goerrors.New(fmt.Sprintf("alert webhook responded %d", resp.StatusCode), goerrors.CategoryExternal).
			WithTextCode("NOTIFY_WEBHOOK_REJECTED")
	}
	n.logger.Debug("notify.webhook.delivered", "kind", string(alert.Kind))
	return nil
}
