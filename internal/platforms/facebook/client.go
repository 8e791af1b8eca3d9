// Package facebook publishes to Facebook pages through the Graph API.
package facebook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/platforms"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	Platform          = "facebook"
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v18.0"

	// MetaPageAccessToken is the account meta key holding the page token.
	MetaPageAccessToken = "page_access_token"
)

// Client implements interfaces.PlatformClient for Facebook pages.
type Client struct {
	cfg    platforms.ClientConfig
	logger interfaces.Logger
}

var _ interfaces.PlatformClient = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

func WithLogger(logger interfaces.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a Graph API client. Empty config fields fall back to the
// public Graph endpoint and v18.0.
func New(cfg platforms.ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.WithDefaults(DefaultBaseURL, DefaultBaseURL, DefaultAPIVersion),
		logger: logging.NoOp(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Platform() string { return Platform }

type graphError struct {
	Error *struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// Publish posts text (and an optional link) to the page feed.
func (c *Client) Publish(ctx context.Context, req interfaces.PublishRequest) (*interfaces.PublishResult, error) {
	token := req.Credential.MetaString(MetaPageAccessToken)
	if token == "" {
		token = req.Credential.AccessToken
	}
	form := url.Values{}
	form.Set("message", req.Text)
	form.Set("access_token", token)
	if link := strings.TrimSpace(req.Options.Link); link != "" {
		form.Set("link", link)
	}

	endpoint := c.endpoint(url.PathEscape(req.TargetID), "feed")
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, platforms.TransportError(Platform, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, platforms.TransportError(Platform, err)
	}
	raw := platforms.ReadBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classify(resp.StatusCode, raw)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.ID == "" {
		if perr := classify(resp.StatusCode, raw); perr.Code != "" {
			return nil, perr
		}
		return nil, &interfaces.PlatformError{
			Platform:   Platform,
			Class:      interfaces.ErrorClassTransient,
			Message:    "response did not include a post id",
			StatusCode: resp.StatusCode,
			Raw:        raw,
			Err:        err,
		}
	}
	c.logger.Debug("facebook.publish.success", "target", req.TargetID, "post_id", payload.ID)
	return &interfaces.PublishResult{ExternalPostID: payload.ID, RawResponse: raw}, nil
}

// RefreshIfNeeded exchanges the user token for a fresh long-lived token when
// it expires within the refresh threshold.
func (c *Client) RefreshIfNeeded(ctx context.Context, cred interfaces.Credential) (interfaces.Credential, error) {
	now := c.cfg.Now()
	if !cred.ExpiresWithin(now, c.cfg.RefreshThreshold) {
		return cred, nil
	}
	query := url.Values{}
	query.Set("grant_type", "fb_exchange_token")
	query.Set("client_id", c.cfg.ClientID)
	query.Set("client_secret", c.cfg.ClientSecret)
	query.Set("fb_exchange_token", cred.AccessToken)

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := c.getJSON(ctx, c.endpoint("oauth", "access_token")+"?"+query.Encode(), &payload); err != nil {
		return cred, err
	}
	if payload.AccessToken == "" {
		return cred, &interfaces.PlatformError{
			Platform: Platform,
			Class:    interfaces.ErrorClassAuth,
			Message:  "token exchange returned no access token",
		}
	}

	refreshed := cred
	refreshed.AccessToken = payload.AccessToken
	refreshed.ExpiresAt = platforms.ExpiryFromSeconds(now, payload.ExpiresIn)
	c.logger.Info("facebook.token.refreshed", "expires_at", refreshed.ExpiresAt.Format(time.RFC3339))
	return refreshed, nil
}

// ListPublishTargets lists the pages managed by the user token.
func (c *Client) ListPublishTargets(ctx context.Context, cred interfaces.Credential) ([]interfaces.PublishTarget, error) {
	query := url.Values{}
	query.Set("fields", "id,name,access_token")
	query.Set("access_token", cred.AccessToken)

	var payload struct {
		Data []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			AccessToken string `json:"access_token"`
		} `json:"data"`
	}
	if err := c.getJSON(ctx, c.endpoint("me", "accounts")+"?"+query.Encode(), &payload); err != nil {
		return nil, err
	}
	targets := make([]interfaces.PublishTarget, 0, len(payload.Data))
	for _, page := range payload.Data {
		targets = append(targets, interfaces.PublishTarget{
			ID:          page.ID,
			Name:        page.Name,
			AccessToken: page.AccessToken,
			Meta:        map[string]any{MetaPageAccessToken: page.AccessToken},
		})
	}
	return targets, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return platforms.TransportError(Platform, err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return platforms.TransportError(Platform, err)
	}
	raw := platforms.ReadBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return classify(resp.StatusCode, raw)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return &interfaces.PlatformError{
			Platform:   Platform,
			Class:      interfaces.ErrorClassTransient,
			Message:    "decode response: " + err.Error(),
			StatusCode: resp.StatusCode,
			Raw:        raw,
			Err:        err,
		}
	}
	return nil
}

func (c *Client) endpoint(parts ...string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + c.cfg.APIVersion + "/" + strings.Join(parts, "/")
}

// classify maps a Graph error envelope. The Graph code wins over the HTTP
// status when present: permission (10, 200), invalid parameter (100) and
// duplicate post (506) are terminal, unknown codes are retried.
func classify(status int, raw string) *interfaces.PlatformError {
	perr := &interfaces.PlatformError{
		Platform:   Platform,
		Class:      platforms.ClassifyStatus(status),
		Message:    http.StatusText(status),
		StatusCode: status,
		Raw:        raw,
	}
	var envelope graphError
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil || envelope.Error == nil {
		return perr
	}
	perr.Code = strconv.Itoa(envelope.Error.Code)
	if envelope.Error.Message != "" {
		perr.Message = envelope.Error.Message
	}
	switch envelope.Error.Code {
	case 190:
		perr.Class = interfaces.ErrorClassAuth
	case 4, 17, 32, 613:
		perr.Class = interfaces.ErrorClassRateLimited
	case 10, 100, 200, 506:
		perr.Class = interfaces.ErrorClassRejected
	default:
		perr.Class = interfaces.ErrorClassTransient
	}
	return perr
}
