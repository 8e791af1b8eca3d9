// Package linkedin publishes to LinkedIn member and organisation feeds
// through the versioned REST API.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-omnipost/internal/logging"
	"github.com/goliatone/go-omnipost/internal/platforms"
	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

const (
	Platform            = "linkedin"
	DefaultBaseURL      = "https://api.linkedin.com"
	DefaultOAuthBaseURL = "https://www.linkedin.com"
	DefaultAPIVersion   = "202401"

	// MetaAuthorURN overrides the post author when the target id is not a URN.
	MetaAuthorURN = "author_urn"
)

// Client implements interfaces.PlatformClient for LinkedIn.
type Client struct {
	cfg    platforms.ClientConfig
	logger interfaces.Logger
}

var _ interfaces.PlatformClient = (*Client)(nil)

type Option func(*Client)

func WithLogger(logger interfaces.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a LinkedIn client.
func New(cfg platforms.ClientConfig, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg.WithDefaults(DefaultBaseURL, DefaultOAuthBaseURL, DefaultAPIVersion),
		logger: logging.NoOp(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Platform() string { return Platform }

type postPayload struct {
	Author                    string       `json:"author"`
	Commentary                string       `json:"commentary"`
	Visibility                string       `json:"visibility"`
	Distribution              distribution `json:"distribution"`
	LifecycleState            string       `json:"lifecycleState"`
	IsReshareDisabledByAuthor bool         `json:"isReshareDisabledByAuthor"`
	Content                   *postContent `json:"content,omitempty"`
}

type distribution struct {
	FeedDistribution               string   `json:"feedDistribution"`
	TargetEntities                 []string `json:"targetEntities"`
	ThirdPartyDistributionChannels []string `json:"thirdPartyDistributionChannels"`
}

type postContent struct {
	Article *article `json:"article,omitempty"`
}

type article struct {
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
}

// Publish creates a post authored by the target URN.
func (c *Client) Publish(ctx context.Context, req interfaces.PublishRequest) (*interfaces.PublishResult, error) {
	payload := postPayload{
		Author:     authorURN(req),
		Commentary: req.Text,
		Visibility: "PUBLIC",
		Distribution: distribution{
			FeedDistribution:               "MAIN_FEED",
			TargetEntities:                 []string{},
			ThirdPartyDistributionChannels: []string{},
		},
		LifecycleState: "PUBLISHED",
	}
	if link := strings.TrimSpace(req.Options.Link); link != "" {
		payload.Content = &postContent{Article: &article{Source: link}}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &interfaces.PlatformError{Platform: Platform, Class: interfaces.ErrorClassRejected, Message: err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api("rest", "posts"), bytes.NewReader(body))
	if err != nil {
		return nil, platforms.TransportError(Platform, err)
	}
	c.setHeaders(httpReq, req.Credential.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, platforms.TransportError(Platform, err)
	}
	raw := platforms.ReadBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classify(resp.StatusCode, raw)
	}

	id := strings.TrimSpace(resp.Header.Get("x-restli-id"))
	if id == "" {
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal([]byte(raw), &created); err == nil {
			id = created.ID
		}
	}
	if id == "" {
		return nil, &interfaces.PlatformError{
			Platform:   Platform,
			Class:      interfaces.ErrorClassTransient,
			Message:    "response did not include a post id",
			StatusCode: resp.StatusCode,
			Raw:        raw,
		}
	}
	c.logger.Debug("linkedin.publish.success", "author", payload.Author, "post_id", id)
	return &interfaces.PublishResult{ExternalPostID: id, RawResponse: raw}, nil
}

// RefreshIfNeeded uses the refresh token grant when the access token expires
// within the refresh threshold. LinkedIn may omit a new refresh token, in
// which case the old one is kept.
func (c *Client) RefreshIfNeeded(ctx context.Context, cred interfaces.Credential) (interfaces.Credential, error) {
	now := c.cfg.Now()
	if !cred.ExpiresWithin(now, c.cfg.RefreshThreshold) {
		return cred, nil
	}
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return cred, &interfaces.PlatformError{
			Platform: Platform,
			Class:    interfaces.ErrorClassAuth,
			Message:  "credential has no refresh token",
		}
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	endpoint := strings.TrimRight(c.cfg.OAuthBaseURL, "/") + "/oauth/v2/accessToken"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return cred, platforms.TransportError(Platform, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return cred, platforms.TransportError(Platform, err)
	}
	raw := platforms.ReadBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		perr := classify(resp.StatusCode, raw)
		if resp.StatusCode == http.StatusBadRequest {
			perr.Class = interfaces.ErrorClassAuth
		}
		return cred, perr
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil || payload.AccessToken == "" {
		return cred, &interfaces.PlatformError{
			Platform:   Platform,
			Class:      interfaces.ErrorClassAuth,
			Message:    "token refresh returned no access token",
			StatusCode: resp.StatusCode,
			Raw:        raw,
			Err:        err,
		}
	}
	refreshed := cred
	refreshed.AccessToken = payload.AccessToken
	refreshed.ExpiresAt = platforms.ExpiryFromSeconds(now, payload.ExpiresIn)
	if payload.RefreshToken != "" {
		refreshed.RefreshToken = payload.RefreshToken
	}
	c.logger.Info("linkedin.token.refreshed")
	return refreshed, nil
}

// ListPublishTargets lists the organisations the member administers.
func (c *Client) ListPublishTargets(ctx context.Context, cred interfaces.Credential) ([]interfaces.PublishTarget, error) {
	query := url.Values{}
	query.Set("q", "roleAssignee")
	query.Set("role", "ADMINISTRATOR")
	query.Set("projection", "(elements*(organizationalTarget~(localizedName,vanityName)))")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.api("v2", "organizationalEntityAcls")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, platforms.TransportError(Platform, err)
	}
	c.setHeaders(req, cred.AccessToken)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, platforms.TransportError(Platform, err)
	}
	raw := platforms.ReadBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, classify(resp.StatusCode, raw)
	}

	var payload struct {
		Elements []struct {
			Target   string `json:"organizationalTarget"`
			Expanded struct {
				LocalizedName string `json:"localizedName"`
				VanityName    string `json:"vanityName"`
			} `json:"organizationalTarget~"`
		} `json:"elements"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, &interfaces.PlatformError{Platform: Platform, Class: interfaces.ErrorClassTransient, Message: "decode response: " + err.Error(), Raw: raw, Err: err}
	}
	targets := make([]interfaces.PublishTarget, 0, len(payload.Elements))
	for _, element := range payload.Elements {
		if element.Target == "" {
			continue
		}
		targets = append(targets, interfaces.PublishTarget{
			ID:          element.Target,
			Name:        element.Expanded.LocalizedName,
			AccessToken: cred.AccessToken,
			Meta: map[string]any{
				MetaAuthorURN: element.Target,
				"vanity_name": element.Expanded.VanityName,
			},
		})
	}
	return targets, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("LinkedIn-Version", c.cfg.APIVersion)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
}

func (c *Client) api(parts ...string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.Join(parts, "/")
}

func authorURN(req interfaces.PublishRequest) string {
	target := strings.TrimSpace(req.TargetID)
	if strings.HasPrefix(target, "urn:li:") {
		return target
	}
	if urn := req.Credential.MetaString(MetaAuthorURN); urn != "" {
		return urn
	}
	return "urn:li:organization:" + target
}

func classify(status int, raw string) *interfaces.PlatformError {
	perr := &interfaces.PlatformError{
		Platform:   Platform,
		Class:      platforms.ClassifyStatus(status),
		Message:    http.StatusText(status),
		StatusCode: status,
		Raw:        raw,
	}
	var envelope struct {
		Message     string `json:"message"`
		ServiceCode int    `json:"serviceErrorCode"`
		Code        string `json:"code"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err == nil {
		if envelope.Message != "" {
			perr.Message = envelope.Message
		}
		perr.Code = envelope.Code
	}
	return perr
}
