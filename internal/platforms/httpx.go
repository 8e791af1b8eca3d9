package platforms

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goliatone/go-omnipost/pkg/interfaces"
)

// maxBodyBytes caps how much of a platform response is kept as raw evidence.
const maxBodyBytes = 64 << 10

// DefaultRefreshThreshold is how close to expiry a credential gets refreshed.
const DefaultRefreshThreshold = 7 * 24 * time.Hour

// ClientConfig is shared by the HTTP platform clients.
type ClientConfig struct {
	BaseURL          string
	OAuthBaseURL     string
	APIVersion       string
	ClientID         string
	ClientSecret     string
	HTTPClient       *http.Client
	RefreshThreshold time.Duration
	Now              func() time.Time
}

// WithDefaults fills the unset fields.
func (c ClientConfig) WithDefaults(baseURL, oauthBaseURL, version string) ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.OAuthBaseURL == "" {
		c.OAuthBaseURL = oauthBaseURL
	}
	if c.APIVersion == "" {
		c.APIVersion = version
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// ReadBody drains and closes the response body, keeping at most maxBodyBytes.
func ReadBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_, _ = io.Copy(io.Discard, resp.Body)
	return Truncate(string(data), maxBodyBytes)
}

// Truncate cuts value to at most limit bytes on a rune boundary. Invalid byte
// sequences are dropped so the result is always storable as TEXT.
func Truncate(value string, limit int) string {
	value = strings.ToValidUTF8(value, "")
	if limit <= 0 || len(value) <= limit {
		return value
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}

// TransportError classifies a failure that happened before a response was
// received. Caller cancellation is reported as transport too; the caller
// decides whether to retry.
func TransportError(platform string, err error) *interfaces.PlatformError {
	message := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		message = "request timed out"
	}
	return &interfaces.PlatformError{
		Platform: platform,
		Class:    interfaces.ErrorClassTransport,
		Message:  message,
		Err:      err,
	}
}

// ClassifyStatus maps an HTTP status without a platform specific code. Only
// statuses that say the request itself is wrong are terminal; anything else
// unrecognized stays retryable.
func ClassifyStatus(status int) interfaces.ErrorClass {
	switch status {
	case http.StatusUnauthorized:
		return interfaces.ErrorClassAuth
	case http.StatusTooManyRequests:
		return interfaces.ErrorClassRateLimited
	case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusGone,
		http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return interfaces.ErrorClassRejected
	default:
		return interfaces.ErrorClassTransient
	}
}

// ExpiryFromSeconds converts an expires_in value; zero falls back to 60 days.
func ExpiryFromSeconds(now time.Time, seconds int64) *time.Time {
	expires := now.Add(60 * 24 * time.Hour)
	if seconds > 0 {
		expires = now.Add(time.Duration(seconds) * time.Second)
	}
	return &expires
}
