// Package api is the HTTP client for the avatar session backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"avatarlink/internal/core/domain"
	"avatarlink/internal/core/ports"
	"avatarlink/pkg/cache"
	"avatarlink/pkg/circuitbreaker"
	"avatarlink/pkg/config"
	"avatarlink/pkg/errors"
	"avatarlink/pkg/retry"
	"avatarlink/pkg/tracing"
	"avatarlink/pkg/utils"

	"go.uber.org/zap"
)

const maxErrorBody = 4 << 10

// HTTPError is a non-2xx response from the session API.
type HTTPError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// StatusCode lets errors.MapAPIError classify the failure.
func (e *HTTPError) StatusCode() int { return e.Status }

// Options configures a Client.
type Options struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	CacheTTL       time.Duration
	Retry          retry.Config
	CircuitBreaker circuitbreaker.Config
	HTTPClient     *http.Client
	Logger         *zap.SugaredLogger
}

// OptionsFromConfig maps the api section of the configuration.
func OptionsFromConfig(cfg *config.Config, logger *zap.SugaredLogger) Options {
	r := retry.DefaultConfig()
	r.MaxAttempts = cfg.API.Retry.MaxAttempts
	r.InitialDelay = cfg.API.Retry.InitialDelay
	r.MaxDelay = cfg.API.Retry.MaxDelay
	r.Enabled = cfg.API.Retry.MaxAttempts > 0

	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = cfg.API.CircuitBreaker.FailureThreshold
	if cfg.API.CircuitBreaker.SuccessThreshold > 0 {
		cb.SuccessThreshold = cfg.API.CircuitBreaker.SuccessThreshold
	}
	if cfg.API.CircuitBreaker.Timeout > 0 {
		cb.Timeout = cfg.API.CircuitBreaker.Timeout
	}

	return Options{
		BaseURL:        cfg.API.BaseURL,
		APIKey:         cfg.API.APIKey,
		Timeout:        cfg.API.Timeout,
		CacheTTL:       cfg.API.CacheTTL,
		Retry:          r,
		CircuitBreaker: cb,
		Logger:         logger,
	}
}

// Client implements ports.SessionAPI. List endpoints are cached; session
// calls always go to the server.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker

	avatars   *cache.Cache[[]domain.Avatar]
	voices    *cache.Cache[[]domain.Voice]
	languages *cache.Cache[[]domain.Language]

	logger *zap.SugaredLogger
}

var _ ports.SessionAPI = (*Client)(nil)

// NewClient validates opts.BaseURL and builds a client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NewInvalidConfigurationError(fmt.Sprintf("invalid api base url %q", opts.BaseURL))
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}

	// Client errors say nothing about backend health.
	opts.Retry.Retryable = isTransient
	opts.CircuitBreaker.IsFailure = isTransient

	opts.Logger.Debugw("session api client configured", "base_url", base.String(), "api_key", utils.MaskSensitive(opts.APIKey, 4))

	return &Client{
		baseURL:   base,
		apiKey:    opts.APIKey,
		http:      opts.HTTPClient,
		retry:     opts.Retry,
		breaker:   circuitbreaker.New(opts.CircuitBreaker),
		avatars:   cache.New[[]domain.Avatar](opts.CacheTTL, opts.CacheTTL),
		voices:    cache.New[[]domain.Voice](opts.CacheTTL, opts.CacheTTL),
		languages: cache.New[[]domain.Language](opts.CacheTTL, opts.CacheTTL),
		logger:    opts.Logger.Named("api"),
	}, nil
}

func isTransient(err error) bool {
	var he *HTTPError
	if stderrors.As(err, &he) {
		return he.Status >= http.StatusInternalServerError || he.Status == http.StatusTooManyRequests
	}
	return !stderrors.Is(err, context.Canceled)
}

// CreateSession starts an avatar session on the backend.
func (c *Client) CreateSession(ctx context.Context, opts domain.SessionOptions) (*domain.Session, error) {
	var out struct {
		Data domain.Session `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "session/new", opts, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, errors.New(errors.ErrCodeAPIRequestFailed, "session response carried no id")
	}
	if out.Data.StreamType == "" {
		out.Data.StreamType = opts.StreamType
	}
	c.logger.Infow("session created", "session_id", out.Data.ID, "stream_type", out.Data.StreamType)
	return &out.Data, nil
}

// CloseSession ends a session. Closing an unknown session is not an error.
func (c *Client) CloseSession(ctx context.Context, id string) error {
	body := map[string]string{"id": id}
	err := c.do(ctx, http.MethodPost, "session/close", body, nil)
	var he *HTTPError
	if stderrors.As(err, &he) && he.Status == http.StatusNotFound {
		c.logger.Debugw("session already closed", "session_id", id)
		return nil
	}
	if err == nil {
		c.logger.Infow("session closed", "session_id", id)
	}
	return err
}

func (c *Client) ListAvatars(ctx context.Context) ([]domain.Avatar, error) {
	return c.avatars.GetOrLoad(ctx, "avatars", func(ctx context.Context) ([]domain.Avatar, error) {
		var out struct {
			Data []domain.Avatar `json:"data"`
		}
		err := c.do(ctx, http.MethodGet, "avatar/list", nil, &out)
		return out.Data, err
	})
}

func (c *Client) ListVoices(ctx context.Context) ([]domain.Voice, error) {
	return c.voices.GetOrLoad(ctx, "voices", func(ctx context.Context) ([]domain.Voice, error) {
		var out struct {
			Data []domain.Voice `json:"data"`
		}
		err := c.do(ctx, http.MethodGet, "voice/list", nil, &out)
		return out.Data, err
	})
}

func (c *Client) ListLanguages(ctx context.Context) ([]domain.Language, error) {
	return c.languages.GetOrLoad(ctx, "languages", func(ctx context.Context) ([]domain.Language, error) {
		var out struct {
			Data []domain.Language `json:"data"`
		}
		err := c.do(ctx, http.MethodGet, "language/list", nil, &out)
		return out.Data, err
	})
}

// Close stops the cache janitors.
func (c *Client) Close() error {
	c.avatars.Stop()
	c.voices.Stop()
	c.languages.Stop()
	return nil
}

// do runs one request through the breaker with retries and maps any
// failure with MapAPIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (err error) {
	start := time.Now()
	ctx, span := tracing.TraceAPICall(ctx, method+" "+path)
	defer func() { tracing.End(span, start, err) }()

	var payload []byte
	if in != nil {
		if payload, err = json.Marshal(in); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidParameter, "failed to encode request body")
		}
	}

	err = retry.Retry(ctx, c.retry, func() error {
		return c.breaker.Execute(ctx, func() error {
			return c.roundTrip(ctx, method, path, payload, out)
		})
	})
	if err != nil {
		c.logger.Warnw("api request failed",
			"method", method,
			"path", path,
			"duration", time.Since(start),
			"error", err,
		)
		return errors.MapAPIError(err).WithDetail("path", path)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte, out any) error {
	u := c.baseURL.JoinPath(path)

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeAPIRequestFailed, "failed to decode api response")
	}
	return nil
}
