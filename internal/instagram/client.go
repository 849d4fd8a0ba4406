package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/oauth2"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/pkg/logger"
	"github.com/instagram-autoposter/pkg/ratelimit"
)

// Container processing states returned by GET /{container}?fields=status_code
const (
	statusFinished  = "FINISHED"
	statusError     = "ERROR"
	statusExpired   = "EXPIRED"
	statusPublished = "PUBLISHED"
)

// Client publishes media to Instagram professional accounts through the Graph API
type Client struct {
	baseURL     string
	transport   http.RoundTripper
	timeout     time.Duration
	pollEvery   time.Duration
	pollMax     int
	breaker     circuitbreaker.CircuitBreaker[any]
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a new Graph API client
func NewClient(cfg config.InstagramConfig, limiter *ratelimit.MultiLimiter, m *metrics.Metrics, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	if cfg.APIVersion != "" {
		base += "/" + cfg.APIVersion
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ContainerPollEvery <= 0 {
		cfg.ContainerPollEvery = 5 * time.Second
	}
	if cfg.ContainerPollMax <= 0 {
		cfg.ContainerPollMax = 24
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = 10
	}
	if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
		cfg.BreakerFailures = cfg.BreakerWindow / 2
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = time.Minute
	}

	l := log.WithComponent("instagram")

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && IsTransient(err) && !errors.Is(err, context.Canceled)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			l.Warn().
				Str("from_state", stateName(event.OldState)).
				Str("to_state", stateName(event.NewState)).
				Msg("Instagram circuit breaker state change")
			m.SetBreakerState(breakerState(event.NewState))
		}).
		Build()

	return &Client{
		baseURL:     base,
		transport:   http.DefaultTransport,
		timeout:     cfg.RequestTimeout,
		pollEvery:   cfg.ContainerPollEvery,
		pollMax:     cfg.ContainerPollMax,
		breaker:     breaker,
		rateLimiter: limiter,
		log:         l,
	}
}

func breakerState(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return 0
	}
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "closed"
	}
}

// Publish creates a media container for the artifact, waits for video processing,
// and publishes it to the account's feed. It returns the Instagram media ID.
func (c *Client) Publish(ctx context.Context, account *models.Account, artifact *models.Artifact) (string, error) {
	if account.AccessToken == "" {
		return "", &Error{Op: "publish", Message: "account has no access token", Transient: false}
	}
	hc := c.httpClient(account.AccessToken)
	log := c.log.WithAccount(account.ID)

	containerID, err := c.createContainer(ctx, hc, account.PlatformUserID, artifact)
	if err != nil {
		return "", err
	}
	log.Debug().Str("container_id", containerID).Bool("video", artifact.IsVideo()).Msg("Media container created")

	if artifact.IsVideo() {
		if err := c.waitForContainer(ctx, hc, containerID); err != nil {
			return "", err
		}
	}

	var out struct {
		ID string `json:"id"`
	}
	form := url.Values{"creation_id": {containerID}}
	if err := c.call(ctx, hc, "media_publish", http.MethodPost, "/"+account.PlatformUserID+"/media_publish", form, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Op: "media_publish", Message: "response has no media id", Transient: true}
	}

	log.Info().Str("media_id", out.ID).Msg("Published to Instagram")
	return out.ID, nil
}

func (c *Client) createContainer(ctx context.Context, hc *http.Client, igUserID string, artifact *models.Artifact) (string, error) {
	form := url.Values{"caption": {artifact.Caption}}
	if artifact.IsVideo() {
		form.Set("media_type", "REELS")
		form.Set("video_url", artifact.URL)
	} else {
		form.Set("image_url", artifact.URL)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, hc, "create_container", http.MethodPost, "/"+igUserID+"/media", form, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", &Error{Op: "create_container", Message: "response has no container id", Transient: true}
	}
	return out.ID, nil
}

// waitForContainer polls until Instagram finishes processing an uploaded video
func (c *Client) waitForContainer(ctx context.Context, hc *http.Client, containerID string) error {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()

	for i := 0; i < c.pollMax; i++ {
		var out struct {
			StatusCode string `json:"status_code"`
			Status     string `json:"status"`
		}
		q := url.Values{"fields": {"status_code,status"}}
		if err := c.call(ctx, hc, "container_status", http.MethodGet, "/"+containerID+"?"+q.Encode(), nil, &out); err != nil {
			return err
		}

		switch out.StatusCode {
		case statusFinished, statusPublished:
			return nil
		case statusError:
			return &Error{Op: "container_status", Message: "media processing failed: " + out.Status, Transient: false}
		case statusExpired:
			return &Error{Op: "container_status", Message: "container expired before publishing", Transient: true}
		}

		select {
		case <-ctx.Done():
			return transportError("container_status", ctx.Err())
		case <-ticker.C:
		}
	}
	return &Error{Op: "container_status", Message: "media still processing after polling limit", Transient: true}
}

func (c *Client) httpClient(token string) *http.Client {
	return &http.Client{
		Timeout: c.timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}),
			Base:   c.transport,
		},
	}
}

// call runs one Graph request through the rate limiter and circuit breaker
func (c *Client) call(ctx context.Context, hc *http.Client, op, method, path string, form url.Values, out interface{}) error {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterInstagram); err != nil {
		return transportError(op, err)
	}

	_, err := failsafe.With(c.breaker).WithContext(ctx).Get(func() (any, error) {
		return nil, c.do(ctx, hc, op, method, path, form, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return &Error{Op: op, Message: "circuit breaker open", Transient: true, Err: err}
	}
	return err
}

func (c *Client) do(ctx context.Context, hc *http.Client, op, method, path string, form url.Values, out interface{}) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Message: err.Error(), Transient: false, Err: err}
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *graphError `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		e := &Error{
			Op:         op,
			StatusCode: resp.StatusCode,
			Transient:  classify(resp.StatusCode, envelope.Error),
			Message:    strings.TrimSpace(string(data)),
		}
		if g := envelope.Error; g != nil {
			e.Code, e.Subcode, e.Message = g.Code, g.Subcode, g.Message
			if g.UserMsg != "" {
				e.Message += ": " + g.UserMsg
			}
		}
		return e
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("invalid response: %v", err), Transient: true, Err: err}
		}
	}
	return nil
}
