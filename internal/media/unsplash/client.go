package unsplash

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/pkg/logger"
	"github.com/instagram-autoposter/pkg/ratelimit"
)

const (
	defaultBaseURL = "https://api.unsplash.com"
	candidates     = 10
	maxPhotoBytes  = 20 << 20
)

type photo struct {
	ID   string `json:"id"`
	URLs struct {
		Full    string `json:"full"`
		Regular string `json:"regular"` // 1080px wide, the Instagram feed width
	} `json:"urls"`
	User struct {
		Name string `json:"name"`
	} `json:"user"`
	Links struct {
		DownloadLocation string `json:"download_location"`
	} `json:"links"`
}

func (p *photo) imageURL() string {
	if p.URLs.Regular != "" {
		return p.URLs.Regular
	}
	return p.URLs.Full
}

// Client fetches background photos for quote posts
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
	pick        func(n int) int
}

// NewClient creates a new Unsplash client
func NewClient(cfg config.UnsplashConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Client{
		apiKey:      cfg.AccessKey,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		rateLimiter: limiter,
		log:         log.WithComponent("unsplash"),
		pick:        rand.Intn,
	}
}

// BackgroundPhoto picks one of the top squarish results for query and downloads it.
// The attribution line must accompany the photo wherever it is shown.
func (c *Client) BackgroundPhoto(ctx context.Context, query string) ([]byte, string, error) {
	photos, err := c.search(ctx, query)
	if err != nil {
		return nil, "", err
	}
	if len(photos) == 0 {
		return nil, "", fmt.Errorf("no photos found for query: %s", query)
	}
	p := &photos[c.pick(len(photos))]
	if p.imageURL() == "" {
		return nil, "", fmt.Errorf("photo %s has no image url", p.ID)
	}

	c.trackDownload(ctx, p)

	data, err := c.fetch(ctx, p.imageURL())
	if err != nil {
		return nil, "", fmt.Errorf("download photo %s: %w", p.ID, err)
	}

	c.log.Info().
		Str("query", query).
		Str("photo_id", p.ID).
		Str("photographer", p.User.Name).
		Int("size_bytes", len(data)).
		Msg("Background photo downloaded")

	return data, fmt.Sprintf("Photo by %s on Unsplash", p.User.Name), nil
}

func (c *Client) search(ctx context.Context, query string) ([]photo, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", fmt.Sprint(candidates))
	params.Set("orientation", "squarish")
	params.Set("content_filter", "high")

	resp, err := c.apiGet(ctx, c.baseURL+"/search/photos?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("search photos: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Total   int     `json:"total"`
		Results []photo `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	c.log.Debug().
		Str("query", query).
		Int("total", result.Total).
		Int("returned", len(result.Results)).
		Msg("Search completed")
	return result.Results, nil
}

// trackDownload hits the download endpoint Unsplash requires for every used photo.
// Failures are logged and do not block the post.
func (c *Client) trackDownload(ctx context.Context, p *photo) {
	if p.Links.DownloadLocation == "" {
		return
	}
	resp, err := c.apiGet(ctx, p.Links.DownloadLocation)
	if err != nil {
		c.log.Warn().Err(err).Str("photo_id", p.ID).Msg("Failed to track photo download")
		return
	}
	resp.Body.Close()
}

// apiGet sends an authenticated, rate limited API request and rejects non-200 replies
func (c *Client) apiGet(ctx context.Context, rawURL string) (*http.Response, error) {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterUnsplash); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Client-ID "+c.apiKey)
	req.Header.Set("Accept-Version", "v1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

// fetch downloads image bytes from the CDN. CDN requests carry no credentials.
func (c *Client) fetch(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if len(data) > maxPhotoBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxPhotoBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image")
	}
	return data, nil
}
