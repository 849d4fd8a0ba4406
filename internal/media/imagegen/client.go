package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/pkg/logger"
	"github.com/instagram-autoposter/pkg/ratelimit"
)

// maxImageBytes caps downloads of URL-returned images
const maxImageBytes = 32 << 20

// generationRequest is the body of POST /images/generations
type generationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n"`
}

type generationResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// Client calls an OpenAI-compatible image generation API
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	size        string
	httpClient  *http.Client
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// NewClient creates a new image generation client
func NewClient(cfg config.ImageGenConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Client {
	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		size:    cfg.Size,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
		rateLimiter: limiter,
		log:         log.WithComponent("imagegen"),
	}
}

// Generate renders prompt into a single image and returns its bytes
func (c *Client) Generate(ctx context.Context, prompt string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx, ratelimit.LimiterImageGen); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	body, err := json.Marshal(generationRequest{
		Model:  c.model,
		Prompt: prompt,
		Size:   c.size,
		N:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug().
		Str("model", c.model).
		Int("prompt_len", len(prompt)).
		Msg("Requesting image generation")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var out generationResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, out.Error.Message)
		}
		return nil, fmt.Errorf("API error (status %d)", resp.StatusCode)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("API returned no images")
	}

	img := out.Data[0]
	var data []byte
	switch {
	case img.B64JSON != "":
		data, err = base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode image data: %w", err)
		}
	case img.URL != "":
		data, err = c.download(ctx, img.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("API returned an empty image")
	}

	c.log.Info().
		Int("size_bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("Image generated")

	return data, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return data, nil
}
