package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/instagram-autoposter/internal/models"
)

// Output limits
const (
	MaxPromptLen  = 250
	MaxCaptionLen = 300
)

// ErrEmptyResponse is returned when the model produced no usable text
var ErrEmptyResponse = errors.New("empty response")

// RefinePrompt rewrites an image prompt, bounded to MaxPromptLen characters
func (c *Client) RefinePrompt(ctx context.Context, category models.Category, prompt string) (string, error) {
	resp, err := c.Complete(ctx,
		fmt.Sprintf(RefineSystemPrompt, MaxPromptLen),
		fmt.Sprintf(RefineUserPrompt, category, prompt),
	)
	if err != nil {
		return "", err
	}
	out := Truncate(cleanResponse(resp), MaxPromptLen)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// WriteCaption writes a short caption for a post showing subject
func (c *Client) WriteCaption(ctx context.Context, category models.Category, subject string) (string, error) {
	resp, err := c.Complete(ctx,
		fmt.Sprintf(CaptionSystemPrompt, MaxCaptionLen),
		fmt.Sprintf(CaptionUserPrompt, category, subject),
	)
	if err != nil {
		return "", err
	}
	out := Truncate(cleanResponse(resp), MaxCaptionLen)
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

// cleanResponse strips wrapping quotes and collapses whitespace
func cleanResponse(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, "\"'`“”")
	return strings.TrimSpace(s)
}

// Truncate cuts s to at most n runes, preferring a word boundary
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)[:n]
	cut := string(r)
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
