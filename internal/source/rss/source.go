package rss

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/source"
	"github.com/instagram-autoposter/pkg/logger"
	"github.com/instagram-autoposter/pkg/ratelimit"
)

// maxQuoteLen keeps quotes short enough to read on an image
const maxQuoteLen = 280

// Source implements QuoteSource for RSS quote feeds
type Source struct {
	name    string
	url     string
	parser  *gofeed.Parser
	limiter *ratelimit.MultiLimiter
	log     *logger.Logger
}

// New creates a new RSS source for a single feed
func New(feed config.RSSFeed, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Source {
	return &Source{
		name:    feed.Name,
		url:     feed.URL,
		parser:  gofeed.NewParser(),
		limiter: limiter,
		log:     log.WithSource("rss", feed.Name),
	}
}

// NewMultiple creates multiple RSS sources from config
func NewMultiple(cfg config.QuotesConfig, limiter *ratelimit.MultiLimiter, log *logger.Logger) []*Source {
	sources := make([]*Source, 0, len(cfg.Feeds))
	for _, feed := range cfg.Feeds {
		sources = append(sources, New(feed, limiter, log))
	}
	return sources
}

// Name returns the source name
func (s *Source) Name() string {
	return s.name
}

// Type returns "rss"
func (s *Source) Type() string {
	return "rss"
}

// Fetch retrieves quotes from the RSS feed.
// Quote feeds carry the quote in the description and the author in the title;
// items without a description use the title as the quote.
func (s *Source) Fetch(ctx context.Context) ([]source.Quote, error) {
	if err := s.limiter.Wait(ctx, ratelimit.LimiterRSS); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	s.log.Debug().Str("url", s.url).Msg("Fetching RSS feed")

	feed, err := s.parser.ParseURLWithContext(s.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSS feed %s: %w", s.name, err)
	}

	quotes := make([]source.Quote, 0, len(feed.Items))
	for _, item := range feed.Items {
		q := itemToQuote(item)
		if q.Text == "" || len(q.Text) > maxQuoteLen {
			continue
		}
		q.SourceType = "rss"
		q.SourceName = s.name
		quotes = append(quotes, q)
	}

	s.log.Info().
		Int("count", len(quotes)).
		Str("feed", s.name).
		Msg("Fetched RSS quotes")

	return quotes, nil
}

// HealthCheck verifies the RSS feed is accessible
func (s *Source) HealthCheck(ctx context.Context) error {
	_, err := s.parser.ParseURLWithContext(s.url, ctx)
	return err
}

func itemToQuote(item *gofeed.Item) source.Quote {
	title := cleanText(item.Title)
	desc := strings.Trim(cleanText(item.Description), `"“”`)

	if desc == "" {
		return source.Quote{Text: title, Author: authorName(item)}
	}
	author := title
	if author == "" {
		author = authorName(item)
	}
	return source.Quote{Text: desc, Author: author}
}

func authorName(item *gofeed.Item) string {
	if item.Author != nil {
		return item.Author.Name
	}
	return ""
}

// cleanText removes HTML tags and extra whitespace
func cleanText(text string) string {
	text = strings.ReplaceAll(text, "<br>", " ")
	text = strings.ReplaceAll(text, "<br/>", " ")
	text = strings.ReplaceAll(text, "<br />", " ")
	text = strings.ReplaceAll(text, "</p>", " ")
	text = strings.ReplaceAll(text, "<p>", "")

	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
		} else if r == '>' {
			inTag = false
		} else if !inTag {
			result.WriteRune(r)
		}
	}

	text = result.String()
	text = strings.Join(strings.Fields(text), " ")
	return strings.TrimSpace(text)
}

// Ensure Source implements source.QuoteSource
var _ source.QuoteSource = (*Source)(nil)
