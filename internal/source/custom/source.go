package custom

import (
	"context"
	"strings"

	"github.com/instagram-autoposter/internal/source"
	"github.com/instagram-autoposter/pkg/logger"
)

// Source implements QuoteSource for quotes listed in the configuration
type Source struct {
	quotes []string
	log    *logger.Logger
}

// New creates a new static quote source. Entries use "text - author".
func New(quotes []string, log *logger.Logger) *Source {
	return &Source{
		quotes: quotes,
		log:    log.WithSource("custom", "static"),
	}
}

// Name returns the source name
func (s *Source) Name() string {
	return "static-quotes"
}

// Type returns "custom"
func (s *Source) Type() string {
	return "custom"
}

// Fetch returns the configured quotes
func (s *Source) Fetch(ctx context.Context) ([]source.Quote, error) {
	quotes := make([]source.Quote, 0, len(s.quotes))

	for _, line := range s.quotes {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		q := source.Quote{Text: line, SourceType: "custom", SourceName: "static"}
		if i := strings.LastIndex(line, " - "); i > 0 {
			q.Text = strings.TrimSpace(line[:i])
			q.Author = strings.TrimSpace(line[i+3:])
		}
		quotes = append(quotes, q)
	}

	s.log.Debug().Int("count", len(quotes)).Msg("Returned static quotes")

	return quotes, nil
}

// HealthCheck always succeeds for the static source
func (s *Source) HealthCheck(ctx context.Context) error {
	return nil
}

// Ensure Source implements source.QuoteSource
var _ source.QuoteSource = (*Source)(nil)
