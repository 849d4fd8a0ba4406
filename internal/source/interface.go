package source

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
)

// ErrNoQuotes is returned when no source produced a usable quote
var ErrNoQuotes = errors.New("no quotes available")

// Quote is one piece of motivational text with its attribution
type Quote struct {
	Text       string `json:"text"`
	Author     string `json:"author,omitempty"`
	SourceType string `json:"source_type"`
	SourceName string `json:"source_name"`
}

// String formats the quote for rendering in a caption
func (q Quote) String() string {
	if q.Author == "" {
		return q.Text
	}
	return fmt.Sprintf("%s - %s", q.Text, q.Author)
}

// QuoteSource defines the interface for motivational quote sources
type QuoteSource interface {
	// Name returns the unique name of this source
	Name() string

	// Type returns the source type (rss, custom)
	Type() string

	// Fetch retrieves quotes from the source
	Fetch(ctx context.Context) ([]Quote, error)

	// HealthCheck verifies the source is accessible
	HealthCheck(ctx context.Context) error
}

// Manager manages multiple quote sources
type Manager struct {
	sources []QuoteSource
	rnd     func(n int) int
}

// NewManager creates a new source manager
func NewManager() *Manager {
	return &Manager{
		sources: make([]QuoteSource, 0),
		rnd:     rand.Intn,
	}
}

// Register adds a source to the manager
func (m *Manager) Register(source QuoteSource) {
	m.sources = append(m.sources, source)
}

// GetSources returns all registered sources
func (m *Manager) GetSources() []QuoteSource {
	return m.sources
}

// FetchAll fetches quotes from all sources concurrently
func (m *Manager) FetchAll(ctx context.Context) ([]Quote, []error) {
	type result struct {
		quotes []Quote
		err    error
	}

	results := make(chan result, len(m.sources))

	for _, source := range m.sources {
		go func(s QuoteSource) {
			quotes, err := s.Fetch(ctx)
			results <- result{quotes: quotes, err: err}
		}(source)
	}

	var all []Quote
	var errs []error

	for range m.sources {
		r := <-results
		if r.err != nil {
			errs = append(errs, r.err)
		} else {
			all = append(all, r.quotes...)
		}
	}

	return all, errs
}

// Pick returns one quote chosen at random from everything the sources returned.
// Source errors are only fatal when nothing else produced a quote.
func (m *Manager) Pick(ctx context.Context) (Quote, error) {
	quotes, errs := m.FetchAll(ctx)

	usable := quotes[:0]
	for _, q := range quotes {
		if strings.TrimSpace(q.Text) != "" {
			usable = append(usable, q)
		}
	}
	if len(usable) == 0 {
		if len(errs) > 0 {
			return Quote{}, fmt.Errorf("%w: %w", ErrNoQuotes, errors.Join(errs...))
		}
		return Quote{}, ErrNoQuotes
	}
	return usable[m.rnd(len(usable))], nil
}
