package source

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	name   string
	quotes []Quote
	err    error
}

func (f *fakeSource) Name() string                          { return f.name }
func (f *fakeSource) Type() string                          { return "fake" }
func (f *fakeSource) HealthCheck(ctx context.Context) error { return nil }
func (f *fakeSource) Fetch(ctx context.Context) ([]Quote, error) {
	return f.quotes, f.err
}

func TestManagerPickSkipsFailingSources(t *testing.T) {
	m := NewManager()
	m.rnd = func(n int) int { return n - 1 }
	m.Register(&fakeSource{name: "broken", err: errors.New("feed down")})
	m.Register(&fakeSource{name: "ok", quotes: []Quote{{Text: "  "}, {Text: "Keep going", Author: "Anon"}}})

	q, err := m.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Keep going - Anon", q.String())
}

func TestManagerPickWithoutQuotes(t *testing.T) {
	m := NewManager()
	_, err := m.Pick(context.Background())
	require.ErrorIs(t, err, ErrNoQuotes)

	m.Register(&fakeSource{name: "broken", err: errors.New("feed down")})
	_, err = m.Pick(context.Background())
	require.ErrorIs(t, err, ErrNoQuotes)
	require.ErrorContains(t, err, "feed down")
}
