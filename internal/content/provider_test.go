package content

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/source"
)

var (
	pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D, 0x49, 0x48, 0x44, 0x52}
	jpgBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}
	mp4Bytes = []byte{0x00, 0x00, 0x00, 0x18, 0x66, 0x74, 0x79, 0x70, 0x6D, 0x70, 0x34, 0x32, 0, 0, 0, 0}
)

type fakeRefiner struct {
	out string
	err error
}

func (f *fakeRefiner) RefinePrompt(ctx context.Context, c models.Category, prompt string) (string, error) {
	return f.out, f.err
}

type fakeCaptioner struct {
	out string
	err error
}

func (f *fakeCaptioner) WriteCaption(ctx context.Context, c models.Category, subject string) (string, error) {
	return f.out, f.err
}

type fakeImages struct {
	mu      sync.Mutex
	prompts []string
	data    []byte
	err     error
	delay   time.Duration
}

func (f *fakeImages) Generate(ctx context.Context, prompt string) ([]byte, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.data, f.err
}

type fakePhotos struct {
	data []byte
	err  error
}

func (f *fakePhotos) BackgroundPhoto(ctx context.Context, query string) ([]byte, string, error) {
	return f.data, "Photo by Ansel on Unsplash", f.err
}

type fakeQuotes struct {
	q   source.Quote
	err error
}

func (f *fakeQuotes) Pick(ctx context.Context) (source.Quote, error) { return f.q, f.err }

type fakeStore struct {
	keys []string
	ct   []string
	err  error
}

func (f *fakeStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	f.ct = append(f.ct, contentType)
	return "https://cdn.example.com/" + key, nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}

func testCategories() map[string]config.CategoryConfig {
	return map[string]config.CategoryConfig{
		"portrait": {
			Strategy:        config.StrategyAIImage,
			Prompts:         []string{"portrait of a baker"},
			CaptionTemplate: "Faces tell stories.",
			Hashtags:        []string{"portrait", "#portrait", "#art"},
		},
		"motivational-quote": {
			Strategy:        config.StrategyQuote,
			PhotoQuery:      "sunrise",
			CaptionTemplate: "Stay inspired.",
		},
	}
}

func testAccount() *models.Account {
	return &models.Account{ID: "acct-1", PlatformUserID: "1789", Timezone: "UTC"}
}

func TestProduceAIImageUsesRefinedPrompt(t *testing.T) {
	images := &fakeImages{data: pngBytes}
	store := &fakeStore{}
	p := NewProvider(Options{
		Categories: testCategories(),
		Refiner:    &fakeRefiner{out: "a baker dusted in flour, warm light"},
		Captioner:  &fakeCaptioner{out: "Bread, made with love."},
		Images:     images,
		Store:      store,
		KeyPrefix:  "artifacts",
	})

	art, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	require.NoError(t, err)

	assert.Equal(t, []string{"a baker dusted in flour, warm light"}, images.prompts)
	assert.Equal(t, models.MediaTypeImage, art.MediaType)
	assert.Equal(t, "image/png", art.ContentType)
	assert.True(t, strings.HasPrefix(art.BlobKey, "artifacts/acct-1/"))
	assert.True(t, strings.HasSuffix(art.BlobKey, ".png"))
	assert.Equal(t, "https://cdn.example.com/"+art.BlobKey, art.URL)
	assert.Equal(t, "Bread, made with love.\n\n#portrait #art", art.Caption)
}

func TestProduceRefinementFailureDegrades(t *testing.T) {
	tests := []struct {
		name    string
		refiner *fakeRefiner
	}{
		{name: "error", refiner: &fakeRefiner{err: errors.New("overloaded")}},
		{name: "empty", refiner: &fakeRefiner{out: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images := &fakeImages{data: pngBytes}
			p := NewProvider(Options{
				Categories: testCategories(),
				Refiner:    tt.refiner,
				Captioner:  &fakeCaptioner{err: errors.New("overloaded")},
				Images:     images,
				Store:      &fakeStore{},
			})

			art, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
			require.NoError(t, err)
			assert.Equal(t, []string{"portrait of a baker"}, images.prompts)
			assert.True(t, strings.HasPrefix(art.Caption, "Faces tell stories."))
		})
	}
}

func TestProduceGenerationErrors(t *testing.T) {
	p := NewProvider(Options{
		Categories: testCategories(),
		Images:     &fakeImages{err: errors.New("503")},
		Store:      &fakeStore{},
	})
	_, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "generate", genErr.Step)
	assert.False(t, genErr.IsPermanent())

	p = NewProvider(Options{
		Categories: testCategories(),
		Images:     &fakeImages{data: []byte("not an image")},
		Store:      &fakeStore{},
	})
	_, err = p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	require.ErrorAs(t, err, &genErr)
	require.ErrorIs(t, err, ErrUnknownMedia)

	_, err = p.Produce(context.Background(), testAccount(), models.CategoryCharacterScene)
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "config", genErr.Step)
	assert.True(t, genErr.IsPermanent())
}

func TestProduceMissingSourcesArePermanent(t *testing.T) {
	p := NewProvider(Options{
		Categories: testCategories(),
		Store:      &fakeStore{},
	})

	_, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.True(t, genErr.IsPermanent())

	_, err = p.Produce(context.Background(), testAccount(), models.CategoryMotivationalQuote)
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "quote", genErr.Step)
	assert.True(t, genErr.IsPermanent())
}

func TestProduceGenerateTimeout(t *testing.T) {
	p := NewProvider(Options{
		Categories: testCategories(),
		Images:     &fakeImages{data: pngBytes, delay: time.Second},
		Store:      &fakeStore{},
		Timeouts:   Timeouts{Generate: 20 * time.Millisecond},
	})
	_, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProduceUploadError(t *testing.T) {
	p := NewProvider(Options{
		Categories: testCategories(),
		Images:     &fakeImages{data: pngBytes},
		Store:      &fakeStore{err: errors.New("bucket gone")},
	})
	_, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Contains(t, upErr.Error(), "bucket gone")
}

func TestProduceQuote(t *testing.T) {
	store := &fakeStore{}
	p := NewProvider(Options{
		Categories: testCategories(),
		Photos:     &fakePhotos{data: jpgBytes},
		Quotes:     &fakeQuotes{q: source.Quote{Text: "Keep going", Author: "Anon"}},
		Store:      store,
	})

	art, err := p.Produce(context.Background(), testAccount(), models.CategoryMotivationalQuote)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", art.ContentType)
	assert.Equal(t, "“Keep going - Anon”\n\nStay inspired.\n\nPhoto by Ansel on Unsplash", art.Caption)

	p = NewProvider(Options{
		Categories: testCategories(),
		Photos:     &fakePhotos{data: jpgBytes},
		Quotes:     &fakeQuotes{err: source.ErrNoQuotes},
		Store:      store,
	})
	_, err = p.Produce(context.Background(), testAccount(), models.CategoryMotivationalQuote)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "quote", genErr.Step)
}

func TestProduceDetectsVideo(t *testing.T) {
	p := NewProvider(Options{
		Categories: testCategories(),
		Images:     &fakeImages{data: mp4Bytes},
		Store:      &fakeStore{},
	})
	art, err := p.Produce(context.Background(), testAccount(), models.CategoryPortrait)
	require.NoError(t, err)
	assert.True(t, art.IsVideo())
	assert.Equal(t, "video/mp4", art.ContentType)
}
