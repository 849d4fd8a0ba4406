package content

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"github.com/instagram-autoposter/internal/ai"
	"github.com/instagram-autoposter/internal/blob"
	"github.com/instagram-autoposter/internal/config"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/source"
	"github.com/instagram-autoposter/pkg/logger"
)

// Instagram caption limits
const (
	maxCaptionLen  = 2200
	maxHashtags    = 30
	captionSubject = 200
)

// Refiner rewrites an image prompt. Failures are never fatal.
type Refiner interface {
	RefinePrompt(ctx context.Context, category models.Category, prompt string) (string, error)
}

// Captioner writes a caption for a post. Failures are never fatal.
type Captioner interface {
	WriteCaption(ctx context.Context, category models.Category, subject string) (string, error)
}

// ImageGenerator renders a prompt into image bytes
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// PhotoFinder fetches a stock background photo for a search query
type PhotoFinder interface {
	BackgroundPhoto(ctx context.Context, query string) ([]byte, string, error)
}

// QuotePicker selects a motivational quote
type QuotePicker interface {
	Pick(ctx context.Context) (source.Quote, error)
}

// Timeouts bound each sub-step of production
type Timeouts struct {
	Refine   time.Duration
	Generate time.Duration
	Upload   time.Duration
}

// Options wires a Provider. Refiner and Captioner may be nil.
type Options struct {
	Categories map[string]config.CategoryConfig
	Refiner    Refiner
	Captioner  Captioner
	Images     ImageGenerator
	Photos     PhotoFinder
	Quotes     QuotePicker
	Store      blob.Store
	KeyPrefix  string
	Timeouts   Timeouts
	Metrics    *metrics.Metrics
	Log        *logger.Logger
}

// Provider produces ready-to-post artifacts. Every call regenerates from scratch.
type Provider struct {
	categories map[models.Category]config.CategoryConfig
	refiner    Refiner
	captioner  Captioner
	images     ImageGenerator
	photos     PhotoFinder
	quotes     QuotePicker
	store      blob.Store
	keyPrefix  string
	timeouts   Timeouts
	metrics    *metrics.Metrics
	log        *logger.Logger

	pick func(n int) int
	now  func() time.Time
}

// NewProvider creates a content provider
func NewProvider(opts Options) *Provider {
	cats := make(map[models.Category]config.CategoryConfig, len(opts.Categories))
	for name, cc := range opts.Categories {
		cats[models.Category(name)] = cc
	}
	t := opts.Timeouts
	if t.Refine <= 0 {
		t.Refine = 20 * time.Second
	}
	if t.Generate <= 0 {
		t.Generate = 2 * time.Minute
	}
	if t.Upload <= 0 {
		t.Upload = time.Minute
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Provider{
		categories: cats,
		refiner:    opts.Refiner,
		captioner:  opts.Captioner,
		images:     opts.Images,
		photos:     opts.Photos,
		quotes:     opts.Quotes,
		store:      opts.Store,
		keyPrefix:  opts.KeyPrefix,
		timeouts:   t,
		metrics:    opts.Metrics,
		log:        log.WithComponent("content"),
		pick:       rand.Intn,
		now:        time.Now,
	}
}

// Produce generates media and a caption for one post of account in category,
// then uploads the media. Errors are *GenerationError or *UploadError.
func (p *Provider) Produce(ctx context.Context, account *models.Account, category models.Category) (*models.Artifact, error) {
	cc, ok := p.categories[category]
	if !ok {
		return nil, configError(category, "config", fmt.Errorf("no content settings for category"))
	}
	log := p.log.WithAccount(account.ID)

	var (
		data    []byte
		subject string
		prompt  string
		extra   string
		err     error
	)

	switch cc.Strategy {
	case config.StrategyAIImage:
		prompt, data, err = p.produceAIImage(ctx, log, category, cc)
		subject = prompt
	case config.StrategyQuote:
		var q source.Quote
		q, data, extra, err = p.produceQuote(ctx, category, cc)
		subject = q.String()
		prompt = subject
	default:
		err = configError(category, "config", fmt.Errorf("unknown strategy %q", cc.Strategy))
	}
	if err != nil {
		return nil, err
	}

	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return nil, &GenerationError{Category: category, Step: "detect", Err: ErrUnknownMedia}
	}
	mediaType := models.MediaTypeImage
	if filetype.IsVideo(data) {
		mediaType = models.MediaTypeVideo
	}

	caption := p.caption(ctx, log, category, cc, subject, extra)

	key := blob.NewKey(p.keyPrefix, account.ID, p.now(), kind.Extension)
	uctx, cancel := context.WithTimeout(ctx, p.timeouts.Upload)
	defer cancel()
	url, err := p.store.Put(uctx, key, data, kind.MIME.Value)
	if err != nil {
		return nil, &UploadError{Key: key, Err: err}
	}

	log.Info().
		Str("category", string(category)).
		Str("media_type", string(mediaType)).
		Str("blob_key", key).
		Int("size_bytes", len(data)).
		Msg("Artifact produced")

	return &models.Artifact{
		URL:         url,
		BlobKey:     key,
		Caption:     caption,
		MediaType:   mediaType,
		ContentType: kind.MIME.Value,
		Prompt:      prompt,
	}, nil
}

func (p *Provider) produceAIImage(ctx context.Context, log *logger.Logger, category models.Category, cc config.CategoryConfig) (string, []byte, error) {
	if len(cc.Prompts) == 0 {
		return "", nil, configError(category, "prompt", fmt.Errorf("no prompts configured"))
	}
	if p.images == nil {
		return "", nil, configError(category, "generate", fmt.Errorf("image generation is not configured"))
	}

	prompt := p.refine(ctx, log, category, cc.Prompts[p.pick(len(cc.Prompts))])

	gctx, cancel := context.WithTimeout(ctx, p.timeouts.Generate)
	defer cancel()
	data, err := p.images.Generate(gctx, prompt)
	if err != nil {
		return "", nil, &GenerationError{Category: category, Step: "generate", Err: err}
	}
	if len(data) == 0 {
		return "", nil, &GenerationError{Category: category, Step: "generate", Err: fmt.Errorf("empty image")}
	}
	return prompt, data, nil
}

// refine returns the refined prompt, or the original when refinement fails or is empty
func (p *Provider) refine(ctx context.Context, log *logger.Logger, category models.Category, prompt string) string {
	if p.refiner == nil {
		return prompt
	}
	rctx, cancel := context.WithTimeout(ctx, p.timeouts.Refine)
	defer cancel()

	refined, err := p.refiner.RefinePrompt(rctx, category, prompt)
	refined = ai.Truncate(strings.TrimSpace(refined), ai.MaxPromptLen)
	if err != nil || refined == "" {
		p.metrics.RefinementDegraded()
		ev := log.Warn().Str("category", string(category))
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("Prompt refinement degraded, using original prompt")
		return prompt
	}
	return refined
}

func (p *Provider) produceQuote(ctx context.Context, category models.Category, cc config.CategoryConfig) (source.Quote, []byte, string, error) {
	if p.quotes == nil || p.photos == nil {
		return source.Quote{}, nil, "", configError(category, "quote", fmt.Errorf("quote sources are not configured"))
	}

	gctx, cancel := context.WithTimeout(ctx, p.timeouts.Generate)
	defer cancel()

	q, err := p.quotes.Pick(gctx)
	if err != nil {
		return source.Quote{}, nil, "", &GenerationError{Category: category, Step: "quote", Err: err}
	}

	query := cc.PhotoQuery
	if query == "" {
		query = "inspiration"
	}
	data, attribution, err := p.photos.BackgroundPhoto(gctx, query)
	if err != nil {
		return source.Quote{}, nil, "", &GenerationError{Category: category, Step: "photo", Err: err}
	}
	return q, data, attribution, nil
}

// caption builds the post caption. The AI line is best-effort; the template is the fallback.
func (p *Provider) caption(ctx context.Context, log *logger.Logger, category models.Category, cc config.CategoryConfig, subject, attribution string) string {
	line := cc.CaptionTemplate
	if p.captioner != nil {
		cctx, cancel := context.WithTimeout(ctx, p.timeouts.Refine)
		text, err := p.captioner.WriteCaption(cctx, category, ai.Truncate(subject, captionSubject))
		cancel()
		if err != nil || strings.TrimSpace(text) == "" {
			log.Debug().Err(err).Msg("Caption generation failed, using template")
		} else {
			line = strings.TrimSpace(text)
		}
	}

	var parts []string
	if category == models.CategoryMotivationalQuote && subject != "" {
		parts = append(parts, "“"+subject+"”")
	}
	if line != "" {
		parts = append(parts, line)
	}
	if attribution != "" {
		parts = append(parts, attribution)
	}
	if tags := hashtags(cc.Hashtags); tags != "" {
		parts = append(parts, tags)
	}
	return ai.Truncate(strings.Join(parts, "\n\n"), maxCaptionLen)
}

func hashtags(tags []string) string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		if seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
		if len(out) == maxHashtags {
			break
		}
	}
	return strings.Join(out, " ")
}
