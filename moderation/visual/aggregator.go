package visual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/unicon-campus/unimod/moderation"
)

var tracer = otel.Tracer("visual")

var ErrAggregationFailed = errors.New("AI analysis failed")

const (
	DefaultProviderTimeout = 30 * time.Second

	ReasonAnalysisFailed = "AI analysis failed - manual review required"
)

// recommendation bands, checked top down against the aggregate score
var bands = []struct {
	min    float64
	rec    moderation.Recommendation
	reason string
}{
	{0.8, moderation.RecommendBlock, "High NSFW probability detected"},
	{0.5, moderation.RecommendQuarantine, "Moderate NSFW probability detected"},
	{0.3, moderation.RecommendReview, "Low NSFW probability detected"},
}

type AggregatorConfig struct {
	// per-provider call bound
	ProviderTimeout time.Duration
	// requests per second per provider; zero disables limiting
	ProviderRateLimit float64
}

type Aggregator struct {
	Providers []ClassifierProvider
	// answers when no provider produced a result
	Fallback ClassifierProvider
	Cache    AnalysisCache
	Logger   *slog.Logger

	timeout  time.Duration
	limiters map[string]*rate.Limiter
}

func NewAggregator(providers []ClassifierProvider, cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	limiters := make(map[string]*rate.Limiter)
	if cfg.ProviderRateLimit > 0 {
		for _, p := range providers {
			limiters[p.Name()] = rate.NewLimiter(rate.Limit(cfg.ProviderRateLimit), 1)
		}
	}
	return &Aggregator{
		Providers: providers,
		Fallback:  NewLocalHeuristicProvider(),
		Logger:    logger.With("system", "visual"),
		timeout:   cfg.ProviderTimeout,
		limiters:  limiters,
	}
}

func (a *Aggregator) ProviderTimeout() time.Duration {
	return a.timeout
}

// Aggregate computes the confidence-weighted mean score and the mean confidence
// over every result. When all confidences are zero the plain mean score is used.
func Aggregate(results []moderation.ProviderResult) (score, confidence float64) {
	if len(results) == 0 {
		return 0, 0
	}
	var weighted, confSum, scoreSum float64
	for _, r := range results {
		weighted += r.NsfwScore * r.Confidence
		confSum += r.Confidence
		scoreSum += r.NsfwScore
	}
	n := float64(len(results))
	if confSum == 0 {
		return clamp01(scoreSum / n), 0
	}
	return clamp01(weighted / confSum), clamp01(confSum / n)
}

// Recommend maps an aggregate score to a recommendation and the reasons behind it.
func Recommend(score float64) (moderation.Recommendation, []string) {
	for _, b := range bands {
		if score >= b.min {
			return b.rec, []string{b.reason}
		}
	}
	return moderation.RecommendAllow, []string{}
}

func failedAnalysis(results []moderation.ProviderResult) *moderation.AIAnalysis {
	if results == nil {
		results = []moderation.ProviderResult{}
	}
	return &moderation.AIAnalysis{
		Analyses:       results,
		Recommendation: moderation.RecommendReview,
		Reasons:        []string{ReasonAnalysisFailed},
		Failed:         true,
	}
}

func (a *Aggregator) callProvider(ctx context.Context, p ClassifierProvider, img Image) (*moderation.ProviderResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "provider.Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("provider", p.Name()))

	start := time.Now()
	res, err := func() (*moderation.ProviderResult, error) {
		if lim, ok := a.limiters[p.Name()]; ok {
			if err := lim.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
		}
		return p.Analyze(ctx, img)
	}()
	providerDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	if err == nil && res == nil {
		err = fmt.Errorf("provider returned no result")
	}
	if err == nil && !(validScore(res.NsfwScore) && validScore(res.Confidence)) {
		err = errBadScore
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome = "timeout"
		}
		providerCount.WithLabelValues(p.Name(), outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	providerCount.WithLabelValues(p.Name(), "ok").Inc()
	out := *res
	out.Provider = p.Name()
	return &out, nil
}

// Analyze fans the image out to every provider, then aggregates whatever came
// back. Provider failures are logged and excluded. If nothing came back the
// fallback provider is consulted. If that fails too, the returned analysis
// recommends review and the error wraps ErrAggregationFailed.
func (a *Aggregator) Analyze(ctx context.Context, img Image) (*moderation.AIAnalysis, error) {
	ctx, span := tracer.Start(ctx, "Aggregator.Analyze")
	defer span.End()

	if a.Cache != nil && img.Hash != "" {
		cached, err := a.Cache.Get(ctx, img.Hash)
		if err != nil {
			a.Logger.Warn("analysis cache read failed", "hash", img.Hash, "err", err)
		} else if cached != nil {
			cacheHitCount.Inc()
			return cached, nil
		}
	}

	var providers []ClassifierProvider
	if isImage(img.MimeType) {
		providers = a.Providers
	}

	slots := make([]*moderation.ProviderResult, len(providers))
	var eg errgroup.Group
	eg.SetLimit(max(len(providers), 1))
	for i, p := range providers {
		eg.Go(func() error {
			res, err := a.callProvider(ctx, p, img)
			if err != nil {
				a.Logger.Warn("classifier provider failed", "provider", p.Name(), "hash", img.Hash, "err", err)
				return nil
			}
			slots[i] = res
			return nil
		})
	}
	_ = eg.Wait()

	results := make([]moderation.ProviderResult, 0, len(slots))
	for _, r := range slots {
		if r != nil {
			results = append(results, *r)
		}
	}

	fallback := false
	if len(results) == 0 {
		if a.Fallback == nil {
			span.SetStatus(codes.Error, "no provider results")
			return failedAnalysis(nil), fmt.Errorf("%w: no providers produced a result", ErrAggregationFailed)
		}
		fallbackCount.Inc()
		res, err := a.callProvider(ctx, a.Fallback, img)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return failedAnalysis(nil), fmt.Errorf("%w: fallback provider: %v", ErrAggregationFailed, err)
		}
		results = append(results, *res)
		fallback = true
	}

	score, confidence := Aggregate(results)
	rec, reasons := Recommend(score)
	recommendationCount.WithLabelValues(string(rec)).Inc()
	span.SetAttributes(attribute.Float64("score", score), attribute.String("recommendation", string(rec)))

	out := &moderation.AIAnalysis{
		OverallNsfwScore: score,
		Confidence:       confidence,
		Analyses:         results,
		Recommendation:   rec,
		Reasons:          reasons,
		Fallback:         fallback,
	}
	if a.Cache != nil && img.Hash != "" && !fallback {
		if err := a.Cache.Set(ctx, img.Hash, out); err != nil {
			a.Logger.Warn("analysis cache write failed", "hash", img.Hash, "err", err)
		}
	}
	return out, nil
}
