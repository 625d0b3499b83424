package visual

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/unicon-campus/unimod/moderation"
)

type mockProvider struct {
	name  string
	score float64
	conf  float64
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (m *mockProvider) Name() string { return m.name }

func (m *mockProvider) Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error) {
	m.calls.Add(1)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	return &moderation.ProviderResult{NsfwScore: m.score, Confidence: m.conf}, nil
}

var pngImage = Image{Data: []byte("\x89PNG\r\n\x1a\n"), MimeType: "image/png"}

func TestAggregate(t *testing.T) {
	assert := assert.New(t)

	score, conf := Aggregate(nil)
	assert.Equal(0.0, score)
	assert.Equal(0.0, conf)

	score, conf = Aggregate([]moderation.ProviderResult{
		{NsfwScore: 0.9, Confidence: 0.9},
		{NsfwScore: 0.1, Confidence: 0.3},
	})
	assert.InDelta(0.7, score, 0.0001)
	assert.InDelta(0.6, conf, 0.0001)

	// all zero confidence falls back to the plain mean
	score, conf = Aggregate([]moderation.ProviderResult{
		{NsfwScore: 0.2, Confidence: 0},
		{NsfwScore: 0.4, Confidence: 0},
	})
	assert.InDelta(0.3, score, 0.0001)
	assert.Equal(0.0, conf)
}

func TestAggregateBounded(t *testing.T) {
	assert := assert.New(t)
	values := []float64{0, 0.01, 0.3, 0.5, 0.79, 0.8, 1}
	for _, s1 := range values {
		for _, c1 := range values {
			for _, s2 := range values {
				for _, c2 := range values {
					score, conf := Aggregate([]moderation.ProviderResult{
						{NsfwScore: s1, Confidence: c1},
						{NsfwScore: s2, Confidence: c2},
					})
					assert.True(score >= 0 && score <= 1)
					assert.True(conf >= 0 && conf <= 1)
				}
			}
		}
	}
}

func TestRecommend(t *testing.T) {
	assert := assert.New(t)

	fixtures := []struct {
		score float64
		rec   moderation.Recommendation
	}{
		{0.0, moderation.RecommendAllow},
		{0.29, moderation.RecommendAllow},
		{0.3, moderation.RecommendReview},
		{0.49, moderation.RecommendReview},
		{0.5, moderation.RecommendQuarantine},
		{0.79, moderation.RecommendQuarantine},
		{0.8, moderation.RecommendBlock},
		{1.0, moderation.RecommendBlock},
	}
	for _, f := range fixtures {
		rec, reasons := Recommend(f.score)
		assert.Equal(f.rec, rec, f.score)
		if rec == moderation.RecommendAllow {
			assert.Empty(reasons)
		} else {
			assert.Len(reasons, 1)
		}
	}
}

func TestAnalyzeExcludesFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	good := &mockProvider{name: "good", score: 0.6, conf: 0.9}
	bad := &mockProvider{name: "bad", err: errors.New("401 unauthorized")}
	agg := NewAggregator([]ClassifierProvider{good, bad}, AggregatorConfig{}, nil)

	out, err := agg.Analyze(ctx, pngImage)
	assert.NoError(err)
	assert.InDelta(0.6, out.OverallNsfwScore, 0.0001)
	assert.InDelta(0.9, out.Confidence, 0.0001)
	assert.Equal(moderation.RecommendQuarantine, out.Recommendation)
	assert.Len(out.Analyses, 1)
	assert.Equal("good", out.Analyses[0].Provider)
	assert.False(out.Fallback)
}

func TestAnalyzeTimeoutExcluded(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	slow := &mockProvider{name: "slow", score: 1, conf: 1, delay: time.Second}
	fast := &mockProvider{name: "fast", score: 0.1, conf: 0.9}
	agg := NewAggregator([]ClassifierProvider{slow, fast}, AggregatorConfig{ProviderTimeout: 20 * time.Millisecond}, nil)

	start := time.Now()
	out, err := agg.Analyze(ctx, pngImage)
	assert.NoError(err)
	assert.Less(time.Since(start), 500*time.Millisecond)
	assert.Equal(moderation.RecommendAllow, out.Recommendation)
	assert.Len(out.Analyses, 1)
}

func TestAnalyzeFallback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	bad := &mockProvider{name: "bad", err: errors.New("connection reset")}
	agg := NewAggregator([]ClassifierProvider{bad}, AggregatorConfig{}, nil)

	jpeg := Image{Data: []byte{0xff, 0xd8, 0xff, 0xe1, 0x00}, MimeType: "image/jpeg"}
	out, err := agg.Analyze(ctx, jpeg)
	assert.NoError(err)
	assert.True(out.Fallback)
	assert.Len(out.Analyses, 1)
	assert.Equal("local-heuristic", out.Analyses[0].Provider)
	assert.InDelta(0.2, out.OverallNsfwScore, 0.0001)
	assert.InDelta(0.3, out.Confidence, 0.0001)
	assert.Equal(moderation.RecommendAllow, out.Recommendation)

	// no providers configured at all
	agg = NewAggregator(nil, AggregatorConfig{}, nil)
	out, err = agg.Analyze(ctx, pngImage)
	assert.NoError(err)
	assert.True(out.Fallback)
}

func TestAnalyzeNonImageSkipsProviders(t *testing.T) {
	assert := assert.New(t)

	p := &mockProvider{name: "vendor", score: 0.9, conf: 0.9}
	agg := NewAggregator([]ClassifierProvider{p}, AggregatorConfig{}, nil)
	out, err := agg.Analyze(context.Background(), Image{Data: []byte("ftypmp4"), MimeType: "video/mp4"})
	assert.NoError(err)
	assert.Equal(int32(0), p.calls.Load())
	assert.True(out.Fallback)
}

func TestAnalyzeAggregationFailure(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &mockProvider{name: "slow", score: 0.9, conf: 0.9, delay: time.Second}
	agg := NewAggregator([]ClassifierProvider{p}, AggregatorConfig{}, nil)
	out, err := agg.Analyze(ctx, pngImage)
	assert.ErrorIs(err, ErrAggregationFailed)
	assert.NotNil(out)
	assert.True(out.Failed)
	assert.Equal(moderation.RecommendReview, out.Recommendation)
	assert.Equal([]string{ReasonAnalysisFailed}, out.Reasons)
}

func TestAnalyzeRejectsOutOfRangeScores(t *testing.T) {
	assert := assert.New(t)

	broken := &mockProvider{name: "broken", score: 7, conf: 0.9}
	ok := &mockProvider{name: "ok", score: 0.2, conf: 0.5}
	agg := NewAggregator([]ClassifierProvider{broken, ok}, AggregatorConfig{}, nil)
	out, err := agg.Analyze(context.Background(), pngImage)
	assert.NoError(err)
	assert.Len(out.Analyses, 1)
	assert.InDelta(0.2, out.OverallNsfwScore, 0.0001)
}

func TestAnalyzeCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	p := &mockProvider{name: "vendor", score: 0.55, conf: 0.9}
	agg := NewAggregator([]ClassifierProvider{p}, AggregatorConfig{}, nil)
	agg.Cache = NewMemCache(10, time.Minute)

	img := pngImage
	img.Hash = "abc123"
	first, err := agg.Analyze(ctx, img)
	assert.NoError(err)
	second, err := agg.Analyze(ctx, img)
	assert.NoError(err)
	assert.Equal(int32(1), p.calls.Load())
	assert.Equal(first.OverallNsfwScore, second.OverallNsfwScore)

	// no hash, no caching
	_, err = agg.Analyze(ctx, pngImage)
	assert.NoError(err)
	assert.Equal(int32(2), p.calls.Load())
}

func TestAnalyzeRateLimited(t *testing.T) {
	assert := assert.New(t)

	p := &mockProvider{name: "vendor", score: 0.1, conf: 0.9}
	// one token per hour: the second call waits past its timeout and fails
	agg := NewAggregator([]ClassifierProvider{p}, AggregatorConfig{ProviderTimeout: 50 * time.Millisecond, ProviderRateLimit: 1.0 / 3600}, nil)

	out, err := agg.Analyze(context.Background(), pngImage)
	assert.NoError(err)
	assert.False(out.Fallback)

	out, err = agg.Analyze(context.Background(), pngImage)
	assert.NoError(err)
	assert.True(out.Fallback)
	assert.Equal(int32(1), p.calls.Load())
}

func TestLocalHeuristic(t *testing.T) {
	assert := assert.New(t)
	p := &LocalHeuristicProvider{LargeFileBytes: 8}

	res, err := p.Analyze(context.Background(), Image{Data: []byte("tiny")})
	assert.NoError(err)
	assert.Equal(0.0, res.NsfwScore)
	assert.Equal(0.3, res.Confidence)

	res, err = p.Analyze(context.Background(), Image{Data: []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3, 4, 5, 6}})
	assert.NoError(err)
	assert.InDelta(0.3, res.NsfwScore, 0.0001)

	// only the head of a large upload is passed in
	res, err = p.Analyze(context.Background(), Image{Data: []byte("tiny"), Size: 1 << 20})
	assert.NoError(err)
	assert.InDelta(0.1, res.NsfwScore, 0.0001)
}
