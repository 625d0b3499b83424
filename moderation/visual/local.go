package visual

import (
	"bytes"
	"context"

	"github.com/unicon-campus/unimod/moderation"
)

// LocalHeuristicProvider needs no network and always answers, with low
// confidence. It backs the aggregator when every external provider fails.
type LocalHeuristicProvider struct {
	LargeFileBytes int64
}

func NewLocalHeuristicProvider() *LocalHeuristicProvider {
	return &LocalHeuristicProvider{LargeFileBytes: 5 * 1024 * 1024}
}

func (p *LocalHeuristicProvider) Name() string { return "local-heuristic" }

// JPEG SOI followed by a JFIF/EXIF/ICC application marker
var jpegAppMarkers = [][]byte{
	{0xff, 0xd8, 0xff, 0xe0},
	{0xff, 0xd8, 0xff, 0xe1},
	{0xff, 0xd8, 0xff, 0xe2},
}

func (p *LocalHeuristicProvider) Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	details := make(map[string]float64)
	var score float64
	if img.size() > p.LargeFileBytes {
		score += 0.1
		details["large_file"] = 0.1
	}
	for _, m := range jpegAppMarkers {
		if bytes.Contains(img.Data, m) {
			score += 0.2
			details["camera_metadata"] = 0.2
			break
		}
	}
	return &moderation.ProviderResult{
		Provider:   p.Name(),
		NsfwScore:  clamp01(score),
		Confidence: 0.3,
		Details:    details,
	}, nil
}
