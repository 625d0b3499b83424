// Package visual runs uploaded images past pluggable NSFW classifiers and
// folds their verdicts into one confidence-weighted score and recommendation.
package visual

import (
	"context"
	"errors"
	"math"

	"github.com/unicon-campus/unimod/moderation"
)

// Image is the payload handed to every provider.
type Image struct {
	Data     []byte
	MimeType string
	// size of the whole upload; Data may be only its head
	Size int64
	// lowercase hex SHA-256, empty when unknown
	Hash string
}

// size is the upload size, falling back to the bytes at hand.
func (img Image) size() int64 {
	if n := int64(len(img.Data)); n > img.Size {
		return n
	}
	return img.Size
}

// ClassifierProvider is implemented by each vendor adapter and by the local heuristic.
type ClassifierProvider interface {
	Name() string
	Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error)
}

var errBadScore = errors.New("provider returned score outside [0,1]")

func validScore(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}
