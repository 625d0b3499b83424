package visual

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/unicon-campus/unimod/moderation"
)

// RekognitionAPI is the subset of the rekognition client used here.
type RekognitionAPI interface {
	DetectModerationLabels(ctx context.Context, params *rekognition.DetectModerationLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectModerationLabelsOutput, error)
}

type RekognitionProvider struct {
	Client        RekognitionAPI
	MinConfidence float32
}

// top-level and second-level moderation labels that count towards the score
var rekognitionExplicitLabels = []string{
	"Explicit",
	"Explicit Nudity",
	"Exposed Male Genitalia",
	"Exposed Female Genitalia",
	"Sexual Activity",
	"Violence",
	"Graphic Violence",
}

// NewRekognitionProvider builds a client from static credentials when given,
// else from the default AWS credential chain.
func NewRekognitionProvider(ctx context.Context, region, accessKeyID, secretAccessKey string) (*RekognitionProvider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &RekognitionProvider{
		Client:        rekognition.NewFromConfig(cfg),
		MinConfidence: 50,
	}, nil
}

func (p *RekognitionProvider) Name() string { return "aws-rekognition" }

func scoreModerationLabels(labels []types.ModerationLabel) (float64, map[string]float64) {
	details := make(map[string]float64)
	var score float64
	for _, l := range labels {
		name := aws.ToString(l.Name)
		parent := aws.ToString(l.ParentName)
		if !slices.Contains(rekognitionExplicitLabels, name) && !slices.Contains(rekognitionExplicitLabels, parent) {
			continue
		}
		s := float64(aws.ToFloat32(l.Confidence)) / 100
		details[name] = s
		if s > score {
			score = s
		}
	}
	return clamp01(score), details
}

func (p *RekognitionProvider) Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error) {
	out, err := p.Client.DetectModerationLabels(ctx, &rekognition.DetectModerationLabelsInput{
		Image:         &types.Image{Bytes: img.Data},
		MinConfidence: aws.Float32(p.MinConfidence),
	})
	if err != nil {
		return nil, fmt.Errorf("Rekognition request failed: %w", err)
	}
	score, details := scoreModerationLabels(out.ModerationLabels)
	slog.Info("rekognition-response", "hash", img.Hash, "score", score, "labels", len(out.ModerationLabels))
	return &moderation.ProviderResult{
		Provider:   p.Name(),
		NsfwScore:  score,
		Confidence: 0.9,
		Details:    details,
	}, nil
}
