package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/pkg/robusthttp"
)

const (
	huggingFaceDefaultEndpoint = "https://api-inference.huggingface.co/models/"
	HuggingFaceDefaultModel    = "Falconsai/nsfw_image_detection"
)

type HuggingFaceProvider struct {
	Client   *http.Client
	ApiKey   string
	Endpoint string
	Model    string
}

// image-classification output: a list of label/score pairs
type HuggingFaceResp []struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

var huggingFaceNsfwLabels = []string{"nsfw", "porn", "hentai", "sexy", "explicit"}

func NewHuggingFaceProvider(apiKey, model string) *HuggingFaceProvider {
	if model == "" {
		model = HuggingFaceDefaultModel
	}
	return &HuggingFaceProvider{
		Client:   robusthttp.NewClient(),
		ApiKey:   apiKey,
		Endpoint: huggingFaceDefaultEndpoint,
		Model:    model,
	}
}

func (p *HuggingFaceProvider) Name() string { return "huggingface" }

func (resp HuggingFaceResp) NsfwScore() (float64, map[string]float64) {
	details := make(map[string]float64)
	var score float64
	for _, l := range resp {
		label := strings.ToLower(l.Label)
		details[label] = l.Score
		for _, nsfw := range huggingFaceNsfwLabels {
			if label == nsfw && l.Score > score {
				score = l.Score
			}
		}
	}
	return clamp01(score), details
}

func (p *HuggingFaceProvider) Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", p.Endpoint+p.Model, bytes.NewReader(img.Data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.ApiKey)
	req.Header.Set("Content-Type", img.MimeType)
	req.Header.Set("Accept", "application/json")

	res, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HuggingFace request failed: %v", err)
	}
	defer res.Body.Close()

	vendorStatusCount.WithLabelValues(p.Name(), fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("HuggingFace request failed  statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read HuggingFace resp body: %v", err)
	}
	var respObj HuggingFaceResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse HuggingFace resp JSON: %v", err)
	}
	if len(respObj) == 0 {
		return nil, fmt.Errorf("HuggingFace response had no labels")
	}

	score, details := respObj.NsfwScore()
	slog.Info("huggingface-response", "hash", img.Hash, "model", p.Model, "score", score)
	return &moderation.ProviderResult{
		Provider:   p.Name(),
		NsfwScore:  score,
		Confidence: 0.8,
		Details:    details,
	}, nil
}
