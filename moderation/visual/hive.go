package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/pkg/robusthttp"
)

const hiveDefaultEndpoint = "https://api.thehive.ai/api/v2/task/sync"

type HiveProvider struct {
	Client   *http.Client
	ApiToken string
	Endpoint string
}

// schema: https://docs.thehive.ai/reference/classification
type HiveAIResp struct {
	Status []HiveAIResp_Status `json:"status"`
}

type HiveAIResp_Status struct {
	Response HiveAIResp_Response `json:"response"`
}

type HiveAIResp_Response struct {
	Output []HiveAIResp_Out `json:"output"`
}

type HiveAIResp_Out struct {
	Time    float64            `json:"time"`
	Classes []HiveAIResp_Class `json:"classes"`
}

type HiveAIResp_Class struct {
	Class string  `json:"class"`
	Score float64 `json:"score"`
}

func NewHiveProvider(token string) *HiveProvider {
	return &HiveProvider{
		Client:   robusthttp.NewClient(),
		ApiToken: token,
		Endpoint: hiveDefaultEndpoint,
	}
}

func (p *HiveProvider) Name() string { return "hiveai" }

// Weight per hive class. Explicit classes count fully, suggestive and
// non-sexual nudity classes are discounted, underwear barely counts.
//
// hive docs/definitions: https://docs.thehive.ai/docs/sexual-content
var hiveClassWeights = map[string]float64{
	"yes_sexual_activity":        1.0,
	"animal_genitalia_and_human": 1.0,
	"yes_realistic_nsfw":         1.0,
	"general_nsfw":               0.9,
	"yes_sexual_intent":          0.8,
	"yes_sex_toy":                0.8,
	"yes_male_nudity":            0.6,
	"yes_female_nudity":          0.6,
	"yes_undressed":              0.6,
	"yes_male_underwear":         0.4,
	"yes_female_underwear":       0.4,
}

// NsfwScore reduces a hive response to a single score: the strongest weighted sexual class.
func (resp *HiveAIResp) NsfwScore() (float64, map[string]float64) {
	var score float64
	details := make(map[string]float64)
	for _, status := range resp.Status {
		for _, out := range status.Response.Output {
			for _, cls := range out.Classes {
				w, ok := hiveClassWeights[cls.Class]
				if !ok {
					continue
				}
				if cls.Score > details[cls.Class] {
					details[cls.Class] = cls.Score
				}
				if v := cls.Score * w; v > score {
					score = v
				}
			}
		}
	}
	return clamp01(score), details
}

func (p *HiveProvider) Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error) {
	slog.Debug("sending image to Hive AI", "hash", img.Hash, "mimetype", img.MimeType, "size", len(img.Data))

	// generic HTTP form file upload, then parse the response JSON
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("media", "upload")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.Endpoint, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Token %s", p.ApiToken))
	req.Header.Add("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	res, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HiveAI request failed: %v", err)
	}
	defer res.Body.Close()

	vendorStatusCount.WithLabelValues(p.Name(), fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("HiveAI request failed  statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read HiveAI resp body: %v", err)
	}

	var respObj HiveAIResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse HiveAI resp JSON: %v", err)
	}
	if len(respObj.Status) == 0 {
		return nil, fmt.Errorf("HiveAI response had no status entries")
	}
	score, details := respObj.NsfwScore()
	slog.Info("hive-ai-response", "hash", img.Hash, "score", score)
	return &moderation.ProviderResult{
		Provider:   p.Name(),
		NsfwScore:  score,
		Confidence: 0.9,
		Details:    details,
	}, nil
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}
