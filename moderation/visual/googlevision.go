package visual

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/unicon-campus/unimod/moderation"
	"github.com/unicon-campus/unimod/pkg/robusthttp"
)

const googleVisionDefaultEndpoint = "https://vision.googleapis.com/v1/images:annotate"

type GoogleVisionProvider struct {
	Client   *http.Client
	ApiKey   string
	Endpoint string
}

func NewGoogleVisionProvider(apiKey string) *GoogleVisionProvider {
	return &GoogleVisionProvider{
		Client:   robusthttp.NewClient(),
		ApiKey:   apiKey,
		Endpoint: googleVisionDefaultEndpoint,
	}
}

func (p *GoogleVisionProvider) Name() string { return "google-vision" }

type visionFeature struct {
	Type       string `json:"type"`
	MaxResults int    `json:"maxResults,omitempty"`
}

type visionRequest struct {
	Requests []visionAnnotateRequest `json:"requests"`
}

type visionAnnotateRequest struct {
	Image struct {
		Content string `json:"content"`
	} `json:"image"`
	Features []visionFeature `json:"features"`
}

// schema: https://cloud.google.com/vision/docs/reference/rest/v1/AnnotateImageResponse
type VisionResp struct {
	Responses []VisionResp_Annotate `json:"responses"`
}

type VisionResp_Annotate struct {
	SafeSearch *VisionResp_SafeSearch `json:"safeSearchAnnotation"`
	Labels     []VisionResp_Label     `json:"labelAnnotations"`
	Error      *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type VisionResp_SafeSearch struct {
	Adult    string `json:"adult"`
	Spoof    string `json:"spoof"`
	Medical  string `json:"medical"`
	Violence string `json:"violence"`
	Racy     string `json:"racy"`
}

type VisionResp_Label struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

var likelihoodScores = map[string]float64{
	"VERY_UNLIKELY": 0.1,
	"UNLIKELY":      0.3,
	"POSSIBLE":      0.5,
	"LIKELY":        0.7,
	"VERY_LIKELY":   0.9,
}

var visionNsfwLabels = []string{"nude", "nudity", "adult", "explicit", "sexual", "lingerie", "erotic"}

const visionLabelFloor = 0.7

// NsfwScore takes the worst of the adult, violence and racy likelihoods, lifted
// to a floor when a label looks NSFW.
func (a *VisionResp_Annotate) NsfwScore() (float64, map[string]float64) {
	details := make(map[string]float64)
	var score float64
	if a.SafeSearch != nil {
		for k, v := range map[string]string{"adult": a.SafeSearch.Adult, "violence": a.SafeSearch.Violence, "racy": a.SafeSearch.Racy} {
			s := likelihoodScores[v]
			details[k] = s
			if s > score {
				score = s
			}
		}
	}
	for _, l := range a.Labels {
		desc := strings.ToLower(l.Description)
		for _, term := range visionNsfwLabels {
			if strings.Contains(desc, term) {
				details["label:"+desc] = l.Score
				if score < visionLabelFloor {
					score = visionLabelFloor
				}
			}
		}
	}
	return score, details
}

func (p *GoogleVisionProvider) Analyze(ctx context.Context, img Image) (*moderation.ProviderResult, error) {
	var areq visionAnnotateRequest
	areq.Image.Content = base64.StdEncoding.EncodeToString(img.Data)
	areq.Features = []visionFeature{
		{Type: "SAFE_SEARCH_DETECTION"},
		{Type: "LABEL_DETECTION", MaxResults: 20},
	}
	payload, err := json.Marshal(visionRequest{Requests: []visionAnnotateRequest{areq}})
	if err != nil {
		return nil, err
	}

	u := p.Endpoint + "?key=" + url.QueryEscape(p.ApiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := p.Client.Do(req)
	if err != nil {
		// the request URL carries the key, keep it out of logs
		return nil, fmt.Errorf("Google Vision request failed")
	}
	defer res.Body.Close()

	vendorStatusCount.WithLabelValues(p.Name(), fmt.Sprint(res.StatusCode)).Inc()
	if res.StatusCode != 200 {
		return nil, fmt.Errorf("Google Vision request failed  statusCode=%d", res.StatusCode)
	}

	respBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Google Vision resp body: %v", err)
	}
	var respObj VisionResp
	if err := json.Unmarshal(respBytes, &respObj); err != nil {
		return nil, fmt.Errorf("failed to parse Google Vision resp JSON: %v", err)
	}
	if len(respObj.Responses) == 0 {
		return nil, fmt.Errorf("Google Vision response was empty")
	}
	annotate := respObj.Responses[0]
	if annotate.Error != nil {
		return nil, fmt.Errorf("Google Vision annotate error code=%d: %s", annotate.Error.Code, annotate.Error.Message)
	}
	if annotate.SafeSearch == nil {
		return nil, fmt.Errorf("Google Vision response had no safe search annotation")
	}

	score, details := annotate.NsfwScore()
	slog.Info("google-vision-response", "hash", img.Hash, "score", score)
	return &moderation.ProviderResult{
		Provider:   p.Name(),
		NsfwScore:  score,
		Confidence: 0.9,
		Details:    details,
	}, nil
}
