package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Config holds prediction endpoint configuration.
type Config struct {
	Endpoint      string
	PredictionKey string
	Timeout       time.Duration
}

// Prediction is a single ranked label returned by the classifier.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Client posts raw image bytes to the prediction endpoint.
type Client struct {
	httpClient *http.Client
	endpoint   string
	key        string
}

var (
	ErrMissingEndpoint = errors.New("classifier endpoint not configured")
	ErrMissingKey      = errors.New("classifier prediction key not configured")
)

// NewClient constructs a Client if the supplied configuration is valid.
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	key := strings.TrimSpace(cfg.PredictionKey)
	if key == "" {
		return nil, ErrMissingKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		key:        key,
	}, nil
}

// Classify sends the image and returns predictions in the order the endpoint
// reported them. An empty slice is a valid result.
func (c *Client) Classify(ctx context.Context, image []byte) ([]Prediction, error) {
	if c == nil {
		return nil, errors.New("classifier client is nil")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Prediction-Key", c.key)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prediction request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read prediction response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return decodePredictions(body)
}

type predictionResponse struct {
	Predictions *[]rawPrediction `json:"predictions"`
}

type rawPrediction struct {
	TagName     *string  `json:"tagName"`
	Probability *float64 `json:"probability"`
}

func decodePredictions(body []byte) ([]Prediction, error) {
	var payload predictionResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Reason: "decode response", Err: err}
	}
	if payload.Predictions == nil {
		return nil, &ParseError{Reason: `missing "predictions"`}
	}

	raw := *payload.Predictions
	out := make([]Prediction, 0, len(raw))
	for i, item := range raw {
		if item.TagName == nil || strings.TrimSpace(*item.TagName) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("prediction %d: missing tagName", i)}
		}
		if item.Probability == nil {
			return nil, &ParseError{Reason: fmt.Sprintf("prediction %d: missing probability", i)}
		}
		p := *item.Probability
		if !(p >= 0 && p <= 1) {
			return nil, &ParseError{Reason: fmt.Sprintf("prediction %d: probability %v outside [0,1]", i, p)}
		}
		out = append(out, Prediction{Label: *item.TagName, Confidence: p})
	}
	return out, nil
}
