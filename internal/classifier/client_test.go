package classifier

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "https://vision.example.test/customvision/v3.0/Prediction/p/classify/iterations/i/image"

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Config{Endpoint: testEndpoint, PredictionKey: "secret-key"})
	require.NoError(t, err)
	return client
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(Config{PredictionKey: "k"})
	assert.ErrorIs(t, err, ErrMissingEndpoint)

	_, err = NewClient(Config{Endpoint: testEndpoint, PredictionKey: "  "})
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestClassifySendsImageWithKey(t *testing.T) {
	setupHTTPMock(t)

	image := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00}
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "secret-key", req.Header.Get("Prediction-Key"))
		assert.Equal(t, "application/octet-stream", req.Header.Get("Content-Type"))
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, image, body)
		return httpmock.NewStringResponse(http.StatusOK, `{
			"id": "3d5c",
			"project": "p",
			"predictions": [
				{"probability": 0.91, "tagId": "a", "tagName": "rice_curry"},
				{"probability": 0.05, "tagId": "b", "tagName": "pad_thai"}
			]
		}`), nil
	})

	predictions, err := newTestClient(t).Classify(context.Background(), image)
	require.NoError(t, err)
	assert.Equal(t, []Prediction{
		{Label: "rice_curry", Confidence: 0.91},
		{Label: "pad_thai", Confidence: 0.05},
	}, predictions)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestClassifyEmptyPredictions(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusOK, `{"predictions": []}`))

	predictions, err := newTestClient(t).Classify(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Empty(t, predictions)
}

func TestClassifyNon200(t *testing.T) {
	setupHTTPMock(t)

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"code":"Unauthorized","message":"Invalid prediction key"}`},
		{"rate limited", http.StatusTooManyRequests, `{"code":"TooManyRequests"}`},
		{"server error", http.StatusInternalServerError, "boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpmock.Reset()
			httpmock.RegisterResponder(http.MethodPost, testEndpoint, httpmock.NewStringResponder(tc.status, tc.body))

			_, err := newTestClient(t).Classify(context.Background(), []byte("img"))
			require.Error(t, err)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tc.status, statusErr.StatusCode)
			assert.Equal(t, tc.body, statusErr.Body)
			assert.Equal(t, 1, httpmock.GetTotalCallCount(), "no retries")
		})
	}
}

func TestClassifyMalformedResponses(t *testing.T) {
	setupHTTPMock(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"predictions": [`},
		{"missing predictions", `{"id": "x"}`},
		{"predictions not array", `{"predictions": {"tagName": "x"}}`},
		{"missing tag", `{"predictions": [{"probability": 0.4}]}`},
		{"blank tag", `{"predictions": [{"tagName": " ", "probability": 0.4}]}`},
		{"missing probability", `{"predictions": [{"tagName": "rice"}]}`},
		{"probability too high", `{"predictions": [{"tagName": "rice", "probability": 1.2}]}`},
		{"probability negative", `{"predictions": [{"tagName": "rice", "probability": -0.1}]}`},
		{"tag wrong type", `{"predictions": [{"tagName": 7, "probability": 0.4}]}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			httpmock.Reset()
			httpmock.RegisterResponder(http.MethodPost, testEndpoint, httpmock.NewStringResponder(http.StatusOK, tc.body))

			predictions, err := newTestClient(t).Classify(context.Background(), []byte("img"))
			require.Error(t, err)
			assert.Nil(t, predictions)
			assert.ErrorIs(t, err, ErrMalformedResponse)

			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr))
		})
	}
}

func TestClassifyHonoursContextDeadline(t *testing.T) {
	setupHTTPMock(t)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t).Classify(ctx, []byte("img"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
