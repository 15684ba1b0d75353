package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meal-mate/backend/internal/carbs"
	"meal-mate/backend/internal/chat"
	"meal-mate/backend/internal/classifier"
	"meal-mate/backend/internal/dosage"
	"meal-mate/backend/internal/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubClassifier struct {
	predictions []classifier.Prediction
	err         error
}

func (s *stubClassifier) Classify(ctx context.Context, image []byte) ([]classifier.Prediction, error) {
	return s.predictions, s.err
}

type stubMessenger struct {
	mu      sync.Mutex
	content map[string][]byte
	replies map[string]string
}

func newStubMessenger() *stubMessenger {
	return &stubMessenger{content: map[string][]byte{}, replies: map[string]string{}}
}

func (m *stubMessenger) Content(ctx context.Context, id string) ([]byte, error) {
	return m.content[id], nil
}

func (m *stubMessenger) Reply(ctx context.Context, replyTo, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[replyTo] = text
	return nil
}

func (m *stubMessenger) reply(to string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replies[to]
}

func testConfig(t *testing.T) Config {
	t.Helper()
	table, err := carbs.NewTable(map[string]float64{"rice_curry": 60, "pad_thai": 70})
	require.NoError(t, err)
	return Config{
		Table:           table,
		TableSource:     "test",
		Policy:          dosage.DefaultPolicy(),
		PipelineTimeout: time.Second,
		Chat: chat.Config{
			Profile:        chat.Profile{Weight: 60, CurrentSugar: 100},
			NotifyFailures: true,
		},
	}
}

func newTestServer(t *testing.T, cfg Config, cls *stubClassifier, opts ...Option) (*Server, *gin.Engine) {
	t.Helper()
	opts = append([]Option{WithClassifier(cls)}, opts...)
	s, err := NewServer(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, s.Router()
}

func classifyRequest(t *testing.T, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if image != nil {
		part, err := w.CreateFormFile("image", "meal.jpg")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/classify", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

var jpeg = []byte{0xff, 0xd8, 0xff, 0xe0}

func TestClassifySuccess(t *testing.T) {
	cls := &stubClassifier{predictions: []classifier.Prediction{
		{Label: "pad_thai", Confidence: 0.2},
		{Label: "rice_curry", Confidence: 0.9},
	}}
	_, router := newTestServer(t, testConfig(t), cls)

	rec := serve(router, classifyRequest(t, jpeg, map[string]string{"weight": "60", "currentSugar": "150"}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rice_curry", resp.FoodName)
	assert.Equal(t, 60.0, resp.CarbEstimation)
	// 60/7.5 + 50/30
	assert.Equal(t, 9.67, resp.Insulin)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestClassifyCarbPortionOverride(t *testing.T) {
	cls := &stubClassifier{predictions: []classifier.Prediction{{Label: "pad_thai", Confidence: 0.7}}}
	_, router := newTestServer(t, testConfig(t), cls)

	rec := serve(router, classifyRequest(t, jpeg, map[string]string{"weight": "60", "currentSugar": "100", "carbPortion": "45"}))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ClassifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 45.0, resp.CarbEstimation)
	assert.Equal(t, 6.0, resp.Insulin)
}

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name   string
		cls    *stubClassifier
		image  []byte
		fields map[string]string
		status int
		kind   string
		check  func(t *testing.T, resp ErrorResponse)
	}{
		{
			name:   "missing image",
			cls:    &stubClassifier{},
			fields: map[string]string{"weight": "60", "currentSugar": "100"},
			status: http.StatusBadRequest,
			kind:   "invalid_input",
		},
		{
			name:   "missing weight",
			cls:    &stubClassifier{},
			image:  jpeg,
			fields: map[string]string{"currentSugar": "100"},
			status: http.StatusBadRequest,
			kind:   "invalid_input",
		},
		{
			name:   "non numeric sugar",
			cls:    &stubClassifier{},
			image:  jpeg,
			fields: map[string]string{"weight": "60", "currentSugar": "high"},
			status: http.StatusBadRequest,
			kind:   "invalid_input",
		},
		{
			name:   "zero weight",
			cls:    &stubClassifier{},
			image:  jpeg,
			fields: map[string]string{"weight": "0", "currentSugar": "100"},
			status: http.StatusBadRequest,
			kind:   "invalid_input",
		},
		{
			name:   "no prediction",
			cls:    &stubClassifier{predictions: []classifier.Prediction{}},
			image:  jpeg,
			fields: map[string]string{"weight": "60", "currentSugar": "100"},
			status: http.StatusUnprocessableEntity,
			kind:   "no_prediction",
		},
		{
			name:   "unknown food",
			cls:    &stubClassifier{predictions: []classifier.Prediction{{Label: "durian", Confidence: 0.8}}},
			image:  jpeg,
			fields: map[string]string{"weight": "60", "currentSugar": "100"},
			status: http.StatusUnprocessableEntity,
			kind:   "unknown_food",
			check: func(t *testing.T, resp ErrorResponse) {
				assert.Equal(t, "durian", resp.Label)
			},
		},
		{
			name:   "upstream status",
			cls:    &stubClassifier{err: &classifier.StatusError{StatusCode: 401, Body: "bad key"}},
			image:  jpeg,
			fields: map[string]string{"weight": "60", "currentSugar": "100"},
			status: http.StatusBadGateway,
			kind:   "classifier_failure",
			check: func(t *testing.T, resp ErrorResponse) {
				assert.Equal(t, 401, resp.UpstreamStatus)
				assert.Equal(t, "bad key", resp.UpstreamBody)
				assert.Equal(t, "status", resp.Reason)
			},
		},
		{
			name:   "upstream timeout",
			cls:    &stubClassifier{err: context.DeadlineExceeded},
			image:  jpeg,
			fields: map[string]string{"weight": "60", "currentSugar": "100"},
			status: http.StatusGatewayTimeout,
			kind:   "classifier_failure",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, router := newTestServer(t, testConfig(t), tc.cls)
			rec := serve(router, classifyRequest(t, tc.image, tc.fields))
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			resp := decodeError(t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tc.kind, resp.Kind)
			if tc.check != nil {
				tc.check(t, resp)
			}
		})
	}
}

func TestClassifyRejectsOversizeImage(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxImageBytes = 16
	_, router := newTestServer(t, cfg, &stubClassifier{})

	rec := serve(router, classifyRequest(t, bytes.Repeat([]byte{0xff}, 64), map[string]string{"weight": "60", "currentSugar": "100"}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	_, router := newTestServer(t, testConfig(t), &stubClassifier{})
	req := httptest.NewRequest(http.MethodGet, "/api/healthz", nil)
	req.Header.Set(requestIDHeader, "abc-123")

	rec := serve(router, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(requestIDHeader))
}

func TestConfigAndFoods(t *testing.T) {
	_, router := newTestServer(t, testConfig(t), &stubClassifier{})

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg ConfigResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 2, cfg.Foods)
	assert.Equal(t, dosage.DefaultPolicy(), cfg.Policy)
	assert.Equal(t, []string{"api"}, cfg.Transports)
	assert.EqualValues(t, defaultMaxImageBytes, cfg.MaxImageBytes)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/api/foods", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var foods struct {
		Items []carbs.Entry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &foods))
	assert.Equal(t, []carbs.Entry{{Label: "pad_thai", Carbs: 70}, {Label: "rice_curry", Carbs: 60}}, foods.Items)
}

func TestMetricsEndpoint(t *testing.T) {
	cls := &stubClassifier{predictions: []classifier.Prediction{{Label: "rice_curry", Confidence: 0.9}}}
	_, router := newTestServer(t, testConfig(t), cls)

	serve(router, classifyRequest(t, jpeg, map[string]string{"weight": "60", "currentSugar": "100"}))
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `mealmate_pipeline_runs_total{outcome="success",source="api"} 1`)
	assert.Contains(t, body, `mealmate_foods_identified_total{food="rice_curry"} 1`)
}

func TestWebhookRoutesDisabledByDefault(t *testing.T) {
	_, router := newTestServer(t, testConfig(t), &stubClassifier{})
	assert.Equal(t, http.StatusNotFound, serve(router, httptest.NewRequest(http.MethodPost, "/webhook", nil)).Code)
	assert.Equal(t, http.StatusNotFound, serve(router, httptest.NewRequest(http.MethodPost, "/telegram/webhook", nil)).Code)
}

const lineImageCallback = `{"destination":"U0","events":[{"type":"message","mode":"active","timestamp":1700000000000,` +
	`"source":{"type":"user","userId":"U1"},"webhookEventId":"01HIMAGE","deliveryContext":{"isRedelivery":false},` +
	`"replyToken":"reply-1","message":{"type":"image","id":"555","quoteToken":"q","contentProvider":{"type":"line"}}}]}`

func lineSignature(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestLineWebhook(t *testing.T) {
	cfg := testConfig(t)
	cfg.LineChannelSecret = "line-secret"
	messenger := newStubMessenger()
	messenger.content["555"] = jpeg
	cls := &stubClassifier{predictions: []classifier.Prediction{{Label: "rice_curry", Confidence: 0.9}}}
	s, router := newTestServer(t, cfg, cls, WithLineMessenger(messenger))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(lineImageCallback))
	req.Header.Set("X-Line-Signature", lineSignature("line-secret", lineImageCallback))
	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.Wait()

	assert.Equal(t, "The food is rice_curry with an estimated 60.0g of carbs", messenger.reply("reply-1"))

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(lineImageCallback))
	req.Header.Set("X-Line-Signature", lineSignature("wrong", lineImageCallback))
	assert.Equal(t, http.StatusBadRequest, serve(router, req).Code)
}

func TestTelegramWebhook(t *testing.T) {
	cfg := testConfig(t)
	cfg.TelegramSecret = "tg-secret"
	messenger := newStubMessenger()
	messenger.content["big"] = jpeg
	cls := &stubClassifier{predictions: []classifier.Prediction{{Label: "pad_thai", Confidence: 0.9}}}
	s, router := newTestServer(t, cfg, cls, WithTelegramMessenger(messenger))

	update := `{"update_id": 9, "message": {"message_id": 5, "date": 1700000000,
		"chat": {"id": 42, "type": "private"},
		"photo": [{"file_id": "small", "file_unique_id": "a", "width": 90, "height": 90},
		          {"file_id": "big", "file_unique_id": "b", "width": 800, "height": 600}]}}`

	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(update))
	assert.Equal(t, http.StatusUnauthorized, serve(router, req).Code)

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(update))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "tg-secret")
	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	s.Wait()

	assert.Equal(t, "The food is pad_thai with an estimated 70.0g of carbs", messenger.reply("42:5"))
}

func TestClassifyStreamReplaysLastOutcome(t *testing.T) {
	cls := &stubClassifier{predictions: []classifier.Prediction{{Label: "rice_curry", Confidence: 0.9}}}
	_, router := newTestServer(t, testConfig(t), cls)
	srv := httptest.NewServer(router)
	defer srv.Close()

	rec := serve(router, classifyRequest(t, jpeg, map[string]string{"weight": "60", "currentSugar": "100"}))
	require.Equal(t, http.StatusOK, rec.Code)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/classify/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var event ResultEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, "result", event.Type)
	assert.Equal(t, "api", event.Source)
	assert.Equal(t, "rice_curry", event.FoodName)
	assert.Equal(t, 8.0, event.Insulin)
}

func TestResultNotifierRecordsFailures(t *testing.T) {
	s, _ := newTestServer(t, testConfig(t), &stubClassifier{predictions: []classifier.Prediction{}})
	assert.Nil(t, s.notifier.LastEvent())

	_, err := s.pipeline.Run(context.Background(), jpeg, pipeline.Input{Weight: 60, CurrentSugar: 100, Source: "line"})
	require.Error(t, err)

	last := s.notifier.LastEvent()
	require.NotNil(t, last)
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, "no_prediction", last.Kind)
	assert.Equal(t, "line", last.Source)
}
