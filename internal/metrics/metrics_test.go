package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meal-mate/backend/internal/pipeline"
)

func TestObserveRun(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveRun(pipeline.Outcome{
		Source:   "api",
		Result:   pipeline.Result{FoodName: "pad_thai", CarbEstimation: 70, Insulin: 9.3},
		Duration: 120 * time.Millisecond,
	})
	m.ObserveRun(pipeline.Outcome{
		Source: "line",
		Err:    &pipeline.Error{Kind: pipeline.KindUnknownFood, Label: "durian"},
	})
	m.ObserveRun(pipeline.Outcome{Err: errors.New("boom")})

	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("api", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("line", "unknown_food")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("unknown", "error")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.FoodsTotal.WithLabelValues("pad_thai")), 0)
}

func TestChatCounters(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordChatEvent("line", "image")
	m.RecordChatEvent("line", "image")
	m.RecordChatReply("line", nil)
	m.RecordChatReply("line", errors.New("expired token"))

	assert.InDelta(t, 2, testutil.ToFloat64(m.ChatEvents.WithLabelValues("line", "image")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ChatReplies.WithLabelValues("line", "sent")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ChatReplies.WithLabelValues("line", "failed")), 0)
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
