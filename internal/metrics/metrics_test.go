package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordersUpdateCollectors(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordChat(OutcomeReplied)
	m.RecordChat(OutcomeReplied)
	m.RecordChat(OutcomeBlocked)
	m.RecordLLMCall("openai", 120*time.Millisecond, nil)
	m.RecordSentiment(time.Second, errors.New("boom"))
	m.RecordSentimentDropped()
	m.RecordArchived(3)
	m.RecordArchived(0)
	m.RecordIntervention("halt")

	require.Equal(t, 2.0, testutil.ToFloat64(m.ChatRequestsTotal.WithLabelValues(OutcomeReplied)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ChatRequestsTotal.WithLabelValues(OutcomeBlocked)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SentimentAnalysesTotal.WithLabelValues("error")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SentimentDroppedTotal))
	require.Equal(t, 3.0, testutil.ToFloat64(m.SessionsArchivedTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(m.InterventionsTotal.WithLabelValues("halt")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.RecordChat(OutcomeFailed)
	m.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	m.FeedConnected(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, rec.Code)
}

func TestHandlerExposesPrivateRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.RecordHTTPRequest("GET", "/v1/templates", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), `promptdev_http_requests_total{method="GET",route="/v1/templates",status="200"} 1`))
	require.True(t, strings.Contains(string(body), "go_goroutines"))
}
