package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"potentiostat-service/internal/model"
)

type stubInstrument struct {
	info  model.InstrumentInfo
	stats model.LinkStats
	err   error
}

func (s *stubInstrument) Status() model.InstrumentInfo { return s.info }

func (s *stubInstrument) LinkStats() (model.LinkStats, error) { return s.stats, s.err }

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestCollector_CountsRunOutcomes(t *testing.T) {
	c, err := NewCollector(&stubInstrument{err: model.ErrNotConnected})
	require.NoError(t, err)

	events := []*model.InstrumentEvent{
		model.NewEvent(model.EventRunStarted, "test", "INFO", model.JSONObject{"technique": "CV"}),
		model.NewEvent(model.EventRunCompleted, "test", "INFO", model.JSONObject{"technique": "CV"}),
		model.NewEvent(model.EventRunCompleted, "test", "INFO", model.JSONObject{"technique": "CV"}),
		model.NewEvent(model.EventRunFailed, "test", "ERROR", model.JSONObject{"technique": "SWV"}),
		model.NewEvent(model.EventCalibrated, "test", "INFO", nil),
	}
	ch := make(chan *model.InstrumentEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	c.Consume(ch)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.runs.WithLabelValues("CV", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("SWV", "failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues(string(model.EventRunCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues(string(model.EventCalibrated))))
}

func TestCollector_ExposesLinkStats(t *testing.T) {
	src := &stubInstrument{
		info: model.InstrumentInfo{Status: model.InstrumentStatusOnline},
		stats: model.LinkStats{
			BytesWritten:   120,
			BytesRead:      4096,
			ErrorCount:     2,
			AverageLatency: 3 * time.Millisecond,
		},
	}
	c, err := NewCollector(src)
	require.NoError(t, err)

	body := scrape(t, c)
	for _, line := range []string{
		"potentiostat_instrument_online 1",
		"potentiostat_link_bytes_written 120",
		"potentiostat_link_bytes_read 4096",
		"potentiostat_link_errors 2",
		"potentiostat_link_average_latency_seconds 0.003",
	} {
		assert.True(t, strings.Contains(body, line), "missing %q", line)
	}

	src.info.Status = model.InstrumentStatusOffline
	src.err = model.ErrNotConnected
	body = scrape(t, c)
	assert.Contains(t, body, "potentiostat_instrument_online 0")
	assert.Contains(t, body, "potentiostat_link_bytes_read 0")
}
