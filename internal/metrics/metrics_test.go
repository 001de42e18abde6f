package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIndependentPerInstance(t *testing.T) {
	t.Parallel()

	a := New()
	b := New()

	a.Pings.WithLabelValues("ok").Inc()
	a.Pings.WithLabelValues("ok").Inc()
	b.Pings.WithLabelValues("ok").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(a.Pings.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Pings.WithLabelValues("ok")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	t.Parallel()

	m := New()
	m.Promotions.Inc()
	m.Backlog.Set(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "nodeping_proxy_promotions_total 1"), body)
	assert.True(t, strings.Contains(body, "nodeping_backlog_proxies 4"), body)
}
