package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware("status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues("status", http.MethodGet, "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	after := testutil.ToFloat64(httpRequests.WithLabelValues("status", http.MethodGet, "418"))
	assert.Equal(t, before+1, after)
}

func TestDomainCounters(t *testing.T) {
	ObserveToolCall("web_fetch", "L1", "executed")
	ObserveToolCall("mystery", "", "unknown_tool")
	ObserveRetryTransition("social_post", "abandoned")
	ObserveBudget(false, "hourly", 5, 12)
	ObserveRecovery("knowledge", true)
	SetPendingApprovals(2)

	assert.GreaterOrEqual(t, testutil.ToFloat64(toolCalls.WithLabelValues("web_fetch", "L1", "executed")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(toolCalls.WithLabelValues("mystery", "none", "unknown_tool")), 1.0)
	assert.Equal(t, 5.0, testutil.ToFloat64(budgetUsed.WithLabelValues("hourly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(memoryDegraded))
	assert.Equal(t, 2.0, testutil.ToFloat64(approvalsPending))
}

func TestHandlerExposesRegistry(t *testing.T) {
	ObserveHeartbeat("general")
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `warden_heartbeat_ticks_total{action="general"}`))
}
