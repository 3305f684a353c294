package metrics

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv, err := Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	MessagesPublished.WithLabelValues("risk_alert").Inc()
	Evaluations.WithLabelValues("ok").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["bus_messages_published_total"])
	require.True(t, names["engine_evaluations_total"])

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "bus_messages_published_total")
}

func TestServeReportsBindError(t *testing.T) {
	srv, err := Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	_, err = Serve(srv.Addr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), srv.Addr)
}
