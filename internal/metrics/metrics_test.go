package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zbum/ntripcaster/internal/caster"
)

func TestSink_ExportsCounters(t *testing.T) {
	sink, handler := New()
	sink.ConnAccepted(caster.RoleSource)
	sink.SetGauge(caster.RoleSource, 1)
	sink.BytesIn("MNT", 42)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `ntripcaster_connections_accepted_total{role="source"} 1`)
	require.Contains(t, body, `ntripcaster_agents{role="source"} 1`)
	require.Contains(t, body, `ntripcaster_bytes_in_total{mountpoint="MNT"} 42`)
}
