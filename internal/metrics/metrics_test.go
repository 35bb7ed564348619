package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simutrace/simutrace/internal/metrics"
)

func TestNewRegistersCollectorsAndServesHandler(t *testing.T) {
	t.Parallel()

	reg, err := metrics.New()
	require.NoError(t, err)

	reg.SessionCount.Set(3)
	reg.RequestsTotal.WithLabelValues("0x0010").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()

	reg.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "simutrace_sessions_open 3")
}
