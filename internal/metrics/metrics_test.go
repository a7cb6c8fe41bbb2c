package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHub struct{}

func (stubHub) Rooms() int          { return 3 }
func (stubHub) Connections() int    { return 7 }
func (stubHub) DroppedTotal() int64 { return 1 }

func TestRegisterHub(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterHub(reg, stubHub{}))
	require.NoError(t, RegisterHub(reg, stubHub{}))

	expected := `
# HELP sharaein_live_connections Connections joined to at least one room.
# TYPE sharaein_live_connections gauge
sharaein_live_connections 7
# HELP sharaein_live_rooms Rooms with at least one live connection.
# TYPE sharaein_live_rooms gauge
sharaein_live_rooms 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "sharaein_live_rooms", "sharaein_live_connections"))
}

func TestHandler(t *testing.T) {
	UploadsTotal.WithLabelValues(ResultStored).Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sharaein_uploads_total{result="stored"}`)
}
