package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveAndReady(t *testing.T) {
	h := NewHandler(Options{
		Readiness: map[string]Probe{
			"dispatcher": func() error { return nil },
		},
	})

	assert.Equal(t, http.StatusOK, get(t, h, "/live").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/ready").Code)
}

func TestReadyFailsWithProbe(t *testing.T) {
	h := NewHandler(Options{
		Readiness: map[string]Probe{
			"dispatcher": func() error { return errors.New("dispatcher shut down") },
		},
	})

	assert.Equal(t, http.StatusOK, get(t, h, "/live").Code, "readiness does not affect liveness")

	rec := get(t, h, "/ready?full=1")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var results map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	assert.Equal(t, "dispatcher shut down", results["dispatcher"])
	assert.Equal(t, "OK", results["goroutine-threshold"])
}

func TestGoroutineThreshold(t *testing.T) {
	h := NewHandler(Options{MaxGoroutines: 1})

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/live").Code)
}

func TestStatusGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	ready := errors.New("not yet")
	NewHandler(Options{
		Registry:  reg,
		Namespace: "test",
		Readiness: map[string]Probe{
			"dispatcher": func() error { return ready },
		},
	})

	families, err := reg.Gather()
	require.NoError(t, err)

	status := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "test_healthcheck_status" {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "check" {
					status[lp.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, float64(1), status["dispatcher"])
	assert.Equal(t, float64(0), status["goroutine-threshold"])
}
