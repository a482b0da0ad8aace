package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoop(t *testing.T) {
	var m *Metrics
	m.ObserveAllocation(model.PlatformAndroid, ResultAllocated, time.Second)
	m.IncRelease()
	m.AddReclaimed(2)
	m.SetDevices([]model.DeviceRecord{{Platform: model.PlatformIOS}})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandlerExposesDeviceGauges(t *testing.T) {
	m := New()
	m.SetDevices([]model.DeviceRecord{
		{UDID: "a", Platform: model.PlatformAndroid, Busy: true},
		{UDID: "b", Platform: model.PlatformAndroid},
		{UDID: "c", Platform: model.PlatformIOS, Offline: true},
	})
	m.ObserveAllocation(model.PlatformAndroid, ResultTimeout, 0)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `device_farm_devices{platform="android",state="busy"} 1`)
	assert.Contains(t, text, `device_farm_devices{platform="ios",state="offline"} 1`)
	assert.Contains(t, text, `device_farm_allocations_total{platform="android",result="timeout"} 1`)
}
