package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockReleaser struct {
	mock.Mock
}

func (m *mockReleaser) Release(udid string) error {
	args := m.Called(udid)
	return args.Error(0)
}

func remoteDevice(udid, host string) model.DeviceRecord {
	return model.DeviceRecord{
		UDID:       udid,
		Platform:   model.PlatformAndroid,
		DeviceType: model.DeviceTypeReal,
		Name:       "Pixel 8",
		SDK:        "14",
		Host:       host,
		Source:     string(model.SourceRemoteNode) + ":" + host,
		SourceKind: model.SourceRemoteNode,
		Busy:       true,
	}
}

func TestRouteForwardsPinnedRequest(t *testing.T) {
	var got SessionRequest
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/session", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"value":{"sessionId":"node-sess-1","capabilities":{}}}`))
	}))
	defer node.Close()

	releaser := &mockReleaser{}
	router := NewRouter(releaser, time.Second, config.CloudConfig{}, nil)
	req := SessionRequest{Capabilities: Capabilities{
		AlwaysMatch: map[string]interface{}{"platformName": "Android"},
		FirstMatch:  []map[string]interface{}{{"appium:udid": "other"}},
	}}

	fwd, err := router.Route(context.Background(), req, remoteDevice("r1", node.URL))
	require.NoError(t, err)
	assert.Equal(t, "node-sess-1", fwd.SessionID)
	assert.Equal(t, node.URL, fwd.Node)

	assert.Equal(t, "r1", got.Capabilities.AlwaysMatch["appium:udid"])
	assert.Equal(t, "Android", got.Capabilities.AlwaysMatch["platformName"])
	require.Len(t, got.Capabilities.FirstMatch, 1)
	assert.NotContains(t, got.Capabilities.FirstMatch[0], "appium:udid")
	releaser.AssertNotCalled(t, "Release", mock.Anything)
}

func TestRouteReleasesOnNodeRejection(t *testing.T) {
	var calls int32
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"code":"NO_DEVICE_AVAILABLE"}`))
	}))
	defer node.Close()

	releaser := &mockReleaser{}
	releaser.On("Release", "r1").Return(nil).Once()
	router := NewRouter(releaser, time.Second, config.CloudConfig{}, nil)

	_, err := router.Route(context.Background(), SessionRequest{}, remoteDevice("r1", node.URL))
	require.Error(t, err)
	var ferr *model.NodeForwardingError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, http.StatusServiceUnavailable, ferr.StatusCode)
	assert.Contains(t, ferr.Body, "NO_DEVICE_AVAILABLE")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "exactly one forwarding attempt")
	releaser.AssertExpectations(t)
}

func TestRouteReleasesOnUnreachableNode(t *testing.T) {
	node := httptest.NewServer(http.NotFoundHandler())
	url := node.URL
	node.Close()

	releaser := &mockReleaser{}
	releaser.On("Release", "r1").Return(nil).Once()
	router := NewRouter(releaser, time.Second, config.CloudConfig{}, nil)

	_, err := router.Route(context.Background(), SessionRequest{}, remoteDevice("r1", url))
	var ferr *model.NodeForwardingError
	require.ErrorAs(t, err, &ferr)
	assert.Error(t, ferr.Err)
	releaser.AssertExpectations(t)
}

func TestRouteSurvivesCallerCancel(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		_, _ = w.Write([]byte(`{"sessionId":"legacy-sess"}`))
	}))
	defer node.Close()

	router := NewRouter(&mockReleaser{}, time.Second, config.CloudConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fwd, err := router.Route(ctx, SessionRequest{}, remoteDevice("r1", node.URL))
	require.NoError(t, err)
	assert.Equal(t, "legacy-sess", fwd.SessionID)
}

func TestRouteCloudUsesCredentials(t *testing.T) {
	var got SessionRequest
	cloud := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, key, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "secret", key)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"value":{"sessionId":"cloud-1"}}`))
	}))
	defer cloud.Close()

	device := model.DeviceRecord{
		UDID:       "Google Pixel 7_13.0",
		Platform:   model.PlatformAndroid,
		DeviceType: model.DeviceTypeReal,
		Name:       "Google Pixel 7",
		SDK:        "13.0",
		Host:       cloud.URL + "/wd/hub",
		SourceKind: model.SourceCloud,
	}
	router := NewRouter(&mockReleaser{}, time.Second, config.CloudConfig{Username: "alice", AccessKey: "secret"}, nil)

	fwd, err := router.Route(context.Background(), SessionRequest{}, device)
	require.NoError(t, err)
	assert.Equal(t, "cloud-1", fwd.SessionID)
	assert.Equal(t, "Google Pixel 7", got.Capabilities.AlwaysMatch["appium:deviceName"])
	assert.Equal(t, "13.0", got.Capabilities.AlwaysMatch["appium:platformVersion"])
	assert.NotContains(t, got.Capabilities.AlwaysMatch, "appium:udid")
}

func TestDeleteSessionForwards(t *testing.T) {
	var path string
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer node.Close()

	router := NewRouter(&mockReleaser{}, time.Second, config.CloudConfig{}, nil)
	require.NoError(t, router.DeleteSession(context.Background(), remoteDevice("r1", node.URL), "sess-9"))
	assert.Equal(t, "/session/sess-9", path)
}

// captureNode 记录节点收到的会话请求
func captureNode(t *testing.T, got *SessionRequest) *httptest.Server {
	t.Helper()
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(got))
		_, _ = w.Write([]byte(`{"value":{"sessionId":"node-sess"}}`))
	}))
	t.Cleanup(node.Close)
	return node
}

func TestRoutePinsOnlyLeasedDevice(t *testing.T) {
	var got SessionRequest
	node := captureNode(t, &got)

	router := NewRouter(&mockReleaser{}, time.Second, config.CloudConfig{}, nil)
	req := SessionRequest{Capabilities: Capabilities{
		AlwaysMatch: map[string]interface{}{"platformName": "android", "appium:udids": "A,B", "udid": "B"},
		FirstMatch:  []map[string]interface{}{{"udids": []interface{}{"B"}}},
	}}
	_, err := router.Route(context.Background(), req, remoteDevice("A", node.URL))
	require.NoError(t, err)

	assert.NotContains(t, got.Capabilities.AlwaysMatch, "appium:udids")
	assert.NotContains(t, got.Capabilities.AlwaysMatch, "udid")
	require.Len(t, got.Capabilities.FirstMatch, 1)
	assert.Empty(t, got.Capabilities.FirstMatch[0])

	// 节点端构造的过滤条件只能命中 hub 已占用的设备
	filter, err := BuildFilter(got.Merged(), bothPolicy)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, filter.UDIDs)
	other := remoteDevice("B", node.URL)
	other.Busy = false
	assert.False(t, filter.Matches(&other))
}

func TestRouteForwardsDesiredCapabilities(t *testing.T) {
	var got SessionRequest
	node := captureNode(t, &got)

	router := NewRouter(&mockReleaser{}, time.Second, config.CloudConfig{}, nil)
	req := SessionRequest{DesiredCapabilities: map[string]interface{}{
		"platformName":      "Android",
		"appium:deviceName": "Pixel",
		"appium:udids":      "A,B",
	}}
	_, err := router.Route(context.Background(), req, remoteDevice("A", node.URL))
	require.NoError(t, err)

	assert.Equal(t, "Android", got.Capabilities.AlwaysMatch["platformName"])
	assert.Equal(t, "Pixel", got.Capabilities.AlwaysMatch["appium:deviceName"])
	filter, err := BuildFilter(got.Merged(), bothPolicy)
	require.NoError(t, err)
	assert.Equal(t, model.PlatformAndroid, filter.Platform)
	assert.Equal(t, []string{"A"}, filter.UDIDs)
}
