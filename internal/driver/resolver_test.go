package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectRelease(t *testing.T) {
	releases := []Release{
		{Version: "2.46", MinBrowserVersion: 71},
		{Version: "2.45", MinBrowserVersion: 70},
		{Version: "114.0.5735.16", MinBrowserVersion: 114},
		{Version: "114.0.5735.90", MinBrowserVersion: 114},
		{Version: "115.0.5790.102", MinBrowserVersion: 115},
	}

	rel, ok := SelectRelease(releases, 114)
	require.True(t, ok)
	assert.Equal(t, "114.0.5735.90", rel.Version)

	// 旧驱动按支持的最低版本档位匹配
	rel, ok = SelectRelease(releases, 73)
	require.True(t, ok)
	assert.Equal(t, "2.46", rel.Version)

	_, ok = SelectRelease(releases, 60)
	assert.False(t, ok)
}

func TestPlatformFor(t *testing.T) {
	assert.Equal(t, "mac-arm64", platformFor("darwin", "arm64"))
	assert.Equal(t, "mac-x64", platformFor("darwin", "amd64"))
	assert.Equal(t, "win64", platformFor("windows", "amd64"))
	assert.Equal(t, "linux64", platformFor("linux", "amd64"))
	assert.Equal(t, "chromedriver_macarm64_114.0.5735.90", FileName("mac-arm64", "114.0.5735.90"))
}

type memoryMirror struct {
	mutex sync.Mutex
	files map[string][]byte
}

func (m *memoryMirror) Get(ctx context.Context, name string) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	data, ok := m.files[name]
	return data, ok, nil
}

func (m *memoryMirror) Put(ctx context.Context, name string, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.files[name] = data
	return nil
}

func zipped(t *testing.T, name string, content []byte) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(name)
	require.NoError(t, err)
	_, err = w.Write(content)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestResolveDownloadsOnceAndMirrors(t *testing.T) {
	archive := zipped(t, "chromedriver-linux64/chromedriver", []byte("#!/bin/sh\necho driver\n"))
	var downloads int32

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/catalog.json":
			fmt.Fprintf(w, `{"versions":[
				{"version":"113.0.5672.63","downloads":{"chromedriver":[{"platform":"linux64","url":"%[1]s/113.zip"}]}},
				{"version":"114.0.5735.90","downloads":{"chromedriver":[
					{"platform":"linux64","url":"%[1]s/114.zip"},
					{"platform":"mac-arm64","url":"%[1]s/114-mac.zip"}]}}]}`, srv.URL)
		case "/114.zip":
			atomic.AddInt32(&downloads, 1)
			_, _ = w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	mirror := &memoryMirror{files: map[string][]byte{}}
	r := NewResolver(NewHTTPCatalog(srv.URL+"/catalog.json"), mirror, t.TempDir())
	r.platform = "linux64"

	var wg sync.WaitGroup
	paths := make([]string, 5)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Resolve(context.Background(), 114)
			assert.NoError(t, err)
			paths[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&downloads))
	for _, p := range paths {
		assert.Equal(t, paths[0], p)
	}
	content, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(content), "echo driver")
	assert.Contains(t, mirror.files, "chromedriver_linux64_114.0.5735.90")
}

func TestResolveRestoresFromMirror(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/catalog.json" {
			_, _ = w.Write([]byte(`{"versions":[{"version":"120.0.6099.109","downloads":{"chromedriver":[{"platform":"linux64","url":"http://unreachable.invalid/120.zip"}]}}]}`))
			return
		}
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer srv.Close()

	mirror := &memoryMirror{files: map[string][]byte{"chromedriver_linux64_120.0.6099.109": []byte("cached")}}
	r := NewResolver(NewHTTPCatalog(srv.URL+"/catalog.json"), mirror, t.TempDir())
	r.platform = "linux64"

	p, err := r.Resolve(context.Background(), 120)
	require.NoError(t, err)
	content, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(content))

	_, err = r.Resolve(context.Background(), 90)
	assert.Error(t, err)
}
