// Package driver 按设备上 Chrome 的主版本解析、下载并缓存匹配的 chromedriver。
package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/util"
)

// DefaultCatalogURL Chrome for Testing 版本目录
const DefaultCatalogURL = "https://googlechromelabs.github.io/chrome-for-testing/known-good-versions-with-downloads.json"

// Release 某个平台上可下载的驱动版本
type Release struct {
	Version string
	// MinBrowserVersion 该驱动支持的最低浏览器主版本
	MinBrowserVersion int
	URL               string
}

// Catalog 驱动版本目录
type Catalog interface {
	Releases(ctx context.Context, platform string) ([]Release, error)
}

// HTTPCatalog 从 Chrome for Testing JSON 目录读取版本
type HTTPCatalog struct {
	url    string
	client *http.Client
}

// NewHTTPCatalog 创建目录客户端；url 为空时使用官方目录
func NewHTTPCatalog(url string) *HTTPCatalog {
	if strings.TrimSpace(url) == "" {
		url = DefaultCatalogURL
	}
	return &HTTPCatalog{url: url, client: &http.Client{Timeout: 60 * time.Second}}
}

type cftDownload struct {
	Platform string `json:"platform"`
	URL      string `json:"url"`
}

type cftVersion struct {
	Version   string                   `json:"version"`
	Downloads map[string][]cftDownload `json:"downloads"`
}

type cftCatalog struct {
	Versions []cftVersion `json:"versions"`
}

// Releases 返回指定平台的全部驱动版本
func (c *HTTPCatalog) Releases(ctx context.Context, platform string) ([]Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch chromedriver catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("chromedriver catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var cat cftCatalog
	if err := json.NewDecoder(resp.Body).Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode chromedriver catalog: %w", err)
	}

	var out []Release
	for _, v := range cat.Versions {
		for _, d := range v.Downloads["chromedriver"] {
			if d.Platform != platform {
				continue
			}
			out = append(out, Release{
				Version:           v.Version,
				MinBrowserVersion: util.MajorVersion(v.Version),
				URL:               d.URL,
			})
		}
	}
	return out, nil
}

// SelectRelease 选择与浏览器主版本匹配的驱动
//
// 先找出 MinBrowserVersion 不超过浏览器主版本的最大值，再在该档位中取最高驱动版本。
func SelectRelease(releases []Release, browserMajor int) (Release, bool) {
	bestMin := -1
	for _, r := range releases {
		if r.MinBrowserVersion <= browserMajor && r.MinBrowserVersion > bestMin {
			bestMin = r.MinBrowserVersion
		}
	}
	if bestMin < 0 {
		return Release{}, false
	}
	var best Release
	found := false
	for _, r := range releases {
		if r.MinBrowserVersion != bestMin {
			continue
		}
		if !found || util.CompareVersions(r.Version, best.Version) > 0 {
			best = r
			found = true
		}
	}
	return best, found
}

// HostPlatform 当前主机对应的 Chrome for Testing 平台名
func HostPlatform() string {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) string {
	switch goos {
	case "darwin":
		if goarch == "arm64" {
			return "mac-arm64"
		}
		return "mac-x64"
	case "windows":
		if goarch == "386" {
			return "win32"
		}
		return "win64"
	}
	return "linux64"
}
