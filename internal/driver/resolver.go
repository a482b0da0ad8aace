package driver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Resolver chromedriver 解析器：目录查询、下载、镜像与本地缓存
type Resolver struct {
	catalog  Catalog
	mirror   Mirror
	cacheDir string
	platform string
	client   *http.Client

	mutex sync.Mutex
	// memo 浏览器主版本 -> 本地可执行文件路径
	memo  map[int]string
	group singleflight.Group
}

// NewResolver 创建解析器；mirror 可为 nil
func NewResolver(catalog Catalog, mirror Mirror, cacheDir string) *Resolver {
	if cacheDir == "" {
		cacheDir = "./data/chromedriver"
	}
	return &Resolver{
		catalog:  catalog,
		mirror:   mirror,
		cacheDir: cacheDir,
		platform: HostPlatform(),
		client:   &http.Client{Timeout: 5 * time.Minute},
		memo:     make(map[int]string),
	}
}

// NewResolverFromConfig 按配置装配目录、MinIO 镜像与缓存目录
func NewResolverFromConfig(cfg config.ChromeDriverConfig) *Resolver {
	var mirror Mirror
	if m := NewMinioMirror(cfg.Minio); m != nil {
		mirror = m
	}
	return NewResolver(NewHTTPCatalog(cfg.CatalogURL), mirror, cfg.CacheDir)
}

// FileName 缓存文件名，例如 chromedriver_linux64_114.0.5735.90
func FileName(platform, version string) string {
	return "chromedriver_" + strings.ReplaceAll(platform, "-", "") + "_" + version
}

// Resolve 返回匹配浏览器主版本的 chromedriver 路径，相同主版本的并发请求只下载一次
func (r *Resolver) Resolve(ctx context.Context, browserMajor int) (string, error) {
	r.mutex.Lock()
	if p, ok := r.memo[browserMajor]; ok {
		r.mutex.Unlock()
		return p, nil
	}
	r.mutex.Unlock()

	v, err, _ := r.group.Do(strconv.Itoa(browserMajor), func() (interface{}, error) {
		return r.resolve(ctx, browserMajor)
	})
	if err != nil {
		return "", err
	}
	p := v.(string)

	r.mutex.Lock()
	r.memo[browserMajor] = p
	r.mutex.Unlock()
	return p, nil
}

func (r *Resolver) resolve(ctx context.Context, browserMajor int) (string, error) {
	releases, err := r.catalog.Releases(ctx, r.platform)
	if err != nil {
		return "", err
	}
	rel, ok := SelectRelease(releases, browserMajor)
	if !ok {
		return "", fmt.Errorf("no chromedriver available for chrome %d on %s", browserMajor, r.platform)
	}

	name := FileName(r.platform, rel.Version)
	target := filepath.Join(r.cacheDir, name)
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		return target, nil
	}

	log := logger.Component("driver").WithField("version", rel.Version)
	var data []byte
	if r.mirror != nil {
		cached, found, err := r.mirror.Get(ctx, name)
		if err != nil {
			log.WithError(err).Warn("Chromedriver mirror lookup failed; downloading from upstream")
		} else if found {
			data = cached
			log.Info("Chromedriver restored from mirror")
		}
	}

	fromUpstream := false
	if data == nil {
		data, err = r.download(ctx, rel.URL)
		if err != nil {
			return "", err
		}
		fromUpstream = true
		log.WithField("url", rel.URL).Info("Chromedriver downloaded")
	}

	if err := writeExecutable(target, data); err != nil {
		return "", err
	}

	if fromUpstream && r.mirror != nil {
		if err := r.mirror.Put(ctx, name, data); err != nil {
			log.WithError(err).Warn("Failed to mirror chromedriver")
		}
	}
	return target, nil
}

// download 下载驱动，zip 包中只取 chromedriver 可执行文件
func (r *Resolver) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download chromedriver: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download chromedriver: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read chromedriver body: %w", err)
	}
	if strings.HasSuffix(strings.ToLower(path.Base(req.URL.Path)), ".zip") {
		return extractDriver(body)
	}
	return body, nil
}

// extractDriver 从 zip 中提取 chromedriver / chromedriver.exe
func extractDriver(archive []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open chromedriver archive: %w", err)
	}
	for _, f := range zr.File {
		base := path.Base(f.Name)
		if f.FileInfo().IsDir() || (base != "chromedriver" && base != "chromedriver.exe") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return nil, fmt.Errorf("chromedriver binary not found in archive")
}

// writeExecutable 先写临时文件再重命名，避免并发读到半截文件
func writeExecutable(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".chromedriver-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}
