package driver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Mirror 驱动文件共享镜像，多台节点共用一份下载结果
type Mirror interface {
	Get(ctx context.Context, name string) ([]byte, bool, error)
	Put(ctx context.Context, name string, data []byte) error
}

// MinioMirror MinIO 对象存储镜像
type MinioMirror struct {
	client   *minio.Client
	endpoint string
	bucket   string
	prefix   string

	mutex         sync.Mutex
	bucketEnsured bool
}

// NewMinioMirror 按配置初始化镜像；配置不完整时返回 nil，调用方仅使用本地缓存
func NewMinioMirror(cfg config.MinioConfig) *MinioMirror {
	host := strings.TrimSpace(cfg.Host)
	bucket := strings.TrimSpace(cfg.Bucket)
	if host == "" || cfg.Port <= 0 || bucket == "" {
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, cfg.Port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   20,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.WithError(err).Error("MinIO client initialization failed")
		return nil
	}
	return &MinioMirror{
		client:   client,
		endpoint: endpoint,
		bucket:   bucket,
		prefix:   strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}
}

func (m *MinioMirror) objectName(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Get 读取镜像中的驱动；不存在时返回 found=false
func (m *MinioMirror) Get(ctx context.Context, name string) ([]byte, bool, error) {
	if err := m.fastConnectivityCheck(ctx); err != nil {
		return nil, false, fmt.Errorf("minio connectivity failed to %s: %w", m.endpoint, err)
	}
	attemptCtx, cancel := attemptContext(ctx, 60*time.Second)
	defer cancel()

	obj, err := m.client.GetObject(attemptCtx, m.bucket, m.objectName(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, false, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Put 上传驱动（指数退避重试）
func (m *MinioMirror) Put(ctx context.Context, name string, data []byte) error {
	if err := m.fastConnectivityCheck(ctx); err != nil {
		return fmt.Errorf("minio connectivity failed to %s: %w", m.endpoint, err)
	}
	if err := m.ensureBucket(ctx, 2); err != nil {
		return fmt.Errorf("minio ensure bucket failed: %w", err)
	}

	var lastErr error
	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, 30*time.Second)
		_, err := m.client.PutObject(attemptCtx, m.bucket, m.objectName(name), bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("minio put object failed after retries: %w", lastErr)
}

// fastConnectivityCheck TCP 直连快速探测，避免在不可达时长时间阻塞
func (m *MinioMirror) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", m.endpoint)
	if err != nil {
		return err
	}
	_ = conn.Close()
	return nil
}

// ensureBucket 校验并创建 bucket
func (m *MinioMirror) ensureBucket(parent context.Context, retries int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.bucketEnsured {
		return nil
	}
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := m.client.BucketExists(ctx, m.bucket)
		if err == nil && !exists {
			err = m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{})
		}
		cancel()
		if err == nil {
			m.bucketEnsured = true
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		remain := time.Until(deadline)
		if remain > time.Second && prefer < remain {
			return context.WithTimeout(parent, prefer)
		}
		if remain > time.Second {
			return context.WithTimeout(parent, remain-time.Second)
		}
		return context.WithTimeout(parent, time.Second)
	}
	return context.WithTimeout(parent, prefer)
}
