package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 分配结果标签
const (
	ResultAllocated = "allocated"
	ResultTimeout   = "timeout"
	ResultMismatch  = "mismatch"
	ResultCanceled  = "canceled"
)

// Metrics 设备池指标；nil 接收者上的方法均为空操作
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	allocations         *prometheus.CounterVec
	allocationWait      *prometheus.HistogramVec
	releases            prometheus.Counter
	reclaimed           prometheus.Counter
	reconcileRuns       prometheus.Counter
	reconcileDuration   prometheus.Histogram
	adapterFailures     *prometheus.CounterVec
	forwardFailures     prometheus.Counter
	devices             *prometheus.GaugeVec
}

// New 创建独立的指标注册表
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "device_farm",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	allocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "allocations_total",
		Help:      "Device allocation attempts by platform and result",
	}, []string{"platform", "result"})

	allocationWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "device_farm",
		Name:      "allocation_wait_seconds",
		Help:      "Time spent waiting for a free device",
		Buckets:   []float64{0.01, 0.1, 1, 5, 10, 30, 60, 180, 300, 600},
	}, []string{"platform"})

	releases := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "releases_total",
		Help:      "Devices returned to the pool",
	})

	reclaimed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "stale_leases_reclaimed_total",
		Help:      "Busy devices released after exceeding the maximum session duration",
	})

	reconcileRuns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "reconcile_runs_total",
		Help:      "Total number of inventory reconcile passes",
	})

	reconcileDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "device_farm",
		Name:      "reconcile_duration_seconds",
		Help:      "Duration of inventory reconcile passes",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
	})

	adapterFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "adapter_failures_total",
		Help:      "Adapter enumeration failures by source kind",
	}, []string{"kind"})

	forwardFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "device_farm",
		Name:      "node_forward_failures_total",
		Help:      "Sessions that could not be forwarded to their node",
	})

	devices := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "device_farm",
		Name:      "devices",
		Help:      "Registered devices by platform and state",
	}, []string{"platform", "state"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		allocations,
		allocationWait,
		releases,
		reclaimed,
		reconcileRuns,
		reconcileDuration,
		adapterFailures,
		forwardFailures,
		devices,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		allocations:         allocations,
		allocationWait:      allocationWait,
		releases:            releases,
		reclaimed:           reclaimed,
		reconcileRuns:       reconcileRuns,
		reconcileDuration:   reconcileDuration,
		adapterFailures:     adapterFailures,
		forwardFailures:     forwardFailures,
		devices:             devices,
	}
}

// ObserveHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveAllocation 记录一次分配结果及等待时长
func (m *Metrics) ObserveAllocation(platform model.Platform, result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(string(platform), result).Inc()
	if result == ResultAllocated {
		m.allocationWait.WithLabelValues(string(platform)).Observe(waited.Seconds())
	}
}

// IncRelease 设备释放
func (m *Metrics) IncRelease() {
	if m == nil {
		return
	}
	m.releases.Inc()
}

// AddReclaimed 过期回收数量
func (m *Metrics) AddReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

// ObserveReconcile 记录一次同步
func (m *Metrics) ObserveReconcile(duration time.Duration) {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
	m.reconcileDuration.Observe(duration.Seconds())
}

// IncAdapterFailure 适配器枚举失败
func (m *Metrics) IncAdapterFailure(kind model.SourceKind) {
	if m == nil {
		return
	}
	m.adapterFailures.WithLabelValues(string(kind)).Inc()
}

// IncForwardFailure 节点转发失败
func (m *Metrics) IncForwardFailure() {
	if m == nil {
		return
	}
	m.forwardFailures.Inc()
}

// SetDevices 依据当前清单刷新设备数量
func (m *Metrics) SetDevices(all []model.DeviceRecord) {
	if m == nil {
		return
	}
	m.devices.Reset()
	for _, d := range all {
		state := "free"
		switch {
		case d.Offline:
			state = "offline"
		case d.UserBlocked:
			state = "blocked"
		case d.Busy:
			state = "busy"
		}
		m.devices.WithLabelValues(string(d.Platform), state).Inc()
	}
}

// Handler 暴露 Prometheus 指标
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
