package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/devicefarmpro/devicefarmpro/api/handler"
	"github.com/devicefarmpro/devicefarmpro/api/router"
	"github.com/devicefarmpro/devicefarmpro/internal/adapter"
	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/database"
	"github.com/devicefarmpro/devicefarmpro/internal/driver"
	"github.com/devicefarmpro/devicefarmpro/internal/metrics"
	"github.com/devicefarmpro/devicefarmpro/internal/model"
	"github.com/devicefarmpro/devicefarmpro/internal/service"
	"github.com/devicefarmpro/devicefarmpro/internal/store"
	"github.com/devicefarmpro/devicefarmpro/pkg/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	if err := initLogger(cfg); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	logger.WithFields(logrus.Fields{
		"version":  handler.Version,
		"platform": cfg.Farm.Platform,
		"android":  cfg.Farm.AndroidDeviceType,
		"ios":      cfg.Farm.IOSDeviceType,
		"hub":      cfg.Farm.Hub,
	}).Info("Starting Device Farm Pro Server")

	// 初始化数据库
	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatal("Failed to initialize database: ", err)
	}
	defer database.Close()
	db := database.GetDB()

	m := metrics.New()

	// 设备清单：从数据库恢复上次的记录，变更同步到设备数量指标
	deviceStore := store.New(store.NewGormPersister(db))
	deviceStore.OnChange(m.SetDevices)
	reset, err := deviceStore.Restore()
	if err != nil {
		logger.Fatal("Failed to restore device records: ", err)
	}
	logger.Infof("Restored %d device records, %d leases from previous run released", deviceStore.Count(nil), reset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodes := service.NewNodeDirectory(db, cfg.Farm.NodeExpireAfter)
	if err := nodes.Load(); err != nil {
		logger.WithError(err).Warn("Failed to load registered nodes")
	}

	resolver := driver.NewResolverFromConfig(cfg.ChromeDriver)
	adapters := adapter.Build(cfg, resolver, nodes)
	defer adapters.Close()

	policy := service.PolicyFromConfig(cfg)

	allocator := service.NewAllocator(deviceStore, service.AllocatorOptions{
		Policy:             policy,
		MaxSessions:        cfg.Farm.MaxSessions,
		MaxSessionDuration: cfg.Farm.MaxSessionDuration,
		StaleCheckInterval: cfg.Farm.StaleCheckInterval,
	}, m)
	if err := allocator.Start(ctx); err != nil {
		logger.Fatal("Failed to start allocator: ", err)
	}
	defer allocator.Stop()

	reconciler := service.NewReconciler(deviceStore, adapters, nil, service.ReconcilerOptions{
		Interval:           cfg.Reconcile.Interval,
		AdapterTimeout:     cfg.Reconcile.AdapterTimeout,
		MissThreshold:      cfg.Reconcile.RemoteMissThreshold,
		MaxConcurrentPolls: cfg.Reconcile.MaxConcurrentPolls,
	}, m)
	// 节点上线/下线后立即同步，不等下一个周期
	nodes.OnChange(reconciler.Trigger)
	if err := reconciler.Start(ctx); err != nil {
		logger.Fatal("Failed to start reconciler: ", err)
	}
	defer reconciler.Stop()

	if err := nodes.Start(ctx); err != nil {
		logger.Fatal("Failed to start node directory: ", err)
	}
	defer nodes.Stop()

	forwarder := service.NewRouter(allocator, cfg.Farm.ForwardTimeout, cfg.Cloud, m)
	sessions := service.NewSessionService(deviceStore, allocator, forwarder, service.SessionOptions{
		Policy:                    policy,
		DeviceAvailabilityTimeout: cfg.Farm.DeviceAvailabilityTimeout,
		DeviceRetryInterval:       cfg.Farm.DeviceRetryInterval,
	})

	// 节点模式：向 hub 注册并保持心跳
	if cfg.Farm.Hub != "" {
		registrar := service.NewNodeRegistrar(service.NodeRegistrarOptions{
			HubURL:            cfg.Farm.Hub,
			PublicURL:         cfg.Server.PublicURL,
			NodeID:            cfg.Farm.NodeID,
			Platform:          cfg.Farm.Platform,
			Version:           handler.Version,
			HeartbeatInterval: cfg.Farm.NodeHeartbeatInterval,
		}, deviceStore)
		if err := registrar.Start(ctx); err != nil {
			logger.Fatal("Failed to start node registrar: ", err)
		}
		defer registrar.Stop()
		logger.WithField("node_id", registrar.NodeID()).Infof("Registering to hub %s", cfg.Farm.Hub)
	}

	// 设置路由
	r := router.SetupRouter(router.Dependencies{
		Mode:       cfg.Server.Mode,
		Store:      deviceStore,
		Allocator:  allocator,
		Reconciler: reconciler,
		Sessions:   sessions,
		Nodes:      nodes,
		Metrics:    m,
	})

	// 创建HTTP服务器
	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// 启动服务器
	go func() {
		logger.Infof("Server starting on %s (mode=%s, public_url=%s)", server.Addr, cfg.Server.Mode, cfg.Server.PublicURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server: ", err)
		}
	}()

	go watchConfig(ctx, *configPath, cfg, reconciler)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	// 优雅关闭服务器
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server shutdown complete")
	}

	busy := deviceStore.Count(func(d *model.DeviceRecord) bool { return d.Busy })
	if busy > 0 {
		// 重启时 Restore 会统一释放
		logger.Warnf("%d devices still busy at shutdown", busy)
	}
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
}

// watchConfig 配置文件监听与热更新
//
// 日志配置立即生效；设备池策略、来源列表等在服务构造时读取，变更需重启。
func watchConfig(ctx context.Context, path string, cfg *config.Config, reconciler *service.Reconciler) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("Config watch init failed")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.WithError(err).Warn("Config watch add failed")
		return
	}

	var debounce *time.Timer
	debounceInterval := 300 * time.Millisecond
	trigger := func() {
		newCfg, err := config.Load(path)
		if err != nil {
			logger.WithError(err).Warn("Config reload failed")
			return
		}
		if err := initLogger(newCfg); err != nil {
			logger.WithError(err).Warn("Logger reload failed")
		}
		if !sameFarm(cfg, newCfg) {
			logger.Warn("Farm, reconcile or cloud settings changed; restart to apply")
		}
		logger.Info("Config reloaded")
		reconciler.Trigger()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, trigger)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("Config watch error")
		}
	}
}

func sameFarm(a, b *config.Config) bool {
	return reflect.DeepEqual(a.Farm, b.Farm) && a.Reconcile == b.Reconcile && a.Cloud == b.Cloud
}
