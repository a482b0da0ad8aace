package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/devicefarmpro/devicefarmpro/internal/adapter"
	"github.com/devicefarmpro/devicefarmpro/internal/config"
	"github.com/devicefarmpro/devicefarmpro/internal/driver"
)

// 按配置构造适配器并执行一次枚举，只打印结果，不写入设备清单
func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	timeout := flag.Duration("timeout", 30*time.Second, "per adapter enumerate timeout")
	withDriver := flag.Bool("chromedriver", false, "resolve chromedriver for android webviews")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var set *adapter.Set
	if *withDriver {
		set = adapter.Build(cfg, driver.NewResolverFromConfig(cfg.ChromeDriver), nil)
	} else {
		set = adapter.Build(cfg, nil, nil)
	}
	defer set.Close()

	failed := 0
	for _, a := range set.Adapters() {
		ctx, cancel := context.WithTimeout(context.Background(), *timeout)
		start := time.Now()
		snaps, err := a.Enumerate(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Printf("[%s] failed after %s: %v\n", a.Name(), time.Since(start).Round(time.Millisecond), err)
			continue
		}
		fmt.Printf("[%s] %d devices in %s\n", a.Name(), len(snaps), time.Since(start).Round(time.Millisecond))
		for _, s := range snaps {
			fmt.Printf("  %-36s %-8s %-11s %-24s %-8s %s\n", s.UDID, s.Platform, s.DeviceType, s.Name, s.OSVersion, s.Host)
			if s.ChromeDriverPath != "" {
				fmt.Printf("  %-36s chromedriver=%s\n", "", s.ChromeDriverPath)
			}
		}
	}
	if failed > 0 {
		os.Exit(2)
	}
}
