package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/api"
	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/discovery"
	"github.com/hewenyu/kong-mesh/internal/dns"
	"github.com/hewenyu/kong-mesh/internal/gateway"
	"github.com/hewenyu/kong-mesh/internal/mesh"
	"github.com/hewenyu/kong-mesh/internal/metrics"
	"github.com/hewenyu/kong-mesh/internal/registry"
	"github.com/hewenyu/kong-mesh/internal/store/etcd"
	"github.com/hewenyu/kong-mesh/internal/store/route"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

var configFile string

func init() {
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	if configFile == "" {
		configFile = config.GetDefaultConfigPath()
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLoggerWithLevel(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("服务异常退出", zap.Error(err))
		if zl, ok := logger.(*config.ZapLogger); ok {
			_ = zl.Sync()
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger config.Logger) error {
	logger.Info("Kong Mesh Starting...",
		zap.String("version", "0.1.0"),
		zap.String("management_api", cfg.API.Management.Address()),
		zap.String("gateway", cfg.API.Gateway.Address()),
		zap.String("route_store", cfg.Gateway.RouteStore),
		zap.Bool("dns_enabled", cfg.DNS.Enabled))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := metrics.NewPrometheus()

	// 注册中心
	reg := registry.New(registry.Options{
		HeartbeatTimeout: cfg.Registry.HeartbeatTimeout,
		CleanupInterval:  cfg.Registry.CleanupInterval,
		Logger:           logger,
		Metrics:          recorder,
	})
	reg.Start(ctx)
	defer reg.Stop()

	for _, b := range cfg.Registry.Bootstrap {
		id := reg.Register(bootstrapInstance(b))
		logger.Info("预注册服务", zap.String("service_name", b.Name), zap.String("service_id", id))
	}

	// 服务发现，策略已在配置校验时检查
	discoveryStrategy, _ := balancer.ParseStrategy(cfg.Discovery.Strategy)
	disc := discovery.New(reg, discovery.Options{
		Strategy: discoveryStrategy,
		Logger:   logger,
		Metrics:  recorder,
	})

	// 网关
	store, closeStore, err := newRouteStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	gatewayStrategy, _ := balancer.ParseStrategy(cfg.Gateway.Strategy)
	gw := gateway.New(gateway.Options{
		Strategy:            gatewayStrategy,
		Discovery:           disc,
		Store:               store,
		HealthCheckInterval: cfg.Gateway.HealthCheckInterval,
		HealthCheckTimeout:  cfg.Gateway.HealthCheckTimeout,
		ProbeConcurrency:    cfg.Gateway.ProbeConcurrency,
		Logger:              logger,
		Metrics:             recorder,
	})
	if err := gw.LoadRoutes(ctx); err != nil {
		return err
	}
	gw.WatchRoutes(ctx)
	gw.Start(ctx)
	defer gw.Stop()

	// 服务网格
	m := mesh.New(disc, mesh.Options{
		ServiceName:      cfg.Mesh.ServiceName,
		DefaultTimeout:   cfg.Mesh.DefaultTimeout,
		FailureThreshold: cfg.Mesh.FailureThreshold,
		BreakerTimeout:   cfg.Mesh.BreakerTimeout,
		RetryBaseDelay:   cfg.Mesh.RetryBaseDelay,
		RetryMaxDelay:    cfg.Mesh.RetryMaxDelay,
		Tracker:          reg,
		Logger:           logger,
		Metrics:          recorder,
	})

	// 管理API
	mgmtEcho := api.NewEcho(logger)
	api.NewHandler(api.Options{
		Registry:  reg,
		Discovery: disc,
		Mesh:      m,
		Gateway:   gw,
		Metrics:   recorder.Handler(),
		Logger:    logger,
	}).RegisterRoutes(mgmtEcho)
	mgmtServer := api.NewServer("management", cfg.API.Management.Address(), mgmtEcho, logger)

	// 网关代理
	proxyEcho := api.NewEcho(logger)
	gw.RegisterProxy(proxyEcho)
	proxyServer := api.NewServer("gateway", cfg.API.Gateway.Address(), proxyEcho, logger)

	if err := mgmtServer.Start(); err != nil {
		return err
	}
	if err := proxyServer.Start(); err != nil {
		return err
	}

	// DNS
	var dnsServer *dns.Server
	if cfg.DNS.Enabled {
		dnsServer = dns.NewServer(&dns.Config{
			DNSAddr:     fmt.Sprintf("%s:%d", cfg.DNS.ListenAddress, cfg.DNS.Port),
			Domain:      cfg.DNS.Domain,
			TTL:         cfg.DNS.TTL,
			Timeout:     5 * time.Second,
			UpstreamDNS: cfg.DNS.Upstream,
			EnableTCP:   true,
			EnableUDP:   true,
		}, disc, logger)
		if err := dnsServer.Start(ctx); err != nil {
			return err
		}
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if dnsServer != nil {
		if err := dnsServer.Stop(); err != nil {
			logger.Error("关闭DNS服务失败", zap.Error(err))
		}
	}
	if err := proxyServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭网关代理失败", zap.Error(err))
	}
	if err := mgmtServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("关闭管理API失败", zap.Error(err))
	}

	logger.Info("服务已关闭")
	return nil
}

// newRouteStore 按配置创建路由存储
func newRouteStore(cfg *config.Config) (route.Store, func(), error) {
	if cfg.Gateway.RouteStore != "etcd" {
		return route.NewMemoryStore(), func() {}, nil
	}

	client, err := etcd.NewClient(etcd.Config{
		Endpoints:      cfg.Etcd.Endpoints,
		Username:       cfg.Etcd.Username,
		Password:       cfg.Etcd.Password,
		DialTimeout:    cfg.Etcd.DialTimeout,
		RequestTimeout: cfg.Etcd.RequestTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return route.NewEtcdStore(client), func() { _ = client.Close() }, nil
}

func bootstrapInstance(b config.BootstrapService) *model.ServiceInstance {
	return &model.ServiceInstance{
		Name:    b.Name,
		Version: b.Version,
		Host:    b.Host,
		Port:    b.Port,
		URL:     b.URL,
		Metadata: model.ServiceMetadata{
			Environment:  b.Environment,
			Region:       b.Region,
			Zone:         b.Zone,
			Tags:         b.Tags,
			Capabilities: b.Capabilities,
		},
	}
}
