package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
)

// ListenConfig 监听地址配置
type ListenConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	Port          int    `mapstructure:"port"`
}

// Address 返回 host:port 形式的监听地址
func (l ListenConfig) Address() string {
	return fmt.Sprintf("%s:%d", l.ListenAddress, l.Port)
}

// BootstrapService 启动时预注册的服务
type BootstrapService struct {
	Name         string   `mapstructure:"name"`
	Version      string   `mapstructure:"version"`
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	URL          string   `mapstructure:"url"`
	Environment  string   `mapstructure:"environment"`
	Region       string   `mapstructure:"region"`
	Zone         string   `mapstructure:"zone"`
	Tags         []string `mapstructure:"tags"`
	Capabilities []string `mapstructure:"capabilities"`
}

// Config 应用程序配置结构
type Config struct {
	// API服务配置
	API struct {
		// 管理API
		Management ListenConfig `mapstructure:"management"`
		// 网关代理
		Gateway ListenConfig `mapstructure:"gateway"`
	} `mapstructure:"api"`

	// 注册中心配置
	Registry struct {
		HeartbeatTimeout time.Duration      `mapstructure:"heartbeat_timeout"`
		CleanupInterval  time.Duration      `mapstructure:"cleanup_interval"`
		Bootstrap        []BootstrapService `mapstructure:"bootstrap"`
	} `mapstructure:"registry"`

	// 服务发现配置
	Discovery struct {
		Strategy string `mapstructure:"strategy"`
	} `mapstructure:"discovery"`

	// 网关配置
	Gateway struct {
		Strategy            string        `mapstructure:"strategy"`
		HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
		HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
		ProbeConcurrency    int           `mapstructure:"probe_concurrency"`
		RouteStore          string        `mapstructure:"route_store"` // "memory" 或 "etcd"
	} `mapstructure:"gateway"`

	// 服务网格配置
	Mesh struct {
		ServiceName      string        `mapstructure:"service_name"`
		DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
		FailureThreshold int           `mapstructure:"failure_threshold"`
		BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
		RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
		RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	} `mapstructure:"mesh"`

	// etcd配置
	Etcd struct {
		Endpoints      []string      `mapstructure:"endpoints"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"etcd"`

	// DNS服务配置
	DNS struct {
		Enabled       bool     `mapstructure:"enabled"`
		ListenAddress string   `mapstructure:"listen_address"`
		Port          int      `mapstructure:"port"`
		Domain        string   `mapstructure:"domain"`
		TTL           uint32   `mapstructure:"ttl"`
		Upstream      []string `mapstructure:"upstream"` // 非本域名查询转发的上游DNS，为空时返回NXDOMAIN
	} `mapstructure:"dns"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.kong-mesh")
		v.AddConfigPath("/etc/kong-mesh")
	}

	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// 找不到配置文件时使用默认值，其他错误直接返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	v.SetEnvPrefix("KONG_MESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.management.listen_address", "0.0.0.0")
	v.SetDefault("api.management.port", 8080)
	v.SetDefault("api.gateway.listen_address", "0.0.0.0")
	v.SetDefault("api.gateway.port", 8000)

	v.SetDefault("registry.heartbeat_timeout", 30*time.Second)
	v.SetDefault("registry.cleanup_interval", 60*time.Second)

	v.SetDefault("discovery.strategy", balancer.RoundRobin.String())

	v.SetDefault("gateway.strategy", balancer.RoundRobin.String())
	v.SetDefault("gateway.health_check_interval", 30*time.Second)
	v.SetDefault("gateway.health_check_timeout", 5*time.Second)
	v.SetDefault("gateway.probe_concurrency", 8)
	v.SetDefault("gateway.route_store", "memory")

	v.SetDefault("mesh.service_name", "kong-mesh")
	v.SetDefault("mesh.default_timeout", 30*time.Second)
	v.SetDefault("mesh.failure_threshold", 5)
	v.SetDefault("mesh.breaker_timeout", 60*time.Second)
	v.SetDefault("mesh.retry_base_delay", time.Second)
	v.SetDefault("mesh.retry_max_delay", 5*time.Second)

	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)

	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 8053)
	v.SetDefault("dns.domain", "mesh.local")
	v.SetDefault("dns.ttl", 30)
	v.SetDefault("dns.upstream", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("etcd.endpoints", "KONG_MESH_ETCD_ENDPOINTS")
	v.BindEnv("dns.port", "KONG_MESH_DNS_PORT")
	v.BindEnv("api.management.port", "KONG_MESH_MANAGEMENT_API_PORT")
	v.BindEnv("api.gateway.port", "KONG_MESH_GATEWAY_PORT")
	v.BindEnv("mesh.service_name", "KONG_MESH_SERVICE_NAME")
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	ports := map[string]int{
		"api.management.port": c.API.Management.Port,
		"api.gateway.port":    c.API.Gateway.Port,
	}
	if c.DNS.Enabled {
		ports["dns.port"] = c.DNS.Port
	}
	for key, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("配置项 %s 端口无效: %d", key, port)
		}
	}

	durations := map[string]time.Duration{
		"registry.heartbeat_timeout":    c.Registry.HeartbeatTimeout,
		"registry.cleanup_interval":     c.Registry.CleanupInterval,
		"gateway.health_check_interval": c.Gateway.HealthCheckInterval,
		"gateway.health_check_timeout":  c.Gateway.HealthCheckTimeout,
		"mesh.default_timeout":          c.Mesh.DefaultTimeout,
		"mesh.breaker_timeout":          c.Mesh.BreakerTimeout,
		"mesh.retry_base_delay":         c.Mesh.RetryBaseDelay,
		"mesh.retry_max_delay":          c.Mesh.RetryMaxDelay,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("配置项 %s 必须为正数: %s", key, d)
		}
	}

	if c.Mesh.FailureThreshold <= 0 {
		return fmt.Errorf("配置项 mesh.failure_threshold 必须为正数: %d", c.Mesh.FailureThreshold)
	}
	if _, err := balancer.ParseStrategy(c.Discovery.Strategy); err != nil {
		return fmt.Errorf("配置项 discovery.strategy 无效: %w", err)
	}
	if _, err := balancer.ParseStrategy(c.Gateway.Strategy); err != nil {
		return fmt.Errorf("配置项 gateway.strategy 无效: %w", err)
	}
	switch c.Gateway.RouteStore {
	case "memory", "etcd":
	default:
		return fmt.Errorf("配置项 gateway.route_store 无效: %q", c.Gateway.RouteStore)
	}
	return nil
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.kong-mesh/config.yaml",
		"/etc/kong-mesh/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
