package dns

import (
	"context"
	"time"
)

// Service 定义DNS服务的接口
type Service interface {
	// Start 启动DNS服务
	Start(ctx context.Context) error

	// Stop 停止DNS服务
	Stop() error
}

// Config 定义DNS服务的配置项
type Config struct {
	// DNSAddr 是DNS服务的监听地址，格式为 "ip:port"
	DNSAddr string

	// Domain 是服务域名后缀
	Domain string

	// TTL 是DNS响应的存活时间
	TTL uint32

	// Timeout 是读写及上游查询的超时时间
	Timeout time.Duration

	// UpstreamDNS 非本域名查询转发的上游服务器，为空时直接返回NXDOMAIN
	UpstreamDNS []string

	// EnableTCP 是否启用TCP监听
	EnableTCP bool

	// EnableUDP 是否启用UDP监听
	EnableUDP bool
}

// DefaultConfig 返回默认的DNS服务配置
func DefaultConfig() *Config {
	return &Config{
		DNSAddr:   ":8053",
		Domain:    "mesh.local",
		TTL:       30,
		Timeout:   5 * time.Second,
		EnableTCP: true,
		EnableUDP: true,
	}
}
