// Package balancer 提供服务发现与网关共用的负载均衡策略
package balancer

import (
	"fmt"
	"strings"
)

// Strategy 负载均衡策略，取值范围固定
type Strategy int

const (
	// RoundRobin 轮询，每个服务名独立游标
	RoundRobin Strategy = iota
	// LeastConnections 最少连接
	LeastConnections
	// Weighted 按权重随机
	Weighted
	// IPHash 按客户端地址哈希
	IPHash
	// Random 随机
	Random
	// ResponseTime 最短响应时间
	ResponseTime
)

var strategyNames = map[Strategy]string{
	RoundRobin:       "round-robin",
	LeastConnections: "least-connections",
	Weighted:         "weighted",
	IPHash:           "ip-hash",
	Random:           "random",
	ResponseTime:     "response-time",
}

// String 返回策略名称
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// MarshalText 以名称形式序列化
func (s Strategy) MarshalText() ([]byte, error) {
	if _, ok := strategyNames[s]; !ok {
		return nil, fmt.Errorf("未知的负载均衡策略: %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 从名称解析
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy 解析策略名称，同时接受下划线写法，例如 least_connections
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	for s, n := range strategyNames {
		if n == normalized {
			return s, nil
		}
	}
	return 0, fmt.Errorf("未知的负载均衡策略: %q", name)
}

// Strategies 返回全部策略
func Strategies() []Strategy {
	return []Strategy{RoundRobin, LeastConnections, Weighted, IPHash, Random, ResponseTime}
}
