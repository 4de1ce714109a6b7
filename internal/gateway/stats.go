package gateway

import (
	"sort"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// unhealthyErrorRate 整体错误率超过该值时网关视为不健康
const unhealthyErrorRate = 0.10

// RecordRequest 记录一次转发结果
func (g *Gateway) RecordRequest(serviceID string, responseTime float64, success bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	s, ok := g.stats[serviceID]
	if !ok {
		s = &model.RequestStats{}
		g.stats[serviceID] = s
	}
	s.Record(responseTime, success)
}

// GetStats 返回网关统计
func (g *Gateway) GetStats() model.GatewayStats {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	stats := model.GatewayStats{
		TotalRoutes:   len(g.routes),
		TotalServices: len(g.services),
		Services:      make([]model.ServiceRequestStats, 0, len(g.stats)),
	}
	for _, r := range g.routes {
		if r.IsActive {
			stats.ActiveRoutes++
		}
	}
	for _, svc := range g.services {
		if svc.Health == model.HealthStatusHealthy {
			stats.HealthyServices++
		}
	}

	var sum float64
	var samples int
	for _, id := range g.statsOrderLocked() {
		s := g.stats[id]
		stats.TotalRequests += s.TotalRequests
		stats.TotalErrors += s.FailedRequests
		for _, v := range s.ResponseTimes {
			sum += v
		}
		samples += len(s.ResponseTimes)
		stats.Services = append(stats.Services, model.NewServiceRequestStats(id, s))
	}
	if samples > 0 {
		stats.AverageResponseTime = sum / float64(samples)
	}
	return stats
}

// GetServiceStats 返回单个后端的统计
func (g *Gateway) GetServiceStats(serviceID string) (model.ServiceRequestStats, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	s, ok := g.stats[serviceID]
	if !ok {
		return model.ServiceRequestStats{}, false
	}
	return model.NewServiceRequestStats(serviceID, s), true
}

// HealthStatus 汇总网关健康状态：部分后端不健康为degraded，没有健康后端或错误率超过10%为unhealthy
func (g *Gateway) HealthStatus() model.GatewayHealth {
	stats := g.GetStats()

	health := model.GatewayHealth{
		Status:          model.GatewayHealthy,
		TotalServices:   stats.TotalServices,
		HealthyServices: stats.HealthyServices,
		Timestamp:       g.clock.Now(),
	}
	if stats.TotalRequests > 0 {
		health.ErrorRate = float64(stats.TotalErrors) / float64(stats.TotalRequests)
	}

	if stats.HealthyServices < stats.TotalServices {
		health.Status = model.GatewayDegraded
	}
	if (stats.TotalServices > 0 && stats.HealthyServices == 0) || health.ErrorRate > unhealthyErrorRate {
		health.Status = model.GatewayUnhealthy
	}
	return health
}

// statsOrderLocked 已注册服务按添加顺序在前，已删除或来自服务发现的目标在后
func (g *Gateway) statsOrderLocked() []string {
	ids := make([]string, 0, len(g.stats))
	seen := make(map[string]bool, len(g.stats))
	for _, id := range g.serviceOrder {
		if _, ok := g.stats[id]; ok {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range g.stats {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(ids, rest...)
}
