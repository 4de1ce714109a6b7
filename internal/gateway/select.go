package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// TargetSource 目标实例的来源
type TargetSource string

const (
	// SourceGateway 来自网关注册的后端服务
	SourceGateway TargetSource = "gateway"
	// SourceDiscovery 来自服务发现
	SourceDiscovery TargetSource = "discovery"
)

// Target 路由解析出的转发目标
type Target struct {
	ServiceID string       `json:"service_id"`
	Name      string       `json:"name"`
	URL       string       `json:"url"`
	Source    TargetSource `json:"source"`
}

// SelectService 在候选服务中过滤出启用且健康的服务，并按配置的策略选择一个
func (g *Gateway) SelectService(candidateIDs []string, clientAddr string) (*model.GatewayService, bool) {
	g.mutex.RLock()
	healthy := make([]*model.GatewayService, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		svc, ok := g.services[id]
		if ok && svc.IsActive && svc.Health == model.HealthStatusHealthy {
			healthy = append(healthy, svc.Clone())
		}
	}
	g.mutex.RUnlock()

	cands := make([]balancer.Candidate, len(healthy))
	for i, svc := range healthy {
		cands[i] = balancer.Candidate{
			Connections:  svc.CurrentConnections,
			Weight:       float64(svc.Weight),
			ResponseTime: svc.ResponseTime,
		}
	}

	key := strings.Join(candidateIDs, ",")
	idx, ok := g.balancer.Pick(g.strategy, key, cands, clientAddr)
	g.metrics.InstanceSelected("gateway", key, g.strategy.String(), ok)
	if !ok {
		return nil, false
	}
	return healthy[idx], true
}

// candidatesFor 返回ID或名称等于路由目标的网关服务ID
func (g *Gateway) candidatesFor(target string) []string {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	var ids []string
	for _, id := range g.serviceOrder {
		svc := g.services[id]
		if svc.ID == target || svc.Name == target {
			ids = append(ids, id)
		}
	}
	return ids
}

// Resolve 将路由解析为具体的转发目标，网关中没有对应后端时回退到服务发现
func (g *Gateway) Resolve(r *model.Route, clientAddr string) (*Target, error) {
	if ids := g.candidatesFor(r.ServiceID); len(ids) > 0 {
		svc, ok := g.SelectService(ids, clientAddr)
		if !ok {
			g.logger.Warn("没有健康的网关后端服务",
				zap.String("route_id", r.ID),
				zap.String("service_id", r.ServiceID),
				zap.Int("candidates", len(ids)))
			return nil, model.NewUnavailableError("no healthy instances for service " + r.ServiceID)
		}
		return &Target{ServiceID: svc.ID, Name: svc.Name, URL: svc.URL, Source: SourceGateway}, nil
	}

	if g.discovery != nil {
		if inst, ok := g.discovery.Select(r.ServiceID, clientAddr); ok {
			return &Target{ServiceID: inst.ID, Name: inst.Name, URL: instanceURL(inst), Source: SourceDiscovery}, nil
		}
	}

	g.logger.Warn("没有可用的服务实例",
		zap.String("route_id", r.ID),
		zap.String("service_id", r.ServiceID))
	return nil, model.NewUnavailableError("no healthy instances for service " + r.ServiceID)
}

// RouteTestResult 路由测试结果
type RouteTestResult struct {
	Matched    bool                    `json:"matched"`
	Route      *model.Route            `json:"route,omitempty"`
	Candidates []*model.GatewayService `json:"candidates,omitempty"`
	Target     *Target                 `json:"target,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// TestRoute 只做路由匹配与目标解析，不转发请求
func (g *Gateway) TestRoute(path, method string, headers http.Header, query url.Values) *RouteTestResult {
	r, ok := g.FindRoute(path, method, headers, query)
	if !ok {
		return &RouteTestResult{Matched: false}
	}

	result := &RouteTestResult{Matched: true, Route: r}
	for _, id := range g.candidatesFor(r.ServiceID) {
		if svc, ok := g.GetService(id); ok {
			result.Candidates = append(result.Candidates, svc)
		}
	}

	target, err := g.Resolve(r, "")
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Target = target
	}
	return result
}

// instanceURL 实例未提供URL时使用 host:port 拼接
func instanceURL(inst *model.ServiceInstance) string {
	if inst.URL != "" {
		return inst.URL
	}
	return fmt.Sprintf("http://%s:%d", inst.Host, inst.Port)
}
