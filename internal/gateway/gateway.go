// Package gateway 实现入站路由匹配、后端选择、主动健康检查与反向代理
package gateway

import (
	"context"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/metrics"
	"github.com/hewenyu/kong-mesh/internal/store/route"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

const (
	// DefaultHealthCheckInterval 默认健康检查间隔
	DefaultHealthCheckInterval = 30 * time.Second
	// DefaultHealthCheckTimeout 默认健康检查超时
	DefaultHealthCheckTimeout = 5 * time.Second
	// DefaultProbeConcurrency 默认并发检查数
	DefaultProbeConcurrency = 8
)

// InstanceSelector 路由目标在网关中没有后端时，通过服务发现选择实例
type InstanceSelector interface {
	Select(name, clientAddr string) (*model.ServiceInstance, bool)
}

// Options 网关选项
type Options struct {
	Strategy            balancer.Strategy
	Balancer            *balancer.Balancer
	Discovery           InstanceSelector
	Store               route.Store
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	ProbeConcurrency    int
	// Transport 用于健康检查与代理转发，为空时使用 http.DefaultTransport
	Transport http.RoundTripper
	Clock     clockwork.Clock
	Logger    config.Logger
	Metrics   metrics.Recorder
}

// Gateway 网关路由器
type Gateway struct {
	strategy            balancer.Strategy
	balancer            *balancer.Balancer
	discovery           InstanceSelector
	store               route.Store
	healthCheckInterval time.Duration
	healthCheckTimeout  time.Duration
	probeConcurrency    int
	transport           http.RoundTripper
	httpClient          *http.Client
	clock               clockwork.Clock
	logger              config.Logger
	metrics             metrics.Recorder

	mutex        sync.RWMutex
	routes       map[string]*model.Route
	patterns     map[string][]*regexp.Regexp
	limiters     map[string]*rate.Limiter
	services     map[string]*model.GatewayService
	serviceOrder []string
	stats        map[string]*model.RequestStats
	seq          uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New 创建网关
func New(opts Options) *Gateway {
	if opts.Balancer == nil {
		opts.Balancer = balancer.New()
	}
	if opts.Store == nil {
		opts.Store = route.NewMemoryStore()
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if opts.HealthCheckTimeout <= 0 {
		opts.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = DefaultProbeConcurrency
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}

	return &Gateway{
		strategy:            opts.Strategy,
		balancer:            opts.Balancer,
		discovery:           opts.Discovery,
		store:               opts.Store,
		healthCheckInterval: opts.HealthCheckInterval,
		healthCheckTimeout:  opts.HealthCheckTimeout,
		probeConcurrency:    opts.ProbeConcurrency,
		transport:           opts.Transport,
		httpClient:          &http.Client{Transport: opts.Transport},
		clock:               opts.Clock,
		logger:              opts.Logger,
		metrics:             opts.Metrics,
		routes:              make(map[string]*model.Route),
		patterns:            make(map[string][]*regexp.Regexp),
		limiters:            make(map[string]*rate.Limiter),
		services:            make(map[string]*model.GatewayService),
		stats:               make(map[string]*model.RequestStats),
		stopCh:              make(chan struct{}),
	}
}

// AddRoute 添加路由并写入存储
func (g *Gateway) AddRoute(ctx context.Context, r *model.Route) (*model.Route, error) {
	if _, err := compileConditions(r.Conditions); err != nil {
		return nil, err
	}

	newRoute := r.Clone()
	now := g.clock.Now()
	newRoute.ID = uuid.New().String()
	newRoute.CreatedAt = now
	newRoute.UpdatedAt = now

	g.mutex.Lock()
	g.seq++
	newRoute.Seq = g.seq
	g.mutex.Unlock()

	if err := g.store.Save(ctx, newRoute); err != nil {
		return nil, err
	}

	g.mutex.Lock()
	g.putRouteLocked(newRoute)
	g.mutex.Unlock()

	g.logger.Info("路由添加成功",
		zap.String("route_id", newRoute.ID),
		zap.String("method", newRoute.Method),
		zap.String("path", newRoute.Path),
		zap.String("service_id", newRoute.ServiceID),
		zap.Int("priority", newRoute.Priority))
	return newRoute.Clone(), nil
}

// UpdateRoute 更新路由，保留ID、创建时间与注册顺序
func (g *Gateway) UpdateRoute(ctx context.Context, id string, update *model.Route) (*model.Route, error) {
	g.mutex.RLock()
	existing, ok := g.routes[id]
	g.mutex.RUnlock()
	if !ok {
		return nil, model.NewNotFoundError("路由不存在: " + id)
	}

	if _, err := compileConditions(update.Conditions); err != nil {
		return nil, err
	}

	updated := update.Clone()
	updated.ID = existing.ID
	updated.Seq = existing.Seq
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = g.clock.Now()

	if err := g.store.Save(ctx, updated); err != nil {
		return nil, err
	}

	g.mutex.Lock()
	g.putRouteLocked(updated)
	g.mutex.Unlock()

	g.logger.Info("路由更新成功", zap.String("route_id", id))
	return updated.Clone(), nil
}

// RemoveRoute 删除路由，路由不存在时返回false
func (g *Gateway) RemoveRoute(ctx context.Context, id string) (bool, error) {
	g.mutex.RLock()
	_, ok := g.routes[id]
	g.mutex.RUnlock()
	if !ok {
		return false, nil
	}

	if err := g.store.Delete(ctx, id); err != nil && !errors.Is(err, route.ErrRouteNotFound) {
		return false, err
	}

	g.mutex.Lock()
	g.deleteRouteLocked(id)
	g.mutex.Unlock()

	g.logger.Info("路由删除成功", zap.String("route_id", id))
	return true, nil
}

// GetRoute 获取路由
func (g *Gateway) GetRoute(id string) (*model.Route, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	r, ok := g.routes[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// GetAllRoutes 按注册顺序返回全部路由
func (g *Gateway) GetAllRoutes() []*model.Route {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	return g.sortedRoutesLocked()
}

// LoadRoutes 从存储加载路由，启动时调用
func (g *Gateway) LoadRoutes(ctx context.Context) error {
	routes, err := g.store.List(ctx)
	if err != nil {
		return err
	}

	g.mutex.Lock()
	for _, r := range routes {
		g.putRouteLocked(r)
	}
	g.mutex.Unlock()

	g.logger.Info("路由加载完成", zap.Int("count", len(routes)))
	return nil
}

// WatchRoutes 同步存储中由其他节点写入的路由变更，直到ctx取消
func (g *Gateway) WatchRoutes(ctx context.Context) {
	events := g.store.Watch(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for ev := range events {
			g.mutex.Lock()
			switch ev.Type {
			case route.EventSaved:
				g.putRouteLocked(ev.Route)
			case route.EventDeleted:
				g.deleteRouteLocked(ev.RouteID)
			}
			g.mutex.Unlock()
			g.logger.Debug("同步路由变更", zap.String("route_id", ev.RouteID))
		}
	}()
}

// putRouteLocked 写入路由索引并重建限流器，调用方需持有写锁
func (g *Gateway) putRouteLocked(r *model.Route) {
	g.routes[r.ID] = r.Clone()
	patterns, err := compileConditions(r.Conditions)
	if err != nil {
		// 存储中已有的非法正则条件永远不匹配
		g.logger.Warn("路由条件无效", zap.String("route_id", r.ID), zap.Error(err))
		patterns = make([]*regexp.Regexp, len(r.Conditions))
	}
	if patterns != nil {
		g.patterns[r.ID] = patterns
	} else {
		delete(g.patterns, r.ID)
	}
	if r.Seq > g.seq {
		g.seq = r.Seq
	}
	if r.RateLimit != nil && r.RateLimit.RequestsPerSecond > 0 {
		burst := r.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiters[r.ID] = rate.NewLimiter(rate.Limit(r.RateLimit.RequestsPerSecond), burst)
	} else {
		delete(g.limiters, r.ID)
	}
}

func (g *Gateway) deleteRouteLocked(id string) {
	delete(g.routes, id)
	delete(g.patterns, id)
	delete(g.limiters, id)
}

// allowRequest 检查路由限流
func (g *Gateway) allowRequest(routeID string) bool {
	g.mutex.RLock()
	limiter, ok := g.limiters[routeID]
	g.mutex.RUnlock()
	if !ok {
		return true
	}
	return limiter.AllowN(g.clock.Now(), 1)
}

// AddService 添加网关后端服务
func (g *Gateway) AddService(svc *model.GatewayService) *model.GatewayService {
	newSvc := svc.Clone()
	now := g.clock.Now()
	newSvc.ID = uuid.New().String()
	newSvc.CreatedAt = now
	newSvc.UpdatedAt = now
	if newSvc.Health == "" {
		newSvc.Health = model.HealthStatusUnknown
	}
	newSvc.ErrorRate = model.ClampRate(newSvc.ErrorRate)

	g.mutex.Lock()
	g.services[newSvc.ID] = newSvc
	g.serviceOrder = append(g.serviceOrder, newSvc.ID)
	g.mutex.Unlock()

	g.logger.Info("网关服务添加成功",
		zap.String("service_id", newSvc.ID),
		zap.String("name", newSvc.Name),
		zap.String("url", newSvc.URL))
	return newSvc.Clone()
}

// RemoveService 删除网关后端服务
func (g *Gateway) RemoveService(id string) bool {
	g.mutex.Lock()
	if _, ok := g.services[id]; !ok {
		g.mutex.Unlock()
		return false
	}
	delete(g.services, id)
	delete(g.stats, id)
	for i, v := range g.serviceOrder {
		if v == id {
			g.serviceOrder = append(g.serviceOrder[:i:i], g.serviceOrder[i+1:]...)
			break
		}
	}
	g.mutex.Unlock()

	g.logger.Info("网关服务删除成功", zap.String("service_id", id))
	return true
}

// GetService 获取网关后端服务
func (g *Gateway) GetService(id string) (*model.GatewayService, bool) {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	svc, ok := g.services[id]
	if !ok {
		return nil, false
	}
	return svc.Clone(), true
}

// GetAllServices 按添加顺序返回全部网关后端服务
func (g *Gateway) GetAllServices() []*model.GatewayService {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	result := make([]*model.GatewayService, 0, len(g.serviceOrder))
	for _, id := range g.serviceOrder {
		result = append(result, g.services[id].Clone())
	}
	return result
}

// SetServiceHealth 手动设置后端服务健康状态
func (g *Gateway) SetServiceHealth(id string, health model.HealthStatus) bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	svc, ok := g.services[id]
	if !ok {
		return false
	}
	svc.Health = health
	svc.UpdatedAt = g.clock.Now()
	return true
}

func (g *Gateway) adjustConnections(id string, delta int64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if svc, ok := g.services[id]; ok {
		svc.CurrentConnections += delta
		if svc.CurrentConnections < 0 {
			svc.CurrentConnections = 0
		}
	}
}
