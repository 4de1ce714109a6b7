package gateway

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/store/route"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// fakeSelector 固定返回的服务发现实现
type fakeSelector struct {
	instances map[string]*model.ServiceInstance
}

func (f *fakeSelector) Select(name, clientAddr string) (*model.ServiceInstance, bool) {
	inst, ok := f.instances[name]
	return inst, ok
}

// watchStore 可以手动推送变更事件的路由存储
type watchStore struct {
	*route.MemoryStore
	events chan route.Event
}

func (w *watchStore) Watch(ctx context.Context) <-chan route.Event {
	return w.events
}

func newTestGateway(t *testing.T, opts Options) (*Gateway, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts.Clock = clock
	if opts.Balancer == nil {
		opts.Balancer = balancer.NewWithSeed(1)
	}
	g := New(opts)
	t.Cleanup(g.Stop)
	return g, clock
}

func addRoute(t *testing.T, g *Gateway, r *model.Route) *model.Route {
	t.Helper()
	added, err := g.AddRoute(context.Background(), r)
	require.NoError(t, err)
	return added
}

func TestFindRouteUsersID(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	r := addRoute(t, g, &model.Route{Path: "/users/:id", Method: "GET", ServiceID: "users", IsActive: true})

	tests := []struct {
		name   string
		path   string
		method string
		want   bool
	}{
		{"参数段匹配", "/users/42", "GET", true},
		{"方法大小写不敏感", "/users/abc", "get", true},
		{"段数不同", "/users/42/orders", "GET", false},
		{"缺少参数段", "/users", "GET", false},
		{"方法不匹配", "/users/42", "POST", false},
		{"前缀不同", "/accounts/42", "GET", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, ok := g.FindRoute(tt.path, tt.method, nil, nil)
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, r.ID, found.ID)
			}
		})
	}
}

func TestFindRoutePriority(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	addRoute(t, g, &model.Route{Path: "/api/:x", Method: "GET", ServiceID: "low", Priority: 10, IsActive: true})
	high := addRoute(t, g, &model.Route{Path: "/api/items", Method: "GET", ServiceID: "high", Priority: 20, IsActive: true})

	for i := 0; i < 5; i++ {
		found, ok := g.FindRoute("/api/items", "GET", nil, nil)
		require.True(t, ok)
		assert.Equal(t, high.ID, found.ID, "优先级高的路由应始终胜出")
	}

	// 优先级相同时先注册者胜出
	first := addRoute(t, g, &model.Route{Path: "/tie", Method: "GET", ServiceID: "a", Priority: 5, IsActive: true})
	addRoute(t, g, &model.Route{Path: "/tie", Method: "GET", ServiceID: "b", Priority: 5, IsActive: true})
	for i := 0; i < 5; i++ {
		found, ok := g.FindRoute("/tie", "GET", nil, nil)
		require.True(t, ok)
		assert.Equal(t, first.ID, found.ID)
	}
}

func TestFindRouteInactive(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	addRoute(t, g, &model.Route{Path: "/off", Method: "GET", ServiceID: "x", IsActive: false})

	_, ok := g.FindRoute("/off", "GET", nil, nil)
	assert.False(t, ok, "未启用的路由不参与匹配")
}

func TestFindRouteConditions(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	r := addRoute(t, g, &model.Route{
		Path:      "/reports",
		Method:    "GET",
		ServiceID: "reports",
		IsActive:  true,
		Conditions: []model.RouteCondition{
			{Type: model.ConditionTypeHeader, Field: "x-tenant", Operator: model.OperatorStartsWith, Value: "acme"},
			{Type: model.ConditionTypeQuery, Field: "format", Operator: model.OperatorRegex, Value: "^(csv|json)$"},
		},
	})

	headers := http.Header{}
	headers.Set("X-Tenant", "acme-eu")

	found, ok := g.FindRoute("/reports", "GET", headers, url.Values{"format": {"csv"}})
	require.True(t, ok, "请求头名称大小写不敏感")
	assert.Equal(t, r.ID, found.ID)

	_, ok = g.FindRoute("/reports", "GET", headers, url.Values{"format": {"xml"}})
	assert.False(t, ok, "正则不匹配")

	_, ok = g.FindRoute("/reports", "GET", nil, url.Values{"format": {"csv"}})
	assert.False(t, ok, "缺少请求头时条件不成立")

	_, ok = g.FindRoute("/reports", "GET", headers, nil)
	assert.False(t, ok, "缺少查询参数时条件不成立")
}

func TestConditionOperators(t *testing.T) {
	headers := HeaderFromMap(map[string]string{"user-agent": "mesh-client/2.1"})
	query := QueryFromMap(map[string]string{"region": "eu-west-1"})
	euPattern := regexp.MustCompile(`^eu-`)

	tests := []struct {
		name    string
		cond    model.RouteCondition
		pattern *regexp.Regexp
		want    bool
	}{
		{"equals", model.RouteCondition{Type: model.ConditionTypeQuery, Field: "region", Operator: model.OperatorEquals, Value: "eu-west-1"}, nil, true},
		{"contains", model.RouteCondition{Type: model.ConditionTypeHeader, Field: "User-Agent", Operator: model.OperatorContains, Value: "client"}, nil, true},
		{"ends_with", model.RouteCondition{Type: model.ConditionTypeHeader, Field: "user-agent", Operator: model.OperatorEndsWith, Value: "2.1"}, nil, true},
		{"starts_with失败", model.RouteCondition{Type: model.ConditionTypeQuery, Field: "region", Operator: model.OperatorStartsWith, Value: "us"}, nil, false},
		{"regex", model.RouteCondition{Type: model.ConditionTypeQuery, Field: "region", Operator: model.OperatorRegex, Value: "^eu-"}, euPattern, true},
		{"regex未编译", model.RouteCondition{Type: model.ConditionTypeQuery, Field: "region", Operator: model.OperatorRegex, Value: "(["}, nil, false},
		{"未知类型", model.RouteCondition{Type: "cookie", Field: "region", Operator: model.OperatorEquals, Value: "eu-west-1"}, nil, false},
		{"未知操作符", model.RouteCondition{Type: model.ConditionTypeQuery, Field: "region", Operator: "gt", Value: "a"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conditionMatches(tt.cond, tt.pattern, headers, query))
		})
	}
}

func TestRouteInvalidRegex(t *testing.T) {
	store := route.NewMemoryStore()
	g, _ := newTestGateway(t, Options{Store: store})
	ctx := context.Background()
	bad := []model.RouteCondition{{Type: model.ConditionTypeQuery, Field: "format", Operator: model.OperatorRegex, Value: "(["}}

	_, err := g.AddRoute(ctx, &model.Route{Path: "/reports", Method: "GET", ServiceID: "reports", IsActive: true, Conditions: bad})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
	persisted, _ := store.List(ctx)
	assert.Empty(t, persisted, "非法路由不写入存储")

	r := addRoute(t, g, &model.Route{Path: "/reports", Method: "GET", ServiceID: "reports", IsActive: true})
	_, err = g.UpdateRoute(ctx, r.ID, &model.Route{Path: "/reports", Method: "GET", ServiceID: "reports", IsActive: true, Conditions: bad})
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
	got, ok := g.GetRoute(r.ID)
	require.True(t, ok)
	assert.Empty(t, got.Conditions, "更新失败时保留原路由")

	// 存储中已有的非法条件在加载后永远不匹配
	require.NoError(t, store.Save(ctx, &model.Route{ID: "legacy", Path: "/legacy", Method: "GET", ServiceID: "reports", IsActive: true, Seq: 99, Conditions: bad}))
	loaded, _ := newTestGateway(t, Options{Store: store})
	require.NoError(t, loaded.LoadRoutes(ctx))
	_, ok = loaded.FindRoute("/legacy", "GET", nil, url.Values{"format": {"(["}})
	assert.False(t, ok)
}

func TestRouteCRUD(t *testing.T) {
	store := route.NewMemoryStore()
	g, clock := newTestGateway(t, Options{Store: store})
	ctx := context.Background()

	r := addRoute(t, g, &model.Route{Name: "users", Path: "/users/:id", Method: "GET", ServiceID: "users", Priority: 1, IsActive: true})
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, uint64(1), r.Seq)

	persisted, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1, "路由应写入存储")

	clock.Advance(time.Minute)
	updated, err := g.UpdateRoute(ctx, r.ID, &model.Route{Name: "users-v2", Path: "/v2/users/:id", Method: "GET", ServiceID: "users", Priority: 3, IsActive: true})
	require.NoError(t, err)
	assert.Equal(t, r.ID, updated.ID)
	assert.Equal(t, r.Seq, updated.Seq, "更新不改变注册顺序")
	assert.Equal(t, r.CreatedAt, updated.CreatedAt)
	assert.Equal(t, clock.Now(), updated.UpdatedAt)

	got, ok := g.GetRoute(r.ID)
	require.True(t, ok)
	assert.Equal(t, "/v2/users/:id", got.Path)

	_, err = g.UpdateRoute(ctx, "missing", &model.Route{})
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	removed, err := g.RemoveRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = g.RemoveRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, removed)

	persisted, _ = store.List(ctx)
	assert.Empty(t, persisted)
	assert.Empty(t, g.GetAllRoutes())
}

func TestLoadRoutes(t *testing.T) {
	store := route.NewMemoryStore()
	first, _ := newTestGateway(t, Options{Store: store})
	a := addRoute(t, first, &model.Route{Path: "/a", Method: "GET", ServiceID: "a", IsActive: true})
	b := addRoute(t, first, &model.Route{Path: "/b", Method: "GET", ServiceID: "b", IsActive: true, RateLimit: &model.RateLimitConfig{RequestsPerSecond: 1, Burst: 1}})

	second, _ := newTestGateway(t, Options{Store: store})
	require.NoError(t, second.LoadRoutes(context.Background()))

	routes := second.GetAllRoutes()
	require.Len(t, routes, 2)
	assert.Equal(t, a.ID, routes[0].ID)
	assert.Equal(t, b.ID, routes[1].ID)

	c := addRoute(t, second, &model.Route{Path: "/c", Method: "GET", ServiceID: "c", IsActive: true})
	assert.Greater(t, c.Seq, b.Seq, "加载后新路由的顺序应排在已有路由之后")

	assert.True(t, second.allowRequest(b.ID))
	assert.False(t, second.allowRequest(b.ID), "加载的路由应恢复限流配置")
}

func TestWatchRoutes(t *testing.T) {
	store := &watchStore{MemoryStore: route.NewMemoryStore(), events: make(chan route.Event, 4)}
	g, _ := newTestGateway(t, Options{Store: store})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.WatchRoutes(ctx)

	store.events <- route.Event{Type: route.EventSaved, RouteID: "peer", Route: &model.Route{ID: "peer", Path: "/peer", Method: "GET", ServiceID: "p", IsActive: true, Seq: 7}}
	assert.Eventually(t, func() bool {
		_, ok := g.FindRoute("/peer", "GET", nil, nil)
		return ok
	}, time.Second, 5*time.Millisecond)

	store.events <- route.Event{Type: route.EventDeleted, RouteID: "peer"}
	assert.Eventually(t, func() bool {
		_, ok := g.GetRoute("peer")
		return !ok
	}, time.Second, 5*time.Millisecond)
	close(store.events)
}

func TestServiceCRUD(t *testing.T) {
	g, _ := newTestGateway(t, Options{})

	svc := g.AddService(&model.GatewayService{Name: "users", URL: "http://users:8080", Weight: 10, IsActive: true})
	assert.NotEmpty(t, svc.ID)
	assert.Equal(t, model.HealthStatusUnknown, svc.Health, "新服务在健康检查前状态未知")

	got, ok := g.GetService(svc.ID)
	require.True(t, ok)
	assert.Equal(t, "users", got.Name)
	assert.Len(t, g.GetAllServices(), 1)

	assert.True(t, g.RemoveService(svc.ID))
	assert.False(t, g.RemoveService(svc.ID))
	assert.Empty(t, g.GetAllServices())
}

func TestSelectService(t *testing.T) {
	g, _ := newTestGateway(t, Options{Strategy: balancer.ResponseTime})

	slow := g.AddService(&model.GatewayService{Name: "users", URL: "http://a", IsActive: true, Health: model.HealthStatusHealthy, ResponseTime: 300})
	fast := g.AddService(&model.GatewayService{Name: "users", URL: "http://b", IsActive: true, Health: model.HealthStatusHealthy, ResponseTime: 20})
	inactive := g.AddService(&model.GatewayService{Name: "users", URL: "http://c", IsActive: false, Health: model.HealthStatusHealthy, ResponseTime: 1})
	sick := g.AddService(&model.GatewayService{Name: "users", URL: "http://d", IsActive: true, Health: model.HealthStatusUnhealthy, ResponseTime: 1})

	svc, ok := g.SelectService([]string{slow.ID, fast.ID, inactive.ID, sick.ID}, "")
	require.True(t, ok)
	assert.Equal(t, fast.ID, svc.ID, "应跳过未启用和不健康的服务，并选择响应最快的")

	_, ok = g.SelectService([]string{inactive.ID, sick.ID}, "")
	assert.False(t, ok)
	_, ok = g.SelectService(nil, "")
	assert.False(t, ok)
}

func TestSelectServiceWeighted(t *testing.T) {
	g, _ := newTestGateway(t, Options{Strategy: balancer.Weighted})
	heavy := g.AddService(&model.GatewayService{Name: "users", URL: "http://a", Weight: 10, IsActive: true, Health: model.HealthStatusHealthy})
	zero := g.AddService(&model.GatewayService{Name: "users", URL: "http://b", Weight: 0, IsActive: true, Health: model.HealthStatusHealthy})

	for i := 0; i < 100; i++ {
		svc, ok := g.SelectService([]string{heavy.ID, zero.ID}, "")
		require.True(t, ok)
		assert.Equal(t, heavy.ID, svc.ID)
	}
}

func TestResolve(t *testing.T) {
	selector := &fakeSelector{instances: map[string]*model.ServiceInstance{
		"orders": {ID: "orders-1", Name: "orders", Host: "10.0.0.5", Port: 9000},
	}}
	g, _ := newTestGateway(t, Options{Discovery: selector})

	svc := g.AddService(&model.GatewayService{Name: "users", URL: "http://users:8080", IsActive: true, Health: model.HealthStatusHealthy})

	byName, err := g.Resolve(&model.Route{ServiceID: "users"}, "")
	require.NoError(t, err)
	assert.Equal(t, svc.ID, byName.ServiceID)
	assert.Equal(t, SourceGateway, byName.Source)

	byID, err := g.Resolve(&model.Route{ServiceID: svc.ID}, "")
	require.NoError(t, err)
	assert.Equal(t, svc.ID, byID.ServiceID)

	fallback, err := g.Resolve(&model.Route{ServiceID: "orders"}, "")
	require.NoError(t, err)
	assert.Equal(t, SourceDiscovery, fallback.Source)
	assert.Equal(t, "http://10.0.0.5:9000", fallback.URL)

	_, err = g.Resolve(&model.Route{ServiceID: "missing"}, "")
	assert.True(t, model.IsCode(err, model.ErrUnavailable))

	// 网关中存在同名后端但都不健康时，不回退到服务发现
	require.True(t, g.SetServiceHealth(svc.ID, model.HealthStatusUnhealthy))
	_, err = g.Resolve(&model.Route{ServiceID: "users"}, "")
	assert.True(t, model.IsCode(err, model.ErrUnavailable))
}

func TestTestRoute(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	svc := g.AddService(&model.GatewayService{Name: "users", URL: "http://users:8080", IsActive: true, Health: model.HealthStatusHealthy})
	r := addRoute(t, g, &model.Route{Path: "/users/:id", Method: "GET", ServiceID: "users", IsActive: true})

	result := g.TestRoute("/users/1", "GET", nil, nil)
	assert.True(t, result.Matched)
	assert.Equal(t, r.ID, result.Route.ID)
	require.Len(t, result.Candidates, 1)
	require.NotNil(t, result.Target)
	assert.Equal(t, svc.ID, result.Target.ServiceID)

	result = g.TestRoute("/nothing", "GET", nil, nil)
	assert.False(t, result.Matched)
}

func TestStatsAndHealthStatus(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	a := g.AddService(&model.GatewayService{Name: "a", URL: "http://a", IsActive: true, Health: model.HealthStatusHealthy})
	b := g.AddService(&model.GatewayService{Name: "b", URL: "http://b", IsActive: true, Health: model.HealthStatusHealthy})

	assert.Equal(t, model.GatewayHealthy, g.HealthStatus().Status)

	for i := 0; i < 150; i++ {
		g.RecordRequest(a.ID, float64(i), true)
	}
	stats, ok := g.GetServiceStats(a.ID)
	require.True(t, ok)
	assert.Equal(t, int64(150), stats.TotalRequests)
	// 窗口只保留最近100个样本：50..149
	assert.InDelta(t, 99.5, stats.AverageResponseTime, 1e-9)

	g.SetServiceHealth(b.ID, model.HealthStatusUnhealthy)
	assert.Equal(t, model.GatewayDegraded, g.HealthStatus().Status)

	for i := 0; i < 20; i++ {
		g.RecordRequest(b.ID, 10, false)
	}
	health := g.HealthStatus()
	assert.Equal(t, model.GatewayUnhealthy, health.Status, "错误率超过10%应视为不健康")
	assert.InDelta(t, 20.0/170.0, health.ErrorRate, 1e-9)

	all := g.GetStats()
	assert.Equal(t, int64(170), all.TotalRequests)
	assert.Equal(t, int64(20), all.TotalErrors)
	assert.Equal(t, 2, all.TotalServices)
	assert.Equal(t, 1, all.HealthyServices)
	require.Len(t, all.Services, 2)
	assert.Equal(t, a.ID, all.Services[0].ServiceName)
}

func TestHealthStatusNoHealthyServices(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	g.AddService(&model.GatewayService{Name: "a", URL: "http://a", IsActive: true, Health: model.HealthStatusUnhealthy})

	assert.Equal(t, model.GatewayUnhealthy, g.HealthStatus().Status)
}
