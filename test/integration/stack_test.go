package integration

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/api"
	"github.com/hewenyu/kong-mesh/internal/discovery"
	meshdns "github.com/hewenyu/kong-mesh/internal/dns"
	"github.com/hewenyu/kong-mesh/internal/gateway"
	"github.com/hewenyu/kong-mesh/internal/mesh"
	"github.com/hewenyu/kong-mesh/internal/registry"
	"github.com/hewenyu/kong-mesh/internal/store/etcd"
	"github.com/hewenyu/kong-mesh/internal/store/route"
	"github.com/hewenyu/kong-mesh/pkg/model"
	sdk "github.com/hewenyu/kong-mesh/sdk/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TestStack 完整的控制面：管理API、网关代理与DNS
type TestStack struct {
	Registry *registry.Registry
	Gateway  *gateway.Gateway
	API      *httptest.Server
	Proxy    *httptest.Server
	DNS      *meshdns.Server
}

// NewTestStack 按 cmd/kong-mesh 的组装顺序启动各组件
func NewTestStack(t *testing.T, store route.Store) *TestStack {
	t.Helper()

	reg := registry.New(registry.Options{})
	t.Cleanup(reg.Stop)
	disc := discovery.New(reg, discovery.Options{})

	gw := gateway.New(gateway.Options{Discovery: disc, Store: store})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, gw.LoadRoutes(ctx))
	gw.WatchRoutes(ctx)

	m := mesh.New(disc, mesh.Options{ServiceName: "integration", Tracker: reg})

	mgmt := api.NewEcho(nil)
	api.NewHandler(api.Options{
		Registry:  reg,
		Discovery: disc,
		Mesh:      m,
		Gateway:   gw,
	}).RegisterRoutes(mgmt)
	apiSrv := httptest.NewServer(mgmt)
	t.Cleanup(apiSrv.Close)

	proxy := api.NewEcho(nil)
	gw.RegisterProxy(proxy)
	proxySrv := httptest.NewServer(proxy)
	t.Cleanup(proxySrv.Close)

	cfg := meshdns.DefaultConfig()
	cfg.DNSAddr = "127.0.0.1:0"
	dnsSrv := meshdns.NewServer(cfg, disc, nil)
	require.NoError(t, dnsSrv.Start(ctx))
	t.Cleanup(func() { _ = dnsSrv.Stop() })

	return &TestStack{Registry: reg, Gateway: gw, API: apiSrv, Proxy: proxySrv, DNS: dnsSrv}
}

func (ts *TestStack) post(t *testing.T, path string, body interface{}) (int, *model.ApiResponse) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.API.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	result := new(model.ApiResponse)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(result))
	return resp.StatusCode, result
}

// startOrders 启动一个返回请求路径的后端服务
func startOrders(t *testing.T) (*httptest.Server, string, int) {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `","mesh":"` + r.Header.Get(mesh.HeaderMeshRequest) + `"}`))
	}))
	t.Cleanup(backend.Close)

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(backend.URL, "http://"))
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return backend, host, port
}

func TestEndToEnd(t *testing.T) {
	ts := NewTestStack(t, route.NewMemoryStore())
	backend, host, port := startOrders(t)
	ctx := context.Background()

	// 服务通过SDK注册
	client, err := sdk.NewClient(&sdk.Config{
		ServerAddr:  strings.TrimPrefix(ts.API.URL, "http://"),
		ServiceName: "orders",
		Version:     "1.0.0",
		ServiceIP:   host,
		ServicePort: port,
		ServiceURL:  backend.URL,
		Tags:        []string{"integration"},
	})
	require.NoError(t, err)
	require.NoError(t, client.Register(ctx))
	defer client.Close(ctx)

	instances, err := client.Discover(ctx, "orders", "integration")
	require.NoError(t, err)
	require.Len(t, instances, 1)

	t.Run("Gateway Proxy", func(t *testing.T) {
		code, result := ts.post(t, "/v1/gateway/routes", map[string]interface{}{
			"name":       "orders-detail",
			"path":       "/orders/:id",
			"method":     "GET",
			"service_id": "orders",
		})
		require.Equal(t, http.StatusCreated, code, result.Message)

		resp, err := http.Get(ts.Proxy.URL + "/orders/42")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "/orders/42", body["path"])

		stats := ts.Gateway.GetStats()
		assert.Equal(t, int64(1), stats.TotalRequests)
	})

	t.Run("Mesh Request", func(t *testing.T) {
		code, result := ts.post(t, "/v1/microservices/request", map[string]interface{}{
			"service_name": "orders",
			"path":         "/orders/7",
			"method":       "GET",
		})
		require.Equal(t, http.StatusOK, code, result.Message)

		data := result.Data.(map[string]interface{})
		assert.Equal(t, float64(http.StatusOK), data["status_code"])
		payload := data["data"].(map[string]interface{})
		assert.Equal(t, "/orders/7", payload["path"])
		assert.Equal(t, "true", payload["mesh"])
	})

	t.Run("DNS Resolve", func(t *testing.T) {
		resolver := sdk.NewDNSResolver(sdk.ResolverConfig{
			Server:  ts.DNS.Addr().String(),
			Timeout: 2 * time.Second,
		})
		addr, err := resolver.ResolveService(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, net.JoinHostPort(host, strconv.Itoa(port)), addr)
	})

	t.Run("Deregister", func(t *testing.T) {
		require.NoError(t, client.Deregister(ctx))

		resp, err := http.Get(ts.Proxy.URL + "/orders/42")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		code, _ := ts.post(t, "/v1/microservices/request", map[string]interface{}{
			"service_name": "orders",
			"path":         "/orders/7",
		})
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
}

// 以下测试需要一个正在运行的etcd实例，通过 ETCD_ENDPOINTS 指定
func TestRoutesSharedThroughEtcd(t *testing.T) {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("跳过测试，ETCD_ENDPOINTS 未设置")
	}

	newStore := func() route.Store {
		client, err := etcd.NewClient(etcd.Config{
			Endpoints:      strings.Split(endpoints, ","),
			DialTimeout:    5 * time.Second,
			RequestTimeout: 10 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
		return route.NewEtcdStore(client)
	}

	first := NewTestStack(t, newStore())
	second := NewTestStack(t, newStore())
	ctx := context.Background()

	r, err := first.Gateway.AddRoute(ctx, &model.Route{
		Name:      "etcd-shared",
		Path:      "/shared/" + strconv.FormatInt(time.Now().UnixNano(), 10),
		Method:    http.MethodGet,
		ServiceID: "orders",
		IsActive:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = first.Gateway.RemoveRoute(ctx, r.ID) })

	assert.Eventually(t, func() bool {
		_, ok := second.Gateway.GetRoute(r.ID)
		return ok
	}, 5*time.Second, 50*time.Millisecond, "其他网关通过watch同步路由")

	_, err = first.Gateway.RemoveRoute(ctx, r.ID)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := second.Gateway.GetRoute(r.ID)
		return !ok
	}, 5*time.Second, 50*time.Millisecond)
}
