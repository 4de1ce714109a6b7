package mesh

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/discovery"
	"github.com/hewenyu/kong-mesh/internal/registry"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

type backend struct {
	*httptest.Server
	hits    atomic.Int64
	failing atomic.Bool
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		if b.failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, "boom")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true}`)
	}))
	t.Cleanup(b.Close)
	return b
}

type fixture struct {
	mesh     *Mesh
	registry *registry.Registry
}

func newFixture(t *testing.T, clock clockwork.Clock, opts Options) *fixture {
	t.Helper()
	reg := registry.New(registry.Options{Clock: clock, HeartbeatTimeout: time.Hour, CleanupInterval: time.Hour})
	t.Cleanup(reg.Stop)
	disc := discovery.New(reg, discovery.Options{})

	opts.Clock = clock
	opts.Tracker = reg
	if opts.RetryBaseDelay == 0 {
		opts.RetryBaseDelay = time.Millisecond
	}
	if opts.RetryMaxDelay == 0 {
		opts.RetryMaxDelay = 2 * time.Millisecond
	}
	return &fixture{mesh: New(disc, opts), registry: reg}
}

func (f *fixture) register(name, url string) string {
	return f.registry.Register(&model.ServiceInstance{Name: name, Host: "127.0.0.1", Port: 80, URL: url})
}

func TestBillingCircuitBreaker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock, Options{FailureThreshold: 3, BreakerTimeout: 60 * time.Second})
	b := newBackend(t)
	b.failing.Store(true)
	f.register("billing", b.URL)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.mesh.Request(ctx, &Request{ServiceName: "billing", Path: "/charge"})
		require.Error(t, err)
		assert.True(t, model.IsCode(err, model.ErrTransport), "第%d次调用应为传输错误: %v", i+1, err)
	}

	cb, ok := f.mesh.GetCircuitBreaker("billing")
	require.True(t, ok)
	assert.Equal(t, model.CircuitOpen, cb.State)
	assert.Equal(t, 3, cb.FailureCount)

	_, err := f.mesh.Request(ctx, &Request{ServiceName: "billing", Path: "/charge"})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrCircuitOpen))
	assert.Equal(t, int64(3), b.hits.Load(), "熔断期间不应请求后端")

	clock.Advance(61 * time.Second)
	b.failing.Store(false)

	resp, err := f.mesh.Request(ctx, &Request{ServiceName: "billing", Path: "/charge"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cb, _ = f.mesh.GetCircuitBreaker("billing")
	assert.Equal(t, model.CircuitClosed, cb.State)
	assert.Equal(t, 0, cb.FailureCount)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := newFixture(t, clock, Options{FailureThreshold: 1, BreakerTimeout: 10 * time.Second})
	b := newBackend(t)
	b.failing.Store(true)
	f.register("billing", b.URL)

	ctx := context.Background()
	_, err := f.mesh.Request(ctx, &Request{ServiceName: "billing"})
	require.Error(t, err)

	clock.Advance(5 * time.Second)
	_, err = f.mesh.Request(ctx, &Request{ServiceName: "billing"})
	assert.True(t, model.IsCode(err, model.ErrCircuitOpen), "恢复时间未到")

	clock.Advance(6 * time.Second)
	_, err = f.mesh.Request(ctx, &Request{ServiceName: "billing"})
	assert.True(t, model.IsCode(err, model.ErrTransport), "半开状态应放行试探请求")

	cb, _ := f.mesh.GetCircuitBreaker("billing")
	assert.Equal(t, model.CircuitOpen, cb.State)
	assert.Equal(t, clock.Now(), cb.LastFailureTime)
	assert.Equal(t, int64(2), b.hits.Load())
}

func TestClosedSuccessKeepsFailureCount(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{FailureThreshold: 3})
	b := newBackend(t)
	f.register("billing", b.URL)

	ctx := context.Background()
	b.failing.Store(true)
	_, err := f.mesh.Request(ctx, &Request{ServiceName: "billing"})
	require.Error(t, err)

	b.failing.Store(false)
	_, err = f.mesh.Request(ctx, &Request{ServiceName: "billing"})
	require.NoError(t, err)

	cb, _ := f.mesh.GetCircuitBreaker("billing")
	assert.Equal(t, model.CircuitClosed, cb.State)
	assert.Equal(t, 1, cb.FailureCount)
}

func TestRequestRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "done")
	}))
	defer srv.Close()

	f := newFixture(t, clockwork.NewRealClock(), Options{})
	f.register("orders", srv.URL)

	resp, err := f.mesh.Request(context.Background(), &Request{ServiceName: "orders", Retries: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, "done", resp.Data)

	stats, ok := f.mesh.GetServiceStats("orders")
	require.True(t, ok)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(2), stats.FailedRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
}

func TestRetriesExhausted(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock(), Options{})
	b := newBackend(t)
	b.failing.Store(true)
	f.register("orders", b.URL)

	_, err := f.mesh.Request(context.Background(), &Request{ServiceName: "orders", Retries: 2})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrTransport))
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int64(3), b.hits.Load())
}

func TestRetriesStopWhenCircuitOpens(t *testing.T) {
	f := newFixture(t, clockwork.NewRealClock(), Options{FailureThreshold: 2})
	b := newBackend(t)
	b.failing.Store(true)
	f.register("orders", b.URL)

	_, err := f.mesh.Request(context.Background(), &Request{ServiceName: "orders", Retries: 5})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrCircuitOpen))
	assert.Equal(t, int64(2), b.hits.Load())
}

func TestRequestHeadersAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"method":  r.Method,
			"path":    r.URL.Path,
			"mesh":    r.Header.Get(HeaderMeshRequest),
			"source":  r.Header.Get(HeaderSourceService),
			"trace":   r.Header.Get("X-Trace-Id"),
			"content": r.Header.Get("Content-Type"),
			"amount":  body["amount"],
		})
	}))
	defer srv.Close()

	f := newFixture(t, clockwork.NewFakeClock(), Options{ServiceName: "checkout"})
	id := f.register("billing", srv.URL)

	resp, err := f.mesh.Request(context.Background(), &Request{
		ServiceName: "billing",
		Path:        "invoices",
		Method:      "post",
		Headers:     map[string]string{"X-Trace-Id": "abc"},
		Body:        map[string]interface{}{"amount": 42},
	})
	require.NoError(t, err)
	assert.Equal(t, id, resp.ServiceID)
	assert.Equal(t, 1, resp.Attempts)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "JSON响应应解码为结构化数据")
	assert.Equal(t, http.MethodPost, data["method"])
	assert.Equal(t, "/invoices", data["path"])
	assert.Equal(t, "true", data["mesh"])
	assert.Equal(t, "checkout", data["source"])
	assert.Equal(t, "abc", data["trace"])
	assert.Equal(t, "application/json", data["content"])
	assert.Equal(t, float64(42), data["amount"])
}

func TestRequestTracksConnections(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{})
	b := newBackend(t)
	id := f.register("orders", b.URL)

	_, err := f.mesh.Request(context.Background(), &Request{ServiceName: "orders"})
	require.NoError(t, err)

	inst, ok := f.registry.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(0), inst.CurrentConnections, "调用结束后应释放连接")
	assert.Greater(t, inst.ResponseTime, 0.0)

	b.failing.Store(true)
	_, err = f.mesh.Request(context.Background(), &Request{ServiceName: "orders"})
	require.Error(t, err)
	inst, _ = f.registry.Get(id)
	assert.InDelta(t, 0.1, inst.ErrorRate, 1e-9)
}

func TestRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := newFixture(t, clockwork.NewFakeClock(), Options{})
	f.register("slow", srv.URL)

	_, err := f.mesh.Request(context.Background(), &Request{ServiceName: "slow", Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrTimeout), "%v", err)
	assert.Equal(t, http.StatusGatewayTimeout, model.HTTPStatus(err))
}

func TestRequestUnavailable(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{})

	_, err := f.mesh.Request(context.Background(), &Request{ServiceName: "ghost"})
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrUnavailable))

	cb, ok := f.mesh.GetCircuitBreaker("ghost")
	require.True(t, ok)
	assert.Equal(t, 0, cb.FailureCount, "无可用实例不计入熔断失败")
	assert.Equal(t, model.CircuitClosed, cb.State)
}

func TestRequestInvalid(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{})
	_, err := f.mesh.Request(context.Background(), &Request{})
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
}

func TestRequestNegativeRetries(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{})
	b := newBackend(t)
	f.register("billing", b.URL)

	resp, err := f.mesh.Request(context.Background(), &Request{ServiceName: "billing", Path: "/x", Retries: -1})
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, model.IsCode(err, model.ErrInvalidArgument))
	assert.Equal(t, int64(0), b.hits.Load(), "参数无效时不发起调用")
}

func TestResetCircuitBreaker(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{FailureThreshold: 1})
	b := newBackend(t)
	b.failing.Store(true)
	f.register("billing", b.URL)

	assert.False(t, f.mesh.ResetCircuitBreaker("billing"))

	_, err := f.mesh.Request(context.Background(), &Request{ServiceName: "billing"})
	require.Error(t, err)
	cb, _ := f.mesh.GetCircuitBreaker("billing")
	require.Equal(t, model.CircuitOpen, cb.State)

	assert.True(t, f.mesh.ResetCircuitBreaker("billing"))
	cb, _ = f.mesh.GetCircuitBreaker("billing")
	assert.Equal(t, model.CircuitClosed, cb.State)
	assert.Equal(t, 0, cb.FailureCount)

	b.failing.Store(false)
	_, err = f.mesh.Request(context.Background(), &Request{ServiceName: "billing"})
	assert.NoError(t, err)
}

func TestGetStats(t *testing.T) {
	f := newFixture(t, clockwork.NewFakeClock(), Options{})
	ok := newBackend(t)
	bad := newBackend(t)
	bad.failing.Store(true)
	f.register("orders", ok.URL)
	f.register("billing", bad.URL)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = f.mesh.Request(ctx, &Request{ServiceName: "orders"})
	}
	_, _ = f.mesh.Request(ctx, &Request{ServiceName: "billing"})

	stats := f.mesh.GetStats()
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, int64(3), stats.SuccessfulRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	require.Len(t, stats.Services, 2)
	assert.Equal(t, "billing", stats.Services[0].ServiceName)
	assert.Equal(t, 1.0, stats.Services[0].ErrorRate)
	assert.Equal(t, "orders", stats.Services[1].ServiceName)
	require.Len(t, stats.CircuitBreakers, 2)

	_, found := f.mesh.GetServiceStats("ghost")
	assert.False(t, found)
}

func TestBackoff(t *testing.T) {
	base, max := time.Second, 5*time.Second
	assert.Equal(t, time.Duration(0), Backoff(0, base, max))
	assert.Equal(t, 1*time.Second, Backoff(1, base, max))
	assert.Equal(t, 2*time.Second, Backoff(2, base, max))
	assert.Equal(t, 4*time.Second, Backoff(3, base, max))
	assert.Equal(t, 5*time.Second, Backoff(4, base, max))
	assert.Equal(t, 5*time.Second, Backoff(30, base, max))
}

func TestDecodeBody(t *testing.T) {
	assert.Nil(t, decodeBody("application/json", nil))
	assert.Equal(t, "plain", decodeBody("text/plain", []byte("plain")))
	assert.Equal(t, []interface{}{float64(1), float64(2)}, decodeBody("", []byte("[1,2]")))
	assert.Equal(t, "{broken", decodeBody("application/json", []byte("{broken")))
}
