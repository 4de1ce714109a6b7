// Package mesh 为服务间调用提供熔断、超时与指数退避重试
package mesh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/metrics"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

const (
	// DefaultTimeout 默认请求超时
	DefaultTimeout = 30 * time.Second
	// DefaultFailureThreshold 默认熔断阈值
	DefaultFailureThreshold = 5
	// DefaultBreakerTimeout 默认熔断恢复时间
	DefaultBreakerTimeout = 60 * time.Second
	// DefaultRetryBaseDelay 默认重试基础间隔
	DefaultRetryBaseDelay = time.Second
	// DefaultRetryMaxDelay 默认重试最大间隔
	DefaultRetryMaxDelay = 5 * time.Second

	// HeaderMeshRequest 标记请求来自服务网格
	HeaderMeshRequest = "X-Mesh-Request"
	// HeaderSourceService 发起调用的服务名
	HeaderSourceService = "X-Source-Service"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Selector 为调用选择目标实例，由服务发现实现
type Selector interface {
	GetLoadBalancedInstance(name string, strategy balancer.Strategy, clientAddr string) (*model.ServiceInstance, bool)
	Strategy() balancer.Strategy
}

// ConnectionTracker 实例连接数与调用结果统计，由注册中心实现
type ConnectionTracker interface {
	AcquireConnection(id string) bool
	ReleaseConnection(id string) bool
	RecordResponse(id string, responseTime float64, success bool) bool
}

// Options 服务网格选项
type Options struct {
	ServiceName      string
	DefaultTimeout   time.Duration
	FailureThreshold int
	BreakerTimeout   time.Duration
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	Tracker          ConnectionTracker
	Transport        http.RoundTripper
	Clock            clockwork.Clock
	Logger           config.Logger
	Metrics          metrics.Recorder
}

// Request 网格调用请求
type Request struct {
	ServiceName string            `json:"service_name"`
	Path        string            `json:"path"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	Body        interface{}       `json:"body"`
	Timeout     time.Duration     `json:"timeout"`
	Retries     int               `json:"retries"`
	ClientAddr  string            `json:"client_addr"`
}

// Response 网格调用响应
type Response struct {
	StatusCode   int         `json:"status_code"`
	Headers      http.Header `json:"headers"`
	Data         interface{} `json:"data"`
	ServiceID    string      `json:"service_id"`
	ResponseTime float64     `json:"response_time"`
	Attempts     int         `json:"attempts"`
}

// Mesh 服务网格
type Mesh struct {
	serviceName      string
	defaultTimeout   time.Duration
	failureThreshold int
	breakerTimeout   time.Duration
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	selector         Selector
	tracker          ConnectionTracker
	client           *http.Client
	clock            clockwork.Clock
	logger           config.Logger
	metrics          metrics.Recorder

	mutex    sync.RWMutex
	breakers map[string]*model.CircuitBreaker
	stats    map[string]*model.RequestStats
}

// New 创建服务网格
func New(selector Selector, opts Options) *Mesh {
	if opts.ServiceName == "" {
		opts.ServiceName = "kong-mesh"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = DefaultBreakerTimeout
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultRetryMaxDelay
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

	return &Mesh{
		serviceName:      opts.ServiceName,
		defaultTimeout:   opts.DefaultTimeout,
		failureThreshold: opts.FailureThreshold,
		breakerTimeout:   opts.BreakerTimeout,
		retryBaseDelay:   opts.RetryBaseDelay,
		retryMaxDelay:    opts.RetryMaxDelay,
		selector:         selector,
		tracker:          opts.Tracker,
		client:           &http.Client{Transport: opts.Transport},
		clock:            opts.Clock,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		breakers:         make(map[string]*model.CircuitBreaker),
		stats:            make(map[string]*model.RequestStats),
	}
}

// Backoff 计算第attempt次重试前的等待时间：min(base*2^(attempt-1), max)
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Request 调用目标服务，失败时按退避策略重试，最后一次失败原样返回
func (m *Mesh) Request(ctx context.Context, req *Request) (*Response, error) {
	if req.ServiceName == "" {
		return nil, model.NewInvalidArgumentError("service_name is required")
	}
	if req.Retries < 0 {
		return nil, model.NewInvalidArgumentError("retries must be >= 0")
	}

	var lastErr error
	for attempt := 0; attempt <= req.Retries; attempt++ {
		if attempt > 0 {
			delay := Backoff(attempt, m.retryBaseDelay, m.retryMaxDelay)
			m.logger.Info("请求失败，准备重试",
				zap.String("service_name", req.ServiceName),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-m.clock.After(delay):
			case <-ctx.Done():
				return nil, model.WrapError(model.ErrTimeout, ctx.Err(), "request cancelled while waiting to retry")
			}
		}

		resp, err := m.attempt(ctx, req)
		if err == nil {
			resp.Attempts = attempt + 1
			return resp, nil
		}
		lastErr = err
		if model.IsCode(err, model.ErrCircuitOpen) {
			break
		}
	}
	return nil, lastErr
}

// attempt 执行一次调用
func (m *Mesh) attempt(ctx context.Context, req *Request) (*Response, error) {
	name := req.ServiceName

	if !m.allow(name) {
		m.metrics.MeshRequest(name, model.ErrCircuitOpen.String(), 0)
		m.logger.Warn("熔断器打开，拒绝请求", zap.String("service_name", name))
		return nil, model.NewCircuitOpenError(name)
	}

	inst, ok := m.selector.GetLoadBalancedInstance(name, m.selector.Strategy(), req.ClientAddr)
	if !ok {
		m.metrics.MeshRequest(name, model.ErrUnavailable.String(), 0)
		return nil, model.NewUnavailableError("no healthy instances for service " + name)
	}

	if m.tracker != nil {
		m.tracker.AcquireConnection(inst.ID)
		defer m.tracker.ReleaseConnection(inst.ID)
	}

	start := time.Now()
	resp, err := m.execute(ctx, inst, req)
	elapsed := time.Since(start)
	responseTime := float64(elapsed) / float64(time.Millisecond)

	if m.tracker != nil {
		m.tracker.RecordResponse(inst.ID, responseTime, err == nil)
	}

	if err != nil {
		m.onFailure(name, responseTime)
		m.metrics.MeshRequest(name, model.CodeOf(err).String(), elapsed)
		m.logger.Error("服务调用失败",
			zap.String("service_name", name),
			zap.String("service_id", inst.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	m.onSuccess(name, responseTime)
	m.metrics.MeshRequest(name, "success", elapsed)
	m.logger.Debug("服务调用成功",
		zap.String("service_name", name),
		zap.String("service_id", inst.ID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", elapsed))

	resp.ServiceID = inst.ID
	resp.ResponseTime = responseTime
	return resp, nil
}

// execute 发送HTTP请求，非2xx响应视为传输失败
func (m *Mesh) execute(ctx context.Context, inst *model.ServiceInstance, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, model.WrapError(model.ErrInvalidArgument, err, "encode request body")
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, joinURL(instanceURL(inst), req.Path), body)
	if err != nil {
		return nil, model.WrapError(model.ErrInvalidArgument, err, "build request")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(HeaderMeshRequest, "true")
	httpReq.Header.Set(HeaderSourceService, m.serviceName)

	httpResp, err := m.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.WrapError(model.ErrTimeout, err, fmt.Sprintf("request to %s timed out after %s", req.ServiceName, timeout))
		}
		return nil, model.WrapError(model.ErrTransport, err, "request to "+req.ServiceName+" failed")
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, model.WrapError(model.ErrTimeout, err, "reading response from "+req.ServiceName+" timed out")
		}
		return nil, model.WrapError(model.ErrTransport, err, "read response from "+req.ServiceName)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, model.NewError(model.ErrTransport,
			fmt.Sprintf("%s returned status %d: %s", req.ServiceName, httpResp.StatusCode, truncate(string(raw), 256)))
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Header,
		Data:       decodeBody(httpResp.Header.Get("Content-Type"), raw),
	}, nil
}

// decodeBody JSON内容解码为结构化数据，其他内容按文本返回
func decodeBody(contentType string, raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	looksJSON := len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
	if strings.Contains(contentType, "json") || looksJSON {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func (m *Mesh) statsFor(name string) *model.RequestStats {
	s, ok := m.stats[name]
	if !ok {
		s = &model.RequestStats{}
		m.stats[name] = s
	}
	return s
}

// GetServiceStats 返回单个服务的调用统计
func (m *Mesh) GetServiceStats(name string) (model.ServiceRequestStats, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	s, ok := m.stats[name]
	if !ok {
		return model.ServiceRequestStats{}, false
	}
	return model.NewServiceRequestStats(name, s), true
}

// GetStats 返回服务网格整体统计
func (m *Mesh) GetStats() model.MeshStats {
	m.mutex.RLock()
	stats := model.MeshStats{Services: make([]model.ServiceRequestStats, 0, len(m.stats))}
	var sum float64
	var samples int
	for _, name := range sortedKeys(m.stats) {
		s := m.stats[name]
		stats.TotalRequests += s.TotalRequests
		stats.SuccessfulRequests += s.SuccessfulRequests
		stats.FailedRequests += s.FailedRequests
		for _, v := range s.ResponseTimes {
			sum += v
		}
		samples += len(s.ResponseTimes)
		stats.Services = append(stats.Services, model.NewServiceRequestStats(name, s))
	}
	m.mutex.RUnlock()

	if samples > 0 {
		stats.AverageResponseTime = sum / float64(samples)
	}
	stats.CircuitBreakers = m.GetCircuitBreakers()
	return stats
}

func instanceURL(inst *model.ServiceInstance) string {
	if inst.URL != "" {
		return inst.URL
	}
	return fmt.Sprintf("http://%s:%d", inst.Host, inst.Port)
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
