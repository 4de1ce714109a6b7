package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

const namespace = "kong_mesh"

// PrometheusRecorder 基于Prometheus的指标实现
type PrometheusRecorder struct {
	registry *prometheus.Registry

	routeMatches     *prometheus.CounterVec
	selections       *prometheus.CounterVec
	breakerChanges   *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	probes           *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	meshRequests     *prometheus.CounterVec
	meshDuration     *prometheus.HistogramVec
	proxyRequests    *prometheus.CounterVec
	proxyDuration    *prometheus.HistogramVec
	registryServices *prometheus.GaugeVec
}

// NewPrometheus 创建Prometheus指标记录器，指标注册到独立的Registry上
func NewPrometheus() *PrometheusRecorder {
	r := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		routeMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "route_matches_total",
			Help:      "网关路由匹配次数",
		}, []string{"route", "matched"}),
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_selections_total",
			Help:      "实例选择次数",
		}, []string{"component", "service", "strategy", "found"}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "breaker_transitions_total",
			Help:      "熔断器状态变化次数",
		}, []string{"service", "from", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "breaker_open",
			Help:      "熔断器是否处于打开状态",
		}, []string{"service"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "health_probes_total",
			Help:      "健康检查次数",
		}, []string{"service", "healthy"}),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "health_probe_duration_seconds",
			Help:      "健康检查耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		meshRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "requests_total",
			Help:      "网格请求次数",
		}, []string{"service", "outcome"}),
		meshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "request_duration_seconds",
			Help:      "网格请求耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "proxy_requests_total",
			Help:      "网关代理请求次数",
		}, []string{"service", "code"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "proxy_duration_seconds",
			Help:      "网关代理耗时",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		registryServices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "services",
			Help:      "注册中心实例数量",
		}, []string{"health"}),
	}

	r.registry.MustRegister(
		r.routeMatches,
		r.selections,
		r.breakerChanges,
		r.breakerState,
		r.probes,
		r.probeDuration,
		r.meshRequests,
		r.meshDuration,
		r.proxyRequests,
		r.proxyDuration,
		r.registryServices,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Handler 返回 /metrics 的HTTP处理器
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer 返回底层的指标收集器
func (r *PrometheusRecorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RouteMatched 记录路由匹配
func (r *PrometheusRecorder) RouteMatched(routeID string, matched bool) {
	r.routeMatches.WithLabelValues(routeID, strconv.FormatBool(matched)).Inc()
}

// InstanceSelected 记录实例选择
func (r *PrometheusRecorder) InstanceSelected(component, service, strategy string, found bool) {
	r.selections.WithLabelValues(component, service, strategy, strconv.FormatBool(found)).Inc()
}

// BreakerTransition 记录熔断器状态变化
func (r *PrometheusRecorder) BreakerTransition(service string, from, to model.CircuitState) {
	r.breakerChanges.WithLabelValues(service, string(from), string(to)).Inc()
	open := 0.0
	if to == model.CircuitOpen {
		open = 1
	}
	r.breakerState.WithLabelValues(service).Set(open)
}

// ProbeResult 记录健康检查结果
func (r *PrometheusRecorder) ProbeResult(serviceID string, healthy bool, elapsed time.Duration) {
	r.probes.WithLabelValues(serviceID, strconv.FormatBool(healthy)).Inc()
	r.probeDuration.WithLabelValues(serviceID).Observe(elapsed.Seconds())
}

// MeshRequest 记录网格请求
func (r *PrometheusRecorder) MeshRequest(service, outcome string, elapsed time.Duration) {
	r.meshRequests.WithLabelValues(service, outcome).Inc()
	r.meshDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// ProxyRequest 记录网关代理请求
func (r *PrometheusRecorder) ProxyRequest(serviceID string, status int, elapsed time.Duration) {
	r.proxyRequests.WithLabelValues(serviceID, strconv.Itoa(status)).Inc()
	r.proxyDuration.WithLabelValues(serviceID).Observe(elapsed.Seconds())
}

// RegistrySize 记录注册中心规模
func (r *PrometheusRecorder) RegistrySize(total, healthy int) {
	r.registryServices.WithLabelValues("all").Set(float64(total))
	r.registryServices.WithLabelValues("healthy").Set(float64(healthy))
}
