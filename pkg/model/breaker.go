package model

import "time"

// CircuitState 熔断器状态
type CircuitState string

const (
	// CircuitClosed 关闭，请求正常通过
	CircuitClosed CircuitState = "closed"
	// CircuitOpen 打开，请求直接失败
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen 半开，允许试探请求
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitBreaker 按服务名维护的熔断器快照
type CircuitBreaker struct {
	ServiceName     string        `json:"service_name"`
	FailureCount    int           `json:"failure_count"`
	LastFailureTime time.Time     `json:"last_failure_time"`
	State           CircuitState  `json:"state"`
	Threshold       int           `json:"threshold"`
	Timeout         time.Duration `json:"timeout"`
}

// MaxResponseTimeSamples 响应时间滑动窗口的最大样本数
const MaxResponseTimeSamples = 100

// RequestStats 请求统计
type RequestStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	ResponseTimes      []float64 `json:"response_times"`
}

// Record 记录一次请求，响应时间窗口超过上限时淘汰最早的样本
func (s *RequestStats) Record(responseTime float64, success bool) {
	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
	} else {
		s.FailedRequests++
	}
	s.ResponseTimes = append(s.ResponseTimes, responseTime)
	if over := len(s.ResponseTimes) - MaxResponseTimeSamples; over > 0 {
		s.ResponseTimes = append([]float64(nil), s.ResponseTimes[over:]...)
	}
}

// AverageResponseTime 返回窗口内的平均响应时间
func (s *RequestStats) AverageResponseTime() float64 {
	if len(s.ResponseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.ResponseTimes {
		sum += v
	}
	return sum / float64(len(s.ResponseTimes))
}

// ErrorRate 返回失败率
func (s *RequestStats) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.FailedRequests) / float64(s.TotalRequests)
}

// Clone 返回统计的拷贝
func (s *RequestStats) Clone() *RequestStats {
	c := *s
	c.ResponseTimes = append([]float64(nil), s.ResponseTimes...)
	return &c
}

// ServiceRequestStats 单个服务的统计视图
type ServiceRequestStats struct {
	ServiceName         string  `json:"service_name"`
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	AverageResponseTime float64 `json:"average_response_time"`
	ErrorRate           float64 `json:"error_rate"`
}

// NewServiceRequestStats 由原始统计生成视图
func NewServiceRequestStats(name string, s *RequestStats) ServiceRequestStats {
	return ServiceRequestStats{
		ServiceName:         name,
		TotalRequests:       s.TotalRequests,
		SuccessfulRequests:  s.SuccessfulRequests,
		FailedRequests:      s.FailedRequests,
		AverageResponseTime: s.AverageResponseTime(),
		ErrorRate:           s.ErrorRate(),
	}
}

// MeshStats 服务网格整体统计
type MeshStats struct {
	TotalRequests       int64                 `json:"total_requests"`
	SuccessfulRequests  int64                 `json:"successful_requests"`
	FailedRequests      int64                 `json:"failed_requests"`
	AverageResponseTime float64               `json:"average_response_time"`
	Services            []ServiceRequestStats `json:"services"`
	CircuitBreakers     []CircuitBreaker      `json:"circuit_breakers"`
}

// GatewayStats 网关整体统计
type GatewayStats struct {
	TotalRoutes         int                   `json:"total_routes"`
	ActiveRoutes        int                   `json:"active_routes"`
	TotalServices       int                   `json:"total_services"`
	HealthyServices     int                   `json:"healthy_services"`
	TotalRequests       int64                 `json:"total_requests"`
	TotalErrors         int64                 `json:"total_errors"`
	AverageResponseTime float64               `json:"average_response_time"`
	Services            []ServiceRequestStats `json:"services"`
}

// GatewayHealthState 网关整体健康状态
type GatewayHealthState string

const (
	GatewayHealthy   GatewayHealthState = "healthy"
	GatewayDegraded  GatewayHealthState = "degraded"
	GatewayUnhealthy GatewayHealthState = "unhealthy"
)

// GatewayHealth 网关健康状态报告
type GatewayHealth struct {
	Status          GatewayHealthState `json:"status"`
	TotalServices   int                `json:"total_services"`
	HealthyServices int                `json:"healthy_services"`
	ErrorRate       float64            `json:"error_rate"`
	Timestamp       time.Time          `json:"timestamp"`
}
