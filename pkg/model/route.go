package model

import "time"

// ConditionType 路由条件的取值来源
type ConditionType string

const (
	ConditionTypeHeader ConditionType = "header"
	ConditionTypeQuery  ConditionType = "query"
)

// ConditionOperator 路由条件的比较方式
type ConditionOperator string

const (
	OperatorEquals     ConditionOperator = "equals"
	OperatorContains   ConditionOperator = "contains"
	OperatorStartsWith ConditionOperator = "starts_with"
	OperatorEndsWith   ConditionOperator = "ends_with"
	OperatorRegex      ConditionOperator = "regex"
)

// RouteCondition 路由匹配的附加条件
type RouteCondition struct {
	Type     ConditionType     `json:"type" validate:"required,oneof=header query"`
	Field    string            `json:"field" validate:"required"`
	Operator ConditionOperator `json:"operator" validate:"required,oneof=equals contains starts_with ends_with regex"`
	Value    string            `json:"value"`
}

// RateLimitConfig 路由级别的令牌桶限流配置
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" validate:"gt=0"`
	Burst             int     `json:"burst" validate:"min=1"`
}

// Route 表示一条网关路由规则
type Route struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Path       string           `json:"path"`       // 可包含 :param 段
	Method     string           `json:"method"`     // HTTP方法
	ServiceID  string           `json:"service_id"` // 逻辑目标，在转发时解析为具体实例
	Priority   int              `json:"priority"`   // 优先级，越大越优先
	Conditions []RouteCondition `json:"conditions,omitempty"`
	RateLimit  *RateLimitConfig `json:"rate_limit,omitempty"`
	IsActive   bool             `json:"is_active"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`

	// Seq 注册顺序，优先级相同时先注册者胜出
	Seq uint64 `json:"seq"`
}

// Clone 返回路由的拷贝
func (r *Route) Clone() *Route {
	if r == nil {
		return nil
	}
	c := *r
	c.Conditions = append([]RouteCondition(nil), r.Conditions...)
	if r.RateLimit != nil {
		rl := *r.RateLimit
		c.RateLimit = &rl
	}
	return &c
}

// RouteRequest 创建或更新路由的请求
type RouteRequest struct {
	Name       string           `json:"name"`
	Path       string           `json:"path" validate:"required,startswith=/"`
	Method     string           `json:"method" validate:"required"`
	ServiceID  string           `json:"service_id" validate:"required"`
	Priority   int              `json:"priority"`
	Conditions []RouteCondition `json:"conditions" validate:"dive"`
	RateLimit  *RateLimitConfig `json:"rate_limit" validate:"omitempty"`
	IsActive   *bool            `json:"is_active"`
}

// ToRoute 将请求转换为路由，未指定 is_active 时默认启用
func (r *RouteRequest) ToRoute() *Route {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &Route{
		Name:       r.Name,
		Path:       r.Path,
		Method:     r.Method,
		ServiceID:  r.ServiceID,
		Priority:   r.Priority,
		Conditions: r.Conditions,
		RateLimit:  r.RateLimit,
		IsActive:   active,
	}
}

// GatewayService 表示注册到网关的后端服务，由网关主动健康检查
type GatewayService struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	URL                string            `json:"url"`
	Weight             int               `json:"weight"`
	Health             HealthStatus      `json:"health"`
	IsActive           bool              `json:"is_active"`
	CurrentConnections int64             `json:"current_connections"`
	ResponseTime       float64           `json:"response_time"`
	ErrorRate          float64           `json:"error_rate"`
	LastHealthCheck    time.Time         `json:"last_health_check"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Clone 返回后端服务的拷贝
func (s *GatewayService) Clone() *GatewayService {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// GatewayServiceRequest 添加网关后端服务的请求
type GatewayServiceRequest struct {
	Name     string            `json:"name" validate:"required"`
	URL      string            `json:"url" validate:"required,url"`
	Weight   int               `json:"weight" validate:"min=0"`
	Health   HealthStatus      `json:"health" validate:"omitempty,oneof=healthy unhealthy unknown"`
	IsActive *bool             `json:"is_active"`
	Metadata map[string]string `json:"metadata"`
}

// ToService 将请求转换为后端服务
func (r *GatewayServiceRequest) ToService() *GatewayService {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return &GatewayService{
		Name:     r.Name,
		URL:      r.URL,
		Weight:   r.Weight,
		Health:   r.Health,
		IsActive: active,
		Metadata: r.Metadata,
	}
}

// TestRouteRequest 路由测试请求
type TestRouteRequest struct {
	Path    string            `json:"path" validate:"required"`
	Method  string            `json:"method" validate:"required"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
}
