package model

import "time"

// HealthStatus 表示服务健康状态
type HealthStatus string

const (
	// HealthStatusHealthy 健康状态
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusUnhealthy 不健康状态
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 未知状态
	HealthStatusUnknown HealthStatus = "unknown"
)

// Valid 判断健康状态取值是否合法
func (h HealthStatus) Valid() bool {
	switch h {
	case HealthStatusHealthy, HealthStatusUnhealthy, HealthStatusUnknown:
		return true
	}
	return false
}

// ServiceStatus 表示服务实例的上线状态
type ServiceStatus string

const (
	// ServiceStatusOnline 在线
	ServiceStatusOnline ServiceStatus = "online"
	// ServiceStatusOffline 离线
	ServiceStatusOffline ServiceStatus = "offline"
	// ServiceStatusDraining 摘流中，不再接收新请求
	ServiceStatusDraining ServiceStatus = "draining"
)

// Valid 判断上线状态取值是否合法
func (s ServiceStatus) Valid() bool {
	switch s {
	case ServiceStatusOnline, ServiceStatusOffline, ServiceStatusDraining:
		return true
	}
	return false
}

// Endpoint 描述服务暴露的一个接口
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	Deprecated  bool   `json:"deprecated"`
}

// ServiceMetadata 服务实例的部署与负载信息
type ServiceMetadata struct {
	Environment  string     `json:"environment"`
	Region       string     `json:"region"`
	Zone         string     `json:"zone"`
	Tags         []string   `json:"tags"`
	Capabilities []string   `json:"capabilities"`
	Load         float64    `json:"load"`
	Memory       float64    `json:"memory"`
	CPU          float64    `json:"cpu"`
	Endpoints    []Endpoint `json:"endpoints"`
}

// ServiceInstance 表示一个正在运行的服务实例
type ServiceInstance struct {
	ID                 string          `json:"id"`                  // 实例唯一ID，注册后不可变
	Name               string          `json:"name"`                // 服务名称，多个实例可共享
	Version            string          `json:"version"`             // 服务版本
	Host               string          `json:"host"`                // 主机地址
	Port               int             `json:"port"`                // 端口
	URL                string          `json:"url"`                 // 访问地址
	Health             HealthStatus    `json:"health"`              // 健康状态
	Status             ServiceStatus   `json:"status"`              // 上线状态
	Metadata           ServiceMetadata `json:"metadata"`            // 元数据
	CurrentConnections int64           `json:"current_connections"` // 当前连接数
	ResponseTime       float64         `json:"response_time"`       // 最近一次响应时间(毫秒)
	ErrorRate          float64         `json:"error_rate"`          // 错误率，取值[0,1]
	LastHeartbeat      time.Time       `json:"last_heartbeat"`      // 最后心跳时间
	CreatedAt          time.Time       `json:"created_at"`          // 注册时间
	UpdatedAt          time.Time       `json:"updated_at"`          // 更新时间
}

// Clone 返回实例的深拷贝，读取方拿到的副本不会影响注册中心内的数据
func (s *ServiceInstance) Clone() *ServiceInstance {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	c.Metadata.Capabilities = append([]string(nil), s.Metadata.Capabilities...)
	c.Metadata.Endpoints = append([]Endpoint(nil), s.Metadata.Endpoints...)
	return &c
}

// SetErrorRate 设置错误率并限制在[0,1]范围内
func (s *ServiceInstance) SetErrorRate(rate float64) {
	s.ErrorRate = ClampRate(rate)
}

// ClampRate 将比率限制在[0,1]范围内
func ClampRate(rate float64) float64 {
	if rate < 0 {
		return 0
	}
	if rate > 1 {
		return 1
	}
	return rate
}

// ServiceRegistrationRequest 表示服务注册请求
type ServiceRegistrationRequest struct {
	Name     string          `json:"name" validate:"required"`
	Version  string          `json:"version"`
	Host     string          `json:"host" validate:"required"`
	Port     int             `json:"port" validate:"required,min=1,max=65535"`
	URL      string          `json:"url" validate:"omitempty,url"`
	Health   HealthStatus    `json:"health" validate:"omitempty,oneof=healthy unhealthy unknown"`
	Status   ServiceStatus   `json:"status" validate:"omitempty,oneof=online offline draining"`
	Metadata ServiceMetadata `json:"metadata"`
}

// ToInstance 将注册请求转换为服务实例
func (r *ServiceRegistrationRequest) ToInstance() *ServiceInstance {
	return &ServiceInstance{
		Name:     r.Name,
		Version:  r.Version,
		Host:     r.Host,
		Port:     r.Port,
		URL:      r.URL,
		Health:   r.Health,
		Status:   r.Status,
		Metadata: r.Metadata,
	}
}

// ServiceRegistrationResponse 表示服务注册响应
type ServiceRegistrationResponse struct {
	ServiceID    string    `json:"service_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ServiceHeartbeatResponse 表示服务心跳响应
type ServiceHeartbeatResponse struct {
	ServiceID     string    `json:"service_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// RegistryStats 注册中心统计
type RegistryStats struct {
	TotalServices   int `json:"total_services"`
	HealthyServices int `json:"healthy_services"`
	OnlineServices  int `json:"online_services"`
}
