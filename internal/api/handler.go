package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/discovery"
	"github.com/hewenyu/kong-mesh/internal/gateway"
	"github.com/hewenyu/kong-mesh/internal/mesh"
	"github.com/hewenyu/kong-mesh/internal/registry"
)

// Handler 管理API处理器
type Handler struct {
	registry  *registry.Registry
	discovery *discovery.Discovery
	mesh      *mesh.Mesh
	gateway   *gateway.Gateway
	metrics   http.Handler
	logger    config.Logger
}

// Options 管理API依赖
type Options struct {
	Registry  *registry.Registry
	Discovery *discovery.Discovery
	Mesh      *mesh.Mesh
	Gateway   *gateway.Gateway
	Metrics   http.Handler // Prometheus exposition，为空时不注册 /metrics
	Logger    config.Logger
}

// NewHandler 创建管理API处理器
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	return &Handler{
		registry:  opts.Registry,
		discovery: opts.Discovery,
		mesh:      opts.Mesh,
		gateway:   opts.Gateway,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// RegisterRoutes 注册API路由
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.health)
	if h.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(h.metrics))
	}

	ms := e.Group("/v1/microservices")
	ms.POST("/register", h.registerService)
	ms.DELETE("/deregister/:serviceId", h.deregisterService)
	ms.POST("/heartbeat/:serviceId", h.heartbeat)
	ms.PUT("/health/:serviceId", h.updateHealth)
	ms.PUT("/status/:serviceId", h.updateStatus)
	ms.GET("/services", h.listServices)
	ms.GET("/services/:serviceId", h.getService)
	ms.GET("/discover/:serviceName", h.discover)
	ms.GET("/select/:serviceName", h.selectInstance)
	ms.POST("/request", h.meshRequest)
	ms.GET("/stats", h.stats)
	ms.GET("/circuit-breakers", h.listCircuitBreakers)
	ms.GET("/circuit-breakers/:serviceName", h.getCircuitBreaker)
	ms.POST("/circuit-breaker/reset/:serviceName", h.resetCircuitBreaker)

	gw := e.Group("/v1/gateway")
	gw.GET("/services", h.listGatewayServices)
	gw.POST("/services", h.addGatewayService)
	gw.DELETE("/services/:serviceId", h.removeGatewayService)
	gw.GET("/routes", h.listRoutes)
	gw.POST("/routes", h.addRoute)
	gw.GET("/routes/:routeId", h.getRoute)
	gw.PUT("/routes/:routeId", h.updateRoute)
	gw.DELETE("/routes/:routeId", h.removeRoute)
	gw.GET("/stats", h.gatewayStats)
	gw.GET("/health", h.gatewayHealth)
	gw.POST("/test-route", h.testRoute)
}

// health 管理服务自身的健康检查
func (h *Handler) health(c echo.Context) error {
	stats := h.registry.Stats()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"timestamp":        time.Now().Format(time.RFC3339),
		"service":          "kong-mesh-management-api",
		"total_services":   stats.TotalServices,
		"healthy_services": stats.HealthyServices,
	})
}
