package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/discovery"
	"github.com/hewenyu/kong-mesh/internal/mesh"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// HealthUpdateRequest 更新实例健康状态的请求
type HealthUpdateRequest struct {
	Health model.HealthStatus `json:"health" validate:"required,oneof=healthy unhealthy unknown"`
}

// StatusUpdateRequest 更新实例上线状态的请求
type StatusUpdateRequest struct {
	Status model.ServiceStatus `json:"status" validate:"required,oneof=online offline draining"`
}

// MeshRequest 通过服务网格调用其他服务的请求
type MeshRequest struct {
	ServiceName string            `json:"service_name" validate:"required"`
	Path        string            `json:"path"`
	Method      string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD OPTIONS get post put patch delete head options"`
	Headers     map[string]string `json:"headers"`
	Body        interface{}       `json:"body"`
	Timeout     int               `json:"timeout" validate:"min=0"` // 毫秒，0表示使用默认超时
	Retries     int               `json:"retries" validate:"min=0,max=10"`
}

// StatsResponse 注册中心与服务网格的统计
type StatsResponse struct {
	Registry model.RegistryStats `json:"registry"`
	Mesh     model.MeshStats     `json:"mesh"`
}

// registerService 处理服务注册请求
func (h *Handler) registerService(c echo.Context) error {
	req := new(model.ServiceRegistrationRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}

	id := h.registry.Register(req.ToInstance())
	inst, _ := h.registry.Get(id)

	resp := &model.ServiceRegistrationResponse{ServiceID: id}
	if inst != nil {
		resp.RegisteredAt = inst.CreatedAt
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "服务注册成功", resp))
}

// deregisterService 处理服务注销请求
func (h *Handler) deregisterService(c echo.Context) error {
	id := c.Param("serviceId")
	if !h.registry.Deregister(id) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务注销成功", nil))
}

// heartbeat 处理服务心跳请求
func (h *Handler) heartbeat(c echo.Context) error {
	id := c.Param("serviceId")
	if !h.registry.Heartbeat(id) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在: "+id))
	}

	resp := &model.ServiceHeartbeatResponse{ServiceID: id}
	if inst, ok := h.registry.Get(id); ok {
		resp.LastHeartbeat = inst.LastHeartbeat
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳更新成功", resp))
}

func (h *Handler) updateHealth(c echo.Context) error {
	req := new(HealthUpdateRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}
	id := c.Param("serviceId")
	if !h.registry.UpdateHealth(id, req.Health) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "健康状态更新成功", nil))
}

func (h *Handler) updateStatus(c echo.Context) error {
	req := new(StatusUpdateRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}
	id := c.Param("serviceId")
	if !h.registry.UpdateStatus(id, req.Status) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务状态更新成功", nil))
}

// listServices 按查询参数过滤全部实例
func (h *Handler) listServices(c echo.Context) error {
	filters := filtersFromQuery(c)
	services := h.discovery.Discover(c.QueryParam("name"), filters)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取服务列表成功", services))
}

func (h *Handler) getService(c echo.Context) error {
	id := c.Param("serviceId")
	inst, ok := h.registry.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取服务成功", inst))
}

// discover 按服务名发现实例
func (h *Handler) discover(c echo.Context) error {
	instances := h.discovery.Discover(c.Param("serviceName"), filtersFromQuery(c))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "服务发现成功", instances))
}

// selectInstance 按负载均衡策略选择一个实例
func (h *Handler) selectInstance(c echo.Context) error {
	name := c.Param("serviceName")

	strategy := h.discovery.Strategy()
	if s := c.QueryParam("strategy"); s != "" {
		parsed, err := balancer.ParseStrategy(s)
		if err != nil {
			return badRequest(c, err)
		}
		strategy = parsed
	}

	inst, ok := h.discovery.GetLoadBalancedInstance(name, strategy, c.RealIP())
	if !ok {
		return c.JSON(http.StatusServiceUnavailable,
			errorResponse(http.StatusServiceUnavailable, "no healthy instances for service "+name))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "选择实例成功", inst))
}

// meshRequest 通过服务网格转发调用
func (h *Handler) meshRequest(c echo.Context) error {
	req := new(MeshRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}

	resp, err := h.mesh.Request(c.Request().Context(), &mesh.Request{
		ServiceName: req.ServiceName,
		Path:        req.Path,
		Method:      strings.ToUpper(req.Method),
		Headers:     req.Headers,
		Body:        req.Body,
		Timeout:     time.Duration(req.Timeout) * time.Millisecond,
		Retries:     req.Retries,
		ClientAddr:  c.RealIP(),
	})
	if err != nil {
		h.logger.Warn("服务网格调用失败",
			zap.String("service_name", req.ServiceName),
			zap.String("code", model.CodeOf(err).String()),
			zap.Error(err))
		return dispatchError(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "调用成功", resp))
}

func (h *Handler) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取统计成功", &StatsResponse{
		Registry: h.registry.Stats(),
		Mesh:     h.mesh.GetStats(),
	}))
}

func (h *Handler) listCircuitBreakers(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取熔断器成功", h.mesh.GetCircuitBreakers()))
}

func (h *Handler) getCircuitBreaker(c echo.Context) error {
	name := c.Param("serviceName")
	cb, ok := h.mesh.GetCircuitBreaker(name)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "熔断器不存在: "+name))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取熔断器成功", cb))
}

func (h *Handler) resetCircuitBreaker(c echo.Context) error {
	name := c.Param("serviceName")
	if !h.mesh.ResetCircuitBreaker(name) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "熔断器不存在: "+name))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "熔断器已重置", nil))
}

// filtersFromQuery 从查询参数构造过滤条件，tags与capabilities以逗号分隔
func filtersFromQuery(c echo.Context) *discovery.Filters {
	return &discovery.Filters{
		Version:      c.QueryParam("version"),
		Environment:  c.QueryParam("environment"),
		Region:       c.QueryParam("region"),
		Zone:         c.QueryParam("zone"),
		Health:       model.HealthStatus(c.QueryParam("health")),
		Status:       model.ServiceStatus(c.QueryParam("status")),
		Tags:         splitList(c.QueryParam("tags")),
		Capabilities: splitList(c.QueryParam("capabilities")),
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
