package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/kong-mesh/internal/gateway"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

func (h *Handler) listGatewayServices(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取网关服务成功", h.gateway.GetAllServices()))
}

func (h *Handler) addGatewayService(c echo.Context) error {
	req := new(model.GatewayServiceRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}
	svc := h.gateway.AddService(req.ToService())
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "网关服务添加成功", svc))
}

func (h *Handler) removeGatewayService(c echo.Context) error {
	id := c.Param("serviceId")
	if !h.gateway.RemoveService(id) {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "网关服务不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "网关服务删除成功", nil))
}

func (h *Handler) listRoutes(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取路由成功", h.gateway.GetAllRoutes()))
}

func (h *Handler) getRoute(c echo.Context) error {
	id := c.Param("routeId")
	r, ok := h.gateway.GetRoute(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "路由不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取路由成功", r))
}

func (h *Handler) addRoute(c echo.Context) error {
	req := new(model.RouteRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}
	r, err := h.gateway.AddRoute(c.Request().Context(), req.ToRoute())
	if err != nil {
		return dispatchError(c, err)
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "路由添加成功", r))
}

func (h *Handler) updateRoute(c echo.Context) error {
	req := new(model.RouteRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}
	r, err := h.gateway.UpdateRoute(c.Request().Context(), c.Param("routeId"), req.ToRoute())
	if err != nil {
		return dispatchError(c, err)
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "路由更新成功", r))
}

func (h *Handler) removeRoute(c echo.Context) error {
	id := c.Param("routeId")
	ok, err := h.gateway.RemoveRoute(c.Request().Context(), id)
	if err != nil {
		return dispatchError(c, err)
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "路由不存在: "+id))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "路由删除成功", nil))
}

func (h *Handler) gatewayStats(c echo.Context) error {
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "获取网关统计成功", h.gateway.GetStats()))
}

// gatewayHealth 网关不健康时返回503，便于负载均衡器摘除
func (h *Handler) gatewayHealth(c echo.Context) error {
	health := h.gateway.HealthStatus()
	status := http.StatusOK
	if health.Status == model.GatewayUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, successResponse(status, string(health.Status), health))
}

// testRoute 只做匹配与目标解析，不转发
func (h *Handler) testRoute(c echo.Context) error {
	req := new(model.TestRouteRequest)
	if err := bindAndValidate(c, req); err != nil {
		return badRequest(c, err)
	}
	result := h.gateway.TestRoute(req.Path, req.Method, gateway.HeaderFromMap(req.Headers), gateway.QueryFromMap(req.Query))
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "路由测试完成", result))
}
