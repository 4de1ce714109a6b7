package gateway

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// RegisterProxy 在echo实例上注册兜底转发路由
func (g *Gateway) RegisterProxy(e *echo.Echo) {
	e.Any("/*", g.ServeProxy)
}

// ServeProxy 匹配路由并将请求转发到选中的实例
func (g *Gateway) ServeProxy(c echo.Context) error {
	req := c.Request()

	r, ok := g.FindRoute(req.URL.Path, req.Method, req.Header, req.URL.Query())
	if !ok {
		return echo.ErrNotFound
	}

	if !g.allowRequest(r.ID) {
		g.logger.Warn("路由触发限流", zap.String("route_id", r.ID), zap.String("path", req.URL.Path))
		return c.JSON(http.StatusTooManyRequests, &model.ApiResponse{
			Code:    http.StatusTooManyRequests,
			Message: "rate limit exceeded",
		})
	}

	target, err := g.Resolve(r, c.RealIP())
	if err != nil {
		status := model.HTTPStatus(err)
		g.metrics.ProxyRequest(r.ServiceID, status, 0)
		return c.JSON(status, &model.ApiResponse{
			Code:    status,
			Message: err.Error(),
		})
	}

	targetURL, err := url.Parse(target.URL)
	if err != nil || targetURL.Host == "" {
		g.logger.Error("目标地址无效", zap.String("service_id", target.ServiceID), zap.String("url", target.URL))
		g.RecordRequest(target.ServiceID, 0, false)
		return c.JSON(http.StatusBadGateway, &model.ApiResponse{
			Code:    http.StatusBadGateway,
			Message: "invalid upstream url: " + target.URL,
		})
	}

	if target.Source == SourceGateway {
		g.adjustConnections(target.ServiceID, 1)
		defer g.adjustConnections(target.ServiceID, -1)
	}

	var transportErr error
	status := http.StatusBadGateway
	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.Transport = g.transport
	proxy.ModifyResponse = func(resp *http.Response) error {
		status = resp.StatusCode
		return nil
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		transportErr = err
		w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":502,"message":"upstream unavailable"}`))
	}

	req.Header.Set("X-Gateway-Route", r.ID)
	start := time.Now()
	proxy.ServeHTTP(c.Response(), req)
	elapsed := time.Since(start)

	success := transportErr == nil && status < http.StatusInternalServerError
	g.RecordRequest(target.ServiceID, float64(elapsed)/float64(time.Millisecond), success)
	g.metrics.ProxyRequest(target.ServiceID, status, elapsed)

	if transportErr != nil {
		g.logger.Error("转发请求失败",
			zap.String("route_id", r.ID),
			zap.String("service_id", target.ServiceID),
			zap.String("url", target.URL),
			zap.Error(transportErr))
	} else {
		g.logger.Debug("转发请求完成",
			zap.String("route_id", r.ID),
			zap.String("service_id", target.ServiceID),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed))
	}
	return nil
}
