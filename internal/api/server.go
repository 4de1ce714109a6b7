// Package api 提供管理API与网关代理的HTTP服务
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// RequestValidator 将validator注册为echo的校验器
type RequestValidator struct {
	validate *validator.Validate
}

// NewRequestValidator 创建请求校验器
func NewRequestValidator() *RequestValidator {
	return &RequestValidator{validate: validator.New()}
}

// Validate 校验请求结构
func (v *RequestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// NewEcho 创建带通用中间件的echo实例
func NewEcho(logger config.Logger) *echo.Echo {
	if logger == nil {
		logger = config.NewNopLogger()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewRequestValidator()

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("HTTP请求失败", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Debug("HTTP请求", fields...)
			return nil
		},
	}))
	return e
}

// Server 封装一个非阻塞启动的echo服务
type Server struct {
	e      *echo.Echo
	name   string
	addr   string
	logger config.Logger
}

// NewServer 创建服务
func NewServer(name, addr string, e *echo.Echo, logger config.Logger) *Server {
	return &Server{e: e, name: name, addr: addr, logger: logger}
}

// Echo 返回底层echo实例
func (s *Server) Echo() *echo.Echo {
	return s.e
}

// Start 以非阻塞方式启动服务
func (s *Server) Start() error {
	s.logger.Info("启动HTTP服务", zap.String("name", s.name), zap.String("address", s.addr))

	go func() {
		if err := s.e.Start(s.addr); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP服务异常退出", zap.String("name", s.name), zap.Error(err))
		}
	}()
	return nil
}

// Shutdown 优雅关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("正在关闭HTTP服务", zap.String("name", s.name))
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.e.Shutdown(ctx)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{Code: code, Message: message, Data: data}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{Code: code, Message: message}
}

// bindAndValidate 解析并校验请求体
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return errors.Wrap(err, "无效的请求参数")
	}
	if err := c.Validate(req); err != nil {
		return errors.Wrap(err, "参数校验失败")
	}
	return nil
}

// badRequest 返回400响应
func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, err.Error()))
}

// dispatchError 按错误代码返回对应的HTTP状态
func dispatchError(c echo.Context, err error) error {
	status := model.HTTPStatus(err)
	return c.JSON(status, errorResponse(status, err.Error()))
}
