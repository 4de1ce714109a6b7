// Package sdk 是服务实例接入注册中心的客户端
package sdk

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config SDK客户端配置
type Config struct {
	// 管理API地址，例如 localhost:8080
	ServerAddr string `json:"server_addr"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 服务版本
	Version string `json:"version"`
	// 服务IP地址
	ServiceIP string `json:"service_ip"`
	// 服务端口
	ServicePort int `json:"service_port"`
	// 服务访问地址，为空时由注册中心按 host:port 拼接
	ServiceURL string `json:"service_url"`
	// 部署信息
	Environment string `json:"environment"`
	Region      string `json:"region"`
	Zone        string `json:"zone"`
	// 标签列表
	Tags []string `json:"tags"`
	// 能力列表
	Capabilities []string `json:"capabilities"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 网络错误时的重试次数
	RetryCount int `json:"retry_count"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
	// API Token（认证使用）
	ApiToken string `json:"api_token"`

	// Clock 心跳与重试使用的时钟，默认使用真实时钟
	Clock clockwork.Clock `json:"-"`
	// Logf 心跳失败时的日志输出，默认不输出
	Logf func(format string, args ...interface{}) `json:"-"`
}

// Client SDK客户端
type Client struct {
	config     *Config
	httpClient *http.Client
	clock      clockwork.Clock

	mutex        sync.Mutex
	serviceID    string
	isRegistered bool
	stopChan     chan struct{}
	heartbeatWg  sync.WaitGroup
}

// Response API响应结构
type Response struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Data    jsoniter.RawMessage `json:"data,omitempty"`
}

// APIError 管理API返回的非2xx响应
type APIError struct {
	StatusCode int
	Message    string
}

// Error 实现error接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API请求失败: %s (状态码: %d)", e.Message, e.StatusCode)
}

// IsNotFound 判断错误是否为资源不存在
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	if config.ServerAddr == "" {
		return nil, errors.New("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, errors.New("服务名称不能为空")
	}
	if config.ServiceIP == "" {
		return nil, errors.New("服务IP不能为空")
	}
	if config.ServicePort <= 0 || config.ServicePort > 65535 {
		return nil, errors.New("服务端口必须在1-65535之间")
	}

	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.RetryCount < 0 {
		config.RetryCount = 0
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Logf == nil {
		config.Logf = func(string, ...interface{}) {}
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		clock:      config.Clock,
	}, nil
}

// 构建API地址
func (c *Client) buildURL(path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, c.config.ServerAddr, path)
}

// doRequest 发送请求，仅网络错误会按RetryCount重试
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, errors.Wrap(err, "序列化请求体失败")
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-c.clock.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "等待重试时请求被取消")
			}
		}

		resp, retryable, err := c.send(ctx, method, path, payload)
		if err == nil || !retryable {
			return resp, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*Response, bool, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), bodyReader)
	if err != nil {
		return nil, false, errors.Wrap(err, "创建HTTP请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.ApiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.ApiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, errors.Wrap(err, "发送HTTP请求失败")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errors.Wrap(err, "读取响应体失败")
	}

	var apiResp Response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, false, errors.Wrapf(err, "解析响应失败, 响应内容: %s", string(respBody))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiResp, false, &APIError{StatusCode: resp.StatusCode, Message: apiResp.Message}
	}
	return &apiResp, false, nil
}
