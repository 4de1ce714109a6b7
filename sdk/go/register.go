package sdk

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// RegisterResponse 注册响应数据
type RegisterResponse = model.ServiceRegistrationResponse

// Register 注册服务
func (c *Client) Register(ctx context.Context) error {
	// 判断是否已注册
	c.mutex.Lock()
	if c.isRegistered {
		id := c.serviceID
		c.mutex.Unlock()
		return errors.Errorf("服务已注册，服务ID: %s", id)
	}
	c.mutex.Unlock()

	// 构建注册请求
	req := model.ServiceRegistrationRequest{
		Name:    c.config.ServiceName,
		Version: c.config.Version,
		Host:    c.config.ServiceIP,
		Port:    c.config.ServicePort,
		URL:     c.config.ServiceURL,
		Metadata: model.ServiceMetadata{
			Environment:  c.config.Environment,
			Region:       c.config.Region,
			Zone:         c.config.Zone,
			Tags:         c.config.Tags,
			Capabilities: c.config.Capabilities,
		},
	}

	// 发送注册请求
	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/microservices/register", req)
	if err != nil {
		return errors.Wrap(err, "服务注册失败")
	}

	// 解析响应
	var registerResp RegisterResponse
	if err := json.Unmarshal(resp.Data, &registerResp); err != nil {
		return errors.Wrap(err, "解析注册响应失败")
	}
	if registerResp.ServiceID == "" {
		return errors.New("注册响应缺少服务ID")
	}

	// 保存服务ID
	c.mutex.Lock()
	c.serviceID = registerResp.ServiceID
	c.isRegistered = true
	c.mutex.Unlock()
	return nil
}

// Deregister 注销服务，注册中心已不存在该实例时同样视为成功
func (c *Client) Deregister(ctx context.Context) error {
	id, ok := c.registration()
	if !ok {
		return errors.New("服务尚未注册")
	}

	_, err := c.doRequest(ctx, http.MethodDelete, "/v1/microservices/deregister/"+url.PathEscape(id), nil)
	if err != nil && !IsNotFound(err) {
		return errors.Wrap(err, "服务注销失败")
	}

	c.mutex.Lock()
	c.isRegistered = false
	c.serviceID = ""
	c.mutex.Unlock()
	return nil
}

// Discover 查询指定服务的实例，tags为空时不按标签过滤
func (c *Client) Discover(ctx context.Context, serviceName string, tags ...string) ([]*model.ServiceInstance, error) {
	path := "/v1/microservices/discover/" + url.PathEscape(serviceName)
	if len(tags) > 0 {
		path += "?tags=" + url.QueryEscape(strings.Join(tags, ","))
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "服务发现失败: %s", serviceName)
	}

	var instances []*model.ServiceInstance
	if err := json.Unmarshal(resp.Data, &instances); err != nil {
		return nil, errors.Wrap(err, "解析服务发现响应失败")
	}
	return instances, nil
}

// GetServiceID 获取服务ID
func (c *Client) GetServiceID() string {
	id, _ := c.registration()
	return id
}

// IsRegistered 检查服务是否已注册
func (c *Client) IsRegistered() bool {
	_, ok := c.registration()
	return ok
}

func (c *Client) registration() (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.serviceID, c.isRegistered
}
