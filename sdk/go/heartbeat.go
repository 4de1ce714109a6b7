package sdk

import (
	"context"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// SendHeartbeat 发送心跳
func (c *Client) SendHeartbeat(ctx context.Context) error {
	// 判断是否已注册
	id, ok := c.registration()
	if !ok {
		return errors.New("服务尚未注册")
	}

	// 发送心跳请求
	_, err := c.doRequest(ctx, http.MethodPost, "/v1/microservices/heartbeat/"+url.PathEscape(id), nil)
	if err != nil {
		return errors.Wrap(err, "发送心跳失败")
	}
	return nil
}

// StartHeartbeat 开始心跳任务，已有任务会先停止
func (c *Client) StartHeartbeat() {
	// 停止已有心跳任务
	c.StopHeartbeat()

	// 创建新的停止通道
	c.mutex.Lock()
	stop := make(chan struct{})
	c.stopChan = stop
	c.mutex.Unlock()

	// 启动心跳协程
	ticker := c.clock.NewTicker(c.config.HeartbeatInterval)
	c.heartbeatWg.Add(1)
	go func() {
		defer c.heartbeatWg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.Chan():
				// 创建超时上下文
				ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)

				// 发送心跳
				if err := c.SendHeartbeat(ctx); err != nil {
					c.config.Logf("心跳发送失败: %v, 将在下一个周期重试", err)
				}

				cancel() // 取消上下文
			case <-stop:
				return
			}
		}
	}()
}

// StopHeartbeat 停止心跳任务并等待其退出，可重复调用
func (c *Client) StopHeartbeat() {
	c.mutex.Lock()
	stop := c.stopChan
	c.stopChan = nil
	c.mutex.Unlock()

	if stop != nil {
		close(stop)
	}
	c.heartbeatWg.Wait()
}

// Close 停止心跳并注销服务
func (c *Client) Close(ctx context.Context) error {
	// 停止心跳任务
	c.StopHeartbeat()

	// 如果已注册，注销服务
	if c.IsRegistered() {
		if err := c.Deregister(ctx); err != nil {
			return errors.Wrap(err, "注销服务失败")
		}
	}
	return nil
}
