// Package etcd 封装网关持久化使用的etcd键值操作
package etcd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Config etcd连接配置
type Config struct {
	Endpoints      []string
	Username       string
	Password       string
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

// EventType 键变化类型
type EventType int

const (
	// EventPut 键被写入
	EventPut EventType = iota
	// EventDelete 键被删除
	EventDelete
)

// Event 前缀监听收到的键变化
type Event struct {
	Type  EventType
	Key   string
	Value []byte
}

// Client 封装了etcd客户端
type Client struct {
	client *clientv3.Client
	cfg    Config
}

// NewClient 创建一个新的etcd客户端
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd地址不能为空")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "创建etcd客户端失败")
	}

	return &Client{
		client: client,
		cfg:    cfg,
	}, nil
}

// Close 关闭etcd客户端连接
func (c *Client) Close() error {
	return c.client.Close()
}

// Get 获取键值，键不存在时返回nil
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "etcd获取键值失败 [%s]", key)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil
	}

	return resp.Kvs[0].Value, nil
}

// GetWithPrefix 获取指定前缀的所有键值
func (c *Client) GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "etcd获取前缀键值失败 [%s]", prefix)
	}

	result := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		result[string(kv.Key)] = kv.Value
	}

	return result, nil
}

// Put 设置键值
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if _, err := c.client.Put(ctx, key, string(value)); err != nil {
		return errors.Wrapf(err, "etcd设置键值失败 [%s]", key)
	}

	return nil
}

// Delete 删除键值，返回是否删除了键
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	resp, err := c.client.Delete(ctx, key)
	if err != nil {
		return false, errors.Wrapf(err, "etcd删除键值失败 [%s]", key)
	}

	return resp.Deleted > 0, nil
}

// DeleteWithPrefix 删除指定前缀的所有键值
func (c *Client) DeleteWithPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if _, err := c.client.Delete(ctx, prefix, clientv3.WithPrefix()); err != nil {
		return errors.Wrapf(err, "etcd删除前缀键值失败 [%s]", prefix)
	}

	return nil
}

// WatchWithPrefix 监听指定前缀的键变化，ctx取消后返回的通道关闭
func (c *Client) WatchWithPrefix(ctx context.Context, prefix string) <-chan Event {
	out := make(chan Event)
	watchCh := c.client.Watch(ctx, prefix, clientv3.WithPrefix())

	go func() {
		defer close(out)
		for resp := range watchCh {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				event := Event{Key: string(ev.Kv.Key), Value: ev.Kv.Value}
				if ev.Type == clientv3.EventTypeDelete {
					event.Type = EventDelete
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
