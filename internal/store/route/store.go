// Package route 提供网关路由的持久化存储
package route

import (
	"context"
	"errors"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// ErrRouteNotFound 路由不存在
var ErrRouteNotFound = errors.New("路由不存在")

// EventType 路由变更类型
type EventType int

const (
	// EventSaved 路由被创建或更新
	EventSaved EventType = iota
	// EventDeleted 路由被删除
	EventDeleted
)

// Event 路由变更事件
type Event struct {
	Type    EventType
	RouteID string
	Route   *model.Route // 删除事件中为nil
}

// Store 路由存储接口
type Store interface {
	// Save 创建或覆盖路由
	Save(ctx context.Context, route *model.Route) error

	// Delete 删除路由，不存在时返回ErrRouteNotFound
	Delete(ctx context.Context, routeID string) error

	// List 返回全部路由
	List(ctx context.Context) ([]*model.Route, error)

	// Watch 监听其他节点写入的路由变更，ctx取消后通道关闭
	Watch(ctx context.Context) <-chan Event
}
