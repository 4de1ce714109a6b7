package route

import (
	"context"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/hewenyu/kong-mesh/internal/store/etcd"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// routePrefix 路由存储的前缀
const routePrefix = "/kong-mesh/routes/"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KV etcd存储依赖的键值操作，由 etcd.Client 实现
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	GetWithPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) (bool, error)
	WatchWithPrefix(ctx context.Context, prefix string) <-chan etcd.Event
}

// EtcdStore 基于etcd的路由存储
type EtcdStore struct {
	kv KV
}

// NewEtcdStore 创建etcd路由存储
func NewEtcdStore(kv KV) *EtcdStore {
	return &EtcdStore{kv: kv}
}

// getRouteKey 获取路由的存储键
func getRouteKey(routeID string) string {
	return routePrefix + routeID
}

// Save 保存路由
func (s *EtcdStore) Save(ctx context.Context, route *model.Route) error {
	data, err := json.Marshal(route)
	if err != nil {
		return errors.Wrap(err, "序列化路由失败")
	}
	if err := s.kv.Put(ctx, getRouteKey(route.ID), data); err != nil {
		return errors.Wrap(err, "存储路由失败")
	}
	return nil
}

// Delete 删除路由
func (s *EtcdStore) Delete(ctx context.Context, routeID string) error {
	deleted, err := s.kv.Delete(ctx, getRouteKey(routeID))
	if err != nil {
		return errors.Wrap(err, "删除路由失败")
	}
	if !deleted {
		return ErrRouteNotFound
	}
	return nil
}

// List 按注册顺序返回全部路由
func (s *EtcdStore) List(ctx context.Context) ([]*model.Route, error) {
	kvs, err := s.kv.GetWithPrefix(ctx, routePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "获取路由列表失败")
	}

	routes := make([]*model.Route, 0, len(kvs))
	for key, data := range kvs {
		var r model.Route
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, errors.Wrapf(err, "解析路由失败 [%s]", key)
		}
		routes = append(routes, &r)
	}
	sortBySeq(routes)
	return routes, nil
}

// Watch 监听路由前缀下的变更
func (s *EtcdStore) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event)
	in := s.kv.WatchWithPrefix(ctx, routePrefix)

	go func() {
		defer close(out)
		for ev := range in {
			event := Event{RouteID: strings.TrimPrefix(ev.Key, routePrefix)}
			if ev.Type == etcd.EventDelete {
				event.Type = EventDeleted
			} else {
				var r model.Route
				if err := json.Unmarshal(ev.Value, &r); err != nil {
					continue
				}
				event.Type = EventSaved
				event.Route = &r
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
