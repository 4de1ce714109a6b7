package route

import (
	"context"
	"sort"
	"sync"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// MemoryStore 基于内存的路由存储
type MemoryStore struct {
	routes map[string]*model.Route
	mutex  sync.RWMutex
}

// NewMemoryStore 创建内存路由存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes: make(map[string]*model.Route),
	}
}

// Save 保存路由
func (m *MemoryStore) Save(ctx context.Context, route *model.Route) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.routes[route.ID] = route.Clone()
	return nil
}

// Delete 删除路由
func (m *MemoryStore) Delete(ctx context.Context, routeID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, ok := m.routes[routeID]; !ok {
		return ErrRouteNotFound
	}
	delete(m.routes, routeID)
	return nil
}

// List 按注册顺序返回全部路由
func (m *MemoryStore) List(ctx context.Context) ([]*model.Route, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	routes := make([]*model.Route, 0, len(m.routes))
	for _, r := range m.routes {
		routes = append(routes, r.Clone())
	}
	sortBySeq(routes)
	return routes, nil
}

// Watch 内存存储只有单个写入者，返回的通道在ctx取消后关闭
func (m *MemoryStore) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

func sortBySeq(routes []*model.Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Seq < routes[j].Seq
	})
}
