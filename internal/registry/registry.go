// Package registry 维护服务实例的内存注册表，负责心跳超时与过期清理
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/metrics"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

const (
	// DefaultHeartbeatTimeout 默认心跳超时时间
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultCleanupInterval 默认清理间隔
	DefaultCleanupInterval = 60 * time.Second
)

// Options 注册中心选项
type Options struct {
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
	Clock            clockwork.Clock
	Logger           config.Logger
	Metrics          metrics.Recorder
}

// entry 注册表中的一条记录
type entry struct {
	instance *model.ServiceInstance
	timer    clockwork.Timer
	// generation 每次重置心跳计时器时递增，过期回调据此忽略旧的计时器
	generation uint64
	// expired 为true表示健康状态是被心跳超时置为unhealthy的
	expired bool
}

// Registry 服务注册中心
type Registry struct {
	heartbeatTimeout time.Duration
	cleanupInterval  time.Duration
	clock            clockwork.Clock
	logger           config.Logger
	metrics          metrics.Recorder

	mutex    sync.RWMutex
	services map[string]*entry
	byName   map[string][]string // 服务名 -> 按注册顺序排列的实例ID
	order    []string            // 全部实例ID，按注册顺序

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New 创建注册中心
func New(opts Options) *Registry {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}

	return &Registry{
		heartbeatTimeout: opts.HeartbeatTimeout,
		cleanupInterval:  opts.CleanupInterval,
		clock:            opts.Clock,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		services:         make(map[string]*entry),
		byName:           make(map[string][]string),
		stopCh:           make(chan struct{}),
	}
}

// Register 注册服务实例并返回新分配的ID
func (r *Registry) Register(instance *model.ServiceInstance) string {
	inst := instance.Clone()
	now := r.clock.Now()

	inst.ID = uuid.New().String()
	inst.CreatedAt = now
	inst.UpdatedAt = now
	inst.LastHeartbeat = now
	if inst.Health == "" {
		inst.Health = model.HealthStatusHealthy
	}
	if inst.Status == "" {
		inst.Status = model.ServiceStatusOnline
	}
	inst.SetErrorRate(inst.ErrorRate)

	r.mutex.Lock()
	e := &entry{instance: inst}
	r.services[inst.ID] = e
	r.byName[inst.Name] = append(r.byName[inst.Name], inst.ID)
	r.order = append(r.order, inst.ID)
	r.armTimerLocked(inst.ID, e)
	r.mutex.Unlock()

	r.logger.Info("服务注册成功",
		zap.String("service_id", inst.ID),
		zap.String("service_name", inst.Name),
		zap.String("version", inst.Version),
		zap.String("host", inst.Host),
		zap.Int("port", inst.Port))
	r.reportSize()

	return inst.ID
}

// Deregister 注销服务实例，实例不存在时返回false
func (r *Registry) Deregister(id string) bool {
	r.mutex.Lock()
	e, ok := r.services[id]
	if !ok {
		r.mutex.Unlock()
		return false
	}
	r.removeLocked(id, e)
	r.mutex.Unlock()

	r.logger.Info("服务注销成功",
		zap.String("service_id", id),
		zap.String("service_name", e.instance.Name))
	r.reportSize()
	return true
}

// Heartbeat 刷新实例心跳并重置超时计时器，实例不存在时返回false
func (r *Registry) Heartbeat(id string) bool {
	r.mutex.Lock()
	e, ok := r.services[id]
	if !ok {
		r.mutex.Unlock()
		return false
	}

	now := r.clock.Now()
	e.instance.LastHeartbeat = now
	e.instance.UpdatedAt = now
	restored := false
	if e.expired && e.instance.Health == model.HealthStatusUnhealthy {
		e.instance.Health = model.HealthStatusHealthy
		restored = true
	}
	e.expired = false
	r.armTimerLocked(id, e)
	r.mutex.Unlock()

	r.logger.Debug("收到服务心跳", zap.String("service_id", id))
	if restored {
		r.logger.Info("服务心跳恢复，重新标记为健康", zap.String("service_id", id))
		r.reportSize()
	}
	return true
}

// UpdateHealth 更新实例健康状态
func (r *Registry) UpdateHealth(id string, health model.HealthStatus) bool {
	r.mutex.Lock()
	e, ok := r.services[id]
	if !ok {
		r.mutex.Unlock()
		return false
	}
	e.instance.Health = health
	e.instance.UpdatedAt = r.clock.Now()
	e.expired = false
	r.mutex.Unlock()

	r.logger.Info("服务健康状态更新",
		zap.String("service_id", id),
		zap.String("health", string(health)))
	r.reportSize()
	return true
}

// UpdateStatus 更新实例上线状态
func (r *Registry) UpdateStatus(id string, status model.ServiceStatus) bool {
	r.mutex.Lock()
	e, ok := r.services[id]
	if !ok {
		r.mutex.Unlock()
		return false
	}
	e.instance.Status = status
	e.instance.UpdatedAt = r.clock.Now()
	r.mutex.Unlock()

	r.logger.Info("服务状态更新",
		zap.String("service_id", id),
		zap.String("status", string(status)))
	return true
}

// AcquireConnection 实例当前连接数加一
func (r *Registry) AcquireConnection(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.services[id]
	if !ok {
		return false
	}
	e.instance.CurrentConnections++
	return true
}

// ReleaseConnection 实例当前连接数减一，不会小于0
func (r *Registry) ReleaseConnection(id string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.services[id]
	if !ok {
		return false
	}
	if e.instance.CurrentConnections > 0 {
		e.instance.CurrentConnections--
	}
	return true
}

// RecordResponse 记录一次调用结果，更新响应时间与错误率
func (r *Registry) RecordResponse(id string, responseTime float64, success bool) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	e, ok := r.services[id]
	if !ok {
		return false
	}
	e.instance.ResponseTime = responseTime
	if success {
		e.instance.SetErrorRate(e.instance.ErrorRate - 0.05)
	} else {
		e.instance.SetErrorRate(e.instance.ErrorRate + 0.1)
	}
	e.instance.UpdatedAt = r.clock.Now()
	return true
}

// Get 获取实例副本
func (r *Registry) Get(id string) (*model.ServiceInstance, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	e, ok := r.services[id]
	if !ok {
		return nil, false
	}
	return e.instance.Clone(), true
}

// GetServicesByName 按注册顺序返回同名实例的副本
func (r *Registry) GetServicesByName(name string) []*model.ServiceInstance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := r.byName[name]
	result := make([]*model.ServiceInstance, 0, len(ids))
	for _, id := range ids {
		result = append(result, r.services[id].instance.Clone())
	}
	return result
}

// GetAllServices 按注册顺序返回全部实例的副本
func (r *Registry) GetAllServices() []*model.ServiceInstance {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make([]*model.ServiceInstance, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.services[id].instance.Clone())
	}
	return result
}

// Stats 返回注册中心统计
func (r *Registry) Stats() model.RegistryStats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := model.RegistryStats{TotalServices: len(r.services)}
	for _, e := range r.services {
		if e.instance.Health == model.HealthStatusHealthy {
			stats.HealthyServices++
		}
		if e.instance.Status == model.ServiceStatusOnline {
			stats.OnlineServices++
		}
	}
	return stats
}

// Cleanup 清除超过两倍心跳超时未收到心跳的实例，返回清除数量
func (r *Registry) Cleanup() int {
	now := r.clock.Now()
	deadline := 2 * r.heartbeatTimeout

	r.mutex.Lock()
	var stale []*model.ServiceInstance
	for _, id := range append([]string(nil), r.order...) {
		e := r.services[id]
		if now.Sub(e.instance.LastHeartbeat) > deadline {
			stale = append(stale, e.instance)
			r.removeLocked(id, e)
		}
	}
	r.mutex.Unlock()

	for _, inst := range stale {
		r.logger.Warn("清理过期服务",
			zap.String("service_id", inst.ID),
			zap.String("service_name", inst.Name),
			zap.Time("last_heartbeat", inst.LastHeartbeat))
	}
	if len(stale) > 0 {
		r.reportSize()
	}
	return len(stale)
}

// Start 启动后台清理任务
func (r *Registry) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cleanupInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.Chan():
				if n := r.Cleanup(); n > 0 {
					r.logger.Info("过期服务清理完成", zap.Int("count", n))
				}
			}
		}
	}()

	r.logger.Info("注册中心清理任务已启动",
		zap.Duration("heartbeat_timeout", r.heartbeatTimeout),
		zap.Duration("cleanup_interval", r.cleanupInterval))
}

// Stop 停止后台任务并取消所有心跳计时器
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mutex.Lock()
		for _, e := range r.services {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		r.mutex.Unlock()
	})
	r.wg.Wait()
}

// armTimerLocked 重置实例的心跳超时计时器，调用方需持有写锁
func (r *Registry) armTimerLocked(id string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	gen := e.generation
	e.timer = r.clock.AfterFunc(r.heartbeatTimeout, func() {
		r.expire(id, gen)
	})
}

// expire 心跳超时回调，只将实例标记为不健康，不做删除
func (r *Registry) expire(id string, gen uint64) {
	r.mutex.Lock()
	e, ok := r.services[id]
	if !ok || e.generation != gen {
		r.mutex.Unlock()
		return
	}
	wasHealthy := e.instance.Health != model.HealthStatusUnhealthy
	e.instance.Health = model.HealthStatusUnhealthy
	e.instance.UpdatedAt = r.clock.Now()
	if wasHealthy {
		e.expired = true
	}
	name := e.instance.Name
	r.mutex.Unlock()

	r.logger.Warn("服务心跳超时，标记为不健康",
		zap.String("service_id", id),
		zap.String("service_name", name))
	r.reportSize()
}

// removeLocked 从所有索引中删除实例，调用方需持有写锁
func (r *Registry) removeLocked(id string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.services, id)

	name := e.instance.Name
	r.byName[name] = removeID(r.byName[name], id)
	if len(r.byName[name]) == 0 {
		delete(r.byName, name)
	}
	r.order = removeID(r.order, id)
}

func (r *Registry) reportSize() {
	stats := r.Stats()
	r.metrics.RegistrySize(stats.TotalServices, stats.HealthyServices)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}
