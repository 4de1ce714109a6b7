package mesh

import (
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// breakerFor 返回服务的熔断器，不存在时创建，调用方需持有写锁
func (m *Mesh) breakerFor(name string) *model.CircuitBreaker {
	b, ok := m.breakers[name]
	if !ok {
		b = &model.CircuitBreaker{
			ServiceName: name,
			State:       model.CircuitClosed,
			Threshold:   m.failureThreshold,
			Timeout:     m.breakerTimeout,
		}
		m.breakers[name] = b
	}
	return b
}

// allow 检查熔断器是否放行请求，打开状态超时后转为半开
func (m *Mesh) allow(name string) bool {
	m.mutex.Lock()
	b := m.breakerFor(name)
	if b.State != model.CircuitOpen {
		m.mutex.Unlock()
		return true
	}
	if m.clock.Since(b.LastFailureTime) < b.Timeout {
		m.mutex.Unlock()
		return false
	}
	b.State = model.CircuitHalfOpen
	m.mutex.Unlock()

	m.transition(name, model.CircuitOpen, model.CircuitHalfOpen)
	return true
}

// onSuccess 半开状态下成功则关闭熔断器
func (m *Mesh) onSuccess(name string, responseTime float64) {
	m.mutex.Lock()
	b := m.breakerFor(name)
	from := b.State
	if b.State == model.CircuitHalfOpen {
		b.State = model.CircuitClosed
		b.FailureCount = 0
	}
	m.statsFor(name).Record(responseTime, true)
	m.mutex.Unlock()

	if from == model.CircuitHalfOpen {
		m.transition(name, from, model.CircuitClosed)
	}
}

// onFailure 记录失败，半开状态下任何失败都会重新打开熔断器
func (m *Mesh) onFailure(name string, responseTime float64) {
	m.mutex.Lock()
	b := m.breakerFor(name)
	from := b.State
	b.FailureCount++
	b.LastFailureTime = m.clock.Now()
	if b.State == model.CircuitHalfOpen || b.FailureCount >= b.Threshold {
		b.State = model.CircuitOpen
	}
	to := b.State
	m.statsFor(name).Record(responseTime, false)
	m.mutex.Unlock()

	if from != to {
		m.transition(name, from, to)
	}
}

func (m *Mesh) transition(name string, from, to model.CircuitState) {
	m.metrics.BreakerTransition(name, from, to)
	if to == model.CircuitOpen {
		m.logger.Warn("熔断器打开",
			zap.String("service_name", name),
			zap.String("from", string(from)))
		return
	}
	m.logger.Info("熔断器状态变化",
		zap.String("service_name", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
}

// GetCircuitBreaker 返回熔断器快照
func (m *Mesh) GetCircuitBreaker(name string) (model.CircuitBreaker, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	b, ok := m.breakers[name]
	if !ok {
		return model.CircuitBreaker{}, false
	}
	return *b, true
}

// GetCircuitBreakers 返回全部熔断器快照
func (m *Mesh) GetCircuitBreakers() []model.CircuitBreaker {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]model.CircuitBreaker, 0, len(m.breakers))
	for _, name := range sortedKeys(m.breakers) {
		result = append(result, *m.breakers[name])
	}
	return result
}

// ResetCircuitBreaker 强制关闭熔断器并清零失败计数，熔断器不存在时返回false
func (m *Mesh) ResetCircuitBreaker(name string) bool {
	m.mutex.Lock()
	b, ok := m.breakers[name]
	if !ok {
		m.mutex.Unlock()
		return false
	}
	from := b.State
	b.State = model.CircuitClosed
	b.FailureCount = 0
	b.LastFailureTime = time.Time{}
	m.mutex.Unlock()

	m.logger.Info("熔断器已手动重置", zap.String("service_name", name))
	if from != model.CircuitClosed {
		m.metrics.BreakerTransition(name, from, model.CircuitClosed)
	}
	return true
}
