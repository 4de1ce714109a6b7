// Package metrics 记录调度过程中的指标，调用方不关心结果
package metrics

import (
	"time"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// Recorder 调度指标记录接口，实现必须是非阻塞的
type Recorder interface {
	// RouteMatched 记录网关路由匹配结果，未匹配时routeID为空
	RouteMatched(routeID string, matched bool)
	// InstanceSelected 记录实例选择结果
	InstanceSelected(component, service, strategy string, found bool)
	// BreakerTransition 记录熔断器状态变化
	BreakerTransition(service string, from, to model.CircuitState)
	// ProbeResult 记录一次健康检查结果
	ProbeResult(serviceID string, healthy bool, elapsed time.Duration)
	// MeshRequest 记录一次网格请求结果，outcome为错误代码名称或success
	MeshRequest(service, outcome string, elapsed time.Duration)
	// ProxyRequest 记录一次网关代理结果
	ProxyRequest(serviceID string, status int, elapsed time.Duration)
	// RegistrySize 记录注册中心实例数量
	RegistrySize(total, healthy int)
}

// nopRecorder 不记录任何指标
type nopRecorder struct{}

// NewNop 返回空实现
func NewNop() Recorder {
	return nopRecorder{}
}

func (nopRecorder) RouteMatched(string, bool) {}

func (nopRecorder) InstanceSelected(string, string, string, bool) {}

func (nopRecorder) BreakerTransition(string, model.CircuitState, model.CircuitState) {}

func (nopRecorder) ProbeResult(string, bool, time.Duration) {}

func (nopRecorder) MeshRequest(string, string, time.Duration) {}

func (nopRecorder) ProxyRequest(string, int, time.Duration) {}

func (nopRecorder) RegistrySize(int, int) {}
