// Package discovery 在注册中心之上提供只读的过滤查询与负载均衡选择
package discovery

import (
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/internal/metrics"
	"github.com/hewenyu/kong-mesh/pkg/balancer"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// InstanceSource 实例数据来源，由注册中心实现
type InstanceSource interface {
	GetServicesByName(name string) []*model.ServiceInstance
	GetAllServices() []*model.ServiceInstance
}

// Filters 实例过滤条件，所有已设置的字段必须同时满足
type Filters struct {
	Version      string
	Environment  string
	Region       string
	Zone         string
	Health       model.HealthStatus
	Status       model.ServiceStatus
	Tags         []string // 必须包含全部标签
	Capabilities []string // 必须包含全部能力
}

// Match 判断实例是否满足过滤条件
func (f *Filters) Match(inst *model.ServiceInstance) bool {
	if f == nil {
		return true
	}
	if f.Version != "" && inst.Version != f.Version {
		return false
	}
	if f.Environment != "" && inst.Metadata.Environment != f.Environment {
		return false
	}
	if f.Region != "" && inst.Metadata.Region != f.Region {
		return false
	}
	if f.Zone != "" && inst.Metadata.Zone != f.Zone {
		return false
	}
	if f.Health != "" && inst.Health != f.Health {
		return false
	}
	if f.Status != "" && inst.Status != f.Status {
		return false
	}
	return containsAll(inst.Metadata.Tags, f.Tags) &&
		containsAll(inst.Metadata.Capabilities, f.Capabilities)
}

// Options 服务发现选项
type Options struct {
	Strategy balancer.Strategy
	Balancer *balancer.Balancer
	Logger   config.Logger
	Metrics  metrics.Recorder
}

// Discovery 服务发现
type Discovery struct {
	source   InstanceSource
	strategy balancer.Strategy
	balancer *balancer.Balancer
	logger   config.Logger
	metrics  metrics.Recorder
}

// New 创建服务发现
func New(source InstanceSource, opts Options) *Discovery {
	if opts.Balancer == nil {
		opts.Balancer = balancer.New()
	}
	if opts.Logger == nil {
		opts.Logger = config.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Discovery{
		source:   source,
		strategy: opts.Strategy,
		balancer: opts.Balancer,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Strategy 返回默认负载均衡策略
func (d *Discovery) Strategy() balancer.Strategy {
	return d.strategy
}

// Discover 返回指定服务名下满足过滤条件的实例，name为空时查询全部服务
func (d *Discovery) Discover(name string, filters *Filters) []*model.ServiceInstance {
	var all []*model.ServiceInstance
	if name == "" {
		all = d.source.GetAllServices()
	} else {
		all = d.source.GetServicesByName(name)
	}

	result := make([]*model.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if filters.Match(inst) {
			result = append(result, inst)
		}
	}
	return result
}

// GetHealthyInstances 返回健康且在线的实例
func (d *Discovery) GetHealthyInstances(name string) []*model.ServiceInstance {
	return d.Discover(name, &Filters{
		Health: model.HealthStatusHealthy,
		Status: model.ServiceStatusOnline,
	})
}

// Select 使用默认策略选择实例
func (d *Discovery) Select(name, clientAddr string) (*model.ServiceInstance, bool) {
	return d.GetLoadBalancedInstance(name, d.strategy, clientAddr)
}

// GetLoadBalancedInstance 按策略从健康实例中选出一个，没有可用实例时返回false
func (d *Discovery) GetLoadBalancedInstance(name string, strategy balancer.Strategy, clientAddr string) (*model.ServiceInstance, bool) {
	healthy := d.GetHealthyInstances(name)

	cands := make([]balancer.Candidate, len(healthy))
	for i, inst := range healthy {
		cands[i] = balancer.Candidate{
			Connections:  inst.CurrentConnections,
			Weight:       100 - inst.Metadata.CPU,
			ResponseTime: inst.ResponseTime,
		}
	}

	idx, ok := d.balancer.Pick(strategy, name, cands, clientAddr)
	d.metrics.InstanceSelected("discovery", name, strategy.String(), ok)
	if !ok {
		d.logger.Warn("没有可用的服务实例",
			zap.String("service_name", name),
			zap.String("strategy", strategy.String()))
		return nil, false
	}

	selected := healthy[idx]
	d.logger.Debug("选择服务实例",
		zap.String("service_name", name),
		zap.String("service_id", selected.ID),
		zap.String("strategy", strategy.String()),
		zap.Int("candidates", len(healthy)))
	return selected, true
}

// containsAll 判断have是否包含want中的全部元素
func containsAll(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, v := range want {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
