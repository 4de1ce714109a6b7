package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// probeOutcome 单次健康检查结果
type probeOutcome int

const (
	probeHealthy probeOutcome = iota
	probeBadStatus
	probeFailed
)

// Start 启动后台健康检查任务
func (g *Gateway) Start(ctx context.Context) {
	ticker := g.clock.NewTicker(g.healthCheckInterval)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.Chan():
				g.ProbeAll(ctx)
			}
		}
	}()

	g.logger.Info("网关健康检查已启动",
		zap.Duration("interval", g.healthCheckInterval),
		zap.Duration("timeout", g.healthCheckTimeout),
		zap.Int("concurrency", g.probeConcurrency))
}

// Stop 停止后台任务
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
	})
	g.wg.Wait()
}

// ProbeAll 并发检查全部网关后端服务
func (g *Gateway) ProbeAll(ctx context.Context) {
	services := g.GetAllServices()
	if len(services) == 0 {
		return
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.probeConcurrency)
	for _, svc := range services {
		svc := svc
		eg.Go(func() error {
			g.probe(egCtx, svc)
			return nil
		})
	}
	_ = eg.Wait()
}

// probe 对单个服务执行 GET {url}/health
func (g *Gateway) probe(ctx context.Context, svc *model.GatewayService) {
	ctx, cancel := context.WithTimeout(ctx, g.healthCheckTimeout)
	defer cancel()

	start := time.Now()
	outcome := probeFailed
	statusCode := 0

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(svc.URL, "/")+"/health", nil)
	if err == nil {
		var resp *http.Response
		resp, err = g.httpClient.Do(req)
		if err == nil {
			statusCode = resp.StatusCode
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				outcome = probeHealthy
			} else {
				outcome = probeBadStatus
			}
		}
	}
	elapsed := time.Since(start)

	g.applyProbe(svc.ID, outcome, elapsed)
	g.metrics.ProbeResult(svc.ID, outcome == probeHealthy, elapsed)

	switch outcome {
	case probeHealthy:
		g.logger.Debug("健康检查通过",
			zap.String("service_id", svc.ID),
			zap.Duration("elapsed", elapsed))
	case probeBadStatus:
		g.logger.Warn("健康检查返回异常状态码",
			zap.String("service_id", svc.ID),
			zap.String("url", svc.URL),
			zap.Int("status", statusCode))
	default:
		g.logger.Warn("健康检查失败",
			zap.String("service_id", svc.ID),
			zap.String("url", svc.URL),
			zap.Error(err))
	}
}

// applyProbe 根据检查结果更新服务状态
func (g *Gateway) applyProbe(id string, outcome probeOutcome, elapsed time.Duration) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	svc, ok := g.services[id]
	if !ok {
		return
	}

	switch outcome {
	case probeHealthy:
		svc.Health = model.HealthStatusHealthy
		svc.ResponseTime = float64(elapsed) / float64(time.Millisecond)
		svc.ErrorRate = model.ClampRate(svc.ErrorRate - 0.05)
	case probeBadStatus:
		svc.Health = model.HealthStatusUnhealthy
		svc.ErrorRate = model.ClampRate(svc.ErrorRate + 0.1)
	default:
		svc.Health = model.HealthStatusUnhealthy
		svc.ErrorRate = model.ClampRate(svc.ErrorRate + 0.2)
	}
	now := g.clock.Now()
	svc.LastHealthCheck = now
	svc.UpdatedAt = now
}
