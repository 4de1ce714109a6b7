package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/pkg/model"
)

// FindRoute 查找匹配请求的路由，多条匹配时优先级高者胜出，优先级相同时先注册者胜出
func (g *Gateway) FindRoute(path, method string, headers http.Header, query url.Values) (*model.Route, bool) {
	g.mutex.RLock()
	var best *model.Route
	for _, r := range g.routes {
		if !r.IsActive || !strings.EqualFold(r.Method, method) {
			continue
		}
		if !pathMatches(r.Path, path) || !conditionsMatch(r.Conditions, g.patterns[r.ID], headers, query) {
			continue
		}
		if best == nil || r.Priority > best.Priority || (r.Priority == best.Priority && r.Seq < best.Seq) {
			best = r
		}
	}
	var found *model.Route
	if best != nil {
		found = best.Clone()
	}
	g.mutex.RUnlock()

	if found == nil {
		g.metrics.RouteMatched("", false)
		g.logger.Debug("未找到匹配路由", zap.String("method", method), zap.String("path", path))
		return nil, false
	}

	g.metrics.RouteMatched(found.ID, true)
	g.logger.Debug("路由匹配成功",
		zap.String("route_id", found.ID),
		zap.String("method", method),
		zap.String("path", path),
		zap.String("service_id", found.ServiceID))
	return found, true
}

// pathMatches 按段比较路径，:param 段匹配任意单个段，段数必须相同
func pathMatches(routePath, requestPath string) bool {
	if routePath == requestPath {
		return true
	}

	routeParts := strings.Split(routePath, "/")
	requestParts := strings.Split(requestPath, "/")
	if len(routeParts) != len(requestParts) {
		return false
	}

	for i, part := range routeParts {
		if strings.HasPrefix(part, ":") {
			continue
		}
		if part != requestParts[i] {
			return false
		}
	}
	return true
}

// compileConditions 预编译正则条件，结果与条件一一对应，非正则条件为nil
func compileConditions(conds []model.RouteCondition) ([]*regexp.Regexp, error) {
	var patterns []*regexp.Regexp
	for i, c := range conds {
		if c.Operator != model.OperatorRegex {
			continue
		}
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return nil, model.WrapError(model.ErrInvalidArgument, err, fmt.Sprintf("invalid regex in condition %d: %q", i, c.Value))
		}
		if patterns == nil {
			patterns = make([]*regexp.Regexp, len(conds))
		}
		patterns[i] = re
	}
	return patterns, nil
}

// conditionsMatch 所有条件都必须满足
func conditionsMatch(conds []model.RouteCondition, patterns []*regexp.Regexp, headers http.Header, query url.Values) bool {
	for i, c := range conds {
		var re *regexp.Regexp
		if i < len(patterns) {
			re = patterns[i]
		}
		if !conditionMatches(c, re, headers, query) {
			return false
		}
	}
	return true
}

// conditionMatches 正则条件使用预编译的pattern，pattern为空时条件不成立
func conditionMatches(c model.RouteCondition, pattern *regexp.Regexp, headers http.Header, query url.Values) bool {
	var values []string
	switch c.Type {
	case model.ConditionTypeHeader:
		values = headers.Values(c.Field)
	case model.ConditionTypeQuery:
		values = query[c.Field]
	default:
		return false
	}
	if len(values) == 0 {
		return false
	}

	actual := values[0]
	switch c.Operator {
	case model.OperatorEquals:
		return actual == c.Value
	case model.OperatorContains:
		return strings.Contains(actual, c.Value)
	case model.OperatorStartsWith:
		return strings.HasPrefix(actual, c.Value)
	case model.OperatorEndsWith:
		return strings.HasSuffix(actual, c.Value)
	case model.OperatorRegex:
		return pattern != nil && pattern.MatchString(actual)
	}
	return false
}

// sortedRoutesLocked 按注册顺序返回路由副本，调用方需持有读锁
func (g *Gateway) sortedRoutesLocked() []*model.Route {
	routes := make([]*model.Route, 0, len(g.routes))
	for _, r := range g.routes {
		routes = append(routes, r.Clone())
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Seq < routes[j].Seq
	})
	return routes
}

// HeaderFromMap 将普通键值对转换为 http.Header，键名按规范化处理
func HeaderFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// QueryFromMap 将普通键值对转换为 url.Values
func QueryFromMap(m map[string]string) url.Values {
	q := make(url.Values, len(m))
	for k, v := range m {
		q.Set(k, v)
	}
	return q
}
