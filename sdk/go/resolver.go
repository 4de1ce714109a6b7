package sdk

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/hewenyu/kong-mesh/pkg/balancer"
)

// Endpoint 解析得到的服务地址
type Endpoint struct {
	Host   string
	Port   uint16
	Weight uint16
}

// Address 返回 host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// ResolverConfig DNS解析客户端配置
type ResolverConfig struct {
	// DNS服务器地址，默认 127.0.0.1:8053
	Server string
	// 服务域名后缀，默认 mesh.local
	Domain string
	// 缓存时间，默认60秒
	CacheTTL time.Duration
	// 单次查询超时，默认5秒
	Timeout time.Duration
	// Clock 缓存过期使用的时钟
	Clock clockwork.Clock
}

// DNSResolver 通过DNS发现服务实例，查询结果按TTL缓存
type DNSResolver struct {
	server   string
	domain   string
	cacheTTL time.Duration
	client   *dns.Client
	clock    clockwork.Clock
	balancer *balancer.Balancer

	cacheLocker sync.RWMutex
	srvCache    map[string]cacheEntry
	hostCache   map[string]cacheEntry
}

type cacheEntry struct {
	endpoints  []Endpoint
	expiration time.Time
}

// NewDNSResolver 创建DNS解析客户端
func NewDNSResolver(cfg ResolverConfig) *DNSResolver {
	if cfg.Server == "" {
		cfg.Server = "127.0.0.1:8053"
	}
	if cfg.Domain == "" {
		cfg.Domain = "mesh.local"
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &DNSResolver{
		server:    cfg.Server,
		domain:    strings.Trim(cfg.Domain, "."),
		cacheTTL:  cfg.CacheTTL,
		client:    &dns.Client{Timeout: cfg.Timeout},
		clock:     cfg.Clock,
		balancer:  balancer.New(),
		srvCache:  make(map[string]cacheEntry),
		hostCache: make(map[string]cacheEntry),
	}
}

// LookupSRV 返回服务的全部SRV地址，附加部分给出IP时直接使用IP
func (r *DNSResolver) LookupSRV(ctx context.Context, serviceName string) ([]Endpoint, error) {
	if eps, ok := r.fromCache(r.srvCache, serviceName); ok {
		return eps, nil
	}

	qname := dns.Fqdn("_" + serviceName + "._tcp." + r.domain)
	resp, err := r.exchange(ctx, qname, dns.TypeSRV)
	if err != nil {
		return nil, err
	}

	glue := make(map[string]string)
	for _, rr := range resp.Extra {
		switch v := rr.(type) {
		case *dns.A:
			glue[v.Hdr.Name] = v.A.String()
		case *dns.AAAA:
			glue[v.Hdr.Name] = v.AAAA.String()
		}
	}

	var eps []Endpoint
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host, ok := glue[srv.Target]
		if !ok {
			host = strings.TrimSuffix(srv.Target, ".")
		}
		eps = append(eps, Endpoint{Host: host, Port: srv.Port, Weight: srv.Weight})
	}
	if len(eps) == 0 {
		return nil, errors.Errorf("未找到服务[%s]的SRV记录", qname)
	}

	r.toCache(r.srvCache, serviceName, eps)
	return eps, nil
}

// LookupHost 返回服务的全部A记录地址
func (r *DNSResolver) LookupHost(ctx context.Context, serviceName string) ([]string, error) {
	eps, ok := r.fromCache(r.hostCache, serviceName)
	if !ok {
		qname := dns.Fqdn(serviceName + "." + r.domain)
		resp, err := r.exchange(ctx, qname, dns.TypeA)
		if err != nil {
			return nil, err
		}
		for _, rr := range resp.Answer {
			if a, ok := rr.(*dns.A); ok {
				eps = append(eps, Endpoint{Host: a.A.String()})
			}
		}
		if len(eps) == 0 {
			return nil, errors.Errorf("未找到服务[%s]的地址", qname)
		}
		r.toCache(r.hostCache, serviceName, eps)
	}

	hosts := make([]string, len(eps))
	for i, ep := range eps {
		hosts[i] = ep.Host
	}
	return hosts, nil
}

// ResolveService 按SRV权重选择一个实例，返回 host:port
func (r *DNSResolver) ResolveService(ctx context.Context, serviceName string) (string, error) {
	eps, err := r.LookupSRV(ctx, serviceName)
	if err != nil {
		return "", err
	}

	cands := make([]balancer.Candidate, len(eps))
	for i, ep := range eps {
		cands[i] = balancer.Candidate{Weight: float64(ep.Weight)}
	}
	idx, ok := r.balancer.Pick(balancer.Weighted, serviceName, cands, "")
	if !ok {
		return "", errors.Errorf("服务[%s]没有可用地址", serviceName)
	}
	return eps[idx].Address(), nil
}

// Invalidate 清除服务的缓存
func (r *DNSResolver) Invalidate(serviceName string) {
	r.cacheLocker.Lock()
	defer r.cacheLocker.Unlock()
	delete(r.srvCache, serviceName)
	delete(r.hostCache, serviceName)
}

func (r *DNSResolver) exchange(ctx context.Context, qname string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(qname, qtype)
	m.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, m, r.server)
	if err != nil {
		return nil, errors.Wrapf(err, "解析[%s]失败", qname)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errors.Errorf("解析[%s]失败: %s", qname, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

func (r *DNSResolver) fromCache(cache map[string]cacheEntry, key string) ([]Endpoint, bool) {
	r.cacheLocker.RLock()
	defer r.cacheLocker.RUnlock()

	entry, ok := cache[key]
	if !ok || !r.clock.Now().Before(entry.expiration) {
		return nil, false
	}
	return entry.endpoints, true
}

func (r *DNSResolver) toCache(cache map[string]cacheEntry, key string, eps []Endpoint) {
	r.cacheLocker.Lock()
	defer r.cacheLocker.Unlock()
	cache[key] = cacheEntry{endpoints: eps, expiration: r.clock.Now().Add(r.cacheTTL)}
}
