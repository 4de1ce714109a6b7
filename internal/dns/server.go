// Package dns 通过DNS协议暴露服务发现结果，A记录返回健康实例地址，SRV记录返回地址与端口
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hewenyu/kong-mesh/internal/config"
	"github.com/hewenyu/kong-mesh/pkg/model"
)

// InstanceSource 提供健康实例，由服务发现实现
type InstanceSource interface {
	GetHealthyInstances(name string) []*model.ServiceInstance
}

// Server 实现DNS服务
type Server struct {
	config *Config
	source InstanceSource
	logger config.Logger
	domain string // 规范化后的域名后缀，以点结尾

	mutex      sync.Mutex
	udpServer  *dns.Server
	tcpServer  *dns.Server
	udpAddr    net.Addr
	tcpAddr    net.Addr
	shutdownWg sync.WaitGroup
}

// NewServer 创建一个新的DNS服务实例
func NewServer(cfg *Config, source InstanceSource, logger config.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = config.NewNopLogger()
	}
	return &Server{
		config: cfg,
		source: source,
		logger: logger,
		domain: dns.Fqdn(strings.ToLower(strings.Trim(cfg.Domain, "."))),
	}
}

// Start 启动DNS服务器，监听建立后立即返回
func (s *Server) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.config.EnableUDP && !s.config.EnableTCP {
		return errors.New("UDP和TCP监听均未启用")
	}

	if s.config.EnableUDP {
		pc, err := net.ListenPacket("udp", s.config.DNSAddr)
		if err != nil {
			return errors.Wrapf(err, "监听UDP地址 %s 失败", s.config.DNSAddr)
		}
		s.udpAddr = pc.LocalAddr()
		s.udpServer = &dns.Server{
			PacketConn:   pc,
			Handler:      s,
			UDPSize:      65535,
			ReadTimeout:  s.config.Timeout,
			WriteTimeout: s.config.Timeout,
		}
		if err := s.serve("udp", s.udpServer, s.udpAddr); err != nil {
			s.udpServer = nil
			return err
		}
	}

	if s.config.EnableTCP {
		addr := s.config.DNSAddr
		if s.udpAddr != nil {
			// 与UDP共用端口，监听地址为 :0 时同样适用
			addr = s.udpAddr.String()
		}
		l, err := net.Listen("tcp", addr)
		if err != nil {
			s.shutdownLocked()
			return errors.Wrapf(err, "监听TCP地址 %s 失败", addr)
		}
		s.tcpAddr = l.Addr()
		s.tcpServer = &dns.Server{
			Listener:     l,
			Handler:      s,
			ReadTimeout:  s.config.Timeout,
			WriteTimeout: s.config.Timeout,
		}
		if err := s.serve("tcp", s.tcpServer, s.tcpAddr); err != nil {
			s.tcpServer = nil
			s.shutdownLocked()
			return err
		}
	}

	return nil
}

// serve 在后台运行服务器并等待其就绪
func (s *Server) serve(network string, srv *dns.Server, addr net.Addr) error {
	started := make(chan struct{})
	failed := make(chan error, 1)
	srv.NotifyStartedFunc = func() { close(started) }

	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := srv.ActivateAndServe(); err != nil {
			s.logger.Error("DNS服务器异常退出", zap.String("network", network), zap.Error(err))
			failed <- err
		}
	}()

	select {
	case <-started:
		s.logger.Info("DNS服务器启动",
			zap.String("network", network),
			zap.String("address", addr.String()),
			zap.String("domain", s.domain))
		return nil
	case err := <-failed:
		return errors.Wrapf(err, "启动%s DNS服务器失败", network)
	}
}

// Addr 返回实际监听的UDP地址，未启用UDP时返回TCP地址
func (s *Server) Addr() net.Addr {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.udpAddr != nil {
		return s.udpAddr
	}
	return s.tcpAddr
}

// Stop 停止DNS服务器
func (s *Server) Stop() error {
	s.mutex.Lock()
	err := s.shutdownLocked()
	s.mutex.Unlock()

	s.shutdownWg.Wait()
	return err
}

func (s *Server) shutdownLocked() error {
	var errs []string
	if s.udpServer != nil {
		if err := s.udpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Sprintf("关闭UDP服务器失败: %v", err))
		}
		s.udpServer = nil
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(); err != nil {
			errs = append(errs, fmt.Sprintf("关闭TCP服务器失败: %v", err))
		}
		s.tcpServer = nil
	}
	if len(errs) > 0 {
		return errors.Errorf("停止DNS服务器时发生错误: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ServeDNS 处理DNS请求
func (s *Server) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)

	switch {
	case r.Opcode != dns.OpcodeQuery:
		m.Rcode = dns.RcodeNotImplemented
	case len(r.Question) == 0:
		m.Rcode = dns.RcodeFormatError
	default:
		s.answer(m, r)
	}

	if err := w.WriteMsg(m); err != nil {
		s.logger.Error("发送DNS响应失败", zap.Error(err))
	}
}

// answer 只回答第一个问题
func (s *Server) answer(m *dns.Msg, r *dns.Msg) {
	q := r.Question[0]
	name := strings.ToLower(q.Name)

	if !dns.IsSubDomain(s.domain, name) {
		s.forward(m, r)
		return
	}

	service, ok := s.parseServiceName(name, q.Qtype)
	if !ok {
		m.Rcode = dns.RcodeNameError
		return
	}

	instances := s.source.GetHealthyInstances(service)
	if len(instances) == 0 {
		s.logger.Debug("DNS查询的服务没有健康实例",
			zap.String("name", q.Name),
			zap.String("service_name", service))
		m.Rcode = dns.RcodeNameError
		return
	}

	m.Authoritative = true
	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		m.Answer = s.addressRecords(q.Name, q.Qtype, instances)
	case dns.TypeSRV:
		m.Answer, m.Extra = s.srvRecords(q.Name, service, instances)
	}

	s.logger.Debug("DNS查询",
		zap.String("name", q.Name),
		zap.String("type", dns.TypeToString[q.Qtype]),
		zap.String("service_name", service),
		zap.Int("answers", len(m.Answer)))
}

// parseServiceName 解析服务名
// A/AAAA: <name>.<domain>.
// SRV:    _<name>._tcp.<domain>.
func (s *Server) parseServiceName(name string, qtype uint16) (string, bool) {
	prefix := strings.TrimSuffix(strings.TrimSuffix(name, s.domain), ".")
	if prefix == "" {
		return "", false
	}

	if qtype == dns.TypeSRV {
		labels := dns.SplitDomainName(prefix)
		if len(labels) != 2 || labels[1] != "_tcp" || !strings.HasPrefix(labels[0], "_") || len(labels[0]) == 1 {
			return "", false
		}
		return labels[0][1:], true
	}

	if strings.Contains(prefix, ".") {
		return "", false
	}
	return prefix, true
}

// addressRecords 生成地址记录，主机名不是IP的实例会被跳过
func (s *Server) addressRecords(qname string, qtype uint16, instances []*model.ServiceInstance) []dns.RR {
	var rrs []dns.RR
	for _, inst := range instances {
		if rr := s.addressRecord(qname, qtype, inst.Host); rr != nil {
			rrs = append(rrs, rr)
		}
	}
	return rrs
}

func (s *Server) addressRecord(name string, qtype uint16, host string) dns.RR {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	hdr := dns.RR_Header{Name: name, Rrtype: qtype, Class: dns.ClassINET, Ttl: s.config.TTL}
	if v4 := ip.To4(); v4 != nil {
		if qtype != dns.TypeA {
			return nil
		}
		return &dns.A{Hdr: hdr, A: v4}
	}
	if qtype != dns.TypeAAAA {
		return nil
	}
	return &dns.AAAA{Hdr: hdr, AAAA: ip}
}

// srvRecords 每个实例一条SRV记录，IP地址的实例在附加部分给出对应A/AAAA记录
func (s *Server) srvRecords(qname, service string, instances []*model.ServiceInstance) ([]dns.RR, []dns.RR) {
	var answers, extra []dns.RR
	for _, inst := range instances {
		target := dns.Fqdn(inst.Host)
		qtype := dns.TypeA
		if ip := net.ParseIP(inst.Host); ip != nil {
			// 格式：<实例ID>.<服务名>.<域名>
			target = fmt.Sprintf("%s.%s.%s", inst.ID, service, s.domain)
			if ip.To4() == nil {
				qtype = dns.TypeAAAA
			}
			if rr := s.addressRecord(target, qtype, inst.Host); rr != nil {
				extra = append(extra, rr)
			}
		}

		answers = append(answers, &dns.SRV{
			Hdr:      dns.RR_Header{Name: qname, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: s.config.TTL},
			Priority: 0,
			Weight:   srvWeight(inst),
			Port:     uint16(inst.Port),
			Target:   target,
		})
	}
	return answers, extra
}

// srvWeight 与负载均衡的权重计算一致，CPU越低权重越高
func srvWeight(inst *model.ServiceInstance) uint16 {
	w := 100 - inst.Metadata.CPU
	if w < 0 {
		return 0
	}
	if w > 100 {
		return 100
	}
	return uint16(w)
}

// forward 将非本域名查询转发到上游DNS
func (s *Server) forward(m *dns.Msg, r *dns.Msg) {
	if len(s.config.UpstreamDNS) == 0 {
		m.Rcode = dns.RcodeNameError
		return
	}

	resp, err := s.forwardToUpstream(r)
	if err != nil {
		s.logger.Warn("转发到上游DNS失败", zap.Error(err))
		m.Rcode = dns.RcodeServerFailure
		return
	}
	*m = *resp
}

// forwardToUpstream 依次尝试上游服务器，截断的响应改用TCP重试
func (s *Server) forwardToUpstream(r *dns.Msg) (*dns.Msg, error) {
	c := &dns.Client{Timeout: s.config.Timeout}

	var lastErr error
	for _, upstream := range s.config.UpstreamDNS {
		resp, _, err := c.Exchange(r, upstream)
		if err == nil && resp.Truncated {
			tcp := &dns.Client{Net: "tcp", Timeout: s.config.Timeout}
			resp, _, err = tcp.Exchange(r, upstream)
		}
		if err != nil {
			s.logger.Debug("上游DNS请求失败", zap.String("upstream", upstream), zap.Error(err))
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrap(lastErr, "所有上游DNS服务器都失败")
}
