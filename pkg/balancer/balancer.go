package balancer

import (
	"hash/crc32"
	"math/rand"
	"sync"
	"time"
)

// Candidate 参与选择的候选项，只包含策略需要的数值
type Candidate struct {
	Connections  int64
	Weight       float64
	ResponseTime float64
}

// input 单次选择的上下文
type input struct {
	cursor     uint64
	clientAddr string
	intn       func(n int) int
	float      func() float64
}

type selectFunc func(cands []Candidate, in input) int

// strategyTable 策略到选择函数的映射
var strategyTable = map[Strategy]selectFunc{
	RoundRobin:       selectRoundRobin,
	LeastConnections: selectLeastConnections,
	Weighted:         selectWeighted,
	IPHash:           selectIPHash,
	Random:           selectRandom,
	ResponseTime:     selectResponseTime,
}

// Balancer 负载均衡器，维护每个key的轮询游标
type Balancer struct {
	mu      sync.Mutex
	cursors map[string]uint64
	rnd     *rand.Rand
}

// New 创建负载均衡器
func New() *Balancer {
	return NewWithSeed(time.Now().UnixNano())
}

// NewWithSeed 使用指定随机种子创建负载均衡器
func NewWithSeed(seed int64) *Balancer {
	return &Balancer{
		cursors: make(map[string]uint64),
		rnd:     rand.New(rand.NewSource(seed)),
	}
}

// Pick 按策略从候选项中选出一个，返回其下标；候选为空或策略未知时返回false
func (b *Balancer) Pick(strategy Strategy, key string, cands []Candidate, clientAddr string) (int, bool) {
	if len(cands) == 0 {
		return -1, false
	}
	fn, ok := strategyTable[strategy]
	if !ok {
		return -1, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	in := input{
		clientAddr: clientAddr,
		intn:       b.rnd.Intn,
		float:      b.rnd.Float64,
	}
	if strategy == RoundRobin {
		in.cursor = b.cursors[key]
		b.cursors[key] = in.cursor + 1
	}
	return fn(cands, in), true
}

// Reset 清除指定key的轮询游标
func (b *Balancer) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cursors, key)
}

func selectRoundRobin(cands []Candidate, in input) int {
	return int(in.cursor % uint64(len(cands)))
}

func selectLeastConnections(cands []Candidate, _ input) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].Connections < cands[best].Connections {
			best = i
		}
	}
	return best
}

func selectResponseTime(cands []Candidate, _ input) int {
	best := 0
	for i := 1; i < len(cands); i++ {
		if cands[i].ResponseTime < cands[best].ResponseTime {
			best = i
		}
	}
	return best
}

// selectWeighted 负权重按0处理，全部为0时退化为均匀随机
func selectWeighted(cands []Candidate, in input) int {
	var total float64
	for _, c := range cands {
		total += clampWeight(c.Weight)
	}
	if total <= 0 {
		return in.intn(len(cands))
	}
	r := in.float() * total
	for i, c := range cands {
		r -= clampWeight(c.Weight)
		if r < 0 {
			return i
		}
	}
	// 浮点误差兜底，返回最后一个正权重
	for i := len(cands) - 1; i >= 0; i-- {
		if clampWeight(cands[i].Weight) > 0 {
			return i
		}
	}
	return len(cands) - 1
}

func selectIPHash(cands []Candidate, in input) int {
	return int(crc32.ChecksumIEEE([]byte(in.clientAddr)) % uint32(len(cands)))
}

func selectRandom(cands []Candidate, in input) int {
	return in.intn(len(cands))
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	return w
}
