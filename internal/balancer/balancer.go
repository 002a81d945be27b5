// ============================================================================
// Fleet Balancer - 負載均衡分派
// ============================================================================
//
// Package: internal/balancer
// 文件: balancer.go
// 功能: 以 round-robin 將訊息送往一個 group 中的節點，依健康狀態跳過或重試
//
// 預算:
//
//	totalFailTimeout = Ti * (n + 1)
//	loopCountdown    = C * n
//
// 每一輪:
//   - INITIALIZING: 跳過，並歸還 countdown（避免同一節點被並發嘗試）
//   - UNKNOWN / UP: 嘗試（UP 使用 Tn，其餘使用 Ti，並以剩餘預算為上限）
//   - DOWN: 只有在 countdown < n（最後一輪）才嘗試
//   - FAIL: 永遠跳過，直到外部 reset
//   - 其他呼叫者有節點 INITIALIZING 時，跳過 DOWN/FAIL 或搶不到 claim 不消耗
//     countdown，等待該節點結束（仍受時間預算限制）
//   - claim 以決策時看到的狀態做 CAS，狀態已變就不嘗試
//
// 預算耗盡時回傳 (nil, false)，不是錯誤。
//
// ============================================================================

package balancer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/fleet-recovery/internal/health"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var (
	ErrEmptyGroup    = errors.New("balancer: group has no nodes")
	ErrInvalidConfig = errors.New("balancer: invalid config")
	ErrUnknownNode   = errors.New("balancer: unknown node")
)

const (
	DefaultInitTimeout   = time.Second
	DefaultNormalTimeout = 200 * time.Millisecond
	DefaultCycleLimit    = 2

	inFlightPoll = 200 * time.Microsecond
)

// Sender is the dispatch primitive. A nil response or a non-nil error is a
// failed attempt. Implementations must return within timeout.
type Sender interface {
	Send(ctx context.Context, node string, msg []byte, timeout time.Duration) ([]byte, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, node string, msg []byte, timeout time.Duration) ([]byte, error)

func (f SenderFunc) Send(ctx context.Context, node string, msg []byte, timeout time.Duration) ([]byte, error) {
	return f(ctx, node, msg, timeout)
}

// Observer receives dispatch telemetry. internal/metrics implements it.
type Observer interface {
	ObserveAttempt(group, node string, ok bool, elapsed time.Duration)
	ObserveNodeStatus(group, node string, status types.NodeStatus)
	ObserveExhausted(group string)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, string, bool, time.Duration) {}
func (nopObserver) ObserveNodeStatus(string, string, types.NodeStatus) {}
func (nopObserver) ObserveExhausted(string)                            {}

// Config describes one dispatch group.
type Config struct {
	Group         string        `yaml:"-"`
	Nodes         []string      `yaml:"nodes"`
	InitTimeout   time.Duration `yaml:"init_timeout"`   // Ti
	NormalTimeout time.Duration `yaml:"normal_timeout"` // Tn
	CycleLimit    int           `yaml:"cycle_limit"`    // C
	FailThreshold int           `yaml:"fail_threshold"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.InitTimeout <= 0 {
		out.InitTimeout = DefaultInitTimeout
	}
	if out.NormalTimeout <= 0 {
		out.NormalTimeout = DefaultNormalTimeout
	}
	if out.CycleLimit <= 0 {
		out.CycleLimit = DefaultCycleLimit
	}
	if out.FailThreshold <= 0 {
		out.FailThreshold = health.DefaultFailThreshold
	}
	return out
}

// Option configures a LoadBalancer.
type Option func(*LoadBalancer)

// WithClock replaces the wall clock used for budget accounting.
func WithClock(clock clockwork.Clock) Option {
	return func(lb *LoadBalancer) { lb.clock = clock }
}

func WithObserver(o Observer) Option {
	return func(lb *LoadBalancer) { lb.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(lb *LoadBalancer) { lb.log = l }
}

// LoadBalancer dispatches messages across one named group of nodes.
type LoadBalancer struct {
	group  string
	nodes  []*health.NodeInfo
	byName map[string]*health.NodeInfo
	cfg    Config

	sender   Sender
	clock    clockwork.Clock
	observer Observer
	log      *slog.Logger

	counter *atomic.Uint64
}

// New builds a balancer for cfg.Group. Node order is the round-robin order.
func New(cfg Config, sender Sender, opts ...Option) (*LoadBalancer, error) {
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyGroup, cfg.Group)
	}
	if sender == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()

	lb := &LoadBalancer{
		group:    cfg.Group,
		nodes:    make([]*health.NodeInfo, 0, len(cfg.Nodes)),
		byName:   make(map[string]*health.NodeInfo, len(cfg.Nodes)),
		cfg:      cfg,
		sender:   sender,
		clock:    clockwork.NewRealClock(),
		observer: nopObserver{},
		counter:  atomic.NewUint64(0),
	}
	for _, name := range cfg.Nodes {
		if _, dup := lb.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate node %q in group %q", ErrInvalidConfig, name, cfg.Group)
		}
		n := health.NewNodeInfo(name, cfg.FailThreshold)
		lb.nodes = append(lb.nodes, n)
		lb.byName[name] = n
	}
	for _, opt := range opts {
		opt(lb)
	}
	if lb.log == nil {
		lb.log = slog.Default().With("component", "balancer", "group", cfg.Group)
	}
	return lb, nil
}

func (lb *LoadBalancer) Group() string { return lb.group }

// GroupNodes returns the member names in round-robin order.
func (lb *LoadBalancer) GroupNodes() []string {
	names := make([]string, len(lb.nodes))
	for i, n := range lb.nodes {
		names[i] = n.Name()
	}
	return names
}

// Send delivers msg to some node of the group using the configured timeouts.
func (lb *LoadBalancer) Send(ctx context.Context, msg []byte) ([]byte, bool) {
	return lb.SendWithTimeouts(ctx, msg, lb.cfg.InitTimeout, lb.cfg.NormalTimeout)
}

// SendWithTimeouts delivers msg with per-call Ti and Tn. It returns the first
// successful response, or false once the time or visit budget is spent.
// Cancelling ctx also ends the loop early.
func (lb *LoadBalancer) SendWithTimeouts(ctx context.Context, msg []byte, ti, tn time.Duration) ([]byte, bool) {
	n := len(lb.nodes)
	total := ti * time.Duration(n+1)
	countdown := lb.cfg.CycleLimit * n
	start := lb.clock.Now()

	for countdown > 0 {
		if ctx.Err() != nil {
			break
		}
		elapsed := lb.clock.Since(start)
		if elapsed >= total {
			break
		}

		node := lb.next()
		countdown--

		status := node.Status()
		timeout := ti
		if status == types.NodeUp {
			timeout = tn
		}
		if remaining := total - elapsed; timeout > remaining {
			timeout = remaining
		}

		switch status {
		case types.NodeInitializing:
			countdown++
			lb.yield()
			continue
		case types.NodeUnknown, types.NodeUp:
		case types.NodeDown:
			if countdown >= n {
				countdown += lb.skip()
				continue
			}
		default:
			countdown += lb.skip()
			continue
		}

		resp, ok, claimed := lb.attempt(ctx, node, status, msg, timeout)
		if ok {
			return resp, true
		}
		if !claimed {
			// another caller took the node first
			countdown++
			lb.yield()
		}
	}

	lb.observer.ObserveExhausted(lb.group)
	lb.log.Debug("dispatch budget exhausted", "elapsed", lb.clock.Since(start))
	return nil, false
}

// skip returns the visit to give back after passing over a DOWN or FAIL
// node. While another caller has a send in flight the visit is not spent and
// the caller waits for that node instead.
func (lb *LoadBalancer) skip() int {
	if !lb.inFlight() {
		return 0
	}
	lb.yield()
	return 1
}

func (lb *LoadBalancer) inFlight() bool {
	for _, n := range lb.nodes {
		if n.Status() == types.NodeInitializing {
			return true
		}
	}
	return false
}

// yield waits briefly for an in-flight send. It sleeps in real time; budget
// accounting stays on lb.clock.
func (lb *LoadBalancer) yield() {
	time.Sleep(inFlightPoll)
}

// attempt claims node from the status the dispatch policy saw and sends msg.
// The third result is false when the node no longer held that status.
func (lb *LoadBalancer) attempt(ctx context.Context, node *health.NodeInfo, prev types.NodeStatus,
	msg []byte, timeout time.Duration) ([]byte, bool, bool) {
	if !node.ClaimFrom(prev) {
		return nil, false, false
	}
	lb.observer.ObserveNodeStatus(lb.group, node.Name(), types.NodeInitializing)

	begin := lb.clock.Now()
	resp, err := lb.sender.Send(ctx, node.Name(), msg, timeout)
	took := lb.clock.Since(begin)

	if err == nil && resp != nil {
		node.MarkUp()
		lb.observer.ObserveAttempt(lb.group, node.Name(), true, took)
		lb.observer.ObserveNodeStatus(lb.group, node.Name(), node.Status())
		return resp, true, true
	}

	status := node.MarkDown(prev)
	lb.observer.ObserveAttempt(lb.group, node.Name(), false, took)
	lb.observer.ObserveNodeStatus(lb.group, node.Name(), status)
	if status == types.NodeFail {
		lb.log.Warn("node marked FAIL", "node", node.Name(), "down_count", node.DownCount(), "error", err)
	} else {
		lb.log.Debug("attempt failed", "node", node.Name(), "timeout", timeout, "error", err)
	}
	return nil, false, true
}

func (lb *LoadBalancer) next() *health.NodeInfo {
	i := (lb.counter.Inc() - 1) % uint64(len(lb.nodes))
	return lb.nodes[i]
}

// IsUp is true iff no node is INITIALIZING and at least one is UP.
func (lb *LoadBalancer) IsUp() bool {
	up := false
	for _, n := range lb.nodes {
		switch n.Status() {
		case types.NodeInitializing:
			return false
		case types.NodeUp:
			up = true
		}
	}
	return up
}

// Nodes returns a status snapshot of every member in round-robin order.
func (lb *LoadBalancer) Nodes() []health.Snapshot {
	out := make([]health.Snapshot, len(lb.nodes))
	for i, n := range lb.nodes {
		out[i] = n.Snapshot()
	}
	return out
}

// Reset returns one member to UNKNOWN, making a FAIL node eligible again.
func (lb *LoadBalancer) Reset(name string) error {
	n, ok := lb.byName[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	n.Reset()
	lb.observer.ObserveNodeStatus(lb.group, name, types.NodeUnknown)
	lb.log.Info("node reset", "node", name)
	return nil
}

func (lb *LoadBalancer) ResetAll() {
	for _, n := range lb.nodes {
		n.Reset()
		lb.observer.ObserveNodeStatus(lb.group, n.Name(), types.NodeUnknown)
	}
}
