package balancer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var errRefused = errors.New("connection refused")

type call struct {
	node    string
	timeout time.Duration
}

// fakeSender answers per node and records every attempt. When advance is set
// the fake clock moves forward by the attempt timeout, simulating a send that
// hangs until it times out.
type fakeSender struct {
	mu      sync.Mutex
	calls   []call
	healthy map[string]bool
	clock   *clockwork.FakeClock
	advance bool
	hook    func(node string)
}

func newFakeSender(healthy ...string) *fakeSender {
	s := &fakeSender{healthy: make(map[string]bool)}
	for _, n := range healthy {
		s.healthy[n] = true
	}
	return s
}

func (s *fakeSender) setHealthy(node string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy[node] = ok
}

func (s *fakeSender) Send(_ context.Context, node string, _ []byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call{node: node, timeout: timeout})
	ok := s.healthy[node]
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(node)
	}
	if !ok {
		if s.advance && s.clock != nil {
			s.clock.Advance(timeout)
		}
		return nil, errRefused
	}
	return []byte("ok-" + node), nil
}

func (s *fakeSender) drain() []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.calls
	s.calls = nil
	return out
}

type recordingObserver struct {
	mu        sync.Mutex
	attempts  int
	failures  int
	exhausted int
	statuses  map[string]types.NodeStatus
}

func (o *recordingObserver) ObserveAttempt(_, _ string, ok bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts++
	if !ok {
		o.failures++
	}
}

func (o *recordingObserver) ObserveNodeStatus(_, node string, status types.NodeStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.statuses == nil {
		o.statuses = make(map[string]types.NodeStatus)
	}
	o.statuses[node] = status
}

func (o *recordingObserver) ObserveExhausted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func threeNodeConfig() Config {
	return Config{
		Group:         "workers",
		Nodes:         []string{"n0", "n1", "n2"},
		InitTimeout:   time.Second,
		NormalTimeout: 200 * time.Millisecond,
		CycleLimit:    2,
		FailThreshold: 5,
	}
}

func TestNewValidation(t *testing.T) {
	sender := newFakeSender()

	_, err := New(Config{Group: "empty"}, sender)
	assert.ErrorIs(t, err, ErrEmptyGroup)

	_, err = New(Config{Group: "dup", Nodes: []string{"a", "a"}}, sender)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Group: "g", Nodes: []string{"a"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	lb, err := New(Config{Group: "g", Nodes: []string{"a", "b"}}, sender)
	require.NoError(t, err)
	assert.Equal(t, "g", lb.Group())
	assert.Equal(t, []string{"a", "b"}, lb.GroupNodes())
	assert.Equal(t, DefaultInitTimeout, lb.cfg.InitTimeout)
	assert.Equal(t, DefaultNormalTimeout, lb.cfg.NormalTimeout)
	assert.Equal(t, DefaultCycleLimit, lb.cfg.CycleLimit)
}

func TestThreeNodeScenario(t *testing.T) {
	sender := newFakeSender("n1")
	lb, err := New(threeNodeConfig(), sender, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	// First call: n0 is tried at Ti and fails, n1 answers at Ti.
	resp, ok := lb.Send(context.Background(), []byte("m1"))
	require.True(t, ok)
	assert.Equal(t, "ok-n1", string(resp))
	assert.Equal(t, []call{{"n0", time.Second}, {"n1", time.Second}}, sender.drain())

	nodes := lb.Nodes()
	assert.Equal(t, types.NodeDown, nodes[0].Status)
	assert.Equal(t, 1, nodes[0].DownCount)
	assert.Equal(t, types.NodeUp, nodes[1].Status)
	assert.Equal(t, types.NodeUnknown, nodes[2].Status)

	// Second call reaches the untouched n2 first, then the UP node at Tn.
	_, ok = lb.Send(context.Background(), []byte("m2"))
	require.True(t, ok)
	assert.Equal(t, []call{{"n2", time.Second}, {"n1", 200 * time.Millisecond}}, sender.drain())

	// From here on DOWN nodes are skipped while n1 keeps answering.
	_, ok = lb.Send(context.Background(), []byte("m3"))
	require.True(t, ok)
	assert.Equal(t, []call{{"n1", 200 * time.Millisecond}}, sender.drain())

	// Once n1 goes away, DOWN nodes are probed on the final pass only and
	// reach FAIL exactly when their streak hits the threshold.
	sender.setHealthy("n1", false)
	reachedFail := false
	for i := 0; i < 20 && !reachedFail; i++ {
		_, ok := lb.Send(context.Background(), []byte("m"))
		assert.False(t, ok)

		n0 := lb.Nodes()[0]
		assert.LessOrEqual(t, n0.DownCount, 5)
		assert.Equal(t, n0.DownCount >= 5, n0.Status == types.NodeFail)
		reachedFail = n0.Status == types.NodeFail
	}
	require.True(t, reachedFail, "n0 should eventually be marked FAIL")
}

func TestFailedNodesSkippedUntilReset(t *testing.T) {
	sender := newFakeSender()
	lb, err := New(Config{Group: "g", Nodes: []string{"solo"}, FailThreshold: 1}, sender,
		WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	_, ok := lb.Send(context.Background(), nil)
	assert.False(t, ok)
	assert.Len(t, sender.drain(), 1)
	assert.Equal(t, types.NodeFail, lb.Nodes()[0].Status)

	_, ok = lb.Send(context.Background(), nil)
	assert.False(t, ok)
	assert.Empty(t, sender.drain(), "FAIL nodes receive no traffic")

	require.NoError(t, lb.Reset("solo"))
	assert.Equal(t, types.NodeUnknown, lb.Nodes()[0].Status)
	assert.ErrorIs(t, lb.Reset("ghost"), ErrUnknownNode)

	sender.setHealthy("solo", true)
	_, ok = lb.Send(context.Background(), nil)
	assert.True(t, ok)
}

func TestBudgetBoundedWhenEverythingHangs(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		cycle int
	}{
		{"one node", []string{"a"}, 2},
		{"three nodes", []string{"a", "b", "c"}, 10},
		{"five nodes", []string{"a", "b", "c", "d", "e"}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			sender := newFakeSender()
			sender.clock = clock
			sender.advance = true

			ti := time.Second
			lb, err := New(Config{
				Group:         "g",
				Nodes:         tt.nodes,
				InitTimeout:   ti,
				NormalTimeout: 100 * time.Millisecond,
				CycleLimit:    tt.cycle,
			}, sender, WithClock(clock))
			require.NoError(t, err)

			start := clock.Now()
			_, ok := lb.Send(context.Background(), []byte("x"))
			assert.False(t, ok)

			budget := ti * time.Duration(len(tt.nodes)+1)
			assert.LessOrEqual(t, clock.Since(start), budget)
			for _, c := range sender.drain() {
				assert.LessOrEqual(t, c.timeout, ti)
				assert.Positive(t, c.timeout)
			}
		})
	}
}

func TestTimeoutCappedByRemainingBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sender := newFakeSender()
	sender.clock = clock
	sender.advance = true

	lb, err := New(Config{Group: "g", Nodes: []string{"a", "b", "c"}, InitTimeout: time.Second, CycleLimit: 10},
		sender, WithClock(clock))
	require.NoError(t, err)

	start := clock.Now()
	_, ok := lb.Send(context.Background(), nil)
	require.False(t, ok)

	// Three first-contact attempts at Ti, then a single final-pass probe
	// which gets the last second of the four second budget.
	calls := sender.drain()
	require.Len(t, calls, 4)
	for _, c := range calls {
		assert.Equal(t, time.Second, c.timeout)
	}
	assert.Equal(t, 4*time.Second, clock.Since(start))
}

func TestInitializingNodeIsSkipped(t *testing.T) {
	sender := newFakeSender("n0", "n1")
	lb, err := New(Config{Group: "g", Nodes: []string{"n0", "n1"}}, sender, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	var (
		inner    []byte
		innerOK  bool
		upDuring bool
	)
	sender.hook = func(node string) {
		if node != "n0" || inner != nil {
			return
		}
		upDuring = lb.IsUp()
		inner, innerOK = lb.Send(context.Background(), []byte("nested"))
	}

	resp, ok := lb.Send(context.Background(), []byte("outer"))
	require.True(t, ok)
	assert.Equal(t, "ok-n0", string(resp))

	require.True(t, innerOK)
	assert.Equal(t, "ok-n1", string(inner), "the nested call must not touch the in-flight node")
	assert.False(t, upDuring, "IsUp is false while a node is INITIALIZING")
	assert.Equal(t, []call{{"n0", DefaultInitTimeout}, {"n1", DefaultInitTimeout}}, sender.drain())
	assert.True(t, lb.IsUp())
}

func TestIsUp(t *testing.T) {
	sender := newFakeSender("b")
	lb, err := New(Config{Group: "g", Nodes: []string{"a", "b"}}, sender, WithClock(clockwork.NewFakeClock()))
	require.NoError(t, err)

	assert.False(t, lb.IsUp(), "no node has answered yet")

	_, ok := lb.Send(context.Background(), nil)
	require.True(t, ok)
	assert.True(t, lb.IsUp())

	lb.ResetAll()
	assert.False(t, lb.IsUp())
}

func TestObserverAndCancelledContext(t *testing.T) {
	obs := &recordingObserver{}
	sender := newFakeSender()
	lb, err := New(Config{Group: "g", Nodes: []string{"a"}}, sender,
		WithClock(clockwork.NewFakeClock()), WithObserver(obs))
	require.NoError(t, err)

	_, ok := lb.Send(context.Background(), nil)
	assert.False(t, ok)
	assert.Equal(t, 1, obs.exhausted)
	assert.Equal(t, obs.attempts, obs.failures)
	assert.Equal(t, types.NodeDown, obs.statuses["a"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender.drain()
	_, ok = lb.Send(ctx, nil)
	assert.False(t, ok)
	assert.Empty(t, sender.drain(), "a cancelled caller makes no attempts")
}

func TestConcurrentSends(t *testing.T) {
	sender := newFakeSender("a", "b", "c")
	lb, err := New(Config{
		Group:         "g",
		Nodes:         []string{"a", "b", "c"},
		InitTimeout:   50 * time.Millisecond,
		NormalTimeout: 10 * time.Millisecond,
	}, sender)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if _, ok := lb.Send(context.Background(), []byte("x")); ok {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, successes)
	var uses int64
	for _, n := range lb.Nodes() {
		assert.NotEqual(t, types.NodeFail, n.Status)
		assert.NotEqual(t, types.NodeDown, n.Status)
		uses += n.UseCount
	}
	assert.Equal(t, int64(len(sender.drain())), uses, "every claim produces exactly one send")
}

func TestConcurrentCallersShareLiveNodePastDeadOne(t *testing.T) {
	sender := SenderFunc(func(ctx context.Context, node string, _ []byte, _ time.Duration) ([]byte, error) {
		if node == "ghost" {
			return nil, errRefused
		}
		time.Sleep(5 * time.Millisecond)
		return []byte("ok"), nil
	})
	lb, err := New(Config{
		Group:         "g",
		Nodes:         []string{"ghost", "live"},
		InitTimeout:   500 * time.Millisecond,
		NormalTimeout: 500 * time.Millisecond,
	}, sender)
	require.NoError(t, err)

	const callers, sends = 2, 20
	var (
		wg        sync.WaitGroup
		exhausted atomic.Int32
	)
	for g := 0; g < callers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < sends; i++ {
				if _, ok := lb.Send(context.Background(), []byte("x")); !ok {
					exhausted.Inc()
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, exhausted.Load(), "a live node was available for every send")
	nodes := lb.Nodes()
	assert.Contains(t, []types.NodeStatus{types.NodeDown, types.NodeFail}, nodes[0].Status)
	assert.Equal(t, types.NodeUp, nodes[1].Status)
	assert.EqualValues(t, callers*sends, nodes[1].UseCount)
}
