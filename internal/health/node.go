// ============================================================================
// Fleet Health - 節點健康狀態機
// ============================================================================
//
// Package: internal/health
// 文件: node.go
// 功能: 追蹤 dispatch group 中每個節點的健康狀態
//
// 狀態轉換:
//
//	UNKNOWN ──claim──> INITIALIZING ──success──> UP
//	UP      ──claim──> INITIALIZING
//	DOWN    ──claim──> INITIALIZING   (僅在 dispatcher 最後一輪)
//	any     ──failure─> DOWN ──(downCount >= threshold)──> FAIL
//	any     ──reset───> UNKNOWN
//
// 並發控制:
//   - 所有欄位皆為 atomic，不持有鎖
//   - claim 使用 CAS，同時間只有一個呼叫者能把節點帶進 INITIALIZING
//
// ============================================================================

package health

import (
	"fmt"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

// DefaultFailThreshold is the number of consecutive DOWN observations after
// which a node is marked FAIL.
const DefaultFailThreshold = 5

// Event drives a NodeStatus transition.
type Event int

const (
	EventClaim Event = iota
	EventSuccess
	EventFailure
	EventReset
)

func (e Event) String() string {
	switch e {
	case EventClaim:
		return "claim"
	case EventSuccess:
		return "success"
	case EventFailure:
		return "failure"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Transition returns the status reached from `from` on `ev`, and false when
// the pair is not a legal transition. DOWN -> FAIL is not an event; it is
// applied by MarkDown once the threshold is reached.
func Transition(from types.NodeStatus, ev Event) (types.NodeStatus, bool) {
	switch ev {
	case EventClaim:
		switch from {
		case types.NodeUnknown, types.NodeUp, types.NodeDown:
			return types.NodeInitializing, true
		}
	case EventSuccess:
		if from == types.NodeInitializing {
			return types.NodeUp, true
		}
	case EventFailure:
		return types.NodeDown, true
	case EventReset:
		return types.NodeUnknown, true
	}
	return from, false
}

// NodeInfo is the health record for one group member. It is created once per
// member and only returns to UNKNOWN through Reset.
type NodeInfo struct {
	name      string
	threshold int32

	status    *atomic.Int32
	downCount *atomic.Int32
	useCount  *atomic.Int64
}

// NewNodeInfo creates a record in UNKNOWN. A threshold <= 0 selects
// DefaultFailThreshold.
func NewNodeInfo(name string, threshold int) *NodeInfo {
	if threshold <= 0 {
		threshold = DefaultFailThreshold
	}
	return &NodeInfo{
		name:      name,
		threshold: int32(threshold),
		status:    atomic.NewInt32(int32(types.NodeUnknown)),
		downCount: atomic.NewInt32(0),
		useCount:  atomic.NewInt64(0),
	}
}

func (n *NodeInfo) Name() string { return n.name }

func (n *NodeInfo) Status() types.NodeStatus { return types.NodeStatus(n.status.Load()) }

// DownCount is the number of consecutive DOWN observations.
func (n *NodeInfo) DownCount() int { return int(n.downCount.Load()) }

// UseCount is the number of attempts made against this node since the last reset.
func (n *NodeInfo) UseCount() int64 { return n.useCount.Load() }

func (n *NodeInfo) Threshold() int { return int(n.threshold) }

// Claim moves the node into INITIALIZING from whatever status it currently
// holds, if that status permits a claim. It returns the status it replaced.
// A false result means the node was not claimable or another caller won the
// race; the caller should skip the node.
func (n *NodeInfo) Claim() (types.NodeStatus, bool) {
	prev := n.Status()
	return prev, n.ClaimFrom(prev)
}

// ClaimFrom moves the node into INITIALIZING only if it still holds expected.
// Dispatchers pass the status their policy was decided on, so a node that
// changed in between (UP turned DOWN by another caller) is not claimed.
func (n *NodeInfo) ClaimFrom(expected types.NodeStatus) bool {
	next, ok := Transition(expected, EventClaim)
	if !ok {
		return false
	}
	if !n.status.CompareAndSwap(int32(expected), int32(next)) {
		return false
	}
	n.useCount.Inc()
	return true
}

// MarkUp records a successful attempt. It only succeeds while INITIALIZING,
// so a concurrent Reset or failure is never overwritten.
func (n *NodeInfo) MarkUp() bool {
	if !n.status.CompareAndSwap(int32(types.NodeInitializing), int32(types.NodeUp)) {
		return false
	}
	n.downCount.Store(0)
	return true
}

// MarkDown records a failed attempt. prev is the status Claim replaced; the
// down counter grows only across back-to-back DOWN observations. It returns
// the resulting status, which is FAIL once the threshold is reached.
func (n *NodeInfo) MarkDown(prev types.NodeStatus) types.NodeStatus {
	if prev == types.NodeDown {
		n.downCount.Inc()
	} else {
		n.downCount.Store(1)
	}
	n.status.Store(int32(types.NodeDown))

	if n.downCount.Load() >= n.threshold {
		n.status.CompareAndSwap(int32(types.NodeDown), int32(types.NodeFail))
	}
	return n.Status()
}

// Reset returns the node to UNKNOWN with both counters cleared.
func (n *NodeInfo) Reset() {
	n.status.Store(int32(types.NodeUnknown))
	n.downCount.Store(0)
	n.useCount.Store(0)
}

// Snapshot is a point-in-time copy used for reporting.
type Snapshot struct {
	Name      string           `json:"name"`
	Status    types.NodeStatus `json:"status"`
	DownCount int              `json:"down_count"`
	UseCount  int64            `json:"use_count"`
}

func (n *NodeInfo) Snapshot() Snapshot {
	return Snapshot{
		Name:      n.name,
		Status:    n.Status(),
		DownCount: n.DownCount(),
		UseCount:  n.UseCount(),
	}
}

func (n *NodeInfo) String() string {
	return fmt.Sprintf("%s[%s down=%d use=%d]", n.name, n.Status(), n.DownCount(), n.UseCount())
}
