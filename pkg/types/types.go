// Package types 定義了 fleet-recovery 系統中使用的核心領域詞彙
package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownWorkStatus = errors.New("types: unknown work status")
	ErrUnknownNodeStatus = errors.New("types: unknown node status")
	ErrUnknownCommand    = errors.New("types: unknown job command")
)

// ============================================================================
// WorkStatus 工作單元狀態
// ============================================================================

// WorkStatus is the lifecycle state of a single unit of work.
type WorkStatus int32

const (
	WorkInitialized WorkStatus = iota // 可被領取
	WorkProcessing                    // 已被某個 worker 領取
	WorkStopped                       // 中斷或崩潰時仍在處理，等待 reclaim
	WorkCompleted                     // 終態：成功
	WorkFailed                        // 終態：失敗
)

var workStatusNames = [...]string{
	WorkInitialized: "INITIALIZED",
	WorkProcessing:  "PROCESSING",
	WorkStopped:     "STOPPED",
	WorkCompleted:   "COMPLETED",
	WorkFailed:      "FAILED",
}

// AllWorkStatuses lists every work status in lattice order.
var AllWorkStatuses = []WorkStatus{WorkInitialized, WorkProcessing, WorkStopped, WorkCompleted, WorkFailed}

func (s WorkStatus) String() string {
	if s >= 0 && int(s) < len(workStatusNames) {
		return workStatusNames[s]
	}
	return fmt.Sprintf("WorkStatus(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s WorkStatus) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

func (s WorkStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(workStatusNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWorkStatus, int32(s))
	}
	return []byte(workStatusNames[s]), nil
}

func (s *WorkStatus) UnmarshalText(text []byte) error {
	v, err := ParseWorkStatus(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseWorkStatus accepts the upper-case status name, case-insensitively.
func ParseWorkStatus(name string) (WorkStatus, error) {
	for i, n := range workStatusNames {
		if strings.EqualFold(n, name) {
			return WorkStatus(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownWorkStatus, name)
}

// ============================================================================
// NodeStatus 節點健康狀態
// ============================================================================

// NodeStatus is the health state of one member of a dispatch group.
type NodeStatus int32

const (
	NodeUnknown      NodeStatus = iota // 尚未接觸過或已 reset
	NodeInitializing                   // 有一個呼叫者正在嘗試
	NodeUp                             // 最近一次嘗試成功
	NodeDown                           // 最近一次嘗試失敗
	NodeFail                           // 連續失敗達門檻，不再嘗試
)

var nodeStatusNames = [...]string{
	NodeUnknown:      "UNKNOWN",
	NodeInitializing: "INITIALIZING",
	NodeUp:           "UP",
	NodeDown:         "DOWN",
	NodeFail:         "FAIL",
}

func (s NodeStatus) String() string {
	if s >= 0 && int(s) < len(nodeStatusNames) {
		return nodeStatusNames[s]
	}
	return fmt.Sprintf("NodeStatus(%d)", int32(s))
}

func (s NodeStatus) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(nodeStatusNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownNodeStatus, int32(s))
	}
	return []byte(nodeStatusNames[s]), nil
}

// ============================================================================
// JobStatus 任務生命週期
// ============================================================================

// JobStatus is the lifecycle state of a job hosted by a node.
type JobStatus string

const (
	JobPending     JobStatus = "PENDING"     // 已建立，尚未啟動
	JobRunning     JobStatus = "RUNNING"     // worker 正在領取工作單元
	JobPaused      JobStatus = "PAUSED"      // worker 暫停領取
	JobFinished    JobStatus = "FINISHED"    // 所有工作單元已釋放
	JobInterrupted JobStatus = "INTERRUPTED" // 被中斷，處理中的單元留在 STOPPED
)

// ============================================================================
// JobCommand 任務控制指令
// ============================================================================

// JobCommand is a control verb addressed to a running job.
type JobCommand int

const (
	CmdOperate   JobCommand = iota // 交給任務本身處理的請求
	CmdPause                       // 暫停領取新單元
	CmdResume                      // 恢復領取
	CmdFlush                       // 將暫存狀態寫出
	CmdBounce                      // 中斷、等待、reclaim、重新啟動
	CmdInterrupt                   // 中斷，處理中的單元標記為 STOPPED
	CmdPersist                     // 將 batch 寫回磁碟
	CmdRestore                     // 從磁碟重新載入 batch
	CmdStatus                      // 回報任務狀態
	CmdProbe                       // 回報各狀態數量與剩餘估計
	CmdDetail                      // 回報詳細資訊
	CmdPurge                       // 刪除任務與其持久化資料
	CmdSplit                       // 切出一部分未處理單元以便移交
)

var jobCommandNames = [...]string{
	CmdOperate:   "OPERATE",
	CmdPause:     "PAUSE",
	CmdResume:    "RESUME",
	CmdFlush:     "FLUSH",
	CmdBounce:    "BOUNCE",
	CmdInterrupt: "INTERRUPT",
	CmdPersist:   "PERSIST",
	CmdRestore:   "RESTORE",
	CmdStatus:    "STATUS",
	CmdProbe:     "PROBE",
	CmdDetail:    "DETAIL",
	CmdPurge:     "PURGE",
	CmdSplit:     "SPLIT",
}

// AllJobCommands lists the command vocabulary in declaration order.
var AllJobCommands = []JobCommand{
	CmdOperate, CmdPause, CmdResume, CmdFlush, CmdBounce, CmdInterrupt, CmdPersist,
	CmdRestore, CmdStatus, CmdProbe, CmdDetail, CmdPurge, CmdSplit,
}

func (c JobCommand) String() string {
	if c >= 0 && int(c) < len(jobCommandNames) {
		return jobCommandNames[c]
	}
	return fmt.Sprintf("JobCommand(%d)", int(c))
}

func (c JobCommand) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(jobCommandNames) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, int(c))
	}
	return []byte(jobCommandNames[c]), nil
}

func (c *JobCommand) UnmarshalText(text []byte) error {
	v, err := ParseJobCommand(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseJobCommand maps a command name onto the vocabulary, case-insensitively.
func ParseJobCommand(name string) (JobCommand, error) {
	for i, n := range jobCommandNames {
		if strings.EqualFold(n, name) {
			return JobCommand(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}
