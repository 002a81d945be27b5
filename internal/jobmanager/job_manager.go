// ============================================================================
// Fleet 任務管理器 - 任務註冊與指令分派
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理節點上的任務，並把 JobCommand 分派給對應的任務
//
// 設計理念:
//   1. kinds map - 任務種類名稱到建構函式的註冊表，未知種類回傳 ErrUnknownKind
//   2. jobs map - 節點上所有任務的單一真實來源
//   3. 依賴注入 - 負載平衡群組、指標、logger 都由 Deps 傳入，不使用全域狀態
//
// 指令分派:
//   Handle(cmd, jobID, payload)
//   ├─ jobID 非空：交給該任務
//   └─ jobID 為空：依 ID 順序交給所有任務，回應收在 Results
//   PURGE 成功後任務會從 jobs 移除
//
// 並發安全:
//   - sync.RWMutex 保護 kinds 與 jobs
//   - 任務本身自行同步，分派時不持有管理器的鎖
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"

	"github.com/ChuLiYu/fleet-recovery/internal/transport"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務種類未註冊
	ErrUnknownKind = errors.New("jobmanager: unknown job kind")
	// 任務種類重複註冊
	ErrDuplicateKind = errors.New("jobmanager: job kind already registered")
	// 任務 ID 重複
	ErrDuplicateJob = errors.New("jobmanager: job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("jobmanager: job not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Job 是管理器可以分派指令的任務
type Job interface {
	ID() string
	Kind() string
	Status() types.JobStatus
	Start(ctx context.Context) error
	Handle(ctx context.Context, cmd types.JobCommand, payload []byte) Response
	Close() error
}

// Constructor 依設定建立某一種類的任務
type Constructor func(spec Spec, deps Deps) (Job, error)

// Response 是一個指令的執行結果
type Response struct {
	JobID   string           `json:"job_id,omitempty"`
	Command types.JobCommand `json:"command"`
	OK      bool             `json:"ok"`
	Status  types.JobStatus  `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
	Error   string           `json:"error,omitempty"`
	Probe   *Probe           `json:"probe,omitempty"`
	Payload []byte           `json:"payload,omitempty"`
	Results []Response       `json:"results,omitempty"`
}

// Probe 是 PROBE 指令的回應內容
type Probe struct {
	Counts    map[string]int `json:"counts"`
	Remaining int64          `json:"remaining"`
}

func errorResponse(jobID string, cmd types.JobCommand, err error) Response {
	return Response{JobID: jobID, Command: cmd, Error: err.Error()}
}

// Manager 管理一個節點上的所有任務
type Manager struct {
	mu    sync.RWMutex
	kinds map[string]Constructor
	jobs  map[string]Job
	deps  Deps
	log   *slog.Logger
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立管理器並註冊內建的任務種類（relay、sink）
//
// 參數說明：
//   - deps: 傳給每個任務建構函式的依賴
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		kinds: make(map[string]Constructor),
		jobs:  make(map[string]Job),
		deps:  deps,
		log:   deps.Logger.With("component", "jobmanager"),
	}
	m.kinds[KindRelay] = NewRelayJob
	m.kinds[KindSink] = NewSinkJob
	return m
}

// Register 註冊一個任務種類
//
// 錯誤處理：
//   - ErrDuplicateKind: 名稱已被註冊
func (m *Manager) Register(kind string, c Constructor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.kinds[kind]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, kind)
	}
	m.kinds[kind] = c
	return nil
}

// Kinds 回傳已註冊的種類，依名稱排序
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := lo.Keys(m.kinds)
	sort.Strings(kinds)
	return kinds
}

// Create 依 spec 建立任務並加入管理器，尚未啟動
//
// spec.ID 為空時產生一個 UUID。
//
// 錯誤處理：
//   - ErrUnknownKind: spec.Kind 未註冊
//   - ErrDuplicateJob: ID 已存在
func (m *Manager) Create(spec Spec) (Job, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctor, ok := m.kinds[spec.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	if _, exists := m.jobs[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, spec.ID)
	}

	job, err := ctor(spec, m.deps)
	if err != nil {
		return nil, fmt.Errorf("jobmanager: create %s job %s: %w", spec.Kind, spec.ID, err)
	}
	m.jobs[spec.ID] = job
	m.log.Info("job created", "job", spec.ID, "kind", spec.Kind)
	return job, nil
}

// Get 依 ID 取得任務
func (m *Manager) Get(id string) (Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// Jobs 回傳所有任務，依 ID 排序
func (m *Manager) Jobs() []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := lo.Values(m.jobs)
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].ID() < jobs[k].ID() })
	return jobs
}

// StartAll 啟動所有尚未執行的任務
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, job := range m.Jobs() {
		if err := job.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start %s: %w", job.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Handle 把指令交給 jobID 指定的任務；jobID 為空時交給所有任務
//
// 返回值：
//   - Response: 單一任務的結果，或所有任務結果的彙總（OK 表示全部成功）
func (m *Manager) Handle(ctx context.Context, cmd types.JobCommand, jobID string, payload []byte) Response {
	if jobID == "" {
		return m.handleAll(ctx, cmd, payload)
	}

	job, err := m.Get(jobID)
	if err != nil {
		return errorResponse(jobID, cmd, err)
	}
	resp := job.Handle(ctx, cmd, payload)
	if cmd == types.CmdPurge && resp.OK {
		m.remove(jobID)
	}
	return resp
}

func (m *Manager) handleAll(ctx context.Context, cmd types.JobCommand, payload []byte) Response {
	jobs := m.Jobs()
	all := Response{Command: cmd, OK: true, Results: make([]Response, 0, len(jobs))}
	for _, job := range jobs {
		resp := job.Handle(ctx, cmd, payload)
		if cmd == types.CmdPurge && resp.OK {
			m.remove(job.ID())
		}
		all.OK = all.OK && resp.OK
		all.Results = append(all.Results, resp)
	}
	all.Message = fmt.Sprintf("%d jobs", len(jobs))
	return all
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	m.log.Info("job removed", "job", id)
}

// Deliver 解碼指令封包、分派並編碼回應，供 transport.Server 使用
func (m *Manager) Deliver(ctx context.Context, msg []byte) ([]byte, error) {
	env, err := transport.DecodeEnvelope(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrBadRequest, err)
	}
	resp := m.Handle(ctx, env.Command, env.JobID, env.Payload)
	return json.Marshal(resp)
}

// Shutdown 中斷並關閉所有任務
//
// 中斷時處理中的 unit 會標記為 STOPPED 並寫回 batch。
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, job := range m.Jobs() {
		if resp := job.Handle(ctx, types.CmdInterrupt, nil); !resp.OK {
			errs = append(errs, fmt.Errorf("interrupt %s: %s", job.ID(), resp.Error))
		}
		if err := job.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", job.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// DecodeResponse 解碼 Deliver 的回應
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, fmt.Errorf("jobmanager: decode response: %w", err)
	}
	return resp, nil
}
