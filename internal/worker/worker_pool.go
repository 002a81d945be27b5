// ============================================================================
// Fleet Worker Pool - 拉取式並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 以固定數量的 goroutine 從 WorkFactory 拉取 unit 並執行
//
// 架構組件:
//   ┌─────────────┐
//   │ WorkFactory │ <--Next()/Release()--┐
//   └─────────────┘                      │
//   ┌─────────────────────────────────┐  │
//   │   Pool (errgroup)               │  │
//   │  ┌────────┐ ┌────────┐ ┌───────┐│  │
//   │  │worker 0│ │worker 1│ │  ...  │├──┘
//   │  └────────┘ └────────┘ └───────┘│
//   └─────────────────────────────────┘
//
// 控制:
//   - 暫停：外部持有的 atomic 旗標，worker 在兩個 unit 之間輪詢
//   - 中斷：取消 Run 的 ctx，執行中的 unit 會標記為 STOPPED
//   - 暫時性錯誤：包裝 ErrTransient 的錯誤同樣留下 STOPPED
//   - 閒置：Next 回傳 nil 但工作尚未完成時以指數退避等待
//
// 結束條件:
//   Next 回傳 nil 且 IsComplete 為 true，或 factory 已關閉。
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolRunning 表示 Run 已在執行中
	ErrPoolRunning = errors.New("worker: pool already running")
	// ErrInvalidSize 表示 worker 數量不合法
	ErrInvalidSize = errors.New("worker: pool size must be positive")
	// ErrTransient 由 Operation 包裝回傳，unit 標記為 STOPPED 而非 FAILED，
	// 之後可經 reclaim 重新執行
	ErrTransient = errors.New("worker: transient failure")
)

const (
	defaultIdleInitial = 5 * time.Millisecond
	defaultIdleMax     = 250 * time.Millisecond
)

// ============================================================================
// 資料結構定義
// ============================================================================

// SettleFunc 在 unit 離開 PROCESSING 後、Release 之前被呼叫
type SettleFunc func(u *ledger.UnitOfWork, err error)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithIdleBackOff 設定閒置等待策略，每個 worker 各自呼叫一次取得自己的實例
func WithIdleBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pool) { p.newIdle = fn }
}

// WithSettleHook 註冊 unit 結算時的回呼（事件日誌、指標）
func WithSettleHook(fn SettleFunc) Option {
	return func(p *Pool) { p.settle = fn }
}

// Pool 代表 Worker 池
type Pool struct {
	size    int
	log     *slog.Logger
	newIdle func() backoff.BackOff
	settle  SettleFunc

	paused  *atomic.Bool
	running *atomic.Bool
	active  *atomic.Int32

	completed *atomic.Int64
	failed    *atomic.Int64
	stopped   *atomic.Int64
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立 size 個 worker 的 Pool
func NewPool(size int, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	p := &Pool{
		size:      size,
		newIdle:   defaultIdleBackOff,
		paused:    atomic.NewBool(false),
		running:   atomic.NewBool(false),
		active:    atomic.NewInt32(0),
		completed: atomic.NewInt64(0),
		failed:    atomic.NewInt64(0),
		stopped:   atomic.NewInt64(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default().With("component", "worker")
	}
	return p, nil
}

func defaultIdleBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultIdleInitial
	b.MaxInterval = defaultIdleMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run 啟動所有 worker 並阻塞直到工作完成、ctx 取消或任一 worker 失敗
//
// 返回值：
//   - nil: factory 已耗盡或已關閉
//   - ctx.Err(): 被中斷
//   - 其他: factory 錯誤（其餘 worker 會被取消）
func (p *Pool) Run(ctx context.Context, factory ledger.WorkFactory, op Operation) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPoolRunning
	}
	defer p.running.Store(false)

	p.log.Info("worker pool starting", "workers", p.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		w := &worker{id: i, pool: p, factory: factory, op: op, idle: p.newIdle()}
		g.Go(func() error { return w.run(gctx) })
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	p.log.Info("worker pool stopped", "err", err, "stats", p.Stats())
	return err
}

// Pause 讓 worker 在目前的 unit 結束後停止拉取
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume 解除暫停
func (p *Pool) Resume() { p.paused.Store(false) }

func (p *Pool) Paused() bool { return p.paused.Load() }

func (p *Pool) Running() bool { return p.running.Load() }

// Active 回傳目前正在處理 unit 的 worker 數量
func (p *Pool) Active() int { return int(p.active.Load()) }

func (p *Pool) Size() int { return p.size }

func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Stopped:   p.stopped.Load(),
	}
}
