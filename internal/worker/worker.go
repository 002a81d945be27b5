package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
)

// worker is one pulling goroutine of a Pool.
type worker struct {
	id      int
	pool    *Pool
	factory ledger.WorkFactory
	op      Operation
	idle    backoff.BackOff
}

func (w *worker) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.pool.paused.Load() {
			if err := w.wait(ctx); err != nil {
				return err
			}
			continue
		}

		u, err := w.factory.Next()
		if errors.Is(err, ledger.ErrFactoryClosed) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker %d: next unit: %w", w.id, err)
		}
		if u == nil {
			if w.factory.IsComplete() {
				return nil
			}
			// 其他 worker 仍持有 unit
			if err := w.wait(ctx); err != nil {
				return err
			}
			continue
		}

		w.idle.Reset()
		if err := w.execute(ctx, u); err != nil {
			return err
		}
	}
}

// execute 執行 op 並依結果結算 unit
func (w *worker) execute(ctx context.Context, u *ledger.UnitOfWork) error {
	p := w.pool
	p.active.Inc()
	defer p.active.Dec()

	start := time.Now()
	err := w.process(ctx, u)
	switch {
	case err == nil:
		u.Complete()
		p.completed.Inc()
		p.log.Debug("unit completed", "worker", w.id, "unit", u.ID, "elapsed", time.Since(start))
	case ctx.Err() != nil:
		u.Stop()
		p.stopped.Inc()
		p.log.Debug("unit interrupted", "worker", w.id, "unit", u.ID)
	case errors.Is(err, ErrTransient):
		u.Stop()
		p.stopped.Inc()
		p.log.Warn("unit stopped, reclaim to retry", "worker", w.id, "unit", u.ID, "err", err)
	default:
		u.Fail()
		p.failed.Inc()
		p.log.Warn("unit failed", "worker", w.id, "unit", u.ID, "err", err)
	}

	if p.settle != nil {
		p.settle(u, err)
	}
	if rerr := w.factory.Release(u); rerr != nil {
		p.log.Error("release failed", "worker", w.id, "unit", u.ID, "err", rerr)
		return fmt.Errorf("worker %d: release %s: %w", w.id, u.ID, rerr)
	}
	return nil
}

// process 把 op 的 panic 轉為錯誤，unit 因此標記為 FAILED
func (w *worker) process(ctx context.Context, u *ledger.UnitOfWork) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: panic processing %s: %v", w.id, u.ID, r)
		}
	}()
	return w.op.Process(ctx, u)
}

func (w *worker) wait(ctx context.Context) error {
	d := w.idle.NextBackOff()
	if d == backoff.Stop {
		d = defaultIdleMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
