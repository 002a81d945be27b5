package jobmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
	"github.com/ChuLiYu/fleet-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fleet-recovery/internal/worker"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var (
	ErrNoBatch    = errors.New("jobmanager: job has no batch")
	ErrNotRunning = errors.New("jobmanager: job is not running")
	ErrJobBusy    = errors.New("jobmanager: job must be stopped first")
	ErrJobClosed  = errors.New("jobmanager: job closed")
	ErrNoOperate  = errors.New("jobmanager: job does not accept requests")
)

// OperateFunc answers an OPERATE request while the job runs.
type OperateFunc func(ctx context.Context, payload []byte) ([]byte, error)

// WorkJob runs a worker pool over a WorkBatch and maps the job command
// vocabulary onto it. A WorkJob with no batch runs until interrupted and
// only serves OPERATE.
type WorkJob struct {
	spec     Spec
	log      *slog.Logger
	observer UnitObserver

	batch   *ledger.WorkBatch
	events  *wal.WAL
	pool    *worker.Pool
	op      worker.Operation
	operate OperateFunc

	// cmdMu serialises commands; mu guards the fields below.
	cmdMu sync.Mutex

	mu      sync.Mutex
	status  types.JobStatus
	baseCtx context.Context
	factory *ledger.BatchFactory
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	locked  bool
	closed  bool
}

// NewWorkJob builds a job from spec. op processes batch units and may be nil
// when spec.Batch is empty; operate may be nil.
func NewWorkJob(spec Spec, deps Deps, op worker.Operation, operate OperateFunc) (*WorkJob, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "job", "job", spec.ID, "kind", spec.Kind)

	j := &WorkJob{
		spec:     spec,
		log:      logger,
		observer: deps.Observer,
		op:       op,
		operate:  operate,
		status:   types.JobPending,
	}
	if j.observer == nil {
		j.observer = nopUnitObserver{}
	}

	if spec.Batch != "" {
		if op == nil {
			return nil, fmt.Errorf("jobmanager: %s has a batch but no unit operation", spec.ID)
		}
		var maker ledger.BatchMaker
		if spec.Source != "" {
			maker = LineMaker(spec.ID, spec.Source)
		}
		j.batch = ledger.NewWorkBatch(spec.Batch, maker,
			ledger.WithBatchLogger(logger),
			ledger.WithDemoteHook(func(n int) { j.observer.ObserveDemoted(spec.ID, n) }),
		)
	}

	if spec.Log != "" {
		events, err := wal.NewWAL(spec.Log, wal.Options{MaxMessageBytes: deps.MaxMessageBytes})
		if err != nil {
			return nil, err
		}
		j.events = events
	}

	workers := spec.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := worker.NewPool(workers, worker.WithLogger(logger), worker.WithSettleHook(j.settle))
	if err != nil {
		return nil, err
	}
	j.pool = pool
	return j, nil
}

func (j *WorkJob) ID() string   { return j.spec.ID }
func (j *WorkJob) Kind() string { return j.spec.Kind }
func (j *WorkJob) Spec() Spec   { return j.spec }

// Batch is nil for jobs that only serve OPERATE.
func (j *WorkJob) Batch() *ledger.WorkBatch { return j.batch }

// Events is nil when the job keeps no event log.
func (j *WorkJob) Events() *wal.WAL { return j.events }

func (j *WorkJob) Status() types.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Start begins pulling units. ctx bounds every later run of the job,
// including restarts requested by RESUME and BOUNCE.
func (j *WorkJob) Start(ctx context.Context) error {
	j.cmdMu.Lock()
	defer j.cmdMu.Unlock()

	j.mu.Lock()
	j.baseCtx = ctx
	j.mu.Unlock()
	return j.start()
}

func (j *WorkJob) start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrJobClosed
	}
	if j.status == types.JobRunning || j.status == types.JobPaused {
		return nil
	}
	if j.batch != nil && !j.locked {
		if err := j.batch.Acquire(); err != nil {
			return err
		}
		j.locked = true
	}

	base := j.baseCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	var factory *ledger.BatchFactory
	if j.batch != nil {
		factory = ledger.NewBatchFactory(j.batch, j.spec.SaveEvery)
	}
	done := make(chan struct{})

	j.factory = factory
	j.cancel = cancel
	j.done = done
	j.runErr = nil
	j.status = types.JobRunning
	j.pool.Resume()

	go j.run(ctx, cancel, factory, done)
	j.log.Info("job started")
	return nil
}

func (j *WorkJob) run(ctx context.Context, cancel context.CancelFunc, factory *ledger.BatchFactory, done chan struct{}) {
	defer close(done)
	defer cancel()

	var err error
	if factory == nil {
		<-ctx.Done()
		err = ctx.Err()
	} else {
		err = j.pool.Run(ctx, factory, j.op)
		if cerr := factory.Close(); cerr != nil {
			j.log.Error("save batch failed", "err", cerr)
			err = errors.Join(err, cerr)
		}
	}

	j.mu.Lock()
	switch {
	case err == nil:
		j.status = types.JobFinished
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		j.status = types.JobInterrupted
	default:
		j.status = types.JobInterrupted
		j.runErr = err
	}
	j.cancel = nil
	status, runErr := j.status, j.runErr
	j.mu.Unlock()

	if runErr != nil {
		j.log.Error("job stopped with error", "err", err)
	} else {
		j.log.Info("job stopped", "status", status)
	}
	j.observeUnits()
}

// interrupt cancels the current run and waits for it to wind down.
func (j *WorkJob) interrupt(ctx context.Context) (bool, error) {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.mu.Unlock()
	if cancel == nil {
		return false, nil
	}

	cancel()
	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// settle records the unit's final status in the event log.
func (j *WorkJob) settle(u *ledger.UnitOfWork, _ error) {
	if j.events == nil {
		return
	}
	var typ wal.EventType
	switch u.Status() {
	case types.WorkCompleted:
		typ = wal.EventComplete
	case types.WorkFailed:
		typ = wal.EventFail
	case types.WorkStopped:
		typ = wal.EventStop
	default:
		return
	}
	if _, err := j.events.Append(wal.Event{Type: typ, JobID: j.spec.ID, UnitID: u.ID}, false); err != nil {
		j.log.Error("event log append failed", "unit", u.ID, "err", err)
	}
}

func (j *WorkJob) record(typ wal.EventType, count int) error {
	if j.events == nil {
		return nil
	}
	_, err := j.events.Append(wal.Event{Type: typ, JobID: j.spec.ID, Count: count}, true)
	return err
}

func (j *WorkJob) observeUnits() {
	if j.batch == nil {
		return
	}
	counts, err := j.batch.StatusCounts()
	if err != nil {
		return
	}
	j.observer.ObserveUnits(j.spec.ID, counts)
}

// ============================================================================
// 指令處理
// ============================================================================

// Handle executes one command against the job.
func (j *WorkJob) Handle(ctx context.Context, cmd types.JobCommand, payload []byte) Response {
	// OPERATE is the hot path and does not wait behind control commands.
	if cmd == types.CmdOperate {
		return j.handleOperate(ctx, payload)
	}

	j.cmdMu.Lock()
	defer j.cmdMu.Unlock()

	resp, err := j.dispatch(ctx, cmd, payload)
	resp.JobID = j.spec.ID
	resp.Command = cmd
	resp.Status = j.Status()
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
		j.log.Warn("command failed", "command", cmd, "err", err)
		return resp
	}
	resp.OK = true
	j.log.Debug("command handled", "command", cmd, "message", resp.Message)
	return resp
}

func (j *WorkJob) dispatch(ctx context.Context, cmd types.JobCommand, payload []byte) (Response, error) {
	switch cmd {
	case types.CmdPause:
		return j.pause()
	case types.CmdResume:
		return j.resume()
	case types.CmdFlush:
		return j.flush()
	case types.CmdBounce:
		return j.bounce(ctx)
	case types.CmdInterrupt:
		return j.interruptCmd(ctx)
	case types.CmdPersist:
		return j.persist()
	case types.CmdRestore:
		return j.restore()
	case types.CmdStatus:
		return Response{Message: string(j.Status())}, nil
	case types.CmdProbe:
		return j.probe()
	case types.CmdDetail:
		return Response{Message: j.detail()}, nil
	case types.CmdPurge:
		return j.purge(ctx)
	case types.CmdSplit:
		return j.split(payload)
	default:
		return Response{}, fmt.Errorf("%w: %s", types.ErrUnknownCommand, cmd)
	}
}

func (j *WorkJob) handleOperate(ctx context.Context, payload []byte) Response {
	resp := Response{JobID: j.spec.ID, Command: types.CmdOperate, Status: j.Status()}
	if resp.Status != types.JobRunning {
		resp.Message = "done"
		return resp
	}
	if j.operate == nil {
		resp.Error = ErrNoOperate.Error()
		return resp
	}
	out, err := j.operate(ctx, payload)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK = true
	resp.Payload = out
	return resp
}

func (j *WorkJob) pause() (Response, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.status {
	case types.JobPaused:
		return Response{Message: "already paused"}, nil
	case types.JobRunning:
		j.pool.Pause()
		j.status = types.JobPaused
		return Response{Message: "paused"}, nil
	default:
		return Response{}, ErrNotRunning
	}
}

func (j *WorkJob) resume() (Response, error) {
	j.mu.Lock()
	switch j.status {
	case types.JobRunning:
		j.mu.Unlock()
		return Response{Message: "already running"}, nil
	case types.JobPaused:
		j.pool.Resume()
		j.status = types.JobRunning
		j.mu.Unlock()
		return Response{Message: "resumed"}, nil
	}
	j.mu.Unlock()

	if err := j.start(); err != nil {
		return Response{}, err
	}
	return Response{Message: "started"}, nil
}

func (j *WorkJob) flush() (Response, error) {
	if j.events == nil {
		return Response{Message: "nothing to flush"}, nil
	}
	if err := j.events.Flush(); err != nil {
		return Response{}, err
	}
	return Response{Message: fmt.Sprintf("event log synced at seq %d", j.events.LastSeq())}, nil
}

func (j *WorkJob) interruptCmd(ctx context.Context) (Response, error) {
	ran, err := j.interrupt(ctx)
	if err != nil {
		return Response{}, err
	}
	if !ran {
		return Response{Message: "not running"}, nil
	}
	return Response{Message: fmt.Sprintf("%d units stopped", j.countUnits(types.WorkStopped))}, nil
}

func (j *WorkJob) bounce(ctx context.Context) (Response, error) {
	if _, err := j.interrupt(ctx); err != nil {
		return Response{}, err
	}
	reclaimed := 0
	if j.batch != nil {
		n, err := j.batch.ReclaimStopped()
		if err != nil {
			return Response{}, err
		}
		reclaimed = n
		if err := j.record(wal.EventReclaim, n); err != nil {
			return Response{}, err
		}
	}
	if err := j.start(); err != nil {
		return Response{}, err
	}
	return Response{Message: fmt.Sprintf("restarted, %d units reclaimed", reclaimed)}, nil
}

func (j *WorkJob) persist() (Response, error) {
	if j.batch == nil {
		return Response{}, ErrNoBatch
	}
	if err := j.batch.Save(); err != nil {
		return Response{}, err
	}
	n, err := j.batch.NumUnits()
	if err != nil {
		return Response{}, err
	}
	msg := fmt.Sprintf("%d units saved", n)
	if j.events != nil {
		if err := j.record(wal.EventPersist, n); err != nil {
			return Response{}, err
		}
		backup, err := j.events.Rotate()
		if err != nil {
			return Response{}, err
		}
		msg += ", event log rotated to " + backup
	}
	j.observeUnits()
	return Response{Message: msg}, nil
}

func (j *WorkJob) restore() (Response, error) {
	if j.batch == nil {
		return Response{}, ErrNoBatch
	}
	if s := j.Status(); s == types.JobRunning || s == types.JobPaused {
		return Response{}, ErrJobBusy
	}
	demoted, err := j.batch.Reload()
	if err != nil {
		return Response{}, err
	}
	j.observeUnits()
	return Response{Message: fmt.Sprintf("reloaded, %d units demoted to STOPPED", demoted)}, nil
}

func (j *WorkJob) probe() (Response, error) {
	probe := &Probe{Counts: map[string]int{}}
	if j.batch == nil {
		return Response{Probe: probe}, nil
	}
	counts, err := j.batch.StatusCounts()
	if err != nil {
		return Response{}, err
	}
	for s, n := range counts {
		probe.Counts[s.String()] = n
	}
	j.mu.Lock()
	factory := j.factory
	j.mu.Unlock()
	if factory != nil {
		probe.Remaining = factory.RemainingEstimate()
	} else {
		probe.Remaining = int64(counts[types.WorkInitialized])
	}
	j.observer.ObserveUnits(j.spec.ID, counts)
	return Response{Probe: probe}, nil
}

func (j *WorkJob) detail() string {
	var b strings.Builder
	fmt.Fprintf(&b, "job %s (%s): %s\n", j.spec.ID, j.spec.Kind, j.Status())
	fmt.Fprintf(&b, "  workers: %d active / %d\n", j.pool.Active(), j.pool.Size())
	st := j.pool.Stats()
	fmt.Fprintf(&b, "  settled: %d completed, %d failed, %d stopped\n", st.Completed, st.Failed, st.Stopped)
	if j.batch != nil {
		fmt.Fprintf(&b, "  batch: %s\n", j.batch.Path())
		if counts, err := j.batch.StatusCounts(); err == nil {
			for _, s := range types.AllWorkStatuses {
				fmt.Fprintf(&b, "    %-11s %d\n", s, counts[s])
			}
		} else {
			fmt.Fprintf(&b, "    unreadable: %v\n", err)
		}
	}
	if j.events != nil {
		fmt.Fprintf(&b, "  events: %s (seq %d)\n", j.events.Path(), j.events.LastSeq())
	}
	if j.spec.Group != "" {
		fmt.Fprintf(&b, "  group: %s -> %s\n", j.spec.Group, j.spec.Target)
	}
	j.mu.Lock()
	if j.runErr != nil {
		fmt.Fprintf(&b, "  last error: %v\n", j.runErr)
	}
	j.mu.Unlock()
	return b.String()
}

func (j *WorkJob) purge(ctx context.Context) (Response, error) {
	if _, err := j.interrupt(ctx); err != nil {
		return Response{}, err
	}
	if err := j.closeResources(); err != nil {
		return Response{}, err
	}

	var errs []error
	if j.events != nil {
		errs = append(errs, wal.RemoveAll(j.events.Path()))
	}
	if j.batch != nil {
		errs = append(errs, j.batch.Remove())
	}
	if err := errors.Join(errs...); err != nil {
		return Response{}, err
	}
	return Response{Message: "purged"}, nil
}

// split detaches units for handoff and returns them as length-prefixed
// records. The payload is the unit count; empty means half of what is left.
func (j *WorkJob) split(payload []byte) (Response, error) {
	if j.batch == nil {
		return Response{}, ErrNoBatch
	}
	n, err := j.splitCount(payload)
	if err != nil {
		return Response{}, err
	}

	wasRunning := j.Status() == types.JobRunning
	if wasRunning {
		j.pool.Pause()
		defer j.pool.Resume()
	}

	units, err := j.batch.Split(n)
	if err != nil {
		return Response{}, err
	}
	var buf bytes.Buffer
	if err := ledger.WriteUnits(&buf, ledger.JSONCodec{}, units); err != nil {
		return Response{}, err
	}
	if err := j.batch.Save(); err != nil {
		return Response{}, err
	}
	if err := j.record(wal.EventSplit, len(units)); err != nil {
		return Response{}, err
	}
	j.observeUnits()
	return Response{Message: fmt.Sprintf("%d units detached", len(units)), Payload: buf.Bytes()}, nil
}

func (j *WorkJob) splitCount(payload []byte) (int, error) {
	s := strings.TrimSpace(string(payload))
	if s == "" {
		return (j.countUnits(types.WorkInitialized) + 1) / 2, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("jobmanager: split count %q: must be a non-negative integer", s)
	}
	return n, nil
}

func (j *WorkJob) countUnits(s types.WorkStatus) int {
	if j.batch == nil {
		return 0
	}
	counts, err := j.batch.StatusCounts()
	if err != nil {
		return 0
	}
	return counts[s]
}

func (j *WorkJob) closeResources() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true

	var errs []error
	if j.events != nil {
		errs = append(errs, j.events.Close())
	}
	if j.locked {
		errs = append(errs, j.batch.Release())
		j.locked = false
	}
	return errors.Join(errs...)
}

// Close interrupts the job and releases its log and batch lock.
func (j *WorkJob) Close() error {
	j.cmdMu.Lock()
	defer j.cmdMu.Unlock()
	if _, err := j.interrupt(context.Background()); err != nil {
		return err
	}
	return j.closeResources()
}
