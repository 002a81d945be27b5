package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
	"github.com/ChuLiYu/fleet-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fleet-recovery/internal/transport"
	"github.com/ChuLiYu/fleet-recovery/internal/worker"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

const (
	KindRelay = "relay"
	KindSink  = "sink"
)

const (
	relayRetryInitial = 20 * time.Millisecond
	relayRetryMax     = time.Second
)

var (
	// ErrUnavailable means no node of the group answered within the budget.
	ErrUnavailable = errors.New("jobmanager: group unavailable")
	// ErrRejected means the receiving job answered but refused the request.
	ErrRejected = errors.New("jobmanager: request rejected")
)

// NewRelayJob builds a job that forwards every unit payload, and every
// OPERATE request, to spec.Target on some node of spec.Group.
func NewRelayJob(spec Spec, deps Deps) (Job, error) {
	if spec.Group == "" {
		return nil, errors.New("relay job needs a group")
	}
	d, ok := deps.Groups[spec.Group]
	if !ok {
		return nil, fmt.Errorf("relay job: unknown group %q", spec.Group)
	}
	r := &relay{dispatcher: d, target: spec.Target, window: spec.RetryWindow}
	if r.window <= 0 {
		r.window = defaultRetryWindow
	}

	var op worker.Operation
	if spec.Batch != "" {
		op = worker.OperationFunc(func(ctx context.Context, u *ledger.UnitOfWork) error {
			return r.deliver(ctx, u.Payload)
		})
	}
	job, err := NewWorkJob(spec, deps, op, r.forward)
	if err != nil {
		return nil, err
	}
	return job, nil
}

type relay struct {
	dispatcher Dispatcher
	target     string
	window     time.Duration
}

// deliver forwards a unit payload, retrying with backoff while the group is
// unavailable. A group that stays silent for the whole window yields
// worker.ErrTransient so the unit is left STOPPED instead of FAILED.
func (r *relay) deliver(ctx context.Context, payload []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = relayRetryInitial
	b.MaxInterval = relayRetryMax
	b.MaxElapsedTime = r.window
	b.Reset()

	err := backoff.Retry(func() error {
		_, err := r.forward(ctx, payload)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %w", worker.ErrTransient, err)
	}
	return err
}

func (r *relay) forward(ctx context.Context, payload []byte) ([]byte, error) {
	msg, err := transport.EncodeEnvelope(transport.Envelope{
		Command: types.CmdOperate,
		JobID:   r.target,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	reply, ok := r.dispatcher.Send(ctx, msg)
	if !ok {
		return nil, ErrUnavailable
	}
	resp, err := DecodeResponse(reply)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		reason := resp.Error
		if reason == "" {
			reason = resp.Message
		}
		return nil, fmt.Errorf("%w by %s: %s", ErrRejected, r.target, reason)
	}
	return resp.Payload, nil
}

// NewSinkJob builds a job that appends every OPERATE payload to its event
// log as a RECORD event and answers with the event's sequence number. With a
// batch, unit payloads are recorded the same way.
func NewSinkJob(spec Spec, deps Deps) (Job, error) {
	if spec.Log == "" {
		return nil, errors.New("sink job needs a log")
	}

	var job *WorkJob
	record := func(unitID string, payload []byte) (uint64, error) {
		return job.events.Append(wal.Event{
			Type:    wal.EventRecord,
			JobID:   spec.ID,
			UnitID:  unitID,
			Payload: payload,
		}, false)
	}

	var op worker.Operation
	if spec.Batch != "" {
		op = worker.OperationFunc(func(_ context.Context, u *ledger.UnitOfWork) error {
			_, err := record(u.ID, u.Payload)
			return err
		})
	}
	operate := func(_ context.Context, payload []byte) ([]byte, error) {
		seq, err := record("", payload)
		if err != nil {
			return nil, err
		}
		return strconv.AppendUint(nil, seq, 10), nil
	}

	job, err := NewWorkJob(spec, deps, op, operate)
	if err != nil {
		return nil, err
	}
	return job, nil
}
