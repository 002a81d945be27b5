package jobmanager

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

const (
	defaultWorkers     = 4
	defaultRetryWindow = 30 * time.Second
)

// Spec describes one job hosted by a node.
type Spec struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind"`

	// Batch is the unit file. Jobs without one serve OPERATE requests only.
	Batch string `yaml:"batch" json:"batch,omitempty"`
	// Source seeds a batch that was never saved: one unit per line.
	Source string `yaml:"source" json:"source,omitempty"`
	// Log is the framed event log of unit transitions.
	Log string `yaml:"log" json:"log,omitempty"`

	Group  string `yaml:"group" json:"group,omitempty"`   // relay: balancer group
	Target string `yaml:"target" json:"target,omitempty"` // relay: job on the receiving nodes
	// RetryWindow bounds how long a relay unit retries a group that did not
	// answer before it is left STOPPED.
	RetryWindow time.Duration `yaml:"retry_window" json:"retry_window,omitempty"`

	Workers   int `yaml:"workers" json:"workers,omitempty"`
	SaveEvery int `yaml:"save_every" json:"save_every,omitempty"`
}

// Dispatcher sends one message to some node of a group. A false result means
// no node answered within the budget.
type Dispatcher interface {
	Send(ctx context.Context, msg []byte) ([]byte, bool)
}

// UnitObserver receives unit bookkeeping for export.
type UnitObserver interface {
	ObserveUnits(job string, counts map[types.WorkStatus]int)
	ObserveDemoted(job string, n int)
}

type nopUnitObserver struct{}

func (nopUnitObserver) ObserveUnits(string, map[types.WorkStatus]int) {}
func (nopUnitObserver) ObserveDemoted(string, int)                    {}

// Deps are handed to every job constructor.
type Deps struct {
	Groups          map[string]Dispatcher
	Observer        UnitObserver
	Logger          *slog.Logger
	MaxMessageBytes int
}

// LineMaker turns each non-empty line of a text file into a unit whose ID is
// prefix followed by the line ordinal.
func LineMaker(prefix, path string) ledger.BatchMaker {
	return ledger.BatchMakerFunc(func() ([]*ledger.UnitOfWork, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var units []*ledger.UnitOfWork
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			payload := make([]byte, len(line))
			copy(payload, line)
			units = append(units, ledger.NewUnit(fmt.Sprintf("%s-%06d", prefix, len(units)), payload))
		}
		return units, sc.Err()
	})
}
