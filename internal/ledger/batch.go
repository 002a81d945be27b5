package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"github.com/ChuLiYu/fleet-recovery/internal/snapshot"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var ErrNoSource = errors.New("ledger: batch file missing and no maker configured")

// BatchMaker produces the initial units of a batch that has never been saved.
type BatchMaker interface {
	CreateWorkUnits() ([]*UnitOfWork, error)
}

// BatchMakerFunc adapts a function to BatchMaker.
type BatchMakerFunc func() ([]*UnitOfWork, error)

func (f BatchMakerFunc) CreateWorkUnits() ([]*UnitOfWork, error) { return f() }

// BatchOption configures a WorkBatch.
type BatchOption func(*WorkBatch)

func WithCodec(c Codec) BatchOption {
	return func(b *WorkBatch) { b.codec = c }
}

func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(b *WorkBatch) { b.log = l }
}

// WithDemoteHook is called with the number of units demoted whenever a load
// from file demotes any. It runs under the batch lock.
func WithDemoteHook(fn func(n int)) BatchOption {
	return func(b *WorkBatch) { b.onDemote = fn }
}

// WorkBatch is an ordered, persisted collection of units identified by its
// file path. Units are loaded lazily on first use. A unit found PROCESSING
// on load was in flight when the previous owner died; it is demoted to
// STOPPED and stays there until ReclaimStopped.
type WorkBatch struct {
	mu     sync.Mutex
	store  *snapshot.Manager
	maker  BatchMaker
	codec  Codec
	log    *slog.Logger
	units  []*UnitOfWork
	loaded bool

	// gen changes whenever units may have become claimable again or moved,
	// so factory cursors know to rescan.
	gen      uint64
	demoted  int
	onDemote func(n int)
}

func NewWorkBatch(path string, maker BatchMaker, opts ...BatchOption) *WorkBatch {
	b := &WorkBatch{
		store: snapshot.NewManager(path),
		maker: maker,
		codec: JSONCodec{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = slog.Default().With("component", "ledger", "batch", path)
	}
	return b
}

func (b *WorkBatch) Path() string { return b.store.GetPath() }

// Acquire takes the single-writer lock on the batch file until Release.
func (b *WorkBatch) Acquire() error { return b.store.Acquire() }

func (b *WorkBatch) Release() error { return b.store.Release() }

// Units returns the units in batch order. The slice is a copy; the units
// are shared.
func (b *WorkBatch) Units() ([]*UnitOfWork, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	out := make([]*UnitOfWork, len(b.units))
	copy(out, b.units)
	return out, nil
}

// NumUnits reports the unit count. If the batch has not been loaded and its
// file exists, the count is taken from the file without keeping the units.
func (b *WorkBatch) NumUnits() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.loaded {
		return len(b.units), nil
	}
	if b.store.Exists() {
		f, _, err := b.store.Open()
		if err != nil {
			return 0, err
		}
		defer f.Close()
		return countRecords(f)
	}
	if err := b.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	return len(b.units), nil
}

// Add appends units to the end of the batch.
func (b *WorkBatch) Add(units ...*UnitOfWork) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return err
	}
	b.units = append(b.units, units...)
	b.gen++
	return nil
}

// Save writes every unit to the batch file atomically.
func (b *WorkBatch) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return err
	}
	return b.saveLocked()
}

func (b *WorkBatch) saveLocked() error {
	units := b.units
	if err := b.store.Write(func(w io.Writer) error {
		return WriteUnits(w, b.codec, units)
	}); err != nil {
		return fmt.Errorf("ledger: save %s: %w", b.Path(), err)
	}
	b.log.Debug("batch saved", "units", len(units))
	return nil
}

// Reload discards the in-memory units and loads them again. It returns the
// number of units demoted from PROCESSING to STOPPED.
func (b *WorkBatch) Reload() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	units, demoted, err := b.loadLocked()
	if err != nil {
		// the units in memory stay as they were
		return 0, err
	}
	b.installLocked(units, demoted)
	return demoted, nil
}

// Demoted is the number of units demoted by the most recent load.
func (b *WorkBatch) Demoted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.demoted
}

func (b *WorkBatch) ensureLoadedLocked() error {
	if b.loaded {
		return nil
	}
	units, demoted, err := b.loadLocked()
	if err != nil {
		return err
	}
	b.installLocked(units, demoted)
	return nil
}

// loadLocked reads the units from file, or from the maker when there is no
// file yet, without touching the batch.
func (b *WorkBatch) loadLocked() ([]*UnitOfWork, int, error) {
	if !b.store.Exists() && b.maker != nil {
		units, err := b.maker.CreateWorkUnits()
		if err != nil {
			return nil, 0, fmt.Errorf("ledger: create units for %s: %w", b.Path(), err)
		}
		return units, 0, nil
	}

	units, err := b.readLocked()
	if err != nil {
		return nil, 0, err
	}
	demoted := 0
	for _, u := range units {
		if u.Stop() {
			demoted++
		}
	}
	return units, demoted, nil
}

func (b *WorkBatch) installLocked(units []*UnitOfWork, demoted int) {
	if demoted > 0 {
		b.log.Warn("units were in flight at last save, marked STOPPED", "count", demoted)
		if b.onDemote != nil {
			b.onDemote(demoted)
		}
	}
	b.units = units
	b.demoted = demoted
	b.loaded = true
	b.gen++
}

func (b *WorkBatch) readLocked() ([]*UnitOfWork, error) {
	f, _, err := b.store.Open()
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoSource, b.Path())
		}
		return nil, err
	}
	defer f.Close()

	units, err := ReadUnits(f, b.codec)
	if err != nil {
		return nil, fmt.Errorf("ledger: load %s: %w", b.Path(), err)
	}
	return units, nil
}

// CurrentStatus groups the units by status, preserving batch order inside
// each group.
func (b *WorkBatch) CurrentStatus() (map[types.WorkStatus][]*UnitOfWork, error) {
	units, err := b.Units()
	if err != nil {
		return nil, err
	}
	return lo.GroupBy(units, func(u *UnitOfWork) types.WorkStatus { return u.Status() }), nil
}

// StatusCounts reports how many units hold each status. Every status is
// present in the map.
func (b *WorkBatch) StatusCounts() (map[types.WorkStatus]int, error) {
	groups, err := b.CurrentStatus()
	if err != nil {
		return nil, err
	}
	counts := make(map[types.WorkStatus]int, len(types.AllWorkStatuses))
	for _, s := range types.AllWorkStatuses {
		counts[s] = len(groups[s])
	}
	return counts, nil
}

// ReclaimStopped makes every STOPPED unit INITIALIZED again and returns how
// many were moved. Nothing else changes status.
func (b *WorkBatch) ReclaimStopped() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	n := 0
	for _, u := range b.units {
		if u.Reclaim() {
			n++
		}
	}
	if n > 0 {
		b.gen++
	}
	return n, nil
}

// StopProcessing marks every PROCESSING unit STOPPED, as an interrupt does.
func (b *WorkBatch) StopProcessing() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return 0, err
	}
	n := 0
	for _, u := range b.units {
		if u.Stop() {
			n++
		}
	}
	return n, nil
}

// Split detaches up to n INITIALIZED units from the tail of the batch and
// returns them in batch order, for handing off to another node. Units that
// are not INITIALIZED are never moved.
func (b *WorkBatch) Split(n int) ([]*UnitOfWork, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	take := make(map[*UnitOfWork]bool, n)
	for i := len(b.units) - 1; i >= 0 && len(take) < n; i-- {
		if b.units[i].Status() == types.WorkInitialized {
			take[b.units[i]] = true
		}
	}

	detached := lo.Filter(b.units, func(u *UnitOfWork, _ int) bool { return take[u] })
	b.units = lo.Filter(b.units, func(u *UnitOfWork, _ int) bool { return !take[u] })
	b.gen++
	return detached, nil
}

// Find returns the first unit accepted by match and its index, or nil and -1.
func (b *WorkBatch) Find(match func(*UnitOfWork) bool) (*UnitOfWork, int, error) {
	units, err := b.Units()
	if err != nil {
		return nil, -1, err
	}
	u, i, found := lo.FindIndexOf(units, match)
	if !found {
		return nil, -1, nil
	}
	return u, i, nil
}

// Remove deletes the batch file and forgets the in-memory units.
func (b *WorkBatch) Remove() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units = nil
	b.loaded = false
	b.gen++
	return b.store.Remove()
}

// cursor remembers where a factory stopped scanning.
type cursor struct {
	pos int
	gen uint64
}

// claimNext claims the next INITIALIZED unit at or after the cursor. When the
// batch changed shape since the cursor was taken the scan restarts at zero.
func (b *WorkBatch) claimNext(c *cursor) (*UnitOfWork, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	if c.gen != b.gen {
		c.pos = 0
		c.gen = b.gen
	}
	for ; c.pos < len(b.units); c.pos++ {
		u := b.units[c.pos]
		if u.Claim() {
			c.pos++
			return u, nil
		}
	}
	return nil, nil
}

func (b *WorkBatch) countStatus(s types.WorkStatus) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.loaded {
		return 0
	}
	return lo.CountBy(b.units, func(u *UnitOfWork) bool { return u.Status() == s })
}
