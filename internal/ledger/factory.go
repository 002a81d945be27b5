package ledger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sync"

	"go.uber.org/atomic"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var ErrFactoryClosed = errors.New("ledger: factory closed")

// WorkFactory hands out units to workers.
//
// Next returns a nil unit when nothing is available right now. Callers tell
// "drained" from "come back later" with IsComplete: once every retrieved
// unit has been released and Next still returns nil, the work is done.
type WorkFactory interface {
	Next() (*UnitOfWork, error)
	Release(u *UnitOfWork) error
	Close() error
	IsComplete() bool
	RemainingEstimate() int64
}

// releaseCounter tracks retrieved versus released units.
type releaseCounter struct {
	retrieved *atomic.Int64
	released  *atomic.Int64
}

func newReleaseCounter() releaseCounter {
	return releaseCounter{retrieved: atomic.NewInt64(0), released: atomic.NewInt64(0)}
}

func (c releaseCounter) complete() bool {
	return c.released.Load() >= c.retrieved.Load()
}

// BatchFactory serves the INITIALIZED units of a WorkBatch in batch order.
// Claiming a unit moves it to PROCESSING inside one critical section, so no
// unit is handed out twice.
type BatchFactory struct {
	mu     sync.Mutex
	batch  *WorkBatch
	cursor cursor
	closed bool

	counter   releaseCounter
	saveEvery int
	sinceSave int
}

// NewBatchFactory persists the batch every saveEvery releases and on Close.
// saveEvery <= 0 only saves on Close.
func NewBatchFactory(batch *WorkBatch, saveEvery int) *BatchFactory {
	return &BatchFactory{
		batch:     batch,
		counter:   newReleaseCounter(),
		saveEvery: saveEvery,
	}
}

func (f *BatchFactory) Batch() *WorkBatch { return f.batch }

func (f *BatchFactory) Next() (*UnitOfWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	u, err := f.batch.claimNext(&f.cursor)
	if err != nil || u == nil {
		return nil, err
	}
	f.counter.retrieved.Inc()
	return u, nil
}

func (f *BatchFactory) Release(u *UnitOfWork) error {
	f.counter.released.Inc()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSave++
	if f.saveEvery > 0 && f.sinceSave >= f.saveEvery {
		f.sinceSave = 0
		return f.batch.Save()
	}
	return nil
}

// Close saves the batch. Further Next calls fail with ErrFactoryClosed.
func (f *BatchFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.batch.Save()
}

func (f *BatchFactory) IsComplete() bool { return f.counter.complete() }

// RemainingEstimate is exact for a batch: the number of INITIALIZED units.
func (f *BatchFactory) RemainingEstimate() int64 {
	return int64(f.batch.countStatus(types.WorkInitialized))
}

// StreamFactory reads serialized units from a bounded stream and treats it
// as a queue. Units that are not INITIALIZED in the stream are read past and
// counted; a PROCESSING record is demoted to STOPPED first, as a batch load
// does.
type StreamFactory struct {
	mu        sync.Mutex
	src       *countingReader
	closer    io.Closer
	codec     Codec
	log       *slog.Logger
	total     int64
	numRead   int64
	skipped   int64
	demoted   int64
	exhausted bool
	closed    bool

	counter releaseCounter
}

// NewStreamFactory wraps r, which holds totalBytes bytes of records.
func NewStreamFactory(r io.Reader, totalBytes int64, codec Codec) *StreamFactory {
	if codec == nil {
		codec = JSONCodec{}
	}
	sf := &StreamFactory{
		src:     &countingReader{r: r},
		codec:   codec,
		log:     slog.Default().With("component", "ledger"),
		total:   totalBytes,
		counter: newReleaseCounter(),
	}
	if c, ok := r.(io.Closer); ok {
		sf.closer = c
	}
	return sf
}

// OpenStreamFactory streams the units of a saved batch file.
func OpenStreamFactory(path string, codec Codec) (*StreamFactory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open stream: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: stat stream: %w", err)
	}
	return NewStreamFactory(f, st.Size(), codec), nil
}

func (f *StreamFactory) Next() (*UnitOfWork, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFactoryClosed
	}
	for !f.exhausted {
		data, err := ReadRecord(f.src)
		if errors.Is(err, io.EOF) {
			f.exhausted = true
			if f.skipped > 0 {
				f.log.Warn("stream records skipped", "skipped", f.skipped, "demoted", f.demoted)
			}
			break
		}
		if err != nil {
			f.exhausted = true
			return nil, &RecordError{Index: int(f.numRead), Err: err}
		}
		idx := f.numRead
		f.numRead++

		u, err := f.codec.Unmarshal(data)
		if err != nil {
			return nil, &RecordError{Index: int(idx), Err: fmt.Errorf("%w: %v", ErrCorruptRecord, err)}
		}
		if u.Stop() {
			f.demoted++
		}
		if !u.Claim() {
			f.skipped++
			f.log.Debug("stream record skipped", "index", idx, "unit", u.ID, "status", u.Status())
			continue
		}
		f.counter.retrieved.Inc()
		return u, nil
	}
	return nil, nil
}

// Skipped is the number of records read past because they were not
// INITIALIZED.
func (f *StreamFactory) Skipped() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skipped
}

// Demoted is the number of skipped records that were PROCESSING.
func (f *StreamFactory) Demoted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.demoted
}

// Release only counts; stream units have nowhere to be written back to.
func (f *StreamFactory) Release(*UnitOfWork) error {
	f.counter.released.Inc()
	return nil
}

func (f *StreamFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

func (f *StreamFactory) IsComplete() bool { return f.counter.complete() }

// RemainingEstimate extrapolates from the average record size seen so far:
// round(numRead*totalLength/readLength) - numRead. It is -1 before anything
// has been read and 0 once the stream is exhausted.
func (f *StreamFactory) RemainingEstimate() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exhausted {
		return 0
	}
	read := f.src.n
	if read == 0 || f.numRead == 0 {
		return -1
	}
	est := int64(math.Round(float64(f.numRead)*float64(f.total)/float64(read))) - f.numRead
	if est < 0 {
		return 0
	}
	return est
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
