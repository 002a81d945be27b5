package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.uber.org/atomic"
	"google.golang.org/protobuf/proto"
)

// ParseFunc turns a frame payload into a message. A parse error marks the
// frame as a false positive and scanning continues.
type ParseFunc[T any] func(payload []byte) (T, error)

// RawParser returns a copy of the payload.
func RawParser(payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// ProtoParser decodes payloads into protobuf messages built by newMsg.
func ProtoParser[M proto.Message](newMsg func() M) ParseFunc[M] {
	return func(payload []byte) (M, error) {
		m := newMsg()
		if err := proto.Unmarshal(payload, m); err != nil {
			return m, err
		}
		return m, nil
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	max     int
	onFalse func()
}

// WithMaxMessageBytes sets the largest length field accepted as a header.
func WithMaxMessageBytes(n int) ReaderOption {
	return func(c *readerConfig) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithFalsePositiveHook is called once per rejected frame candidate.
func WithFalsePositiveHook(fn func()) ReaderOption {
	return func(c *readerConfig) { c.onFalse = fn }
}

// Reader scans a byte stream for frames. The stream may contain garbage,
// torn frames or injected noise; the reader skips forward until it finds a
// frame whose header, checksum and payload all check out.
//
// A Reader is not safe for concurrent use.
type Reader[T any] struct {
	br    *bufio.Reader
	parse ParseFunc[T]
	cfg   readerConfig

	falsePositives *atomic.Int64
	skipped        *atomic.Int64
}

func NewReader[T any](r io.Reader, parse ParseFunc[T], opts ...ReaderOption) *Reader[T] {
	cfg := readerConfig{max: DefaultMaxMessageBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Reader[T]{
		// The whole largest frame has to fit in the peek window.
		br:             bufio.NewReaderSize(r, cfg.max+Overhead),
		parse:          parse,
		cfg:            cfg,
		falsePositives: atomic.NewInt64(0),
		skipped:        atomic.NewInt64(0),
	}
}

// FalsePositives counts header matches rejected by checksum or parse.
func (fr *Reader[T]) FalsePositives() int64 { return fr.falsePositives.Load() }

// SkippedBytes counts bytes discarded while hunting for a header.
func (fr *Reader[T]) SkippedBytes() int64 { return fr.skipped.Load() }

// Read returns the next valid message. It returns io.EOF once the stream
// holds no further complete frame, and any other error from the underlying
// reader unchanged.
func (fr *Reader[T]) Read() (T, error) {
	var zero T
	for {
		hdr, err := fr.br.Peek(headerLen)
		if len(hdr) < headerLen {
			return zero, fr.endOfStream(err)
		}

		length, ok := parseHeader(hdr, fr.cfg.max)
		if !ok {
			fr.advance(1)
			continue
		}

		frame, err := fr.br.Peek(headerLen + length + checksumLen)
		if len(frame) < headerLen+length+checksumLen {
			if err != nil && !errors.Is(err, io.EOF) {
				return zero, err
			}
			// Torn tail or a header lookalike near the end.
			fr.advance(1)
			continue
		}

		payload := frame[headerLen : headerLen+length]
		checksum := int32(binary.BigEndian.Uint32(frame[headerLen+length:]))
		if int(checksum) != length {
			fr.rejectCandidate()
			continue
		}

		msg, err := fr.parse(payload)
		if err != nil {
			fr.rejectCandidate()
			continue
		}

		if _, err := fr.br.Discard(len(frame)); err != nil {
			return zero, fmt.Errorf("framing: discard: %w", err)
		}
		return msg, nil
	}
}

// ReadAll drains the stream and returns every valid message in order.
func (fr *Reader[T]) ReadAll() ([]T, error) {
	var out []T
	for {
		msg, err := fr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
}

// rejectCandidate drops a header that passed the marker check but whose
// frame did not verify. Scanning resumes right after the header: a genuine
// header cannot start inside another one.
func (fr *Reader[T]) rejectCandidate() {
	fr.falsePositives.Inc()
	if fr.cfg.onFalse != nil {
		fr.cfg.onFalse()
	}
	fr.advance(headerLen)
}

func (fr *Reader[T]) advance(n int) {
	d, _ := fr.br.Discard(n)
	fr.skipped.Add(int64(d))
}

func (fr *Reader[T]) endOfStream(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
