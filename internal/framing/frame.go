// ============================================================================
// Fleet Framing - 自同步二進位訊框
// ============================================================================
//
// Package: internal/framing
// 文件: frame.go
// 功能: 在 append-only 位元組流中界定訊息，並能在損壞後重新同步
//
// 線格式 (big-endian):
//
//	+-----------+-----------+------------+---------+-----------+
//	| 0xFF x 5  | length(4) | 0x00 x 5   | payload | length(4) |
//	+-----------+-----------+------------+---------+-----------+
//
// 尾端的 checksum 就是 length 本身，用來在掃描時確認抓到的 header 不是巧合。
//
// ============================================================================

package framing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	markerLen   = 5
	lengthLen   = 4
	headerLen   = markerLen + lengthLen + markerLen
	checksumLen = 4

	// Overhead is the number of framing bytes around each payload.
	Overhead = headerLen + checksumLen

	// DefaultMaxMessageBytes bounds a single payload.
	DefaultMaxMessageBytes = 16 * 1024
)

var (
	preMarker  = bytes.Repeat([]byte{0xFF}, markerLen)
	postMarker = make([]byte, markerLen)
)

var (
	ErrEmptyMessage   = errors.New("framing: empty message")
	ErrMessageTooLong = errors.New("framing: message exceeds max size")
)

// Encode returns the framed form of payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+Overhead)
	buf = append(buf, preMarker...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, postMarker...)
	buf = append(buf, payload...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	return buf
}

// Writer frames payloads onto an underlying stream. Each frame is emitted
// with a single Write call under a mutex so concurrent writers never
// interleave.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	max int
	n   int64
}

func NewWriter(w io.Writer, maxMessageBytes int) *Writer {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return &Writer{w: w, max: maxMessageBytes}
}

func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyMessage
	}
	if len(payload) > fw.max {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLong, len(payload), fw.max)
	}
	frame := Encode(payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if _, err := fw.w.Write(frame); err != nil {
		return fmt.Errorf("framing: write: %w", err)
	}
	fw.n++
	return nil
}

// Frames is the number of frames written so far.
func (fw *Writer) Frames() int64 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.n
}

// parseHeader validates a candidate header and returns its length field.
func parseHeader(hdr []byte, max int) (int, bool) {
	if !bytes.Equal(hdr[:markerLen], preMarker) {
		return 0, false
	}
	length := int32(binary.BigEndian.Uint32(hdr[markerLen : markerLen+lengthLen]))
	if length <= 0 || int(length) > max {
		return 0, false
	}
	if !bytes.Equal(hdr[markerLen+lengthLen:headerLen], postMarker) {
		return 0, false
	}
	return int(length), true
}
