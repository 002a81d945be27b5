package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxRecordBytes guards against allocating on a garbage length prefix.
const MaxRecordBytes = 64 << 20

var (
	ErrTruncatedRecord = errors.New("ledger: truncated record")
	ErrCorruptRecord   = errors.New("ledger: corrupt record")
)

// RecordError locates a record that could not be read or decoded.
type RecordError struct {
	Index int
	Err   error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("ledger: record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Codec turns units into record bytes and back.
type Codec interface {
	Marshal(u *UnitOfWork) ([]byte, error)
	Unmarshal(data []byte) (*UnitOfWork, error)
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

type unitRecord struct {
	ID      string           `json:"id"`
	Payload []byte           `json:"payload,omitempty"`
	Status  types.WorkStatus `json:"status"`
}

func (JSONCodec) Marshal(u *UnitOfWork) ([]byte, error) {
	return json.Marshal(unitRecord{ID: u.ID, Payload: u.Payload, Status: u.Status()})
}

func (JSONCodec) Unmarshal(data []byte) (*UnitOfWork, error) {
	var rec unitRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return newUnitWithStatus(rec.ID, rec.Payload, rec.Status), nil
}

// WriteRecord writes one length-prefixed record.
func WriteRecord(w io.Writer, data []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadRecord reads one length-prefixed record. It returns io.EOF only when
// the stream ends exactly on a record boundary.
func ReadRecord(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxRecordBytes {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptRecord, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	return data, nil
}

// WriteUnits encodes units back to back.
func WriteUnits(w io.Writer, codec Codec, units []*UnitOfWork) error {
	for i, u := range units {
		data, err := codec.Marshal(u)
		if err != nil {
			return &RecordError{Index: i, Err: err}
		}
		if err := WriteRecord(w, data); err != nil {
			return &RecordError{Index: i, Err: err}
		}
	}
	return nil
}

// ReadUnits decodes every record until end of stream, in order.
func ReadUnits(r io.Reader, codec Codec) ([]*UnitOfWork, error) {
	var units []*UnitOfWork
	for i := 0; ; i++ {
		data, err := ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return units, nil
		}
		if err != nil {
			return units, &RecordError{Index: i, Err: err}
		}
		u, err := codec.Unmarshal(data)
		if err != nil {
			return units, &RecordError{Index: i, Err: fmt.Errorf("%w: %v", ErrCorruptRecord, err)}
		}
		units = append(units, u)
	}
}

// countRecords walks the record boundaries without decoding.
func countRecords(r io.Reader) (int, error) {
	for i := 0; ; i++ {
		_, err := ReadRecord(r)
		if errors.Is(err, io.EOF) {
			return i, nil
		}
		if err != nil {
			return i, &RecordError{Index: i, Err: err}
		}
	}
}
