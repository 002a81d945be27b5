package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func readAllRaw(t *testing.T, data []byte, opts ...ReaderOption) ([][]byte, *Reader[[]byte]) {
	t.Helper()
	r := NewReader(bytes.NewReader(data), RawParser, opts...)
	msgs, err := r.ReadAll()
	require.NoError(t, err)
	return msgs, r
}

func TestEncodeLayout(t *testing.T) {
	frame := Encode([]byte("abc"))

	want := []byte{
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x00, 0x00, 0x00, 0x00,
		'a', 'b', 'c',
		0x00, 0x00, 0x00, 0x03,
	}
	assert.Equal(t, want, frame)
	assert.Len(t, frame, 3+Overhead)
}

func TestWriterRejectsBadSizes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 8)

	assert.ErrorIs(t, w.WriteFrame(nil), ErrEmptyMessage)
	assert.ErrorIs(t, w.WriteFrame(make([]byte, 9)), ErrMessageTooLong)
	require.NoError(t, w.WriteFrame(make([]byte, 8)))
	assert.EqualValues(t, 1, w.Frames())
	assert.Equal(t, 8+Overhead, buf.Len())
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	var want [][]byte
	for i := 0; i < 50; i++ {
		p := []byte(fmt.Sprintf("message-%03d", i))
		want = append(want, p)
		require.NoError(t, w.WriteFrame(p))
	}
	require.NoError(t, w.WriteFrame(bytes.Repeat([]byte{'x'}, DefaultMaxMessageBytes)))
	want = append(want, bytes.Repeat([]byte{'x'}, DefaultMaxMessageBytes))

	got, r := readAllRaw(t, buf.Bytes())
	assert.Equal(t, want, got)
	assert.Zero(t, r.FalsePositives())
	assert.Zero(t, r.SkippedBytes())
}

func TestResyncThroughNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	noise := func(n int) []byte {
		b := make([]byte, n)
		rng.Read(b)
		return b
	}

	var stream []byte
	var want [][]byte
	for i := 0; i < 20; i++ {
		stream = append(stream, noise(rng.Intn(64))...)
		p := []byte(fmt.Sprintf("payload %d", i))
		want = append(want, p)
		stream = append(stream, Encode(p)...)
	}
	stream = append(stream, noise(17)...)

	got, r := readAllRaw(t, stream)
	assert.Equal(t, want, got)
	assert.Positive(t, r.SkippedBytes())
}

func TestChecksumMismatchIsFalsePositive(t *testing.T) {
	bad := Encode([]byte("hello"))
	bad[len(bad)-1] ^= 0x01
	stream := append(bad, Encode([]byte("world"))...)

	var hooked int
	got, r := readAllRaw(t, stream, WithFalsePositiveHook(func() { hooked++ }))

	assert.Equal(t, [][]byte{[]byte("world")}, got)
	assert.EqualValues(t, 1, r.FalsePositives())
	assert.Equal(t, 1, hooked)
}

func TestParseFailureIsFalsePositive(t *testing.T) {
	good, err := proto.Marshal(wrapperspb.String("fleet"))
	require.NoError(t, err)

	// Field 1, length-delimited, claims five bytes but carries one.
	truncated := []byte{0x0A, 0x05, 'a'}

	stream := append(Encode(truncated), Encode(good)...)
	r := NewReader(bytes.NewReader(stream), ProtoParser(func() *wrapperspb.StringValue {
		return &wrapperspb.StringValue{}
	}))

	msg, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "fleet", msg.GetValue())
	assert.EqualValues(t, 1, r.FalsePositives())

	_, err = r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOversizedLengthIsNotAHeader(t *testing.T) {
	big := Encode(bytes.Repeat([]byte{'z'}, 64))
	stream := append(big, Encode([]byte("ok"))...)

	got, r := readAllRaw(t, stream, WithMaxMessageBytes(32))
	assert.Equal(t, [][]byte{[]byte("ok")}, got)
	assert.Zero(t, r.FalsePositives(), "a length over the limit fails the header check, not the checksum")
}

func TestTornTailEndsCleanly(t *testing.T) {
	second := Encode([]byte("second frame"))
	stream := append(Encode([]byte("first")), second[:len(second)-3]...)

	got, _ := readAllRaw(t, stream)
	assert.Equal(t, [][]byte{[]byte("first")}, got)
}

func TestEmptyAndTinyStreams(t *testing.T) {
	for _, data := range [][]byte{nil, {0xFF}, bytes.Repeat([]byte{0xFF}, 13), make([]byte, 100)} {
		r := NewReader(bytes.NewReader(data), RawParser)
		_, err := r.Read()
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestUnderlyingErrorSurfaced(t *testing.T) {
	boom := errors.New("disk on fire")
	r := NewReader(iotest.ErrReader(boom), RawParser)

	_, err := r.Read()
	assert.ErrorIs(t, err, boom)
}

func TestScanTerminatesOnArbitraryInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		data := make([]byte, rng.Intn(4096))
		rng.Read(data)
		// Sprinkle marker bytes so candidate headers actually show up.
		for j := 0; j+headerLen < len(data); j += 1 + rng.Intn(300) {
			copy(data[j:], preMarker)
		}

		r := NewReader(bytes.NewReader(data), RawParser)
		_, err := r.ReadAll()
		require.NoError(t, err)
	}
}

func TestConcurrentWritersDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, w.WriteFrame([]byte(fmt.Sprintf("g%d-%d", g, i))))
			}
		}(g)
	}
	wg.Wait()

	got, r := readAllRaw(t, buf.Bytes())
	assert.Len(t, got, 400)
	assert.Zero(t, r.SkippedBytes())
}

func FuzzReader(f *testing.F) {
	f.Add(Encode([]byte("seed")))
	f.Add(append([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0, 0, 9}, Encode([]byte("x"))...))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		r := NewReader(bytes.NewReader(data), RawParser, WithMaxMessageBytes(256))
		msgs, err := r.ReadAll()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, m := range msgs {
			if len(m) == 0 || len(m) > 256 {
				t.Fatalf("invalid message length %d", len(m))
			}
		}
	})
}
