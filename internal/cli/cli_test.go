package cli

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleet-recovery/internal/framing"
	"github.com/ChuLiYu/fleet-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
	"github.com/ChuLiYu/fleet-recovery/internal/storage/wal"
	"github.com/ChuLiYu/fleet-recovery/internal/transport"
)

// execute runs the CLI with args and returns what it printed.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "fleet", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "batch", "frames", "command"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestInvalidLogLevel(t *testing.T) {
	root := BuildCLI()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"batch", "status", "x", "--log-level", "loud"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --log-level")
}

func TestRunFailsWithoutConfig(t *testing.T) {
	_, err := execute(t, "run", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

// ============================================================================
// batch
// ============================================================================

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBatchCreateStatusFind(t *testing.T) {
	source := writeFile(t, "lines.txt", "alpha\nbeta\n\ngamma\n")
	path := filepath.Join(t.TempDir(), "b.batch")

	out, err := execute(t, "batch", "create", path, "--source", source, "--prefix", "t")
	require.NoError(t, err)
	assert.Contains(t, out, "3 units written")

	_, err = execute(t, "batch", "create", path, "--source", source)
	assert.ErrorIs(t, err, ErrBatchExists)

	out, err = execute(t, "batch", "status", path)
	require.NoError(t, err)
	assert.Regexp(t, `INITIALIZED\s+3`, out)
	assert.Regexp(t, `TOTAL\s+3`, out)

	out, err = execute(t, "batch", "find", path, "t-000002")
	require.NoError(t, err)
	assert.Contains(t, out, `#2 t-000002[INITIALIZED 5B] "gamma"`)

	_, err = execute(t, "batch", "find", path, "t-000009")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

// crashedBatch saves a batch whose first two units were in flight.
func crashedBatch(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crashed.batch")
	b := ledger.NewWorkBatch(path, ledger.BatchMakerFunc(func() ([]*ledger.UnitOfWork, error) {
		return []*ledger.UnitOfWork{
			ledger.NewUnit("a", []byte("1")),
			ledger.NewUnit("b", []byte("2")),
			ledger.NewUnit("c", []byte("3")),
		}, nil
	}))
	units, err := b.Units()
	require.NoError(t, err)
	require.True(t, units[0].Claim())
	require.True(t, units[1].Claim())
	require.NoError(t, b.Save())
	return path
}

func TestBatchReclaim(t *testing.T) {
	path := crashedBatch(t)

	out, err := execute(t, "batch", "status", path)
	require.NoError(t, err)
	assert.Regexp(t, `STOPPED\s+2`, out)
	assert.Contains(t, out, "2 units were PROCESSING when saved")

	out, err = execute(t, "batch", "reclaim", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 units reclaimed")

	out, err = execute(t, "batch", "status", path)
	require.NoError(t, err)
	assert.Regexp(t, `INITIALIZED\s+3`, out)
	assert.NotContains(t, out, "PROCESSING when saved")
}

func TestBatchReclaimRefusesHeldBatch(t *testing.T) {
	path := crashedBatch(t)
	owner := ledger.NewWorkBatch(path, nil)
	require.NoError(t, owner.Acquire())
	defer owner.Release()

	_, err := execute(t, "batch", "reclaim", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held by a running job")
}

func TestBatchImportSplitRecords(t *testing.T) {
	done := ledger.NewUnit("s-2", []byte("z"))
	require.True(t, done.Claim())
	require.True(t, done.Complete())

	var records bytes.Buffer
	require.NoError(t, ledger.WriteUnits(&records, ledger.JSONCodec{}, []*ledger.UnitOfWork{
		ledger.NewUnit("s-0", []byte("x")),
		ledger.NewUnit("s-1", []byte("y")),
		done,
	}))
	recordsPath := writeFile(t, "split.rec", records.String())
	path := filepath.Join(t.TempDir(), "handoff.batch")

	out, err := execute(t, "batch", "import", path, recordsPath)
	require.NoError(t, err)
	assert.Contains(t, out, "2 units imported")

	out, err = execute(t, "batch", "find", path, "s-1")
	require.NoError(t, err)
	assert.Contains(t, out, `#1 s-1[INITIALIZED 1B] "y"`)

	_, err = execute(t, "batch", "import", path, filepath.Join(t.TempDir(), "missing.rec"))
	require.Error(t, err)
}

// ============================================================================
// frames
// ============================================================================

func TestFramesScan(t *testing.T) {
	bad := framing.Encode([]byte("torn"))
	bad[len(bad)-1] ^= 0x01

	var stream bytes.Buffer
	stream.WriteString("noise")
	stream.Write(framing.Encode([]byte("one")))
	stream.Write(bad)
	stream.Write(framing.Encode([]byte("two")))
	path := writeFile(t, "stream.bin", stream.String())

	out, err := execute(t, "frames", "scan", path, "--dump")
	require.NoError(t, err)
	assert.Contains(t, out, `"one"`)
	assert.Contains(t, out, `"two"`)
	assert.Regexp(t, `frames:\s+2`, out)
	assert.Regexp(t, `payload bytes:\s+6`, out)
	assert.Regexp(t, `false positives:\s+1`, out)
}

func TestFramesScanEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")
	w, err := wal.NewWAL(path, wal.Options{})
	require.NoError(t, err)
	for _, typ := range []wal.EventType{wal.EventClaim, wal.EventComplete, wal.EventClaim} {
		_, err := w.Append(wal.Event{Type: typ, JobID: "j", UnitID: "u"}, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	out, err := execute(t, "frames", "scan", path, "--events")
	require.NoError(t, err)
	assert.Regexp(t, `CLAIM\s+2`, out)
	assert.Regexp(t, `COMPLETE\s+1`, out)
	assert.Regexp(t, `last seq:\s+3`, out)
}

// ============================================================================
// command
// ============================================================================

func startSinkNode(t *testing.T) string {
	t.Helper()
	m := jobmanager.NewManager(jobmanager.Deps{})
	job, err := m.Create(jobmanager.Spec{ID: "sink", Kind: jobmanager.KindSink, Log: filepath.Join(t.TempDir(), "sink.log")})
	require.NoError(t, err)
	require.NoError(t, job.Start(context.Background()))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := transport.NewServer(m)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = m.Shutdown(context.Background())
	})
	return lis.Addr().String()
}

func TestCommand(t *testing.T) {
	addr := startSinkNode(t)
	noConfig := filepath.Join(t.TempDir(), "none.yaml")

	out, err := execute(t, "command", "operate", "payload", "--node", addr, "--job", "sink", "-c", noConfig)
	require.NoError(t, err)
	resp, err := jobmanager.DecodeResponse([]byte(out))
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "1", string(resp.Payload))

	out, err = execute(t, "command", "STATUS", "--node", addr, "-c", noConfig)
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, `"RUNNING"`), out)

	_, err = execute(t, "command", "STATUS", "--node", addr, "--job", "ghost", "-c", noConfig)
	assert.ErrorIs(t, err, ErrCommandRejected)

	_, err = execute(t, "command", "TELEPORT", "--node", addr, "-c", noConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job command")
}
