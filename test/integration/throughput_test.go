package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleet-recovery/internal/balancer"
	"github.com/ChuLiYu/fleet-recovery/internal/ledger"
	"github.com/ChuLiYu/fleet-recovery/internal/transport"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

// BenchmarkOperateOverGrpc 測量單一 sink 節點經由 balancer 的 OPERATE 吞吐量
func BenchmarkOperateOverGrpc(b *testing.B) {
	nw := newNetwork()
	sink := start(b, nw, sinkConfig("sink-a", filepath.Join(b.TempDir(), "sink.log")))
	sink.waitJob(b, "sink", types.JobRunning)

	sender := nw.sender("sink-a")
	defer sender.Close()
	lb, err := balancer.New(balancer.Config{Group: "bench", Nodes: []string{"sink-a"}}, sender)
	require.NoError(b, err)

	msg, err := transport.EncodeEnvelope(transport.Envelope{Command: types.CmdOperate, JobID: "sink", Payload: []byte("bench")})
	require.NoError(b, err)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, ok := lb.Send(context.Background(), msg); !ok {
				b.Error("send exhausted")
				return
			}
		}
	})
	b.StopTimer()
}

// TestLargeBatchRecoveryTime 大型 batch 載入與 reclaim 的時間上限
func TestLargeBatchRecoveryTime(t *testing.T) {
	if testing.Short() {
		t.Skip("large batch")
	}
	const total, inFlight = 20000, 5000

	path := filepath.Join(t.TempDir(), "large.batch")
	crashed := ledger.NewWorkBatch(path, ledger.BatchMakerFunc(func() ([]*ledger.UnitOfWork, error) {
		units := make([]*ledger.UnitOfWork, total)
		for i := range units {
			units[i] = ledger.NewUnit(fmt.Sprintf("u-%06d", i), []byte(fmt.Sprintf("payload-%d", i)))
		}
		return units, nil
	}))
	units, err := crashed.Units()
	require.NoError(t, err)
	for _, u := range units[:inFlight] {
		require.True(t, u.Claim())
	}
	require.NoError(t, crashed.Save())

	began := time.Now()
	batch := ledger.NewWorkBatch(path, nil)
	counts, err := batch.StatusCounts()
	require.NoError(t, err)
	n, err := batch.ReclaimStopped()
	require.NoError(t, err)
	elapsed := time.Since(began)

	assert.Equal(t, inFlight, counts[types.WorkStopped])
	assert.Equal(t, total-inFlight, counts[types.WorkInitialized])
	assert.Equal(t, inFlight, n)
	assert.Less(t, elapsed, 3*time.Second)
	t.Logf("loaded and reclaimed %d units in %v", total, elapsed)
}
