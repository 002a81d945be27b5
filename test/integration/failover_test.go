package integration

import (
	"path/filepath"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/fleet-recovery/internal/health"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

// TestRelayFailsOverPastDeadMember 群組第一個節點沒有 listener，
// 所有 unit 仍應送到存活的節點
func TestRelayFailsOverPastDeadMember(t *testing.T) {
	dir := t.TempDir()
	source, lines := writeLines(t, dir, 30)
	sinkLog := filepath.Join(dir, "sink.log")

	nw := newNetwork()
	sink := start(t, nw, sinkConfig("sink-a", sinkLog))
	sink.waitJob(t, "sink", types.JobRunning)

	relay := start(t, nw, relayConfig(nw, filepath.Join(dir, "relay.batch"), source, "ghost", "sink-a"))
	relay.waitJob(t, "relay", types.JobFinished)

	counts := relay.probe(t, "relay")
	assert.Equal(t, 30, counts["COMPLETED"])
	assert.Zero(t, counts["FAILED"])
	assert.Zero(t, counts["STOPPED"])

	lb, ok := relay.node.Balancer("sinks")
	require.True(t, ok)
	assert.True(t, lb.IsUp())
	nodes := lo.SliceToMap(lb.Nodes(), func(s health.Snapshot) (string, health.Snapshot) { return s.Name, s })
	assert.Equal(t, types.NodeUp, nodes["sink-a"].Status)
	assert.Contains(t, []types.NodeStatus{types.NodeDown, types.NodeFail}, nodes["ghost"].Status)
	assert.Positive(t, nodes["ghost"].DownCount)

	relay.stop(t)
	sink.stop(t)

	seen := recorded(t, sinkLog)
	for _, line := range lines {
		assert.Contains(t, seen, line)
	}
}
