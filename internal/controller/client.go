package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/fleet-recovery/internal/balancer"
	"github.com/ChuLiYu/fleet-recovery/internal/jobmanager"
	"github.com/ChuLiYu/fleet-recovery/internal/transport"
	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

// SendCommand 直接把一個指令送到指定節點，不經過 balancer
//
// jobID 為空時指令會交給該節點上的所有任務。
//
// 返回值：
//   - jobmanager.Response: 節點的回應，任務拒絕時 OK 為 false
//   - error: 編碼、傳輸或解碼失敗
func SendCommand(ctx context.Context, s balancer.Sender, node string, cmd types.JobCommand,
	jobID string, payload []byte, timeout time.Duration) (jobmanager.Response, error) {
	msg, err := transport.EncodeEnvelope(transport.Envelope{Command: cmd, JobID: jobID, Payload: payload})
	if err != nil {
		return jobmanager.Response{}, err
	}
	reply, err := s.Send(ctx, node, msg, timeout)
	if err != nil {
		return jobmanager.Response{}, fmt.Errorf("controller: %s to %s: %w", cmd, node, err)
	}
	return jobmanager.DecodeResponse(reply)
}
