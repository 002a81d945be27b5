package transport

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/ChuLiYu/fleet-recovery/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope carries one job command between nodes. An empty JobID addresses
// every job on the receiving node.
type Envelope struct {
	Command types.JobCommand `json:"command"`
	JobID   string           `json:"job_id,omitempty"`
	Payload []byte           `json:"payload,omitempty"`
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("transport: encode envelope: %w", err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("transport: decode envelope: %w", err)
	}
	return e, nil
}
