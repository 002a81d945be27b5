package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJobCommand(t *testing.T) {
	for _, cmd := range AllJobCommands {
		t.Run(cmd.String(), func(t *testing.T) {
			got, err := ParseJobCommand(cmd.String())
			require.NoError(t, err)
			assert.Equal(t, cmd, got)
		})
	}

	got, err := ParseJobCommand("bounce")
	require.NoError(t, err)
	assert.Equal(t, CmdBounce, got, "parsing should ignore case")

	_, err = ParseJobCommand("REBOOT")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestJobCommandVocabulary(t *testing.T) {
	assert.Len(t, AllJobCommands, 13)
	assert.Equal(t, "JobCommand(99)", JobCommand(99).String())

	_, err := JobCommand(99).MarshalText()
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestWorkStatusText(t *testing.T) {
	tests := []struct {
		status WorkStatus
		name   string
	}{
		{WorkInitialized, "INITIALIZED"},
		{WorkProcessing, "PROCESSING"},
		{WorkStopped, "STOPPED"},
		{WorkCompleted, "COMPLETED"},
		{WorkFailed, "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := tt.status.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tt.name, string(text))

			var back WorkStatus
			require.NoError(t, back.UnmarshalText(text))
			assert.Equal(t, tt.status, back)
		})
	}

	var s WorkStatus
	assert.ErrorIs(t, s.UnmarshalText([]byte("DONE")), ErrUnknownWorkStatus)
}

func TestWorkStatusTerminal(t *testing.T) {
	assert.True(t, WorkCompleted.Terminal())
	assert.True(t, WorkFailed.Terminal())
	assert.False(t, WorkInitialized.Terminal())
	assert.False(t, WorkProcessing.Terminal())
	assert.False(t, WorkStopped.Terminal())
}

func TestNodeStatusString(t *testing.T) {
	assert.Equal(t, "UNKNOWN", NodeUnknown.String())
	assert.Equal(t, "INITIALIZING", NodeInitializing.String())
	assert.Equal(t, "UP", NodeUp.String())
	assert.Equal(t, "DOWN", NodeDown.String())
	assert.Equal(t, "FAIL", NodeFail.String())
	assert.Equal(t, "NodeStatus(7)", NodeStatus(7).String())
}
