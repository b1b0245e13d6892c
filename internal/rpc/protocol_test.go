package rpc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello worker")

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0xFF, 0xFF, 0xFF, 0xFF} // far beyond MaxFrameLen
	buf.Write(lenBuf)

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestSendRecvMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	caps := ResourceCapabilities{NumCPUs: 4, NumGPUs: 1, MemoryGB: 16}
	msg := NewWorkerReady("worker-0", 1234, caps)

	require.NoError(t, SendMessage(&buf, msg))

	got, err := RecvMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, TagWorkerReady, got.Tag)
	require.NotNil(t, got.WorkerReady)
	assert.Equal(t, "worker-0", got.WorkerReady.WorkerID)
	assert.Equal(t, 1234, got.WorkerReady.PID)
	assert.Equal(t, caps, got.WorkerReady.Capabilities)
}

func TestTaskAssignmentRoundTripPreservesArgs(t *testing.T) {
	var buf bytes.Buffer

	args := FromJSON(map[string]interface{}{
		"x":    1.5,
		"name": "gamma",
		"tags": []interface{}{"a", "b"},
	})
	res := ResourceRequirements{NumCPUs: 2, MemoryGB: 4}
	msg := NewTaskAssignment("task-1", "run_inference", args, res)

	require.NoError(t, SendMessage(&buf, msg))

	got, err := RecvMessage(&buf)
	require.NoError(t, err)
	require.NotNil(t, got.TaskAssignment)
	assert.Equal(t, "task-1", got.TaskAssignment.TaskID)
	assert.Equal(t, "run_inference", got.TaskAssignment.FunctionName)
	assert.Equal(t, res, got.TaskAssignment.Resources)

	roundTripped := got.TaskAssignment.Args.ToJSON()
	asMap, ok := roundTripped.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "gamma", asMap["name"])
}

func TestMessageFromBytesRejectsMismatchedTag(t *testing.T) {
	msg := Message{Tag: TagWorkerReady} // no WorkerReady payload
	raw, err := msg.ToBytes()
	require.NoError(t, err)

	_, err = MessageFromBytes(raw)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestMessageFromBytesRejectsReservedTag(t *testing.T) {
	msg := Message{Tag: TagRouteRegistry}
	raw, err := msg.ToBytes()
	require.NoError(t, err)

	_, err = MessageFromBytes(raw)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestShutdownAndHeartbeatRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, SendMessage(&buf, NewShutdown(true)))
	got, err := RecvMessage(&buf)
	require.NoError(t, err)
	require.NotNil(t, got.Shutdown)
	assert.True(t, got.Shutdown.Graceful)

	require.NoError(t, SendMessage(&buf, NewHeartbeat("worker-3")))
	got, err = RecvMessage(&buf)
	require.NoError(t, err)
	require.NotNil(t, got.Heartbeat)
	assert.Equal(t, "worker-3", got.Heartbeat.WorkerID)
}
