package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeResponseFrame(t *testing.T) {
	raw := `{"type":"res","id":"42","ok":true,"payload":{"runId":"r1"}}`
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	assert.Equal(t, FrameTypeResponse, f.Type)
	assert.Equal(t, "42", f.ID)
	assert.True(t, f.OK)
	assert.JSONEq(t, `{"runId":"r1"}`, string(f.Payload))
}

func TestDecodeEventFrame(t *testing.T) {
	raw := `{"type":"event","event":"chat.event","payload":{"runId":"r1","state":"delta"},"seq":7,"stateVersion":{"presence":3,"health":1}}`
	var f Frame
	require.NoError(t, json.Unmarshal([]byte(raw), &f))

	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, "chat.event", f.Event)
	assert.Equal(t, int64(7), f.Seq)
	require.NotNil(t, f.StateVersion)
	assert.Equal(t, int64(3), f.StateVersion.Presence)
}

func TestNewRequestFrameEncoding(t *testing.T) {
	f, err := NewRequestFrame("01ABC", "chat.send", map[string]string{"message": "hi"})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)

	// Request frames must not leak response/event fields onto the wire.
	var onWire map[string]any
	require.NoError(t, json.Unmarshal(data, &onWire))
	assert.Equal(t, "req", onWire["type"])
	assert.Equal(t, "01ABC", onWire["id"])
	assert.Equal(t, "chat.send", onWire["method"])
	assert.NotContains(t, onWire, "ok")
	assert.NotContains(t, onWire, "event")
	assert.NotContains(t, onWire, "error")
}

func TestNewRequestFrameNilParams(t *testing.T) {
	f, err := NewRequestFrame("01ABC", "health", nil)
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "params")
}

func TestErrorShapeToRPCError(t *testing.T) {
	shape := &ErrorShape{
		Code:         "RATE_LIMITED",
		Message:      "slow down",
		Details:      json.RawMessage(`{"window":"1m"}`),
		Retryable:    true,
		RetryAfterMs: 1500,
	}
	err := shape.RPCError("cron.run")

	assert.Equal(t, "RATE_LIMITED", err.ErrCode)
	assert.Equal(t, "cron.run", err.Method)
	assert.True(t, err.Retryable)
	assert.Equal(t, 1500, err.RetryAfterMs)
	assert.Contains(t, err.Error(), "RATE_LIMITED")
	details, ok := err.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1m", details["window"])
}

func TestConnectParamsWireNames(t *testing.T) {
	params := ConnectParams{
		MinProtocol: 3,
		MaxProtocol: 3,
		Client:      ClientInfo{ID: "deck", InstanceID: "01X"},
		Auth:        AuthParams{Token: "tok"},
	}
	data, err := json.Marshal(params)
	require.NoError(t, err)

	var onWire map[string]any
	require.NoError(t, json.Unmarshal(data, &onWire))
	assert.Contains(t, onWire, "minProtocol")
	assert.Contains(t, onWire, "maxProtocol")
	client := onWire["client"].(map[string]any)
	assert.Equal(t, "01X", client["instanceId"])
	auth := onWire["auth"].(map[string]any)
	assert.Equal(t, "tok", auth["token"])
}
