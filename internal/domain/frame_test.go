package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameType_Classification(t *testing.T) {
	assert.True(t, FrameComplete.IsTerminal())
	assert.True(t, FrameError.IsTerminal())
	assert.True(t, FrameInitError.IsTerminal())
	assert.False(t, FrameData.IsTerminal())
	assert.False(t, FrameKeepAlive.IsTerminal())

	assert.True(t, FrameData.RequiresID())
	assert.True(t, FrameComplete.RequiresID())
	assert.False(t, FrameError.RequiresID())
	assert.False(t, FrameInitAck.RequiresID())

	assert.True(t, FrameKeepAlive.Known())
	assert.False(t, FrameType("next").Known())
}

func TestFrame_WireFormat(t *testing.T) {
	f, err := NewFrame(FrameStart, "1", StartPayload{Query: "subscription { tick }"})
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"start","id":"1","payload":{"query":"subscription { tick }"}}`, string(data))
}

func TestFrame_OmitsEmptyFields(t *testing.T) {
	f, err := NewFrame(FrameTerminate, "", nil)
	require.NoError(t, err)

	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection_terminate"}`, string(data))
}

func TestNewFrame_RawPayloadPassesThrough(t *testing.T) {
	raw := json.RawMessage(`{"data":{"x":1}}`)
	f, err := NewFrame(FrameData, "7", raw)
	require.NoError(t, err)
	assert.Equal(t, raw, f.Payload)
}

func TestNewFrame_MarshalError(t *testing.T) {
	_, err := NewFrame(FrameStart, "1", map[string]any{"bad": make(chan int)})
	assert.Error(t, err)
}

func TestInitPayload_HeadersKey(t *testing.T) {
	f, err := NewFrame(FrameInit, "", InitPayload{Headers: map[string]string{"Authorization": "Bearer x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"headers":{"Authorization":"Bearer x"}}`, string(f.Payload))
}

func TestFrame_String(t *testing.T) {
	assert.Equal(t, "ka", Frame{Type: FrameKeepAlive}.String())
	assert.Equal(t, "data/42", Frame{Type: FrameData, ID: "42"}.String())
}

func TestDecodeResponse(t *testing.T) {
	resp, err := DecodeResponse(json.RawMessage(`{"data":{"hero":"R2"},"errors":[{"message":"partial","path":["hero"]}]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"hero":"R2"}`, string(resp.Data))
	require.True(t, resp.HasErrors())
	assert.Equal(t, "partial", resp.Errors[0].Message)

	empty, err := DecodeResponse(nil)
	require.NoError(t, err)
	assert.False(t, empty.HasErrors())

	_, err = DecodeResponse(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestRequest_CloneIsolatesMaps(t *testing.T) {
	req := Request{Query: "q", Variables: map[string]any{"a": 1}, Headers: map[string]string{"k": "v"}}
	c := req.Clone()
	req.Variables["a"] = 2
	req.Headers["k"] = "changed"
	assert.Equal(t, 1, c.Variables["a"])
	assert.Equal(t, "v", c.Headers["k"])
}

func TestRequest_StartPayload(t *testing.T) {
	req := Request{Query: "query Q { a }", OperationName: "Q", Variables: map[string]any{"x": "y"}}
	p := req.StartPayload()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":"query Q { a }","operationName":"Q","variables":{"x":"y"}}`, string(data))
}

func TestOperationStrings(t *testing.T) {
	assert.Equal(t, "oneshot", OneShot.String())
	assert.Equal(t, "subscription", Subscription.String())
	assert.Equal(t, "stopping", StatusStopping.String())
	assert.Equal(t, "unknown", OperationStatus(99).String())
}
