package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeDecoding(t *testing.T) {
	raw := `{"type":"execute","project_id":"p1","data":{"prompt":"hi"}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, TypeExecute, env.Type)
	assert.Equal(t, "p1", env.ProjectID)

	var req ExecuteRequest
	require.NoError(t, json.Unmarshal(env.Data, &req))
	assert.Equal(t, "hi", req.Prompt)
}

func TestNewFrameStampsTimestamp(t *testing.T) {
	frame := NewFrame(TypeProjectJoined, "p1", ProjectRefPayload{ProjectID: "p1"})

	assert.Equal(t, TypeProjectJoined, frame.Type)
	assert.Equal(t, "p1", frame.ProjectID)

	parsed, err := time.Parse(time.RFC3339Nano, frame.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), parsed, time.Minute)
}

func TestFrameJSONShape(t *testing.T) {
	frame := NewFrame(TypeError, "p1", ErrorPayload{
		Code:    ErrInvalidPath,
		Message: "path must be absolute",
	})

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "error", decoded["type"])
	assert.Equal(t, "p1", decoded["project_id"])

	payload := decoded["data"].(map[string]any)
	assert.Equal(t, "INVALID_PATH", payload["code"])
	assert.Equal(t, "path must be absolute", payload["message"])
}

func TestFrameFromError(t *testing.T) {
	t.Run("wire error keeps its code", func(t *testing.T) {
		frame := FrameFromError("p1", Errorf(ErrProjectNotFound, "no project"))
		payload := frame.Data.(ErrorPayload)
		assert.Equal(t, ErrProjectNotFound, payload.Code)
		assert.Equal(t, "no project", payload.Message)
	})

	t.Run("plain errors are masked", func(t *testing.T) {
		frame := FrameFromError("p1", errors.New("sql: connection refused"))
		payload := frame.Data.(ErrorPayload)
		assert.Equal(t, ErrInternal, payload.Code)
		assert.NotContains(t, payload.Message, "sql")
	})
}

func TestWireErrorString(t *testing.T) {
	err := Errorf(ErrResourceLimit, "too many connections")
	assert.Equal(t, "RESOURCE_LIMIT: too many connections", err.Error())
}
