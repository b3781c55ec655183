package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codedock-io/codedock/internal/executor"
	"github.com/codedock-io/codedock/internal/governor"
	"github.com/codedock-io/codedock/internal/metrics"
	"github.com/codedock-io/codedock/internal/project"
	"github.com/codedock-io/codedock/internal/protocol"
	"github.com/codedock-io/codedock/internal/router"
	"github.com/codedock-io/codedock/internal/ws"
)

// frame is the decoded form of a server frame as a client sees it.
type frame struct {
	Type      protocol.MessageType `json:"type"`
	ProjectID string               `json:"project_id"`
	Data      json.RawMessage      `json:"data"`
}

type testServer struct {
	http    *httptest.Server
	hub     *ws.Hub
	manager *project.Manager
	engine  *executor.Engine
}

// newTestServer stands up the full stack with a stub agent CLI.
func newTestServer(t *testing.T, agentScript string) *testServer {
	t.Helper()

	logger := zap.NewNop()
	m := metrics.New()

	gov, err := governor.New(governor.Options{SampleInterval: time.Minute}, m, logger)
	require.NoError(t, err)

	manager, err := project.NewManager(project.Options{
		Root:        filepath.Join(t.TempDir(), "projects"),
		MaxProjects: 10,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(manager.Close)

	hub := ws.NewHub(ws.Limits{
		MaxConnections:      10,
		MaxConnectionsPerIP: 10,
		MaxFrameBytes:       1 << 20,
		SendQueueSize:       64,
		RateLimitPerSec:     1000,
		RateLimitBurst:      1000,
	}, m, logger)
	manager.SetBroadcaster(hub.Broadcast)

	binary := filepath.Join(t.TempDir(), "agent-stub")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"+agentScript), 0o755))

	engine := executor.New(executor.Options{
		Binary:        binary,
		MaxConcurrent: 2,
		Timeout:       10 * time.Second,
		KillGrace:     time.Second,
	}, hub.Broadcast, m, logger)

	rtr := router.New(router.Options{
		MaxPromptBytes: 1 << 20,
		Version:        "test",
	}, manager, engine, hub, gov, m, logger)
	rtr.SetAgentStatus(true, "1.2.3-stub")

	srv := New(Options{}, hub, rtr, gov, m, logger)
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return &testServer{http: httpSrv, hub: hub, manager: manager, engine: engine}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(env))
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// readUntil discards frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.MessageType) frame {
	t.Helper()
	for i := 0; i < 50; i++ {
		f := readFrame(t, conn)
		if f.Type == want {
			return f
		}
	}
	t.Fatalf("never received a %s frame", want)
	return frame{}
}

func createProject(t *testing.T, conn *websocket.Conn, path string) protocol.ProjectInfo {
	t.Helper()
	send(t, conn, protocol.Envelope{
		Type: protocol.TypeProjectCreate,
		Data: mustJSON(t, protocol.CreateRequest{Path: path}),
	})
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeProjectState, f.Type)

	var info protocol.ProjectInfo
	require.NoError(t, json.Unmarshal(f.Data, &info))
	return info
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestProjectLifecycleOverWebSocket(t *testing.T) {
	ts := newTestServer(t, "exit 0")
	conn := ts.dial(t)

	info := createProject(t, conn, t.TempDir())
	assert.Equal(t, "IDLE", info.State)
	assert.NotEmpty(t, info.ID)

	// Listing shows the project.
	send(t, conn, protocol.Envelope{Type: protocol.TypeProjectList})
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeProjectListResponse, f.Type)
	var list protocol.ProjectListPayload
	require.NoError(t, json.Unmarshal(f.Data, &list))
	require.Len(t, list.Projects, 1)
	assert.Equal(t, info.ID, list.Projects[0].ID)

	// Leave, rejoin: the join reply is an ack plus a state snapshot.
	send(t, conn, protocol.Envelope{Type: protocol.TypeProjectLeave, ProjectID: info.ID})
	f = readFrame(t, conn)
	assert.Equal(t, protocol.TypeProjectLeft, f.Type)

	send(t, conn, protocol.Envelope{Type: protocol.TypeProjectJoin, ProjectID: info.ID})
	f = readFrame(t, conn)
	assert.Equal(t, protocol.TypeProjectJoined, f.Type)
	f = readFrame(t, conn)
	assert.Equal(t, protocol.TypeProjectState, f.Type)

	// Delete notifies subscribers.
	send(t, conn, protocol.Envelope{Type: protocol.TypeProjectDelete, ProjectID: info.ID})
	f = readFrame(t, conn)
	assert.Equal(t, protocol.TypeProjectDeleted, f.Type)
	assert.Equal(t, info.ID, f.ProjectID)
	assert.Equal(t, 0, ts.manager.Count())
}

func TestInvalidRequestsGetErrorFrames(t *testing.T) {
	ts := newTestServer(t, "exit 0")
	conn := ts.dial(t)

	expectError := func(env protocol.Envelope, code protocol.ErrorCode) {
		t.Helper()
		send(t, conn, env)
		f := readFrame(t, conn)
		require.Equal(t, protocol.TypeError, f.Type)
		var payload protocol.ErrorPayload
		require.NoError(t, json.Unmarshal(f.Data, &payload))
		assert.Equal(t, code, payload.Code)
	}

	expectError(protocol.Envelope{
		Type: protocol.TypeProjectCreate,
		Data: mustJSON(t, protocol.CreateRequest{Path: "relative/path"}),
	}, protocol.ErrInvalidPath)

	expectError(protocol.Envelope{Type: "bogus_type"}, protocol.ErrInvalidMessage)

	expectError(protocol.Envelope{
		Type:      protocol.TypeProjectJoin,
		ProjectID: "00000000-0000-0000-0000-000000000000",
	}, protocol.ErrProjectNotFound)

	expectError(protocol.Envelope{
		Type:      protocol.TypeExecute,
		ProjectID: "not-a-uuid",
	}, protocol.ErrInvalidMessage)

	// Raw garbage that is not JSON at all.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, f.Type)
}

func TestExecuteStreamsToSubscribers(t *testing.T) {
	ts := newTestServer(t, `
echo '{"type":"system","session_id":"sess-7"}'
echo '{"type":"result","answer":42}'
`)
	conn := ts.dial(t)
	info := createProject(t, conn, t.TempDir())

	send(t, conn, protocol.Envelope{
		Type:      protocol.TypeExecute,
		ProjectID: info.ID,
		Data:      mustJSON(t, protocol.ExecuteRequest{Prompt: "what is the answer"}),
	})

	// EXECUTING first, then the two agent events in order, then IDLE.
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeProjectState, f.Type)
	var state protocol.ProjectInfo
	require.NoError(t, json.Unmarshal(f.Data, &state))
	assert.Equal(t, "EXECUTING", state.State)

	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeAgentMessage, f.Type)
	assert.Contains(t, string(f.Data), "sess-7")

	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeAgentMessage, f.Type)
	assert.Contains(t, string(f.Data), "42")

	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeProjectState, f.Type)
	require.NoError(t, json.Unmarshal(f.Data, &state))
	assert.Equal(t, "IDLE", state.State)
	assert.Equal(t, "sess-7", state.SessionID)

	// Replay returns the prompt and both events from the durable log.
	send(t, conn, protocol.Envelope{
		Type:      protocol.TypeGetMessages,
		ProjectID: info.ID,
	})
	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeMessagesResponse, f.Type)
	var replay protocol.MessagesPayload
	require.NoError(t, json.Unmarshal(f.Data, &replay))
	require.Len(t, replay.Messages, 3)
	assert.Equal(t, "client", replay.Messages[0].Direction)
	assert.JSONEq(t, `"what is the answer"`, string(replay.Messages[0].Message))
	assert.Equal(t, "agent", replay.Messages[1].Direction)
}

func TestSecondSubscriberSeesBroadcasts(t *testing.T) {
	ts := newTestServer(t, `echo '{"type":"result"}'`)
	connA := ts.dial(t)
	connB := ts.dial(t)

	info := createProject(t, connA, t.TempDir())

	send(t, connB, protocol.Envelope{Type: protocol.TypeProjectJoin, ProjectID: info.ID})
	readUntil(t, connB, protocol.TypeProjectJoined)
	readUntil(t, connB, protocol.TypeProjectState)

	send(t, connA, protocol.Envelope{
		Type:      protocol.TypeExecute,
		ProjectID: info.ID,
		Data:      mustJSON(t, protocol.ExecuteRequest{Prompt: "go"}),
	})

	// Both connections observe the execution.
	readUntil(t, connA, protocol.TypeAgentMessage)
	readUntil(t, connB, protocol.TypeAgentMessage)
}

func TestJoinWithProjectIDInData(t *testing.T) {
	ts := newTestServer(t, "exit 0")
	connA := ts.dial(t)
	connB := ts.dial(t)

	info := createProject(t, connA, t.TempDir())

	// The identifier rides inside data, with nothing at the top level.
	send(t, connB, protocol.Envelope{
		Type: protocol.TypeProjectJoin,
		Data: mustJSON(t, protocol.JoinRequest{ProjectID: info.ID}),
	})
	f := readFrame(t, connB)
	require.Equal(t, protocol.TypeProjectJoined, f.Type)
	assert.Equal(t, info.ID, f.ProjectID)

	f = readFrame(t, connB)
	require.Equal(t, protocol.TypeProjectState, f.Type)
	var state protocol.ProjectInfo
	require.NoError(t, json.Unmarshal(f.Data, &state))
	assert.Equal(t, info.ID, state.ID)
}

func TestDeleteWhileExecutingRefusedWithoutAnnouncement(t *testing.T) {
	ts := newTestServer(t, "sleep 5")
	conn := ts.dial(t)
	info := createProject(t, conn, t.TempDir())

	send(t, conn, protocol.Envelope{
		Type:      protocol.TypeExecute,
		ProjectID: info.ID,
		Data:      mustJSON(t, protocol.ExecuteRequest{Prompt: "go"}),
	})
	f := readUntil(t, conn, protocol.TypeProjectState)
	var state protocol.ProjectInfo
	require.NoError(t, json.Unmarshal(f.Data, &state))
	require.Equal(t, "EXECUTING", state.State)

	// Frames arrive in order on one connection, so the very next frame
	// after the delete attempt proves nothing was announced first.
	send(t, conn, protocol.Envelope{Type: protocol.TypeProjectDelete, ProjectID: info.ID})
	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeError, f.Type)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &payload))
	assert.Equal(t, protocol.ErrProcessActive, payload.Code)
	assert.Equal(t, 1, ts.manager.Count())

	send(t, conn, protocol.Envelope{Type: protocol.TypeAgentKill, ProjectID: info.ID})
	readUntil(t, conn, protocol.TypeProjectState)
}

func TestNewSessionBroadcastsReset(t *testing.T) {
	ts := newTestServer(t, `echo '{"session_id":"sess-1"}'`)
	conn := ts.dial(t)
	info := createProject(t, conn, t.TempDir())

	send(t, conn, protocol.Envelope{
		Type:      protocol.TypeExecute,
		ProjectID: info.ID,
		Data:      mustJSON(t, protocol.ExecuteRequest{Prompt: "go"}),
	})
	readUntil(t, conn, protocol.TypeAgentMessage)
	f := readUntil(t, conn, protocol.TypeProjectState)
	var state protocol.ProjectInfo
	require.NoError(t, json.Unmarshal(f.Data, &state))
	if state.State != "IDLE" {
		f = readUntil(t, conn, protocol.TypeProjectState)
		require.NoError(t, json.Unmarshal(f.Data, &state))
	}
	require.Equal(t, "sess-1", state.SessionID)

	send(t, conn, protocol.Envelope{Type: protocol.TypeAgentNewSession, ProjectID: info.ID})
	f = readUntil(t, conn, protocol.TypeSessionReset)
	assert.Equal(t, info.ID, f.ProjectID)

	p, err := ts.manager.Get(info.ID)
	require.NoError(t, err)
	assert.Empty(t, p.SessionID())
}

func TestGetHealthAndStats(t *testing.T) {
	ts := newTestServer(t, "exit 0")
	conn := ts.dial(t)

	send(t, conn, protocol.Envelope{Type: protocol.TypeGetHealth})
	f := readFrame(t, conn)
	require.Equal(t, protocol.TypeHealthStatus, f.Type)
	var health router.HealthPayload
	require.NoError(t, json.Unmarshal(f.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Claude.Available)
	assert.Equal(t, "1.2.3-stub", health.Claude.Version)
	assert.Equal(t, 1, health.Connections)

	send(t, conn, protocol.Envelope{Type: protocol.TypeGetStats})
	f = readFrame(t, conn)
	require.Equal(t, protocol.TypeServerStats, f.Type)
	var stats router.StatsPayload
	require.NoError(t, json.Unmarshal(f.Data, &stats))
	assert.Equal(t, "test", stats.Version)
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t, "exit 0")

	resp, err := http.Get(ts.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health router.HealthPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, "exit 0")

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionLimitRefusedOverHTTP(t *testing.T) {
	ts := newTestServer(t, "exit 0")

	// Fill the connection budget, waiting for each registration to land so
	// the admission check sees the true count.
	for i := 0; i < 10; i++ {
		ts.dial(t)
		want := i + 1
		require.Eventually(t, func() bool {
			return ts.hub.ConnectionCount() == want
		}, 5*time.Second, 5*time.Millisecond)
	}

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var payload protocol.ErrorPayload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, protocol.ErrResourceLimit, payload.Code)
}
