// Package protocol defines the WebSocket wire format shared by the server
// and its clients. Every frame in either direction is a JSON envelope with a
// type tag; the server dispatches on it, the clients route the payload to the
// correct store update.
//
// Envelope example (client → server):
//
//	{"type":"execute","project_id":"018f...","data":{"prompt":"hello"}}
//
// Envelope example (server → client):
//
//	{"type":"project_state","project_id":"018f...","data":{"state":"EXECUTING",...}}
package protocol

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of event carried by an envelope.
type MessageType string

// Client → server message types.
const (
	// TypeProjectCreate creates (or returns) the project for an absolute path.
	TypeProjectCreate MessageType = "project_create"

	// TypeProjectList enumerates all projects.
	TypeProjectList MessageType = "project_list"

	// TypeProjectDelete deletes a project and its message log.
	// Refused while the project is executing.
	TypeProjectDelete MessageType = "project_delete"

	// TypeProjectJoin subscribes the connection to a project's broadcasts.
	TypeProjectJoin MessageType = "project_join"

	// TypeProjectLeave unsubscribes the connection from a project.
	TypeProjectLeave MessageType = "project_leave"

	// TypeExecute runs the agent CLI against the project directory.
	TypeExecute MessageType = "execute"

	// TypeAgentKill terminates any in-flight execution for the project.
	TypeAgentKill MessageType = "agent_kill"

	// TypeAgentNewSession clears the stored session identifier so the next
	// execution starts a fresh agent conversation.
	TypeAgentNewSession MessageType = "agent_new_session"

	// TypeGetMessages replays log entries appended after a timestamp.
	TypeGetMessages MessageType = "get_messages"

	// TypeGetHealth requests a health_status frame.
	TypeGetHealth MessageType = "get_health"

	// TypeGetStats requests a server_stats frame.
	TypeGetStats MessageType = "get_stats"
)

// Server → client message types.
const (
	TypeProjectState        MessageType = "project_state"
	TypeProjectListResponse MessageType = "project_list_response"
	TypeProjectJoined       MessageType = "project_joined"
	TypeProjectLeft         MessageType = "project_left"
	TypeProjectDeleted      MessageType = "project_deleted"
	TypeAgentMessage        MessageType = "agent_message"
	TypeMessagesResponse    MessageType = "messages_response"
	TypeSessionReset        MessageType = "session_reset"
	TypeError               MessageType = "error"
	TypeHealthStatus        MessageType = "health_status"
	TypeServerStats         MessageType = "server_stats"
)

// Envelope is the decoded form of an inbound client frame. Data is kept raw
// so each handler can decode its own request shape with strict field checks.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ProjectID string          `json:"project_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Frame is an outbound server frame. Data is marshalled as-is; handlers fill
// it with one of the payload structs below or a raw agent event.
type Frame struct {
	Type      MessageType `json:"type"`
	ProjectID string      `json:"project_id,omitempty"`
	Data      any         `json:"data,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// NewFrame creates an outbound frame with the current time attached.
func NewFrame(t MessageType, projectID string, data any) Frame {
	return Frame{
		Type:      t,
		ProjectID: projectID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// --- Request payloads (the "data" object of client envelopes) ---

// CreateRequest is the payload of project_create.
type CreateRequest struct {
	Path string `json:"path"`
}

// JoinRequest is the payload of project_join.
type JoinRequest struct {
	ProjectID string `json:"project_id"`
}

// ExecuteRequest is the payload of execute.
type ExecuteRequest struct {
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

// GetMessagesRequest is the payload of get_messages. Since is a nanosecond
// timestamp; entries strictly after it are returned, oldest first. Limit
// caps the number of entries (0 means the server default).
type GetMessagesRequest struct {
	Since int64 `json:"since,omitempty"`
	Limit int   `json:"limit,omitempty"`
}

// --- Response payloads (the "data" object of server frames) ---

// ProjectInfo is the client-visible snapshot of a project, used both as the
// project_state payload and as the element type of project_list_response.
type ProjectInfo struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	State      string    `json:"state"`
	SessionID  string    `json:"session_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Error      string    `json:"error,omitempty"`
}

// ProjectListPayload is the payload of project_list_response.
type ProjectListPayload struct {
	Projects []ProjectInfo `json:"projects"`
}

// ProjectRefPayload is the payload of project_joined, project_left,
// project_deleted and session_reset.
type ProjectRefPayload struct {
	ProjectID string `json:"project_id"`
}

// LoggedMessage is one replayed log entry inside messages_response.
// Timestamp is nanoseconds since the Unix epoch; Message is the verbatim
// payload that was logged (a JSON object for parsed agent events, a JSON
// string for raw lines and prompts).
type LoggedMessage struct {
	Timestamp int64           `json:"timestamp"`
	Direction string          `json:"direction"`
	Message   json.RawMessage `json:"message"`
}

// MessagesPayload is the payload of messages_response.
type MessagesPayload struct {
	Messages []LoggedMessage `json:"messages"`
}
