package models

import (
	"encoding/json"
	"time"
)

// EventType names a message in the real-time protocol.
type EventType string

// Client -> server
const (
	EventJoin                      EventType = "join"
	EventLeave                     EventType = "leave"
	EventCodeChange                EventType = "code_change"
	EventCodeSave                  EventType = "code_save"
	EventCursorMove                EventType = "cursor_move"
	EventChatSend                  EventType = "chat_send"
	EventRoleChangeRequest         EventType = "role_change_request"
	EventCollaboratorRemoveRequest EventType = "collaborator_remove_request"
	EventVerifyRole                EventType = "verify_role"
	EventSessionEnd                EventType = "session_end"
)

// Server -> client
const (
	EventYourRole                 EventType = "your_role"
	EventCurrentCollaborators     EventType = "current_collaborators"
	EventPresenceSnapshot         EventType = "presence_snapshot"
	EventCodeSnapshot             EventType = "code_snapshot"
	EventChatHistory              EventType = "chat_history"
	EventUserJoined               EventType = "user_joined"
	EventUserLeft                 EventType = "user_left"
	EventCodeUpdate               EventType = "code_update"
	EventCodeSaved                EventType = "code_saved"
	EventCursorUpdate             EventType = "cursor_update"
	EventChatMessage              EventType = "chat_message"
	EventRoleUpdated              EventType = "role_updated"
	EventRoleChangeResult         EventType = "role_change_result"
	EventCollaboratorRemoved      EventType = "collaborator_removed"
	EventCollaboratorRemoveResult EventType = "collaborator_remove_result"
	EventSessionEnded             EventType = "session_ended"
	EventError                    EventType = "error"
)

// Envelope is the frame exchanged over the socket in both directions.
type Envelope struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an outbound frame.
func NewEnvelope(t EventType, payload any) (*Envelope, error) {
	env := &Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return env, nil
}

// Inbound payloads

type JoinPayload struct {
	ProjectID string `json:"projectId"`
	SessionID string `json:"sessionId,omitempty"`
}

type ProjectPayload struct {
	ProjectID string `json:"projectId"`
}

type CodeChangePayload struct {
	ProjectID string          `json:"projectId"`
	Code      string          `json:"code"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Version   *int64          `json:"version,omitempty"`
}

type CodeSavePayload struct {
	ProjectID       string `json:"projectId"`
	Code            string `json:"code"`
	ExpectedVersion int64  `json:"expectedVersion"`
}

type CursorMovePayload struct {
	ProjectID string          `json:"projectId"`
	Position  *CursorPosition `json:"position"`
}

type ChatSendPayload struct {
	ProjectID string `json:"projectId"`
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

type RoleChangeRequestPayload struct {
	ProjectID       string `json:"projectId"`
	TargetPrincipal string `json:"targetPrincipal"`
	NewRole         string `json:"newRole"`
}

type CollaboratorRemoveRequestPayload struct {
	ProjectID       string `json:"projectId"`
	TargetPrincipal string `json:"targetPrincipal"`
}

// Outbound payloads

type YourRolePayload struct {
	Role      Role   `json:"role"`
	ProjectID string `json:"projectId"`
}

type CollaboratorsPayload struct {
	ProjectID     string         `json:"projectId"`
	Owner         string         `json:"owner"`
	Collaborators []Collaborator `json:"collaborators"`
}

type PresenceSnapshotPayload struct {
	ProjectID string                    `json:"projectId"`
	Users     map[string]*PresenceState `json:"users"`
}

type CodeSnapshotPayload struct {
	ProjectID string `json:"projectId"`
	Code      string `json:"code"`
	Version   int64  `json:"version"`
	Dirty     bool   `json:"dirty"`
}

type ChatHistoryPayload struct {
	ProjectID string        `json:"projectId"`
	SessionID string        `json:"sessionId"`
	Messages  []ChatMessage `json:"messages"`
}

type PrincipalPayload struct {
	ProjectID string `json:"projectId"`
	Principal string `json:"principal"`
}

type CodeUpdatePayload struct {
	ProjectID string `json:"projectId"`
	Code      string `json:"code"`
	Author    string `json:"author"`
}

type CodeSavedPayload struct {
	ProjectID string `json:"projectId"`
	Version   int64  `json:"version"`
	Author    string `json:"author"`
}

type CursorUpdatePayload struct {
	ProjectID string          `json:"projectId"`
	Principal string          `json:"principal"`
	Position  *CursorPosition `json:"position"`
}

type ChatMessagePayload struct {
	ProjectID string      `json:"projectId"`
	Message   ChatMessage `json:"message"`
}

// RoleUpdatedPayload is the single canonical notification for any change of
// a principal's role on a project, whether from an admin action or a heal.
type RoleUpdatedPayload struct {
	ProjectID string `json:"projectId"`
	Principal string `json:"principal"`
	Role      Role   `json:"role"`
}

// CollaboratorRemovedPayload tells the room a grant was revoked. On a
// public project the principal stays as Role viewer; otherwise Evicted.
type CollaboratorRemovedPayload struct {
	ProjectID string `json:"projectId"`
	Principal string `json:"principal"`
	Role      Role   `json:"role,omitempty"`
	Evicted   bool   `json:"evicted"`
}

type ResultPayload struct {
	ProjectID       string `json:"projectId"`
	TargetPrincipal string `json:"targetPrincipal"`
	Role            Role   `json:"role,omitempty"`
	Success         bool   `json:"success"`
}

type SessionEndedPayload struct {
	ProjectID     string    `json:"projectId"`
	SessionID     string    `json:"sessionId"`
	EndedAt       time.Time `json:"endedAt"`
	NextSessionID string    `json:"nextSessionId,omitempty"`
}

type ErrorPayload struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Event   EventType `json:"event,omitempty"`
}
