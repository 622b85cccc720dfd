package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Session is the durable record of one collaboration sitting on a project:
// who is in it and what was said.
type Session struct {
	ID        string     `json:"id" gorm:"type:varchar(27);primaryKey"`
	ProjectID string     `json:"project_id" gorm:"type:varchar(27);not null;index:idx_session_project_active"`
	IsActive  bool       `json:"is_active" gorm:"not null;default:true;index:idx_session_project_active"`
	CreatedAt time.Time  `json:"created_at" gorm:"autoCreateTime"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ActiveUsers  []ActiveUser  `json:"active_users,omitempty" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
	ChatMessages []ChatMessage `json:"chat_messages,omitempty" gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE"`
}

// BeforeCreate hook generates KSUID before inserting
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = ksuid.New().String()
	}
	return nil
}

// ActiveUser is a principal currently present in a session along with the
// last cursor position they reported.
type ActiveUser struct {
	ID           string    `json:"-" gorm:"type:varchar(27);primaryKey"`
	SessionID    string    `json:"-" gorm:"type:varchar(27);not null;uniqueIndex:idx_session_principal"`
	PrincipalID  string    `json:"principal_id" gorm:"type:varchar(128);not null;uniqueIndex:idx_session_principal"`
	JoinedAt     time.Time `json:"joined_at" gorm:"not null"`
	CursorLine   int       `json:"cursor_line"`
	CursorColumn int       `json:"cursor_column"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// BeforeCreate generates KSUID
func (u *ActiveUser) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (ActiveUser) TableName() string {
	return "session_users"
}

// ChatMessage is one line of a session transcript. CreatedAt is assigned
// by the server.
type ChatMessage struct {
	ID        string    `json:"id" gorm:"type:varchar(27);primaryKey"`
	SessionID string    `json:"session_id" gorm:"type:varchar(27);not null;index:idx_chat_session_time"`
	AuthorID  string    `json:"author" gorm:"type:varchar(128);not null"`
	Text      string    `json:"text" gorm:"type:text;not null"`
	CreatedAt time.Time `json:"timestamp" gorm:"not null;index:idx_chat_session_time"`
}

// BeforeCreate generates KSUID
func (m *ChatMessage) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = ksuid.New().String()
	}
	return nil
}

// CursorPosition represents where a user's cursor is in the document
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// PresenceState is the ephemeral view of one principal in a room.
// Learning: This is separate from document content - it's never merged,
// the latest report simply wins.
type PresenceState struct {
	PrincipalID string          `json:"principal"`
	Position    *CursorPosition `json:"position,omitempty"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
}
