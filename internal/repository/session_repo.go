package repository

import (
	"context"
	"errors"
	"time"

	"codesync/internal/apperrors"
	"codesync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
LEARNING: SESSION PERSISTENCE

The session row is the durable mirror of a room:

  GetOrCreateActiveSession -> first join of a sitting
  AddActiveUser/RemoveActiveUser/UpdateCursor -> join, leave, move
  AppendChatMessage -> transcript (append-only)
  EndSession -> explicit end; the next join opens a new session

"One active session per project" is best-effort: two first joins racing
may both create one, and readers simply take the oldest.
*/

// SessionRepositoryImpl handles session, presence and chat storage
type SessionRepositoryImpl struct {
	db *gorm.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db}
}

// GetOrCreateActiveSession returns the oldest active session of a project,
// opening one if there is none.
func (r *SessionRepositoryImpl) GetOrCreateActiveSession(ctx context.Context, projectID string) (*models.Session, error) {
	var session models.Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("project_id = ? AND is_active = ?", projectID, true).
			Order("created_at ASC").
			First(&session).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		session = models.Session{ProjectID: projectID, IsActive: true}
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to get or create active session")
	}

	return &session, nil
}

// GetSession loads a session by ID.
func (r *SessionRepositoryImpl) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session

	err := r.db.WithContext(ctx).First(&session, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("session %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load session")
	}

	return &session, nil
}

// EndSession marks a session inactive.
func (r *SessionRepositoryImpl) EndSession(ctx context.Context, id string) (*models.Session, error) {
	now := time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{"is_active": false, "ended_at": now})
	if result.Error != nil {
		return nil, apperrors.Internal(result.Error, "failed to end session")
	}
	if result.RowsAffected == 0 {
		return nil, apperrors.NotFound("active session %s not found", id)
	}

	return r.GetSession(ctx, id)
}

// AddActiveUser records a principal as present; re-joining refreshes JoinedAt.
func (r *SessionRepositoryImpl) AddActiveUser(ctx context.Context, sessionID, principalID string) error {
	now := time.Now().UTC()
	user := &models.ActiveUser{
		SessionID:   sessionID,
		PrincipalID: principalID,
		JoinedAt:    now,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "principal_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"joined_at", "updated_at"}),
		}).
		Create(user).Error
	if err != nil {
		return apperrors.Internal(err, "failed to add active user")
	}
	return nil
}

// RemoveActiveUser drops a principal from the session. Removing an absent
// user is not an error.
func (r *SessionRepositoryImpl) RemoveActiveUser(ctx context.Context, sessionID, principalID string) error {
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND principal_id = ?", sessionID, principalID).
		Delete(&models.ActiveUser{}).Error
	if err != nil {
		return apperrors.Internal(err, "failed to remove active user")
	}
	return nil
}

// UpdateCursor stores the last reported cursor position.
func (r *SessionRepositoryImpl) UpdateCursor(ctx context.Context, sessionID, principalID string, pos models.CursorPosition) error {
	err := r.db.WithContext(ctx).
		Model(&models.ActiveUser{}).
		Where("session_id = ? AND principal_id = ?", sessionID, principalID).
		Updates(map[string]interface{}{
			"cursor_line":   pos.Line,
			"cursor_column": pos.Column,
			"updated_at":    time.Now().UTC(),
		}).Error
	if err != nil {
		return apperrors.Internal(err, "failed to update cursor")
	}
	return nil
}

// ListActiveUsers returns the present principals in join order.
func (r *SessionRepositoryImpl) ListActiveUsers(ctx context.Context, sessionID string) ([]*models.ActiveUser, error) {
	var users []*models.ActiveUser

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list active users")
	}

	return users, nil
}

// AppendChatMessage appends to the transcript. The timestamp is assigned
// here when the caller left it empty.
func (r *SessionRepositoryImpl) AppendChatMessage(ctx context.Context, sessionID string, msg *models.ChatMessage) error {
	msg.SessionID = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return apperrors.Internal(err, "failed to append chat message")
	}
	return nil
}

// RecentChatMessages returns up to limit latest messages, oldest first.
func (r *SessionRepositoryImpl) RecentChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage

	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load chat messages")
	}

	// Reverse to chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
