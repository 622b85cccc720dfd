package collaboration

import (
	"context"

	"codesync/internal/models"
	"codesync/internal/repository"
	"codesync/internal/services/roles"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The collaboration services declare the storage and authority methods they
call. The repositories and roles.Authority satisfy them without knowing
about this package, and tests can swap in fakes.
*/

// CodeStore persists project code.
type CodeStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	SaveProjectCode(ctx context.Context, id, code, authorID string, expectedVersion *int64) (*repository.SaveResult, error)
}

// SessionStore persists sessions, presence and chat.
type SessionStore interface {
	GetOrCreateActiveSession(ctx context.Context, projectID string) (*models.Session, error)
	EndSession(ctx context.Context, id string) (*models.Session, error)
	AddActiveUser(ctx context.Context, sessionID, principalID string) error
	RemoveActiveUser(ctx context.Context, sessionID, principalID string) error
	UpdateCursor(ctx context.Context, sessionID, principalID string, pos models.CursorPosition) error
	AppendChatMessage(ctx context.Context, sessionID string, msg *models.ChatMessage) error
	RecentChatMessages(ctx context.Context, sessionID string, limit int) ([]models.ChatMessage, error)
}

// RoleAuthority makes every authorization decision.
type RoleAuthority interface {
	Resolve(ctx context.Context, projectID, principal string) (*roles.Resolution, error)
	Authorize(ctx context.Context, projectID, principal string) (*roles.Resolution, error)
	ChangeRole(ctx context.Context, projectID, requester, target, newRole string) (*roles.RoleChange, error)
	RemoveCollaborator(ctx context.Context, projectID, requester, target string) (*roles.Removal, error)
}
