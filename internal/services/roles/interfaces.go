package roles

import (
	"context"

	"codesync/internal/models"
)

// ProjectStore is what the authority needs from persistence.
// Implemented by repository.ProjectRepositoryImpl.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpsertCollaboratorRole(ctx context.Context, projectID, principalID string, role models.Role) (*models.Collaborator, error)
	RemoveCollaborator(ctx context.Context, projectID, principalID string) error
}
