package api

import (
	"context"

	"codesync/internal/models"
	"codesync/internal/repository"
	"codesync/internal/services/roles"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

The handlers are the CONSUMER of the collaboration orchestrator, so the
interface lives HERE and lists only what HTTP calls. The real orchestrator
satisfies it implicitly; handler tests plug in a fake.
*/

// CollaborationService is what the HTTP surface needs from the real-time core.
type CollaborationService interface {
	VerifyRole(ctx context.Context, projectID, principal string) (*roles.Resolution, error)
	SaveCode(ctx context.Context, projectID, principal, code string, expectedVersion int64) (*repository.SaveResult, error)
	Transcript(ctx context.Context, projectID, principal string) (*models.Session, []models.ChatMessage, error)
}
