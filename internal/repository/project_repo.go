package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codesync/internal/apperrors"
	"codesync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxSaveAttempts bounds how often an unconditional save re-reads the
// version after losing a race with another writer.
const maxSaveAttempts = 5

// ProjectRepositoryImpl handles project, collaborator and history storage.
// Learning: This is the IMPLEMENTATION. The services declare the interface
// they need ("accept interfaces, return structs").
type ProjectRepositoryImpl struct {
	db *gorm.DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *gorm.DB) *ProjectRepositoryImpl {
	return &ProjectRepositoryImpl{db: db}
}

// ProjectCreate is the input for seeding a project together with its
// owner's admin entry.
type ProjectCreate struct {
	OwnerID  string
	Name     string
	IsPublic bool
	Code     string
}

// SaveResult reports the outcome of a code save. Saved is false when the
// stored code already matched and nothing was written.
type SaveResult struct {
	Version int64
	Saved   bool
}

// Create inserts a project and its owner collaborator in one transaction.
func (r *ProjectRepositoryImpl) Create(ctx context.Context, in *ProjectCreate) (*models.Project, error) {
	if in.OwnerID == "" {
		return nil, apperrors.Invalid("project owner is required")
	}

	now := time.Now().UTC()
	project := &models.Project{
		OwnerID:      in.OwnerID,
		Name:         in.Name,
		IsPublic:     in.IsPublic,
		Code:         in.Code,
		LastAuthorID: in.OwnerID,
		Collaborators: []models.Collaborator{{
			PrincipalID: in.OwnerID,
			Role:        models.RoleAdmin,
			AddedAt:     now,
		}},
	}

	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return project, nil
}

// GetProject loads a project with its collaborators, oldest grant first.
func (r *ProjectRepositoryImpl) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var project models.Project

	err := r.db.WithContext(ctx).
		Preload("Collaborators", func(db *gorm.DB) *gorm.DB {
			return db.Order("added_at ASC")
		}).
		First(&project, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("project %s not found", id)
	}
	if err != nil {
		return nil, apperrors.Internal(err, "failed to load project")
	}

	return &project, nil
}

// SaveProjectCode replaces the stored code, appending the replaced snapshot
// to the history with the version it had and incrementing the version.
//
// With expectedVersion set the write only happens if the stored version
// still matches, otherwise Conflict is returned. Without it the save always
// lands on top of whatever version is current (last writer wins), re-reading
// the version if a concurrent writer got there first.
func (r *ProjectRepositoryImpl) SaveProjectCode(ctx context.Context, id, code, authorID string, expectedVersion *int64) (*SaveResult, error) {
	var result SaveResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for attempt := 0; attempt < maxSaveAttempts; attempt++ {
			var current models.Project
			err := tx.Select("id", "code", "version", "last_author_id").First(&current, "id = ?", id).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NotFound("project %s not found", id)
			}
			if err != nil {
				return apperrors.Internal(err, "failed to load project")
			}

			if expectedVersion != nil && current.Version != *expectedVersion {
				return apperrors.Conflict("project %s is at version %d, expected %d", id, current.Version, *expectedVersion)
			}
			if current.Code == code {
				result = SaveResult{Version: current.Version}
				return nil
			}

			res := tx.Model(&models.Project{}).
				Where("id = ? AND version = ?", id, current.Version).
				Updates(map[string]interface{}{
					"code":           code,
					"version":        gorm.Expr("version + 1"),
					"last_author_id": authorID,
					"updated_at":     time.Now().UTC(),
				})
			if res.Error != nil {
				return apperrors.Internal(res.Error, "failed to save project code")
			}
			if res.RowsAffected == 0 {
				if expectedVersion != nil {
					return apperrors.Conflict("project %s changed during save", id)
				}
				continue
			}

			history := &models.CodeHistory{
				ProjectID: id,
				Code:      current.Code,
				AuthorID:  current.LastAuthorID,
				Version:   current.Version,
			}
			if err := tx.Create(history).Error; err != nil {
				return apperrors.Internal(err, "failed to append code history")
			}

			result = SaveResult{Version: current.Version + 1, Saved: true}
			return nil
		}
		return apperrors.Conflict("project %s: too many concurrent saves", id)
	})
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// UpsertCollaboratorRole sets a principal's role, updating the existing
// entry in place when there is one.
func (r *ProjectRepositoryImpl) UpsertCollaboratorRole(ctx context.Context, projectID, principalID string, role models.Role) (*models.Collaborator, error) {
	if !role.Valid() {
		return nil, apperrors.Invalid("invalid role %q", role)
	}
	if err := r.ensureProject(ctx, projectID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	collaborator := &models.Collaborator{
		ProjectID:   projectID,
		PrincipalID: principalID,
		Role:        role,
		AddedAt:     now,
		UpdatedAt:   now,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "principal_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
		}).
		Create(collaborator).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to upsert collaborator")
	}

	// Reload: on conflict the generated ID and AddedAt are not the stored ones.
	var stored models.Collaborator
	if err := r.db.WithContext(ctx).
		Where("project_id = ? AND principal_id = ?", projectID, principalID).
		First(&stored).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to reload collaborator")
	}

	return &stored, nil
}

// RemoveCollaborator deletes a principal's entry.
func (r *ProjectRepositoryImpl) RemoveCollaborator(ctx context.Context, projectID, principalID string) error {
	result := r.db.WithContext(ctx).
		Where("project_id = ? AND principal_id = ?", projectID, principalID).
		Delete(&models.Collaborator{})

	if result.Error != nil {
		return apperrors.Internal(result.Error, "failed to remove collaborator")
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound("principal %s is not a collaborator on project %s", principalID, projectID)
	}

	return nil
}

// ListHistory returns the replaced snapshots of a project in version order.
func (r *ProjectRepositoryImpl) ListHistory(ctx context.Context, projectID string) ([]*models.CodeHistory, error) {
	var history []*models.CodeHistory

	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("version ASC").
		Find(&history).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list code history")
	}

	return history, nil
}

func (r *ProjectRepositoryImpl) ensureProject(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return apperrors.Internal(err, "failed to load project")
	}
	if count == 0 {
		return apperrors.NotFound("project %s not found", id)
	}
	return nil
}
