package testutil

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"codesync/internal/db"
	"codesync/internal/logger"
	"codesync/internal/models"
	"codesync/internal/repository"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	logger.Init("error")
	logger.SetOutput(io.Discard)
}

// NewDB opens a migrated SQLite database in the test's temp dir.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "codesync-test.db") + "?_busy_timeout=5000"
	gdb, err := db.Open(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gdb.DB.DB()
	if err != nil {
		t.Fatalf("test db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = gdb.Close()
	})
	return gdb.DB
}

// Stores bundles the repositories over one test database.
type Stores struct {
	DB       *gorm.DB
	Projects *repository.ProjectRepositoryImpl
	Sessions *repository.SessionRepositoryImpl
}

// NewStores opens a test database and wires both repositories to it.
func NewStores(t *testing.T) (*Stores, context.Context) {
	t.Helper()
	gdb := NewDB(t)
	return &Stores{
		DB:       gdb,
		Projects: repository.NewProjectRepository(gdb),
		Sessions: repository.NewSessionRepository(gdb),
	}, context.Background()
}

// SeedProject creates a project owned by ownerID plus the given
// collaborator grants.
func SeedProject(t *testing.T, s *Stores, ownerID string, public bool, grants map[string]models.Role) *models.Project {
	t.Helper()
	ctx := context.Background()
	project, err := s.Projects.Create(ctx, &repository.ProjectCreate{
		OwnerID:  ownerID,
		Name:     "seed",
		IsPublic: public,
		Code:     "package main\n",
	})
	if err != nil {
		t.Fatalf("seed project: %v", err)
	}
	for principal, role := range grants {
		if _, err := s.Projects.UpsertCollaboratorRole(ctx, project.ID, principal, role); err != nil {
			t.Fatalf("seed collaborator %s: %v", principal, err)
		}
	}
	return project
}

// ForceRole writes a collaborator role straight to the table, bypassing
// validation, to simulate stale or corrupted rows.
func ForceRole(t *testing.T, s *Stores, projectID, principalID, role string) {
	t.Helper()
	err := s.DB.Model(&models.Collaborator{}).
		Where("project_id = ? AND principal_id = ?", projectID, principalID).
		Update("role", role).Error
	if err != nil {
		t.Fatalf("force role: %v", err)
	}
}

// DeleteCollaborator removes a row directly.
func DeleteCollaborator(t *testing.T, s *Stores, projectID, principalID string) {
	t.Helper()
	err := s.DB.Where("project_id = ? AND principal_id = ?", projectID, principalID).
		Delete(&models.Collaborator{}).Error
	if err != nil {
		t.Fatalf("delete collaborator: %v", err)
	}
}

// CountCollaborators counts rows for one principal on a project.
func CountCollaborators(t *testing.T, s *Stores, projectID, principalID string) int64 {
	t.Helper()
	var n int64
	err := s.DB.Model(&models.Collaborator{}).
		Where("project_id = ? AND principal_id = ?", projectID, principalID).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count collaborators: %v", err)
	}
	return n
}
