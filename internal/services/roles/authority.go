package roles

import (
	"context"
	"sync/atomic"

	"codesync/internal/apperrors"
	"codesync/internal/logger"
	"codesync/internal/middleware"
	"codesync/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// Resolution is the authoritative answer for one (project, principal).
type Resolution struct {
	ProjectID string
	Principal string
	Role      models.Role
	// Corrected is true when this call persisted an owner heal. Among
	// coalesced callers only one sees it set.
	Corrected bool
	// Project is the state the answer was computed from. Read-only.
	Project *models.Project
}

// RoleChange describes a persisted role change.
type RoleChange struct {
	ProjectID string
	Target    string
	Role      models.Role
}

// Removal describes a persisted collaborator removal. On a public project
// the removed principal stays in as a viewer.
type Removal struct {
	ProjectID string
	Target    string
	IsPublic  bool
}

type flight struct {
	res         Resolution
	healPending atomic.Bool
}

// Authority is the single server-side source of role decisions.
type Authority struct {
	store ProjectStore
	group singleflight.Group
}

// NewAuthority creates a role authority over store.
func NewAuthority(store ProjectStore) *Authority {
	return &Authority{store: store}
}

// Resolve loads the project, applies the resolution rule and heals the
// owner's stored entry when it disagrees. Concurrent calls for the same
// pair share one load and at most one heal.
//
// A failed heal is logged and admin is still returned; the next call
// retries it.
func (a *Authority) Resolve(ctx context.Context, projectID, principal string) (*Resolution, error) {
	ctx, span := middleware.StartSpan(ctx, "RoleAuthority.Resolve",
		attribute.String("project.id", projectID),
		attribute.String("principal", principal),
	)
	defer span.End()

	// The load is shared with other callers, so one caller's cancellation
	// must not fail theirs.
	shared := context.WithoutCancel(ctx)
	v, err, _ := a.group.Do(projectID+"\x00"+principal, func() (interface{}, error) {
		return a.resolve(shared, projectID, principal)
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return nil, err
	}

	f := v.(*flight)
	res := f.res
	res.Corrected = f.healPending.CompareAndSwap(true, false)
	span.SetAttributes(attribute.String("role", string(res.Role)), attribute.Bool("corrected", res.Corrected))
	return &res, nil
}

func (a *Authority) resolve(ctx context.Context, projectID, principal string) (*flight, error) {
	project, err := a.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	role, needsHeal, err := Resolve(project, principal)
	if err != nil {
		return nil, err
	}

	f := &flight{res: Resolution{
		ProjectID: projectID,
		Principal: principal,
		Role:      role,
		Project:   project,
	}}

	if needsHeal {
		healed, err := a.store.UpsertCollaboratorRole(ctx, projectID, principal, models.RoleAdmin)
		if err != nil {
			logger.Warn().Err(err).
				Str("project_id", projectID).
				Str("principal", principal).
				Msg("owner role heal failed, returning admin")
		} else {
			project.SetCollaboratorRole(*healed)
			f.healPending.Store(true)
			logger.Info().
				Str("project_id", projectID).
				Str("principal", principal).
				Msg("owner role healed to admin")
		}
	}

	return f, nil
}

// Authorize resolves the role and checks that the principal may be in the
// project's room at all.
func (a *Authority) Authorize(ctx context.Context, projectID, principal string) (*Resolution, error) {
	res, err := a.Resolve(ctx, projectID, principal)
	if err != nil {
		return nil, err
	}
	if !res.Project.CanJoin(principal) {
		return nil, apperrors.Forbidden("not authorized to join project %s", projectID)
	}
	return res, nil
}

// ChangeRole sets target's role on behalf of requester. Only admins may
// change roles, only viewer and editor can be granted, the target must
// already be a collaborator and the owner's role cannot be changed.
func (a *Authority) ChangeRole(ctx context.Context, projectID, requester, target, newRole string) (*RoleChange, error) {
	project, err := a.requireAdmin(ctx, projectID, requester)
	if err != nil {
		return nil, err
	}

	role, err := models.ParseRole(newRole)
	if err != nil {
		return nil, err
	}
	if !role.Assignable() {
		return nil, apperrors.Invalid("role %q cannot be granted", role)
	}

	if err := checkTarget(project, target); err != nil {
		return nil, err
	}

	if _, err := a.store.UpsertCollaboratorRole(ctx, projectID, target, role); err != nil {
		return nil, err
	}

	logger.Info().
		Str("project_id", projectID).
		Str("requester", requester).
		Str("target", target).
		Str("role", string(role)).
		Msg("collaborator role changed")

	return &RoleChange{ProjectID: projectID, Target: target, Role: role}, nil
}

// RemoveCollaborator deletes target's entry on behalf of requester, under
// the same rules as ChangeRole.
func (a *Authority) RemoveCollaborator(ctx context.Context, projectID, requester, target string) (*Removal, error) {
	project, err := a.requireAdmin(ctx, projectID, requester)
	if err != nil {
		return nil, err
	}
	if err := checkTarget(project, target); err != nil {
		return nil, err
	}

	if err := a.store.RemoveCollaborator(ctx, projectID, target); err != nil {
		return nil, err
	}

	logger.Info().
		Str("project_id", projectID).
		Str("requester", requester).
		Str("target", target).
		Msg("collaborator removed")

	return &Removal{ProjectID: projectID, Target: target, IsPublic: project.IsPublic}, nil
}

func (a *Authority) requireAdmin(ctx context.Context, projectID, requester string) (*models.Project, error) {
	res, err := a.Resolve(ctx, projectID, requester)
	if err != nil {
		return nil, err
	}
	if !res.Role.IsAdmin() {
		return nil, apperrors.Forbidden("only admins can manage collaborators")
	}
	return res.Project, nil
}

func checkTarget(project *models.Project, target string) error {
	if target == "" {
		return apperrors.Invalid("target principal is required")
	}
	if target == project.OwnerID {
		return apperrors.Forbidden("the owner's role cannot be changed")
	}
	if _, ok := project.Collaborator(target); !ok {
		return apperrors.NotFound("%s is not a collaborator on project %s", target, project.ID)
	}
	return nil
}
