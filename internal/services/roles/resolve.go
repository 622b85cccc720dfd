package roles

import (
	"codesync/internal/apperrors"
	"codesync/internal/models"
)

/*
LEARNING: ROLE RESOLUTION

The rule is evaluated in a fixed order and has no side effects:

  1. principal is the owner      -> admin (whatever is stored)
  2. principal has a stored row  -> that role, validated
  3. otherwise                   -> viewer

needsHeal reports that the stored state disagrees with rule 1, i.e. the
owner has no row or a row that is not admin. Persisting the fix is the
Authority's job.
*/

// Resolve computes a principal's effective role on a loaded project.
func Resolve(project *models.Project, principal string) (role models.Role, needsHeal bool, err error) {
	stored, hasRow := project.Collaborator(principal)

	if principal == project.OwnerID {
		return models.RoleAdmin, !hasRow || stored.Role != models.RoleAdmin, nil
	}

	if hasRow {
		role, err := models.ParseRole(string(stored.Role))
		if err != nil {
			return "", false, apperrors.Invalid("stored role %q for %s on project %s is not a known role",
				stored.Role, principal, project.ID)
		}
		return role, false, nil
	}

	return models.RoleViewer, false, nil
}
