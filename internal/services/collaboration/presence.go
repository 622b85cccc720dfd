package collaboration

import (
	"context"
	"time"

	"codesync/internal/apperrors"
	"codesync/internal/logger"
	"codesync/internal/models"
)

// Presence tracks cursor positions per room. Positions are ephemeral and
// overwrite-only; the latest report wins.
type Presence struct {
	reg      *Registry
	sessions SessionStore
}

// NewPresence creates a tracker over the registry's rooms. sessions may be
// nil, in which case positions are not persisted.
func NewPresence(reg *Registry, sessions SessionStore) *Presence {
	return &Presence{reg: reg, sessions: sessions}
}

// RecordMove stores c's position and broadcasts cursor_update to the rest
// of the room. The position is then written to the session, best-effort.
func (p *Presence) RecordMove(ctx context.Context, projectID string, c *Client, pos models.CursorPosition) error {
	data, err := marshalEnvelope(models.EventCursorUpdate, models.CursorUpdatePayload{
		ProjectID: projectID,
		Principal: c.Principal,
		Position:  &pos,
	})
	if err != nil {
		return err
	}

	member := false
	p.reg.withRoom(projectID, func(r *room) {
		if _, member = r.members[c]; !member {
			return
		}
		state, ok := r.presence[c.Principal]
		if !ok {
			state = &models.PresenceState{PrincipalID: c.Principal}
			r.presence[c.Principal] = state
		}
		state.Position = &pos
		state.LastSeenAt = time.Now().UTC()
		r.broadcastLocked(data, func(m *Client) bool { return m == c })
	})
	if !member {
		return apperrors.Forbidden("not joined to project %s", projectID)
	}

	if _, sessionID := c.Room(); p.sessions != nil && sessionID != "" {
		if err := p.sessions.UpdateCursor(ctx, sessionID, c.Principal, pos); err != nil {
			logger.Debug().Err(err).Str("project_id", projectID).Msg("cursor persist failed")
		}
	}
	return nil
}

// Snapshot copies the room's presence for a joiner.
func (p *Presence) Snapshot(projectID string) map[string]*models.PresenceState {
	out := make(map[string]*models.PresenceState)
	p.reg.withRoom(projectID, func(r *room) {
		out = r.presenceLocked()
	})
	return out
}

func (r *room) presenceLocked() map[string]*models.PresenceState {
	out := make(map[string]*models.PresenceState, len(r.presence))
	for principal, state := range r.presence {
		cp := *state
		if state.Position != nil {
			pos := *state.Position
			cp.Position = &pos
		}
		out[principal] = &cp
	}
	return out
}
