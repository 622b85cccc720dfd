package collaboration

import (
	"context"
	"encoding/json"
	"errors"

	"codesync/internal/apperrors"
	"codesync/internal/logger"
	"codesync/internal/middleware"
	"codesync/internal/models"
	"codesync/internal/repository"
	"codesync/internal/services/roles"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

/*
LEARNING: CONNECTION LIFECYCLE

  Connecting --handshake--> Authenticated --join--> RoomJoined
       |                         |     ^               |
       |                         |     +----leave------+
       +------------------------ + ---------------------+--> Disconnected

Every action after join is checked against the role the server resolved
for the connection, never against anything the client claims. Joining
runs the whole sequence again (role, collaborators, presence, code, chat),
so a reconnect converges to the current state without special cases.
*/

// Orchestrator routes inbound events to the collaboration services.
type Orchestrator struct {
	reg      *Registry
	roles    RoleAuthority
	code     *CodeSync
	presence *Presence
	chat     *Chat
	sessions SessionStore

	eventRate  rate.Limit
	eventBurst int
}

// NewOrchestrator wires the services together. eventRate <= 0 disables
// per-connection rate limiting.
func NewOrchestrator(reg *Registry, authority RoleAuthority, code *CodeSync, presence *Presence, chat *Chat, sessions SessionStore, eventRate float64, eventBurst int) *Orchestrator {
	return &Orchestrator{
		reg:        reg,
		roles:      authority,
		code:       code,
		presence:   presence,
		chat:       chat,
		sessions:   sessions,
		eventRate:  rate.Limit(eventRate),
		eventBurst: eventBurst,
	}
}

// Connect registers an authenticated connection for principal.
func (o *Orchestrator) Connect(principal string, conn *websocket.Conn) *Client {
	var limiter *rate.Limiter
	if o.eventRate > 0 {
		limiter = rate.NewLimiter(o.eventRate, o.eventBurst)
	}

	c := NewClient(principal, conn, limiter)
	c.setState(StateAuthenticated)
	o.reg.Register(c)

	logger.Info().Str("client_id", c.ID).Str("principal", principal).Msg("client connected")
	return c
}

// HandleMessage decodes one frame, applies the connection's rate limit and
// dispatches it. Excess cursor moves are dropped without a reply.
func (o *Orchestrator) HandleMessage(ctx context.Context, c *Client, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		o.sendError(c, &env, apperrors.Invalid("malformed frame"))
		return
	}

	if !c.Allow() {
		if env.Type == models.EventCursorMove {
			return
		}
		o.sendError(c, &env, apperrors.TooManyRequests("too many events, slow down"))
		return
	}

	o.HandleEvent(ctx, c, &env)
}

// HandleEvent runs one event. Failures go back to the sender only.
func (o *Orchestrator) HandleEvent(ctx context.Context, c *Client, env *models.Envelope) {
	ctx, span := middleware.StartSpan(ctx, "ws."+string(env.Type),
		attribute.String("client.id", c.ID),
		attribute.String("principal", c.Principal),
	)
	defer span.End()

	if err := o.dispatch(ctx, c, env); err != nil {
		middleware.AddSpanError(ctx, err)
		o.sendError(c, env, err)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, c *Client, env *models.Envelope) error {
	switch c.State() {
	case StateConnecting, StateDisconnected:
		return apperrors.Unauthenticated("connection is %s", c.State())
	}

	switch env.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		return o.join(ctx, c, env, p)

	case models.EventLeave:
		var p models.ProjectPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		o.leave(ctx, c)
		return nil

	case models.EventCodeChange:
		var p models.CodeChangePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		if err := o.code.ApplyChange(ctx, p.ProjectID, c, p.Code); err != nil {
			return err
		}
		if p.Cursor != nil {
			return o.presence.RecordMove(ctx, p.ProjectID, c, *p.Cursor)
		}
		return nil

	case models.EventCodeSave:
		var p models.CodeSavePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		_, err := o.code.Save(ctx, SaveRequest{
			ProjectID:       p.ProjectID,
			Author:          c.Principal,
			Role:            c.Role(),
			Code:            p.Code,
			ExpectedVersion: p.ExpectedVersion,
			Origin:          c,
		})
		return err

	case models.EventCursorMove:
		var p models.CursorMovePayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		if p.Position == nil {
			return apperrors.Invalid("position is required")
		}
		return o.presence.RecordMove(ctx, p.ProjectID, c, *p.Position)

	case models.EventChatSend:
		var p models.ChatSendPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		sessionID, err := requireRoom(c, p.ProjectID)
		if err != nil {
			return err
		}
		_, err = o.chat.Post(ctx, p.ProjectID, sessionID, c, p.Text)
		return err

	case models.EventRoleChangeRequest:
		var p models.RoleChangeRequestPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		return o.changeRole(ctx, c, env, p)

	case models.EventCollaboratorRemoveRequest:
		var p models.CollaboratorRemoveRequestPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		return o.removeCollaborator(ctx, c, env, p)

	case models.EventVerifyRole:
		var p models.ProjectPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		if _, err := requireRoom(c, p.ProjectID); err != nil {
			return err
		}
		res, err := o.VerifyRole(ctx, p.ProjectID, c.Principal)
		if err != nil {
			return err
		}
		c.setRole(res.Role)
		o.reply(c, env, models.EventYourRole, models.YourRolePayload{Role: res.Role, ProjectID: p.ProjectID})
		return nil

	case models.EventSessionEnd:
		var p models.ProjectPayload
		if err := decode(env, &p); err != nil {
			return err
		}
		sessionID, err := requireRoom(c, p.ProjectID)
		if err != nil {
			return err
		}
		return o.endSession(ctx, c, p.ProjectID, sessionID)

	default:
		return apperrors.Invalid("unknown event %q", env.Type)
	}
}

// joinAttempts bounds how often a join is retried when roles keep changing
// under it.
const joinAttempts = 3

// join runs the full join sequence. A connection is in at most one room;
// joining another project leaves the current one first.
func (o *Orchestrator) join(ctx context.Context, c *Client, env *models.Envelope, p models.JoinPayload) error {
	if p.ProjectID == "" {
		return apperrors.Invalid("projectId is required")
	}
	if current, _ := c.Room(); current != "" {
		o.leave(ctx, c)
	}

	var (
		session   *models.Session
		corrected bool
	)
	for attempt := 1; ; attempt++ {
		epoch := o.reg.roleEpoch(p.ProjectID)
		res, err := o.roles.Authorize(ctx, p.ProjectID, c.Principal)
		if err != nil {
			return err
		}
		// A heal is reported once; keep it across retries.
		corrected = corrected || res.Corrected

		if session == nil {
			session, err = o.sessions.GetOrCreateActiveSession(ctx, p.ProjectID)
			if err != nil {
				return err
			}
			if p.SessionID != "" && p.SessionID != session.ID {
				logger.Debug().Str("requested", p.SessionID).Str("active", session.ID).Msg("joining active session instead of requested one")
			}
		}

		err = o.enter(ctx, c, env, res, session, corrected, epoch)
		if errors.Is(err, errRoleChanged) {
			o.code.Release(p.ProjectID)
			if attempt < joinAttempts {
				logger.Debug().Str("project_id", p.ProjectID).Str("principal", c.Principal).Int("attempt", attempt).Msg("role changed during join, retrying")
				continue
			}
			return apperrors.Conflict("roles of project %s are changing, try again", p.ProjectID)
		}
		if err != nil {
			return err
		}

		if err := o.sessions.AddActiveUser(ctx, session.ID, c.Principal); err != nil {
			logger.Warn().Err(err).Str("session_id", session.ID).Msg("failed to record active user")
		}

		logger.Info().
			Str("client_id", c.ID).
			Str("principal", c.Principal).
			Str("project_id", p.ProjectID).
			Str("role", string(res.Role)).
			Msg("joined project")
		return nil
	}
}

// enter puts c in the room and sends it the join sequence while holding the
// room lock: role, collaborators, presence, code and chat. Any edit or
// presence change made after the snapshots reaches c after them.
func (o *Orchestrator) enter(ctx context.Context, c *Client, env *models.Envelope, res *roles.Resolution, session *models.Session, corrected bool, epoch uint64) error {
	projectID := res.Project.ID

	// Load outside the lock so the snapshot under it is normally served
	// from memory.
	if _, err := o.code.Snapshot(ctx, projectID); err != nil {
		logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to load code snapshot")
	}
	history, historyErr := o.chat.History(ctx, session.ID)
	if historyErr != nil {
		logger.Warn().Err(historyErr).Str("session_id", session.ID).Msg("failed to load chat history")
	}

	var roleUpdated []byte
	if corrected {
		data, err := marshalEnvelope(models.EventRoleUpdated, models.RoleUpdatedPayload{
			ProjectID: projectID,
			Principal: c.Principal,
			Role:      res.Role,
		})
		if err != nil {
			return err
		}
		roleUpdated = data
	}

	return o.reg.join(res.Project, c, epoch, func(r *room) {
		c.enterRoom(projectID, session.ID, res.Role)

		o.reply(c, env, models.EventYourRole, models.YourRolePayload{Role: res.Role, ProjectID: projectID})
		if roleUpdated != nil {
			r.broadcastLocked(roleUpdated, nil)
		}

		o.reply(c, env, models.EventCurrentCollaborators, models.CollaboratorsPayload{
			ProjectID:     projectID,
			Owner:         res.Project.OwnerID,
			Collaborators: res.Project.Collaborators,
		})
		o.reply(c, env, models.EventPresenceSnapshot, models.PresenceSnapshotPayload{
			ProjectID: projectID,
			Users:     r.presenceLocked(),
		})

		if snap, err := o.code.Snapshot(ctx, projectID); err != nil {
			logger.Warn().Err(err).Str("project_id", projectID).Msg("failed to load code snapshot")
		} else {
			o.reply(c, env, models.EventCodeSnapshot, snap)
		}

		if historyErr == nil {
			o.reply(c, env, models.EventChatHistory, models.ChatHistoryPayload{
				ProjectID: projectID,
				SessionID: session.ID,
				Messages:  history,
			})
		}
	})
}

// leave takes c out of its room, if any.
func (o *Orchestrator) leave(ctx context.Context, c *Client) {
	projectID, sessionID := c.Room()
	if projectID == "" {
		return
	}

	res := o.reg.Leave(projectID, c)
	c.exitRoom()

	if res.LastForPrincipal && sessionID != "" {
		if err := o.sessions.RemoveActiveUser(ctx, sessionID, c.Principal); err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to remove active user")
		}
	}
	if res.RoomClosed {
		o.code.Release(projectID)
	}
}

func (o *Orchestrator) changeRole(ctx context.Context, c *Client, env *models.Envelope, p models.RoleChangeRequestPayload) error {
	change, err := o.roles.ChangeRole(ctx, p.ProjectID, c.Principal, p.TargetPrincipal, p.NewRole)
	if err != nil {
		return err
	}
	o.reg.bumpRoleEpoch(p.ProjectID)

	for _, m := range o.reg.Members(p.ProjectID) {
		if m.Principal == change.Target {
			m.setRole(change.Role)
		}
	}

	updated, err := models.NewEnvelope(models.EventRoleUpdated, models.RoleUpdatedPayload{
		ProjectID: p.ProjectID,
		Principal: change.Target,
		Role:      change.Role,
	})
	if err != nil {
		return apperrors.Internal(err, "failed to encode role update")
	}
	o.reg.SendTo(change.Target, updated)
	o.reg.BroadcastExceptPrincipal(p.ProjectID, updated, change.Target)

	o.reply(c, env, models.EventRoleChangeResult, models.ResultPayload{
		ProjectID:       p.ProjectID,
		TargetPrincipal: change.Target,
		Role:            change.Role,
		Success:         true,
	})
	return nil
}

func (o *Orchestrator) removeCollaborator(ctx context.Context, c *Client, env *models.Envelope, p models.CollaboratorRemoveRequestPayload) error {
	removal, err := o.roles.RemoveCollaborator(ctx, p.ProjectID, c.Principal, p.TargetPrincipal)
	if err != nil {
		return err
	}
	o.reg.bumpRoleEpoch(p.ProjectID)

	payload := models.CollaboratorRemovedPayload{
		ProjectID: p.ProjectID,
		Principal: removal.Target,
		Evicted:   !removal.IsPublic,
	}
	if removal.IsPublic {
		payload.Role = models.RoleViewer
	}
	removed, err := models.NewEnvelope(models.EventCollaboratorRemoved, payload)
	if err != nil {
		return apperrors.Internal(err, "failed to encode removal")
	}
	o.reg.SendTo(removal.Target, removed)
	o.reg.BroadcastExceptPrincipal(p.ProjectID, removed, removal.Target)

	for _, m := range o.reg.Members(p.ProjectID) {
		if m.Principal != removal.Target {
			continue
		}
		if removal.IsPublic {
			m.setRole(models.RoleViewer)
		} else {
			o.leave(ctx, m)
		}
	}

	o.reply(c, env, models.EventCollaboratorRemoveResult, models.ResultPayload{
		ProjectID:       p.ProjectID,
		TargetPrincipal: removal.Target,
		Success:         true,
	})
	return nil
}

// endSession closes the active session and moves the room's members to a
// fresh one.
func (o *Orchestrator) endSession(ctx context.Context, c *Client, projectID, sessionID string) error {
	res, err := o.roles.Resolve(ctx, projectID, c.Principal)
	if err != nil {
		return err
	}
	if !res.Role.IsAdmin() {
		return apperrors.Forbidden("only admins can end a session")
	}

	ended, err := o.sessions.EndSession(ctx, sessionID)
	if err != nil {
		return err
	}
	next, err := o.sessions.GetOrCreateActiveSession(ctx, projectID)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	for _, m := range o.reg.Members(projectID) {
		m.setSession(next.ID)
		if seen[m.Principal] {
			continue
		}
		seen[m.Principal] = true
		if err := o.sessions.AddActiveUser(ctx, next.ID, m.Principal); err != nil {
			logger.Warn().Err(err).Str("session_id", next.ID).Msg("failed to record active user")
		}
	}

	env, err := models.NewEnvelope(models.EventSessionEnded, models.SessionEndedPayload{
		ProjectID:     projectID,
		SessionID:     ended.ID,
		EndedAt:       *ended.EndedAt,
		NextSessionID: next.ID,
	})
	if err != nil {
		return apperrors.Internal(err, "failed to encode session end")
	}
	o.reg.Broadcast(projectID, env, nil)

	logger.Info().Str("project_id", projectID).Str("session_id", ended.ID).Msg("session ended")
	return nil
}

// HandleDisconnect runs the terminal transition: leave the room, drop the
// private channel and close the socket. Scheduled saves are not touched.
func (o *Orchestrator) HandleDisconnect(ctx context.Context, c *Client) {
	if !c.markDisconnected() {
		return
	}
	o.leave(ctx, c)
	o.reg.Unregister(c)
	c.Close()

	logger.Info().Str("client_id", c.ID).Str("principal", c.Principal).Msg("client disconnected")
}

// VerifyRole resolves a principal's role, broadcasting role_updated to the
// room when the call healed the owner's entry.
func (o *Orchestrator) VerifyRole(ctx context.Context, projectID, principal string) (*roles.Resolution, error) {
	res, err := o.roles.Resolve(ctx, projectID, principal)
	if err != nil {
		return nil, err
	}
	if res.Corrected {
		o.broadcastRoleUpdated(projectID, principal, res.Role)
	}
	return res, nil
}

// SaveCode is the explicit save for callers outside a room.
func (o *Orchestrator) SaveCode(ctx context.Context, projectID, principal, code string, expectedVersion int64) (*repository.SaveResult, error) {
	res, err := o.roles.Authorize(ctx, projectID, principal)
	if err != nil {
		return nil, err
	}
	return o.code.Save(ctx, SaveRequest{
		ProjectID:       projectID,
		Author:          principal,
		Role:            res.Role,
		Code:            code,
		ExpectedVersion: expectedVersion,
	})
}

// Transcript returns the active session's recent chat to anyone allowed in
// the room.
func (o *Orchestrator) Transcript(ctx context.Context, projectID, principal string) (*models.Session, []models.ChatMessage, error) {
	if _, err := o.roles.Authorize(ctx, projectID, principal); err != nil {
		return nil, nil, err
	}
	return o.chat.Transcript(ctx, projectID)
}

// Shutdown closes every connection and persists pending code.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.reg.CloseAll()
	return o.code.Flush(ctx)
}

func (o *Orchestrator) broadcastRoleUpdated(projectID, principal string, role models.Role) {
	env, err := models.NewEnvelope(models.EventRoleUpdated, models.RoleUpdatedPayload{
		ProjectID: projectID,
		Principal: principal,
		Role:      role,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode role update")
		return
	}
	o.reg.Broadcast(projectID, env, nil)
}

// reply sends a direct response carrying the request's id.
func (o *Orchestrator) reply(c *Client, req *models.Envelope, t models.EventType, payload any) {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		logger.Error().Err(err).Str("type", string(t)).Msg("failed to encode reply")
		return
	}
	env.RequestID = req.RequestID
	c.Send(env)
}

func (o *Orchestrator) sendError(c *Client, req *models.Envelope, err error) {
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindInternal {
		logger.Error().Err(err).Str("client_id", c.ID).Str("event", string(req.Type)).Msg("event failed")
	} else {
		logger.Debug().Err(err).Str("client_id", c.ID).Str("event", string(req.Type)).Msg("event rejected")
	}

	o.reply(c, req, models.EventError, models.ErrorPayload{
		Code:    string(kind),
		Message: apperrors.PublicMessage(err),
		Event:   req.Type,
	})
}

func decode(env *models.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return apperrors.Invalid("%s: payload is required", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return apperrors.Invalid("%s: malformed payload", env.Type)
	}
	return nil
}

// requireRoom checks that c has joined projectID and returns its session.
func requireRoom(c *Client, projectID string) (string, error) {
	if projectID == "" {
		return "", apperrors.Invalid("projectId is required")
	}
	current, sessionID := c.Room()
	if current != projectID {
		return "", apperrors.Forbidden("not joined to project %s", projectID)
	}
	return sessionID, nil
}
