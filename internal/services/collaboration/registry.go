package collaboration

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"codesync/internal/apperrors"
	"codesync/internal/logger"
	"codesync/internal/models"
)

/*
LEARNING: ROOMS AND ORDERING

The registry replaces a central event-loop goroutine with one mutex per
room. Every mutation of a room (membership, presence, live code) and the
enqueue of every frame it causes happen under that room's lock, so each
member receives a room's events in the order they were emitted. Rooms do
not share a lock; a busy room never stalls another.

Enqueue never blocks (see Client.enqueue), which is what makes it safe to
hold the lock while fanning out.

Empty rooms are retired by the leave that empties them. A join that grabs
a room just as it retires sees the retired flag and retries on a fresh one.

Role changes bump a per-project epoch after they are stored. A join reads
the epoch before resolving its role and re-checks it under the room lock:
if it moved, the role may be stale and the join is retried. If it did not,
the change's own fan-out runs after the join and reaches the new member.
*/

// noEpochCheck makes join skip the role epoch comparison.
const noEpochCheck = ^uint64(0)

// errRoleChanged reports that a role change landed between resolving the
// joiner's role and entering the room.
var errRoleChanged = errors.New("role changed while joining")

type room struct {
	id       string
	mu       sync.Mutex
	members  map[*Client]struct{}
	presence map[string]*models.PresenceState
	retired  bool
}

func (r *room) hasPrincipalLocked(principal string) bool {
	for m := range r.members {
		if m.Principal == principal {
			return true
		}
	}
	return false
}

// broadcastLocked enqueues data to every member skip does not match.
func (r *room) broadcastLocked(data []byte, skip func(*Client) bool) {
	for m := range r.members {
		if skip != nil && skip(m) {
			continue
		}
		m.enqueue(data)
	}
}

// LeaveResult reports what a leave changed.
type LeaveResult struct {
	// Left is false when the connection was not a member.
	Left bool
	// LastForPrincipal is true when no other connection of the same
	// principal remains in the room.
	LastForPrincipal bool
	// RoomClosed is true when the room was retired.
	RoomClosed bool
}

// Registry tracks live connections and project rooms.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	clients map[string]map[*Client]struct{} // principal -> connections
	epochs  map[string]uint64               // project -> role changes seen
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*room),
		clients: make(map[string]map[*Client]struct{}),
		epochs:  make(map[string]uint64),
	}
}

func (reg *Registry) roleEpoch(projectID string) uint64 {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.epochs[projectID]
}

// bumpRoleEpoch must be called after a role change is stored and before
// its new role is pushed to the room's members.
func (reg *Registry) bumpRoleEpoch(projectID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.epochs[projectID]++
}

// Register makes c reachable through its principal's private channel.
func (reg *Registry) Register(c *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if reg.clients[c.Principal] == nil {
		reg.clients[c.Principal] = make(map[*Client]struct{})
	}
	reg.clients[c.Principal][c] = struct{}{}
}

// Unregister drops c from the private channel index.
func (reg *Registry) Unregister(c *Client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if conns, ok := reg.clients[c.Principal]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(reg.clients, c.Principal)
		}
	}
}

func (reg *Registry) getOrCreate(projectID string) *room {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[projectID]
	if !ok {
		r = &room{
			id:       projectID,
			members:  make(map[*Client]struct{}),
			presence: make(map[string]*models.PresenceState),
		}
		reg.rooms[projectID] = r
	}
	return r
}

func (reg *Registry) lookup(projectID string) *room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[projectID]
}

// withRoom runs fn under the room's lock. It reports false when the room
// does not exist.
func (reg *Registry) withRoom(projectID string, fn func(r *room)) bool {
	r := reg.lookup(projectID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.retired {
		return false
	}
	fn(r)
	return true
}

// Join adds c to the project's room and announces it to the others. Only
// the owner, collaborators and, on public projects, anyone may join.
func (reg *Registry) Join(project *models.Project, c *Client) error {
	return reg.join(project, c, noEpochCheck, nil)
}

// join adds c under the room lock. It fails with errRoleChanged when the
// project's role epoch is no longer epoch. welcome, if set, runs under the
// same lock right after c is added, so nothing emitted to the room can
// slip between it and the joiner.
func (reg *Registry) join(project *models.Project, c *Client, epoch uint64, welcome func(r *room)) error {
	if !project.CanJoin(c.Principal) {
		return apperrors.Forbidden("not authorized to join project %s", project.ID)
	}

	joined, err := marshalEnvelope(models.EventUserJoined, models.PrincipalPayload{
		ProjectID: project.ID,
		Principal: c.Principal,
	})
	if err != nil {
		return err
	}

	for {
		r := reg.getOrCreate(project.ID)
		r.mu.Lock()
		if r.retired {
			r.mu.Unlock()
			continue
		}
		if epoch != noEpochCheck && reg.roleEpoch(project.ID) != epoch {
			if len(r.members) == 0 {
				reg.retireLocked(r)
			}
			r.mu.Unlock()
			return errRoleChanged
		}

		r.members[c] = struct{}{}
		if _, ok := r.presence[c.Principal]; !ok {
			r.presence[c.Principal] = &models.PresenceState{
				PrincipalID: c.Principal,
				LastSeenAt:  time.Now().UTC(),
			}
		}
		r.broadcastLocked(joined, func(m *Client) bool { return m == c })
		if welcome != nil {
			welcome(r)
		}
		size := len(r.members)
		r.mu.Unlock()

		logger.Debug().
			Str("project_id", project.ID).
			Str("principal", c.Principal).
			Int("members", size).
			Msg("joined room")
		return nil
	}
}

// Leave removes c from the room and announces it to the rest.
func (reg *Registry) Leave(projectID string, c *Client) LeaveResult {
	r := reg.lookup(projectID)
	if r == nil {
		return LeaveResult{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[c]; !ok {
		return LeaveResult{}
	}
	delete(r.members, c)

	res := LeaveResult{Left: true}
	if !r.hasPrincipalLocked(c.Principal) {
		res.LastForPrincipal = true
		delete(r.presence, c.Principal)
	}

	if left, err := marshalEnvelope(models.EventUserLeft, models.PrincipalPayload{
		ProjectID: projectID,
		Principal: c.Principal,
	}); err == nil {
		r.broadcastLocked(left, nil)
	}

	if len(r.members) == 0 {
		reg.retireLocked(r)
		res.RoomClosed = true
	}

	logger.Debug().
		Str("project_id", projectID).
		Str("principal", c.Principal).
		Int("members", len(r.members)).
		Msg("left room")
	return res
}

// retireLocked unlinks an empty room. The caller holds r.mu.
func (reg *Registry) retireLocked(r *room) {
	r.retired = true
	reg.mu.Lock()
	if reg.rooms[r.id] == r {
		delete(reg.rooms, r.id)
	}
	reg.mu.Unlock()
}

// Broadcast sends env to every member of the room except exclude, which
// may be nil.
func (reg *Registry) Broadcast(projectID string, env *models.Envelope, exclude *Client) {
	reg.broadcast(projectID, env, func(m *Client) bool { return m == exclude })
}

// BroadcastExceptPrincipal sends env to every member not belonging to
// principal.
func (reg *Registry) BroadcastExceptPrincipal(projectID string, env *models.Envelope, principal string) {
	reg.broadcast(projectID, env, func(m *Client) bool { return m.Principal == principal })
}

func (reg *Registry) broadcast(projectID string, env *models.Envelope, skip func(*Client) bool) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshal broadcast")
		return
	}
	reg.withRoom(projectID, func(r *room) {
		r.broadcastLocked(data, skip)
	})
}

// SendTo delivers env on principal's private channel, i.e. to all of its
// connections in any room or none.
func (reg *Registry) SendTo(principal string, env *models.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshal direct message")
		return 0
	}

	reg.mu.RLock()
	conns := make([]*Client, 0, len(reg.clients[principal]))
	for c := range reg.clients[principal] {
		conns = append(conns, c)
	}
	reg.mu.RUnlock()

	sent := 0
	for _, c := range conns {
		if c.enqueue(data) {
			sent++
		}
	}
	return sent
}

// Members returns a snapshot of the room's connections.
func (reg *Registry) Members(projectID string) []*Client {
	var out []*Client
	reg.withRoom(projectID, func(r *room) {
		out = make([]*Client, 0, len(r.members))
		for m := range r.members {
			out = append(out, m)
		}
	})
	return out
}

// IsMember reports whether c is currently in the project's room.
func (reg *Registry) IsMember(projectID string, c *Client) bool {
	member := false
	reg.withRoom(projectID, func(r *room) {
		_, member = r.members[c]
	})
	return member
}

// HasRoom reports whether the project has a live room.
func (reg *Registry) HasRoom(projectID string) bool {
	return reg.lookup(projectID) != nil
}

// CloseAll closes every registered connection. Their read loops then run
// the normal disconnect sequence.
func (reg *Registry) CloseAll() {
	reg.mu.RLock()
	var all []*Client
	for _, conns := range reg.clients {
		for c := range conns {
			all = append(all, c)
		}
	}
	reg.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
	logger.Info().Int("connections", len(all)).Msg("closed all connections")
}

func marshalEnvelope(t models.EventType, payload any) ([]byte, error) {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to encode event")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, apperrors.Internal(err, "failed to encode event")
	}
	return data, nil
}
