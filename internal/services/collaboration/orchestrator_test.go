package collaboration

import (
	"fmt"
	"testing"

	"codesync/internal/models"
	"codesync/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin_SendsFullSequence(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{"ed": models.RoleEditor})

	owner := h.connect("owner")
	h.join(owner, project.ID)

	ed := h.connect("ed")
	frames := h.join(ed, project.ID)

	assert.Equal(t, []models.EventType{
		models.EventYourRole,
		models.EventCurrentCollaborators,
		models.EventPresenceSnapshot,
		models.EventCodeSnapshot,
		models.EventChatHistory,
	}, types(frames))

	role := payloadOf[models.YourRolePayload](t, frames[0])
	assert.Equal(t, models.RoleEditor, role.Role)
	assert.Equal(t, "req-1", frames[0].RequestID)

	collabs := payloadOf[models.CollaboratorsPayload](t, frames[1])
	assert.Equal(t, "owner", collabs.Owner)
	assert.Len(t, collabs.Collaborators, 2)

	presence := payloadOf[models.PresenceSnapshotPayload](t, frames[2])
	assert.Contains(t, presence.Users, "owner")
	assert.Contains(t, presence.Users, "ed")

	snap := payloadOf[models.CodeSnapshotPayload](t, frames[3])
	assert.Equal(t, "package main\n", snap.Code)
	assert.Equal(t, int64(0), snap.Version)
	assert.False(t, snap.Dirty)

	// The owner sees the join, the joiner does not see its own.
	ownerFrames := drain(t, owner)
	joined := ofType(ownerFrames, models.EventUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "ed", payloadOf[models.PrincipalPayload](t, joined[0]).Principal)
	assert.Empty(t, ofType(frames, models.EventUserJoined))

	assert.Equal(t, StateRoomJoined, ed.State())
}

func TestJoin_PrivateProjectRejectsStranger(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, nil)

	c := h.connect("stranger")
	h.send(c, models.EventJoin, models.JoinPayload{ProjectID: project.ID})

	requireError(t, drain(t, c), "forbidden")
	assert.Equal(t, StateAuthenticated, c.State())
	assert.False(t, h.reg.HasRoom(project.ID))
}

func TestJoin_UnknownProject(t *testing.T) {
	h := newHarness(t)
	c := h.connect("u1")
	h.send(c, models.EventJoin, models.JoinPayload{ProjectID: "missing"})
	requireError(t, drain(t, c), "not_found")
}

// Scenario A: a non-member joins a public project as a viewer and cannot edit.
func TestScenario_PublicViewerCannotEdit(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", true, nil)

	owner := h.connect("owner")
	h.join(owner, project.ID)
	drain(t, owner)

	stranger := h.connect("stranger")
	frames := h.join(stranger, project.ID)
	role := payloadOf[models.YourRolePayload](t, ofType(frames, models.EventYourRole)[0])
	assert.Equal(t, models.RoleViewer, role.Role)
	drain(t, owner)

	h.send(stranger, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "hacked"})

	requireError(t, drain(t, stranger), "forbidden")
	assert.Empty(t, drain(t, owner), "viewer edits must not be broadcast")
	assert.False(t, h.code.Pending(project.ID))
}

func TestCodeChange_EditorBroadcastsWithoutEcho(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{"ed": models.RoleEditor})

	owner := h.connect("owner")
	ed := h.connect("ed")
	h.join(owner, project.ID)
	h.join(ed, project.ID)
	drain(t, owner)

	h.send(ed, models.EventCodeChange, models.CodeChangePayload{
		ProjectID: project.ID,
		Code:      "package main\n\nfunc main() {}\n",
		Cursor:    &models.CursorPosition{Line: 3, Column: 15},
	})

	assert.Empty(t, drain(t, ed), "sender must not receive its own echo")

	frames := drain(t, owner)
	assert.Equal(t, []models.EventType{models.EventCodeUpdate, models.EventCursorUpdate}, types(frames))
	update := payloadOf[models.CodeUpdatePayload](t, frames[0])
	assert.Equal(t, "ed", update.Author)
	assert.Equal(t, "package main\n\nfunc main() {}\n", update.Code)

	assert.True(t, h.code.Pending(project.ID))

	snap, err := h.code.Snapshot(h.ctx, project.ID)
	require.NoError(t, err)
	assert.True(t, snap.Dirty)
	assert.Equal(t, update.Code, snap.Code)
}

func TestCursorMove_NoEchoAndSnapshot(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", true, nil)

	owner := h.connect("owner")
	viewer := h.connect("viewer")
	h.join(owner, project.ID)
	h.join(viewer, project.ID)
	drain(t, owner)

	h.send(viewer, models.EventCursorMove, models.CursorMovePayload{
		ProjectID: project.ID,
		Position:  &models.CursorPosition{Line: 1, Column: 2},
	})
	h.send(viewer, models.EventCursorMove, models.CursorMovePayload{
		ProjectID: project.ID,
		Position:  &models.CursorPosition{Line: 4, Column: 5},
	})

	assert.Empty(t, drain(t, viewer))
	updates := ofType(drain(t, owner), models.EventCursorUpdate)
	require.Len(t, updates, 2)
	last := payloadOf[models.CursorUpdatePayload](t, updates[1])
	assert.Equal(t, &models.CursorPosition{Line: 4, Column: 5}, last.Position)

	snap := h.orch.presence.Snapshot(project.ID)
	require.Contains(t, snap, "viewer")
	assert.Equal(t, 4, snap["viewer"].Position.Line)

	_, sessionID := viewer.Room()
	users, err := h.stores.Sessions.ListActiveUsers(h.ctx, sessionID)
	require.NoError(t, err)
	var found bool
	for _, u := range users {
		if u.PrincipalID == "viewer" {
			found = true
			assert.Equal(t, 4, u.CursorLine)
		}
	}
	assert.True(t, found)

	h.send(viewer, models.EventCursorMove, models.CursorMovePayload{ProjectID: project.ID})
	requireError(t, drain(t, viewer), "invalid")
}

// Scenario B: an admin promotes a viewer; the target hears it privately
// once, the rest of the room hears it once, and the promotion takes effect.
func TestScenario_RoleChangePropagates(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{
		"u": models.RoleViewer,
		"v": models.RoleViewer,
	})

	owner := h.connect("owner")
	u := h.connect("u")
	v := h.connect("v")
	h.join(owner, project.ID)
	h.join(u, project.ID)
	h.join(v, project.ID)
	drain(t, owner)
	drain(t, u)

	h.send(u, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "x"})
	requireError(t, drain(t, u), "forbidden")

	h.send(owner, models.EventRoleChangeRequest, models.RoleChangeRequestPayload{
		ProjectID:       project.ID,
		TargetPrincipal: "u",
		NewRole:         "editor",
	})

	uFrames := drain(t, u)
	require.Len(t, ofType(uFrames, models.EventRoleUpdated), 1, "frames: %v", types(uFrames))
	assert.Equal(t, models.RoleEditor, payloadOf[models.RoleUpdatedPayload](t, uFrames[0]).Role)

	vUpdates := ofType(drain(t, v), models.EventRoleUpdated)
	require.Len(t, vUpdates, 1)
	assert.Equal(t, "u", payloadOf[models.RoleUpdatedPayload](t, vUpdates[0]).Principal)

	ownerFrames := drain(t, owner)
	assert.Len(t, ofType(ownerFrames, models.EventRoleUpdated), 1)
	results := ofType(ownerFrames, models.EventRoleChangeResult)
	require.Len(t, results, 1)
	result := payloadOf[models.ResultPayload](t, results[0])
	assert.True(t, result.Success)
	assert.Equal(t, models.RoleEditor, result.Role)

	assert.Equal(t, models.RoleEditor, u.Role())

	h.send(u, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "now allowed"})
	assert.Empty(t, ofType(drain(t, u), models.EventError))
	assert.Len(t, ofType(drain(t, v), models.EventCodeUpdate), 1)
}

func TestRoleChange_Rejections(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{
		"ed": models.RoleEditor,
		"u":  models.RoleViewer,
	})

	owner := h.connect("owner")
	ed := h.connect("ed")
	h.join(owner, project.ID)
	h.join(ed, project.ID)
	drain(t, owner)

	h.send(ed, models.EventRoleChangeRequest, models.RoleChangeRequestPayload{ProjectID: project.ID, TargetPrincipal: "u", NewRole: "editor"})
	requireError(t, drain(t, ed), "forbidden")

	h.send(owner, models.EventRoleChangeRequest, models.RoleChangeRequestPayload{ProjectID: project.ID, TargetPrincipal: "u", NewRole: "admin"})
	requireError(t, drain(t, owner), "invalid")

	h.send(owner, models.EventRoleChangeRequest, models.RoleChangeRequestPayload{ProjectID: project.ID, TargetPrincipal: "owner", NewRole: "viewer"})
	requireError(t, drain(t, owner), "forbidden")

	h.send(owner, models.EventRoleChangeRequest, models.RoleChangeRequestPayload{ProjectID: project.ID, TargetPrincipal: "ghost", NewRole: "viewer"})
	requireError(t, drain(t, owner), "not_found")

	assert.Empty(t, drain(t, ed), "rejected requests must not be broadcast")
}

// Scenario C: the owner's stored entry went stale; joining heals it.
func TestScenario_OwnerHealOnJoin(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{"ed": models.RoleEditor})
	testutil.ForceRole(t, h.stores, project.ID, "owner", "viewer")

	ed := h.connect("ed")
	h.join(ed, project.ID)

	owner := h.connect("owner")
	frames := h.join(owner, project.ID)

	require.Equal(t, models.EventYourRole, frames[0].Type)
	assert.Equal(t, models.RoleAdmin, payloadOf[models.YourRolePayload](t, frames[0]).Role)
	assert.Equal(t, models.RoleAdmin, owner.Role())

	edUpdates := ofType(drain(t, ed), models.EventRoleUpdated)
	require.Len(t, edUpdates, 1)
	assert.Equal(t, models.RoleAdmin, payloadOf[models.RoleUpdatedPayload](t, edUpdates[0]).Role)

	stored, err := h.stores.Projects.GetProject(h.ctx, project.ID)
	require.NoError(t, err)
	row, ok := stored.Collaborator("owner")
	require.True(t, ok)
	assert.Equal(t, models.RoleAdmin, row.Role)
	assert.Equal(t, int64(1), testutil.CountCollaborators(t, h.stores, project.ID, "owner"))

	// A second verification finds nothing to heal.
	h.send(owner, models.EventVerifyRole, models.ProjectPayload{ProjectID: project.ID})
	assert.Equal(t, []models.EventType{models.EventYourRole}, types(drain(t, owner)))
	assert.Empty(t, ofType(drain(t, ed), models.EventRoleUpdated))
}

func TestDebouncedSaves_VersionAndHistory(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, nil)

	owner := h.connect("owner")
	h.join(owner, project.ID)

	const n = 5
	for i := 1; i <= n; i++ {
		h.send(owner, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: fmt.Sprintf("rev %d", i)})
		require.NoError(t, h.code.Flush(h.ctx))
	}

	stored, err := h.stores.Projects.GetProject(h.ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, project.Version+n, stored.Version)
	assert.Equal(t, "rev 5", stored.Code)

	history, err := h.stores.Projects.ListHistory(h.ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, history, n)
	for i, entry := range history {
		assert.Equal(t, int64(i), entry.Version)
	}
	assert.Equal(t, "package main\n", history[0].Code)
	assert.Equal(t, "rev 4", history[n-1].Code)

	saved := ofType(drain(t, owner), models.EventCodeSaved)
	require.Len(t, saved, n)
	assert.Equal(t, int64(n), payloadOf[models.CodeSavedPayload](t, saved[n-1]).Version)
}

func TestCodeSave_ExplicitVersionCheck(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{"ed": models.RoleEditor})

	owner := h.connect("owner")
	ed := h.connect("ed")
	h.join(owner, project.ID)
	h.join(ed, project.ID)
	drain(t, owner)

	h.send(ed, models.EventCodeSave, models.CodeSavePayload{ProjectID: project.ID, Code: "v1", ExpectedVersion: 0})
	edFrames := drain(t, ed)
	assert.Empty(t, ofType(edFrames, models.EventError))
	assert.Len(t, ofType(edFrames, models.EventCodeSaved), 1)

	ownerFrames := drain(t, owner)
	assert.Equal(t, []models.EventType{models.EventCodeUpdate, models.EventCodeSaved}, types(ownerFrames))

	// Stale expected version never overwrites.
	h.send(owner, models.EventCodeSave, models.CodeSavePayload{ProjectID: project.ID, Code: "stale", ExpectedVersion: 0})
	requireError(t, drain(t, owner), "conflict")

	stored, err := h.stores.Projects.GetProject(h.ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", stored.Code)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCodeSave_DropsPendingDebounce(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, nil)

	owner := h.connect("owner")
	h.join(owner, project.ID)

	h.send(owner, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "draft"})
	require.True(t, h.code.Pending(project.ID))

	h.send(owner, models.EventCodeSave, models.CodeSavePayload{ProjectID: project.ID, Code: "draft", ExpectedVersion: 0})
	assert.False(t, h.code.Pending(project.ID))

	require.NoError(t, h.code.Flush(h.ctx))
	stored, err := h.stores.Projects.GetProject(h.ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestEventsRequireJoinedProject(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, nil)
	other := testutil.SeedProject(t, h.stores, "owner", false, nil)

	owner := h.connect("owner")
	h.send(owner, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "x"})
	requireError(t, drain(t, owner), "forbidden")

	h.join(owner, project.ID)
	h.send(owner, models.EventChatSend, models.ChatSendPayload{ProjectID: other.ID, Text: "hi"})
	requireError(t, drain(t, owner), "forbidden")

	h.send(owner, models.EventType("teleport"), models.ProjectPayload{ProjectID: project.ID})
	requireError(t, drain(t, owner), "invalid")

	h.orch.HandleMessage(h.ctx, owner, []byte("{not json"))
	errs := ofType(drain(t, owner), models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "invalid", payloadOf[models.ErrorPayload](t, errs[0]).Code)
}

func TestJoinAnotherProjectLeavesCurrent(t *testing.T) {
	h := newHarness(t)
	first := testutil.SeedProject(t, h.stores, "owner", false, nil)
	second := testutil.SeedProject(t, h.stores, "owner", false, nil)

	owner := h.connect("owner")
	h.join(owner, first.ID)
	h.join(owner, second.ID)

	projectID, _ := owner.Room()
	assert.Equal(t, second.ID, projectID)
	assert.False(t, h.reg.HasRoom(first.ID))
	assert.True(t, h.reg.IsMember(second.ID, owner))
}

func TestLeaveAndDisconnect(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{"ed": models.RoleEditor})

	owner := h.connect("owner")
	ed := h.connect("ed")
	h.join(owner, project.ID)
	h.join(ed, project.ID)
	drain(t, owner)

	h.send(ed, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "unsaved"})
	drain(t, owner)

	h.orch.HandleDisconnect(h.ctx, ed)
	assert.Equal(t, StateDisconnected, ed.State())

	left := ofType(drain(t, owner), models.EventUserLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "ed", payloadOf[models.PrincipalPayload](t, left[0]).Principal)
	assert.NotContains(t, h.orch.presence.Snapshot(project.ID), "ed")

	// A disconnect never cancels a scheduled save.
	assert.True(t, h.code.Pending(project.ID))

	// Events after disconnect are rejected and nothing is queued.
	h.send(ed, models.EventJoin, models.JoinPayload{ProjectID: project.ID})
	assert.Empty(t, drain(t, ed))
	assert.False(t, h.reg.IsMember(project.ID, ed))
	assert.Equal(t, StateDisconnected, ed.State())

	h.send(owner, models.EventLeave, models.ProjectPayload{ProjectID: project.ID})
	assert.Equal(t, StateAuthenticated, owner.State())
	assert.False(t, h.reg.HasRoom(project.ID))

	require.NoError(t, h.code.Flush(h.ctx))
	stored, err := h.stores.Projects.GetProject(h.ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, "unsaved", stored.Code)
}

func TestChat_PostAndHistory(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", true, nil)

	owner := h.connect("owner")
	viewer := h.connect("viewer")
	h.join(owner, project.ID)
	h.join(viewer, project.ID)
	drain(t, owner)

	h.send(viewer, models.EventChatSend, models.ChatSendPayload{ProjectID: project.ID, Text: "  hello  "})

	for _, c := range []*Client{owner, viewer} {
		msgs := ofType(drain(t, c), models.EventChatMessage)
		require.Len(t, msgs, 1, c.Principal)
		msg := payloadOf[models.ChatMessagePayload](t, msgs[0]).Message
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, "viewer", msg.AuthorID)
		assert.False(t, msg.CreatedAt.IsZero())
	}

	h.send(viewer, models.EventChatSend, models.ChatSendPayload{ProjectID: project.ID, Text: "   "})
	requireError(t, drain(t, viewer), "invalid")

	late := h.connect("late")
	frames := h.join(late, project.ID)
	history := ofType(frames, models.EventChatHistory)
	require.Len(t, history, 1)
	messages := payloadOf[models.ChatHistoryPayload](t, history[0]).Messages
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)
}

func TestRemoveCollaborator_PrivateEvicts(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", false, map[string]models.Role{"u": models.RoleEditor})

	owner := h.connect("owner")
	u := h.connect("u")
	h.join(owner, project.ID)
	h.join(u, project.ID)
	drain(t, owner)

	h.send(owner, models.EventCollaboratorRemoveRequest, models.CollaboratorRemoveRequestPayload{
		ProjectID:       project.ID,
		TargetPrincipal: "u",
	})

	uFrames := drain(t, u)
	removed := ofType(uFrames, models.EventCollaboratorRemoved)
	require.Len(t, removed, 1)
	assert.True(t, payloadOf[models.CollaboratorRemovedPayload](t, removed[0]).Evicted)
	assert.Equal(t, StateAuthenticated, u.State())
	assert.False(t, h.reg.IsMember(project.ID, u))

	ownerFrames := drain(t, owner)
	assert.Len(t, ofType(ownerFrames, models.EventCollaboratorRemoved), 1)
	assert.Len(t, ofType(ownerFrames, models.EventUserLeft), 1)
	assert.Len(t, ofType(ownerFrames, models.EventCollaboratorRemoveResult), 1)

	h.send(u, models.EventJoin, models.JoinPayload{ProjectID: project.ID})
	requireError(t, drain(t, u), "forbidden")
}

func TestRemoveCollaborator_PublicFallsBackToViewer(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", true, map[string]models.Role{"u": models.RoleEditor})

	owner := h.connect("owner")
	u := h.connect("u")
	h.join(owner, project.ID)
	h.join(u, project.ID)

	h.send(owner, models.EventCollaboratorRemoveRequest, models.CollaboratorRemoveRequestPayload{
		ProjectID:       project.ID,
		TargetPrincipal: "u",
	})

	removed := ofType(drain(t, u), models.EventCollaboratorRemoved)
	require.Len(t, removed, 1)
	assert.Equal(t, models.RoleViewer, payloadOf[models.CollaboratorRemovedPayload](t, removed[0]).Role)
	assert.Equal(t, models.RoleViewer, u.Role())
	assert.True(t, h.reg.IsMember(project.ID, u))

	h.send(u, models.EventCodeChange, models.CodeChangePayload{ProjectID: project.ID, Code: "nope"})
	requireError(t, drain(t, u), "forbidden")
}

func TestSessionEnd(t *testing.T) {
	h := newHarness(t)
	project := testutil.SeedProject(t, h.stores, "owner", true, nil)

	owner := h.connect("owner")
	viewer := h.connect("viewer")
	h.join(owner, project.ID)
	h.join(viewer, project.ID)
	drain(t, owner)
	_, firstSession := owner.Room()

	h.send(viewer, models.EventSessionEnd, models.ProjectPayload{ProjectID: project.ID})
	requireError(t, drain(t, viewer), "forbidden")

	h.send(owner, models.EventSessionEnd, models.ProjectPayload{ProjectID: project.ID})

	ended := ofType(drain(t, viewer), models.EventSessionEnded)
	require.Len(t, ended, 1)
	p := payloadOf[models.SessionEndedPayload](t, ended[0])
	assert.Equal(t, firstSession, p.SessionID)
	assert.NotEqual(t, firstSession, p.NextSessionID)

	_, current := viewer.Room()
	assert.Equal(t, p.NextSessionID, current)

	h.send(viewer, models.EventChatSend, models.ChatSendPayload{ProjectID: project.ID, Text: "fresh start"})
	messages, err := h.stores.Sessions.RecentChatMessages(h.ctx, p.NextSessionID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, withEventRate(0.001, 2))
	project := testutil.SeedProject(t, h.stores, "owner", true, nil)

	owner := h.connect("owner")
	viewer := h.connect("viewer")
	h.join(owner, project.ID)
	drain(t, owner)

	join := []byte(`{"type":"join","request_id":"req-1","payload":{"projectId":"` + project.ID + `"}}`)
	h.orch.HandleMessage(h.ctx, viewer, join)
	drain(t, viewer)
	move := []byte(`{"type":"cursor_move","payload":{"projectId":"` + project.ID + `","position":{"line":1,"column":1}}}`)
	h.orch.HandleMessage(h.ctx, viewer, move)
	assert.Empty(t, drain(t, viewer))

	// Bucket is empty now: cursor moves vanish, everything else is refused.
	h.orch.HandleMessage(h.ctx, viewer, move)
	assert.Empty(t, drain(t, viewer))

	chat := []byte(`{"type":"chat_send","request_id":"req-1","payload":{"projectId":"` + project.ID + `","text":"hi"}}`)
	h.orch.HandleMessage(h.ctx, viewer, chat)
	requireError(t, drain(t, viewer), "too_many_requests")

	assert.Len(t, ofType(drain(t, owner), models.EventCursorUpdate), 1)
}
