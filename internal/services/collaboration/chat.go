package collaboration

import (
	"context"
	"strings"
	"unicode/utf8"

	"codesync/internal/apperrors"
	"codesync/internal/models"
)

// Chat relays and records session messages.
type Chat struct {
	reg          *Registry
	sessions     SessionStore
	maxLength    int
	historyLimit int
}

// NewChat creates a relay. maxLength bounds a message in characters;
// historyLimit is how many messages a joiner receives.
func NewChat(reg *Registry, sessions SessionStore, maxLength, historyLimit int) *Chat {
	return &Chat{
		reg:          reg,
		sessions:     sessions,
		maxLength:    maxLength,
		historyLimit: historyLimit,
	}
}

// Post appends a message to the session transcript with a server timestamp
// and sends it to every member of the room, the sender included.
func (ch *Chat) Post(ctx context.Context, projectID, sessionID string, c *Client, text string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperrors.Invalid("message is empty")
	}
	if n := utf8.RuneCountInString(text); n > ch.maxLength {
		return nil, apperrors.Invalid("message is %d characters, limit is %d", n, ch.maxLength)
	}
	if !ch.reg.IsMember(projectID, c) {
		return nil, apperrors.Forbidden("not joined to project %s", projectID)
	}

	msg := &models.ChatMessage{AuthorID: c.Principal, Text: text}
	if err := ch.sessions.AppendChatMessage(ctx, sessionID, msg); err != nil {
		return nil, err
	}

	env, err := models.NewEnvelope(models.EventChatMessage, models.ChatMessagePayload{
		ProjectID: projectID,
		Message:   *msg,
	})
	if err != nil {
		return nil, apperrors.Internal(err, "failed to encode chat message")
	}
	ch.reg.Broadcast(projectID, env, nil)
	return msg, nil
}

// History returns the latest messages of a session, oldest first.
func (ch *Chat) History(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	return ch.sessions.RecentChatMessages(ctx, sessionID, ch.historyLimit)
}

// Transcript returns the latest messages of the project's active session.
func (ch *Chat) Transcript(ctx context.Context, projectID string) (*models.Session, []models.ChatMessage, error) {
	session, err := ch.sessions.GetOrCreateActiveSession(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := ch.History(ctx, session.ID)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}
