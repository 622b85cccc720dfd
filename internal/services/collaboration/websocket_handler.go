package collaboration

import (
	"context"
	"net/http"

	"codesync/internal/auth"
	"codesync/internal/logger"
	"codesync/internal/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The credential is checked before the upgrade, so an unauthenticated
client gets a plain 401 and never holds a socket. CheckOrigin enforces the
configured origin allow list; browsers send Origin on every WebSocket
handshake.
*/

// TokenVerifier maps a credential to a principal id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// WebSocketHandler accepts collaboration connections.
type WebSocketHandler struct {
	orchestrator *Orchestrator
	verifier     TokenVerifier
	upgrader     websocket.Upgrader
}

// NewWebSocketHandler creates a handler accepting browsers from
// allowedOrigins; an empty list accepts any origin.
func NewWebSocketHandler(orchestrator *Orchestrator, verifier TokenVerifier, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		orchestrator: orchestrator,
		verifier:     verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
	}
}

// ServeHTTP authenticates, upgrades and starts the connection's pumps.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect")
	defer span.End()

	principal, err := h.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		middleware.AddSpanError(ctx, err)
		logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket connection rejected")
		middleware.WriteError(w, err)
		return
	}
	span.SetAttributes(attribute.String("principal", principal))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		logger.Warn().Err(err).Str("principal", principal).Msg("failed to upgrade websocket")
		return
	}

	c := h.orchestrator.Connect(principal, conn)

	// The request context ends when this handler returns; the pumps outlive it.
	connCtx := context.WithoutCancel(ctx)
	go c.WritePump()
	go c.ReadPump(connCtx, h.orchestrator)
}
