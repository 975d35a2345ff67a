// Package socket implements the websocket transport of the websocket channel type.
// A client connects to /websocket and binds the connection to a subscription by sending "bind <id>".
// Alternatively, the subscription ID is taken from the "subscription" query parameter or the requested sub-protocol.
package socket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/SanteonNL/orca/subscriptionengine/lib/httpserv"
	"github.com/SanteonNL/orca/subscriptionengine/lib/logging"
	"github.com/SanteonNL/orca/subscriptionengine/subscriptions"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const bindCommand = "bind "

// DefaultWriteTimeout limits how long a single notification write may block.
const DefaultWriteTimeout = 10 * time.Second

func New(registry subscriptions.Registry, sessions *subscriptions.SessionTable) *Handler {
	return &Handler{
		registry:     registry,
		sessions:     sessions,
		WriteTimeout: DefaultWriteTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type Handler struct {
	registry     subscriptions.Registry
	sessions     *subscriptions.SessionTable
	upgrader     websocket.Upgrader
	WriteTimeout time.Duration
}

func (h *Handler) RegisterHandlers(mux *http.ServeMux) {
	httpserv.RegisterRoutes(mux, httpserv.Route{
		Method:     http.MethodGet,
		Path:       "/websocket",
		Handler:    h.handle,
		Middleware: httpserv.RequestLogger,
	})
}

func (h *Handler) handle(writer http.ResponseWriter, request *http.Request) {
	ctx := request.Context()
	subscriptionID := request.URL.Query().Get("subscription")
	var responseHeader http.Header
	if protocols := websocket.Subprotocols(request); len(protocols) > 0 {
		// Echo the requested sub-protocol, clients abort the handshake otherwise.
		responseHeader = http.Header{"Sec-Websocket-Protocol": []string{protocols[0]}}
		if subscriptionID == "" {
			subscriptionID = protocols[0]
		}
	}
	conn, err := h.upgrader.Upgrade(writer, request, responseHeader)
	if err != nil {
		// Upgrade already responded with an HTTP error
		log.Ctx(ctx).Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	current := newSession(conn, h.WriteTimeout)
	defer current.Close()

	var boundTo string
	defer func() {
		if boundTo != "" && h.sessions.Unbind(boundTo, current) {
			log.Ctx(ctx).Debug().Str(logging.FieldSubscriptionID, boundTo).Msg("Socket session closed")
		}
	}()
	if subscriptionID != "" {
		if !h.bind(ctx, subscriptionID, current) {
			return
		}
		boundTo = subscriptionID
	}
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				log.Ctx(ctx).Debug().Err(err).Msg("Websocket read failed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		message := strings.TrimSpace(string(data))
		if !strings.HasPrefix(message, bindCommand) {
			log.Ctx(ctx).Debug().Msgf("Ignoring websocket message: %s", message)
			continue
		}
		subscriptionID = strings.TrimSpace(strings.TrimPrefix(message, bindCommand))
		if subscriptionID == boundTo {
			continue
		}
		if boundTo != "" {
			h.sessions.Unbind(boundTo, current)
			boundTo = ""
		}
		if !h.bind(ctx, subscriptionID, current) {
			return
		}
		boundTo = subscriptionID
	}
}

// bind validates the subscription and binds the session to it.
// When it returns false, the session has been closed.
func (h *Handler) bind(ctx context.Context, subscriptionID string, current *session) bool {
	ctx = logging.WithSubscription(ctx, subscriptionID)
	subscription, err := h.registry.Get(ctx, subscriptionID)
	if errors.Is(err, subscriptions.ErrNotFound) || (err == nil && subscription.Channel.Type != subscriptions.ChannelTypeWebsocket) {
		h.reject(ctx, current, "unknown subscription "+subscriptionID)
		return false
	} else if err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("Failed to look up subscription for socket session")
		h.reject(ctx, current, "failed to look up subscription "+subscriptionID)
		return false
	}
	if err := h.sessions.Bind(ctx, subscriptionID, current); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to bind socket session")
		return false
	}
	log.Ctx(ctx).Info().Msg("Socket session bound")
	return true
}

func (h *Handler) reject(ctx context.Context, current *session, reason string) {
	if err := current.Send(ctx, "ERROR "+reason); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("Failed to send websocket error")
	}
	_ = current.Close()
}
