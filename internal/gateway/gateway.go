package gateway

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/internal/push"
	"github.com/propolis-net/relay/internal/store"
)

// Gateway owns the single `/v1/gateway` upgrade endpoint and the
// registry of this node's live sessions.
type Gateway struct {
	handshake *Handshake
	envelopes *store.EnvelopeStore
	notifier  *notify.Notifier
	crossNode *bus.Bus
	pushQueue *push.Queue
	registry  *Registry
	cfg       Config
	upgrader  websocket.Upgrader
}

func New(handshake *Handshake, envelopes *store.EnvelopeStore, notifier *notify.Notifier, crossNode *bus.Bus, pushQueue *push.Queue, origins string, cfg Config) *Gateway {
	allowed := splitOrigins(origins)
	return &Gateway{
		handshake: handshake,
		envelopes: envelopes,
		notifier:  notifier,
		crossNode: crossNode,
		pushQueue: pushQueue,
		registry:  NewRegistry(),
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOriginFunc(allowed),
		},
	}
}

// Handle implements the `GET /v1/gateway` upgrade route, per spec.md
// §4.5 steps 1-4: handshake, key-before-connect gate, subscribe,
// initial drain, then hand off to the session's own main loop.
func (g *Gateway) Handle(c echo.Context) error {
	userID, err := g.handshake.Authenticate(c.Request())
	if err != nil {
		return c.JSON(http.StatusUnauthorized, echoError(err))
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Errorf("gateway: upgrading connection for %s: %+v", userID, err)
		return nil
	}

	session := NewSession(conn, userID, g.envelopes, g.notifier, g.crossNode, g.pushQueue, g.registry, g.cfg)
	session.Run()
	return nil
}

// Shutdown broadcasts a going-away close to every live session on
// this node. Callers should wait up to the configured shutdown grace
// before hard-closing the listener.
func (g *Gateway) Shutdown() {
	g.registry.CloseAll("server shutting down")
}

func (g *Gateway) SessionCount() int {
	return g.registry.Count()
}

func echoError(err error) map[string]string {
	switch err {
	case model.ErrorTokenInvalid:
		return map[string]string{"error": "token_invalid"}
	case model.ErrorIdentityNotBound:
		return map[string]string{"error": "identity_not_bound"}
	default:
		return map[string]string{"error": "unauthorized"}
	}
}

func splitOrigins(origins string) []string {
	if origins == "" || origins == "*" {
		return nil
	}
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// checkOriginFunc returns a websocket.Upgrader.CheckOrigin that allows
// everything when allowed is nil (default = "*"), otherwise requires
// an exact match against the configured allow-list.
func checkOriginFunc(allowed []string) func(r *http.Request) bool {
	if allowed == nil {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		for _, candidate := range allowed {
			if origin == candidate {
				return true
			}
		}
		return false
	}
}
