package httpapi

import (
	"github.com/labstack/echo/v4"

	"github.com/propolis-net/relay/internal/gateway"
	"github.com/propolis-net/relay/internal/store"
	"github.com/propolis-net/relay/internal/takeover"
)

// Register wires the full HTTP surface spec.md §8 allows the core to
// own directly: key publication/fetch, push-token registration, and
// the gateway upgrade endpoint.
func Register(server *echo.Echo, coordinator *takeover.Coordinator, keys *store.KeyDirectory, tokens *store.DeviceTokenStore, gw *gateway.Gateway) {
	server.PUT("/keys/:user_id", PutKeys(coordinator))
	server.GET("/keys/:user_id", GetBundle(keys))
	server.PUT("/push/token/:user_id", PutPushToken(tokens))
	server.GET("/v1/gateway", gw.Handle)
}
