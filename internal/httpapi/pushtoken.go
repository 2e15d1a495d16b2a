package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/propolis-net/relay/internal/model"
	"github.com/propolis-net/relay/internal/store"
)

type PushTokenRequest struct {
	Token string `json:"token"`
}

// PutPushToken handles `PUT /push/token/:user_id`, registering the
// external device token the Push Fallback Queue dispatches to
// (spec.md §4.7). Token issuance/validity with the push provider
// itself is an external collaborator; this just records the opaque
// string.
func PutPushToken(tokens *store.DeviceTokenStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := model.UserID(c.Param("user_id"))

		req := &PushTokenRequest{}
		if err := c.Bind(req); err != nil || req.Token == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing token"})
		}

		if err := tokens.Put(userID, req.Token, time.Now().UTC()); err != nil {
			return c.JSON(http.StatusInternalServerError, errorBody(err))
		}
		return c.NoContent(http.StatusNoContent)
	}
}
