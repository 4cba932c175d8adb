// Package middleware provides the Fiber middleware of the feedgraph gateway.
package middleware

import (
	"strings"

	"feedgraph/internal/identity"
	"feedgraph/internal/models"
	"feedgraph/internal/observability"

	"github.com/gofiber/fiber/v2"
)

// PubLocal is the Fiber local holding the authenticated pub key.
const PubLocal = "pub"

// bearer extracts the token from "Bearer <token>", falling back to the token
// query parameter for WebSocket upgrades.
func bearer(c *fiber.Ctx, allowQuery bool) (string, bool) {
	header := c.Get("Authorization")
	if header == "" {
		if allowQuery {
			if token := c.Query("token"); token != "" {
				return token, true
			}
		}
		return "", false
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func authenticate(tokens *identity.Tokens, required, allowQuery bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := bearer(c, allowQuery)
		if !ok {
			if !required {
				return c.Next()
			}
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				models.NewUnauthenticatedError())
		}

		pub, err := tokens.Parse(token)
		if err != nil {
			return models.RespondWithError(c, fiber.StatusUnauthorized,
				&models.AppError{Code: models.CodeUnauthenticated, Message: "Invalid or expired token", Err: err})
		}

		c.Locals(PubLocal, pub)
		ctx := identity.WithSession(c.UserContext(), identity.Static(pub))
		c.SetUserContext(observability.WithAuthorPub(ctx, pub))
		return c.Next()
	}
}

// AuthRequired rejects requests without a valid bearer token.
func AuthRequired(tokens *identity.Tokens) fiber.Handler {
	return authenticate(tokens, true, false)
}

// OptionalAuth attaches the session when a valid token is present and lets
// anonymous requests through. An invalid token is still rejected.
func OptionalAuth(tokens *identity.Tokens) fiber.Handler {
	return authenticate(tokens, false, false)
}

// WebSocketAuth is OptionalAuth that also accepts ?token= since browsers
// cannot set headers on upgrade requests.
func WebSocketAuth(tokens *identity.Tokens) fiber.Handler {
	return authenticate(tokens, false, true)
}

// Pub returns the authenticated pub key of the request, or "".
func Pub(c *fiber.Ctx) string {
	pub, _ := c.Locals(PubLocal).(string)
	return pub
}
