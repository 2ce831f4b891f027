package fiber

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/tether/core"
)

// LocalsIdentity is the Locals key holding the guarded request's core.Identity
const LocalsIdentity = "identity"

// RetryAfterSeconds is advertised while the session is still resolving
const RetryAfterSeconds = 1

// RequireSession only lets settled, authenticated sessions through. While a
// sign-in or token exchange is in flight it answers 503 with Retry-After
// instead of guessing.
func RequireSession(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		state := session.State()

		if state.Loading || !state.Phase.Settled() {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds))
			return c.Status(http.StatusServiceUnavailable).JSON(core.ErrorResponse{
				Error:   "session_loading",
				Message: "session is still being resolved",
				Code:    http.StatusServiceUnavailable,
			})
		}

		if !state.Authenticated() {
			return c.Status(http.StatusUnauthorized).JSON(core.ErrorResponse{
				Error:   "unauthenticated",
				Message: core.ErrNotAuthenticated.Error(),
				Code:    http.StatusUnauthorized,
			})
		}

		c.Locals(LocalsIdentity, *state.Identity)
		return c.Next()
	}
}

// IdentityFrom returns the identity RequireSession stored on the request
func IdentityFrom(c fiber.Ctx) (core.Identity, bool) {
	identity, ok := c.Locals(LocalsIdentity).(core.Identity)
	return identity, ok
}
