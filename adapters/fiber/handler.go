package fiber

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/tether/core"
)

type credentialsInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resetInput struct {
	Email string `json:"email"`
}

type profileInput struct {
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL"`
}

type identityResponse struct {
	Identity *core.Identity `json:"identity"`
}

func sessionHandlers(session core.SessionService) map[string]fiber.Handler {
	return map[string]fiber.Handler{
		core.OperationGetSession:        handleGetSession(session),
		core.OperationSignUp:            handleSignUp(session),
		core.OperationSignIn:            handleSignIn(session),
		core.OperationSignInFederated:   handleSignInFederated(session),
		core.OperationSignOut:           handleSignOut(session),
		core.OperationSendPasswordReset: handlePasswordReset(session),
		core.OperationUpdateProfile:     handleUpdateProfile(session),
	}
}

func handleGetSession(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(session.State())
	}
}

func handleSignUp(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input credentialsInput
		if err := c.Bind().Body(&input); err != nil {
			return badRequest(c, "invalid request body")
		}
		if input.Email == "" || input.Password == "" {
			return badRequest(c, "email and password are required")
		}

		identity, err := session.SignUp(c.Context(), input.Email, input.Password)
		if err != nil {
			return handleSessionError(c, err)
		}
		return c.Status(http.StatusCreated).JSON(identityResponse{Identity: identity})
	}
}

func handleSignIn(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input credentialsInput
		if err := c.Bind().Body(&input); err != nil {
			return badRequest(c, "invalid request body")
		}
		if input.Email == "" || input.Password == "" {
			return badRequest(c, "email and password are required")
		}

		identity, err := session.SignIn(c.Context(), input.Email, input.Password)
		if err != nil {
			return handleSessionError(c, err)
		}
		return c.Status(http.StatusOK).JSON(identityResponse{Identity: identity})
	}
}

func handleSignInFederated(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		identity, err := session.SignInFederated(c.Context())
		if err != nil {
			return handleSessionError(c, err)
		}
		return c.Status(http.StatusOK).JSON(identityResponse{Identity: identity})
	}
}

func handleSignOut(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		if err := session.SignOut(c.Context()); err != nil {
			return handleSessionError(c, err)
		}
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"message": "signed out successfully",
		})
	}
}

func handlePasswordReset(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input resetInput
		if err := c.Bind().Body(&input); err != nil || input.Email == "" {
			return badRequest(c, "email is required")
		}
		if err := session.SendPasswordReset(c.Context(), input.Email); err != nil {
			return handleSessionError(c, err)
		}
		return c.Status(http.StatusAccepted).JSON(fiber.Map{
			"message": "password reset email sent",
		})
	}
}

func handleUpdateProfile(session core.SessionService) fiber.Handler {
	return func(c fiber.Ctx) error {
		var input profileInput
		if err := c.Bind().Body(&input); err != nil {
			return badRequest(c, "invalid request body")
		}
		if err := session.UpdateIdentity(c.Context(), input.DisplayName, input.PhotoURL); err != nil {
			return handleSessionError(c, err)
		}
		return c.Status(http.StatusOK).JSON(session.State())
	}
}

func badRequest(c fiber.Ctx, message string) error {
	return c.Status(http.StatusBadRequest).JSON(core.ErrorResponse{
		Error:   "invalid_request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// handleSessionError maps session errors to appropriate HTTP responses
func handleSessionError(c fiber.Ctx, err error) error {
	status := mapErrorToStatus(err)
	return c.Status(status).JSON(core.ErrorResponse{
		Error:   http.StatusText(status),
		Message: err.Error(),
		Code:    status,
	})
}

func mapErrorToStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	switch {
	case errors.Is(err, core.ErrCredential):
		return http.StatusConflict

	case errors.Is(err, core.ErrWeakSecret):
		return http.StatusBadRequest

	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, core.ErrInvalidSecret),
		errors.Is(err, core.ErrInvalidCredential),
		errors.Is(err, core.ErrFederatedFlow),
		errors.Is(err, core.ErrNotAuthenticated):
		return http.StatusUnauthorized

	case errors.Is(err, core.ErrExchange):
		return http.StatusBadGateway

	case errors.Is(err, core.ErrNotStarted),
		errors.Is(err, core.ErrClosed):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
