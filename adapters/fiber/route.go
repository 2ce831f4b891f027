package fiber

import (
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/lborres/tether/core"
)

type Adapter struct {
	app *fiber.App
}

var _ core.HTTPAdapter = (*Adapter)(nil)

func New(app *fiber.App) *Adapter {
	return &Adapter{app: app}
}

// RegisterRoutes binds a handler to every endpoint by operation ID.
// Guarded endpoints run behind RequireSession.
func (a *Adapter) RegisterRoutes(session core.SessionService, endpoints []core.Endpoint, basePath string) error {
	handlers := sessionHandlers(session)

	// resolve everything first so a bad table registers nothing
	bound := make([]fiber.Handler, len(endpoints))
	for i, ep := range endpoints {
		h, ok := handlers[ep.Metadata.OperationID]
		if !ok {
			return fmt.Errorf("no handler for operation %q (%s %s)", ep.Metadata.OperationID, ep.Method, ep.Path)
		}
		bound[i] = h
	}

	api := a.app.Group(basePath)
	guard := RequireSession(session)
	for i, ep := range endpoints {
		if ep.Guarded {
			api.Add([]string{ep.Method}, ep.Path, guard, bound[i])
			continue
		}
		api.Add([]string{ep.Method}, ep.Path, bound[i])
	}
	return nil
}

func (a *Adapter) BuildGuardMiddleware(session core.SessionService) interface{} {
	return RequireSession(session)
}
