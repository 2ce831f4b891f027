package core

// HTTPAdapter exposes a SessionService over a web framework
type HTTPAdapter interface {
	RegisterRoutes(session SessionService, endpoints []Endpoint, basePath string) error
	BuildGuardMiddleware(session SessionService) interface{}
}
