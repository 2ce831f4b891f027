package core

import "log/slog"

type Config struct {
	Provider  IdentityProvider
	Exchanger TokenExchanger

	// Optional config
	Storage                Storage // defaults to in-memory
	CredentialKey          string
	HTTP                   HTTPAdapter
	Metrics                MetricsCollector
	Logger                 *slog.Logger
	BasePath               string
	ConcealUnknownAccounts bool
}
