// Package app assembles a tether instance from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lborres/tether"
	"github.com/lborres/tether/adapters/backend"
	"github.com/lborres/tether/adapters/file"
	"github.com/lborres/tether/adapters/googleflow"
	"github.com/lborres/tether/adapters/identitytoolkit"
	"github.com/lborres/tether/adapters/localidp"
	"github.com/lborres/tether/adapters/memory"
	pgxadapter "github.com/lborres/tether/adapters/pgx"
	"github.com/lborres/tether/adapters/sqlite"
	"github.com/lborres/tether/core"
	"github.com/lborres/tether/internal/config"
	"github.com/lborres/tether/pkg/logger"
	"github.com/lborres/tether/pkg/metrics"
	"github.com/lborres/tether/pkg/telemetry"
)

type Options struct {
	// LogOutput defaults to stderr
	LogOutput io.Writer
	// OpenURL presents the Google consent page
	OpenURL func(url string) error
	// ResetSink receives local provider reset codes
	ResetSink localidp.ResetSink
	HTTP      core.HTTPAdapter
}

// App owns everything built from one configuration
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Tether   *tether.Tether
	Provider core.IdentityProvider
	Registry *prometheus.Registry

	closers []func() error
}

// providerCloser is implemented by the provider adapters that own listeners
type providerCloser interface {
	Close()
}

// New builds the app; on error everything already opened is released
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logger.Setup(opts.LogOutput, level, cfg.LogFormat)

	a := &App{Config: cfg, Logger: log}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	storage, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(a.Registry)
	if withStats, ok := storage.(core.StorageWithStats); ok {
		if err := collector.RegisterStorage(withStats); err != nil {
			return nil, fmt.Errorf("registering storage metrics: %w", err)
		}
	}

	var flow core.FederatedFlow
	if cfg.GoogleEnabled() {
		flow, err = googleflow.New(googleflow.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			OpenURL:      opts.OpenURL,
			Logger:       log,
		})
		if err != nil {
			return nil, err
		}
	}

	a.Provider, err = a.newProvider(storage, flow, opts)
	if err != nil {
		return nil, err
	}
	if c, ok := a.Provider.(providerCloser); ok {
		a.closers = append(a.closers, func() error { c.Close(); return nil })
	}

	exchanger, err := backend.New(backend.Config{
		BaseURL: cfg.Backend.URL,
		Timeout: cfg.Backend.Timeout,
	})
	if err != nil {
		return nil, err
	}

	a.Tether, err = tether.New(tether.Config{
		Provider:               a.Provider,
		Exchanger:              exchanger,
		Storage:                storage,
		CredentialKey:          cfg.Session.CredentialKey,
		HTTP:                   opts.HTTP,
		Metrics:                collector,
		Logger:                 log,
		BasePath:               cfg.Server.BasePath,
		ConcealUnknownAccounts: cfg.Session.ConcealUnknownAccounts,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Tether.Close)

	return a, nil
}

func (a *App) openStorage(ctx context.Context) (core.Storage, error) {
	sc := a.Config.Storage

	switch sc.Driver {
	case config.StorageMemory:
		return memory.New(memory.Config{}), nil

	case config.StorageFile:
		var opts []file.Option
		if sc.AgeIdentity != "" {
			identity, err := file.LoadOrCreateIdentity(sc.AgeIdentity)
			if err != nil {
				return nil, err
			}
			opts = append(opts, file.WithAgeIdentity(identity))
		}
		return file.Open(sc.Path, opts...)

	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(sc.Path), 0o700); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		store, err := sqlite.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.StoragePostgres:
		adapter, err := pgxadapter.Connect(ctx, sc.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { adapter.Close(); return nil })
		return adapter, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", sc.Driver)
	}
}

func (a *App) newProvider(storage core.Storage, flow core.FederatedFlow, opts Options) (core.IdentityProvider, error) {
	pc := a.Config.Provider

	switch pc.Kind {
	case config.ProviderLocal:
		return localidp.New(localidp.Config{
			Storage:   storage,
			ResetSink: opts.ResetSink,
			Federated: flow,
			Logger:    a.Logger,
		})
	case config.ProviderIdentityToolkit:
		return identitytoolkit.New(identitytoolkit.Config{
			APIKey:            pc.APIKey,
			Endpoint:          pc.Endpoint,
			TokenEndpoint:     pc.TokenEndpoint,
			Storage:           storage,
			Federated:         flow,
			Timeout:           pc.Timeout,
			RequestsPerSecond: pc.RequestsPerSecond,
			RefreshBefore:     pc.RefreshBefore,
			Logger:            a.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Kind)
	}
}

// sessionRefresher is implemented by providers whose sessions expire unless
// renewed in the background
type sessionRefresher interface {
	RefreshLoop(ctx context.Context)
}

// KeepSessionFresh renews the provider session in the background until ctx
// is done. It reports whether the provider needed it.
func (a *App) KeepSessionFresh(ctx context.Context) bool {
	r, ok := a.Provider.(sessionRefresher)
	if !ok {
		return false
	}
	go r.RefreshLoop(ctx)
	return true
}

// BackendClient returns an HTTP client that authenticates backend calls with
// the stored access token
func (a *App) BackendClient() *http.Client {
	return backend.NewAuthorizedClient(a.Tether.Credentials, a.Config.Backend.Timeout)
}

// Close releases resources in reverse order of acquisition
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, core.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
