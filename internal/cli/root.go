// Package cli implements the tether command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/lborres/tether/core"
	"github.com/lborres/tether/internal/app"
	"github.com/lborres/tether/internal/config"
)

// runtime carries what commands share; tests swap the pieces
type runtime struct {
	configPath string
	logLevel   string

	newApp func(ctx context.Context, cfg *config.Config, opts app.Options) (*app.App, error)
	listen func(addr string) (net.Listener, error)
	// terminalFD is the descriptor prompted for passwords, -1 when none
	terminalFD int
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	rt := &runtime{
		newApp:     app.New,
		listen:     func(addr string) (net.Listener, error) { return net.Listen("tcp", addr) },
		terminalFD: stdinTerminal(),
	}
	return rt.rootCommand()
}

func (rt *runtime) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "tether",
		Short: "Sign in to the marketplace and keep the backend token in sync",
		Long: `tether manages the signed-in marketplace identity on this machine.

Signing in with the identity provider also trades the provider session for a
backend access token, which tether stores locally and attaches to backend calls.

Configuration comes from --config (YAML) overlaid with TETHER_* variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&rt.configPath, "config", "c", os.Getenv("TETHER_CONFIG"), "path to a YAML config file")
	root.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		rt.signUpCommand(),
		rt.signInCommand(),
		rt.signInGoogleCommand(),
		rt.signOutCommand(),
		rt.whoAmICommand(),
		rt.resetPasswordCommand(),
		rt.confirmResetCommand(),
		rt.updateProfileCommand(),
		rt.callCommand(),
		rt.serveCommand(),
	)
	return root
}

// Execute runs the CLI
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (rt *runtime) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rt.configPath)
	if err != nil {
		return nil, err
	}
	if rt.logLevel != "" {
		cfg.LogLevel = rt.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// session loads config, builds the app and waits for the restored session
// to settle. The caller closes the app.
func (rt *runtime) session(cmd *cobra.Command, opts app.Options) (*app.App, core.SessionState, error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, core.SessionState{}, err
	}
	if opts.LogOutput == nil {
		opts.LogOutput = cmd.ErrOrStderr()
	}
	if opts.OpenURL == nil {
		opts.OpenURL = func(url string) error {
			fmt.Fprintf(cmd.ErrOrStderr(), "Open this URL in your browser to continue:\n\n  %s\n\n", url)
			return nil
		}
	}

	a, err := rt.newApp(cmd.Context(), cfg, opts)
	if err != nil {
		return nil, core.SessionState{}, err
	}
	if err := a.Tether.Start(cmd.Context()); err != nil {
		a.Close()
		return nil, core.SessionState{}, err
	}
	state, err := a.Tether.WaitSettled(cmd.Context())
	if err != nil {
		a.Close()
		return nil, core.SessionState{}, err
	}
	return a, state, nil
}

// settleAfterSignIn waits for the sign-in event and its token exchange, and
// reports an exchange that left no backend token behind
func settleAfterSignIn(ctx context.Context, a *app.App, uid string) (core.SessionState, error) {
	state, err := a.Tether.WaitSettled(ctx)
	if err != nil {
		return state, err
	}
	if state.Identity == nil || state.Identity.UID != uid {
		return state, fmt.Errorf("%w: session changed during sign-in", core.ErrNotAuthenticated)
	}
	if _, ok, err := a.Tether.AccessToken(ctx); err != nil {
		return state, err
	} else if !ok {
		return state, fmt.Errorf("%w: signed in, but no backend token was issued", core.ErrExchange)
	}
	return state, nil
}

func printIdentity(w io.Writer, state core.SessionState) {
	if state.Identity == nil {
		fmt.Fprintln(w, "Not signed in.")
		return
	}
	id := state.Identity
	fmt.Fprintf(w, "Signed in as %s\n", id.Email)
	fmt.Fprintf(w, "  uid:      %s\n", id.UID)
	if id.DisplayName != "" {
		fmt.Fprintf(w, "  name:     %s\n", id.DisplayName)
	}
	if id.PhotoURL != "" {
		fmt.Fprintf(w, "  photo:    %s\n", id.PhotoURL)
	}
	fmt.Fprintf(w, "  verified: %t\n", id.EmailVerified)
}

// friendly rewrites session errors into messages for people
func friendly(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound):
		return fmt.Errorf("no account uses that email: %w", err)
	case errors.Is(err, core.ErrInvalidSecret), errors.Is(err, core.ErrInvalidCredential):
		return fmt.Errorf("email or password is wrong: %w", err)
	case errors.Is(err, core.ErrWeakSecret):
		return fmt.Errorf("choose a stronger password: %w", err)
	case errors.Is(err, core.ErrCredential):
		return fmt.Errorf("that email is invalid or already registered: %w", err)
	case errors.Is(err, core.ErrNotAuthenticated):
		return fmt.Errorf("sign in first: %w", err)
	default:
		return err
	}
}
