package cli

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lborres/tether/internal/app"
)

func (rt *runtime) callCommand() *cobra.Command {
	var method string

	cmd := &cobra.Command{
		Use:   "call <path>",
		Short: "Call the backend with the stored access token",
		Example: `  tether call /me
  tether call --method DELETE /listings/42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, state, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if !state.Authenticated() {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: not signed in, calling without a token")
			}

			target, err := url.JoinPath(a.Config.Backend.URL, strings.TrimPrefix(args[0], "/"))
			if err != nil {
				return fmt.Errorf("building backend URL: %w", err)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), strings.ToUpper(method), target, nil)
			if err != nil {
				return err
			}

			resp, err := a.BackendClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if _, err := io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
				return err
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("backend answered %s", resp.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method")
	return cmd
}
