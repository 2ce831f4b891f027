package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lborres/tether/adapters/localidp"
	"github.com/lborres/tether/core"
	"github.com/lborres/tether/internal/app"
)

func (rt *runtime) signUpCommand() *cobra.Command {
	var email, passwordFile string

	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := rt.readPassword(cmd, passwordFile, "New password: ")
			if err != nil {
				return err
			}

			a, _, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			identity, err := a.Tether.SignUp(cmd.Context(), email, password)
			if err != nil {
				return friendly(err)
			}
			state, err := settleAfterSignIn(cmd.Context(), a, identity.UID)
			if err != nil {
				return friendly(err)
			}
			printIdentity(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the password from this file")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (rt *runtime) signInCommand() *cobra.Command {
	var email, passwordFile string

	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := rt.readPassword(cmd, passwordFile, "Password: ")
			if err != nil {
				return err
			}

			a, _, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			identity, err := a.Tether.SignIn(cmd.Context(), email, password)
			if err != nil {
				return friendly(err)
			}
			state, err := settleAfterSignIn(cmd.Context(), a, identity.UID)
			if err != nil {
				return friendly(err)
			}
			printIdentity(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the password from this file")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (rt *runtime) signInGoogleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signin-google",
		Short: "Sign in with a Google account in the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			identity, err := a.Tether.SignInFederated(cmd.Context())
			if err != nil {
				return friendly(err)
			}
			state, err := settleAfterSignIn(cmd.Context(), a, identity.UID)
			if err != nil {
				return friendly(err)
			}
			printIdentity(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func (rt *runtime) signOutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the backend token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, state, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if !state.Authenticated() {
				fmt.Fprintln(cmd.OutOrStdout(), "Not signed in.")
				return nil
			}
			if err := a.Tether.SignOut(cmd.Context()); err != nil {
				return friendly(err)
			}
			if _, err := a.Tether.WaitSettled(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Signed out %s.\n", state.Identity.Email)
			return nil
		},
	}
}

func (rt *runtime) whoAmICommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the restored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, state, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if asJSON {
				_, hasToken, err := a.Tether.AccessToken(cmd.Context())
				if err != nil {
					return err
				}
				out := struct {
					State          any  `json:"state"`
					HasAccessToken bool `json:"hasAccessToken"`
				}{state, hasToken}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printIdentity(cmd.OutOrStdout(), state)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session state as JSON")
	return cmd
}

func (rt *runtime) resetPasswordCommand() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Send a password reset message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.Options{
				ResetSink: localidp.ResetSinkFunc(func(_ context.Context, email, code string) error {
					fmt.Fprintf(cmd.OutOrStdout(), "Reset code for %s: %s\n", email, code)
					return nil
				}),
			}
			a, _, err := rt.session(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Tether.SendPasswordReset(cmd.Context(), email); err != nil {
				return friendly(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Password reset sent to %s.\n", email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "account email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func (rt *runtime) confirmResetCommand() *cobra.Command {
	var code, passwordFile string

	cmd := &cobra.Command{
		Use:   "confirm-reset",
		Short: "Set a new password with a reset code (local provider only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := rt.readPassword(cmd, passwordFile, "New password: ")
			if err != nil {
				return err
			}

			a, _, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			local, ok := a.Provider.(*localidp.Provider)
			if !ok {
				return errors.New("confirm-reset needs the local provider; follow the link in the reset email instead")
			}
			if err := local.ConfirmPasswordReset(cmd.Context(), code, password); err != nil {
				return friendly(err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password updated.")
			return nil
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "reset code")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "read the new password from this file")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func (rt *runtime) updateProfileCommand() *cobra.Command {
	var name, photo string

	cmd := &cobra.Command{
		Use:   "update-profile",
		Short: "Change the display name and photo",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, state, err := rt.session(cmd, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if !state.Authenticated() {
				return friendly(fmt.Errorf("update profile: %w", core.ErrNotAuthenticated))
			}
			if !cmd.Flags().Changed("name") {
				name = state.Identity.DisplayName
			}
			if !cmd.Flags().Changed("photo") {
				photo = state.Identity.PhotoURL
			}

			if err := a.Tether.UpdateIdentity(cmd.Context(), name, photo); err != nil {
				return friendly(err)
			}
			printIdentity(cmd.OutOrStdout(), a.Tether.State())
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name; empty clears it")
	cmd.Flags().StringVar(&photo, "photo", "", "photo URL; empty clears it")
	return cmd
}
