package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"canvasgroups.org/internal/app"
	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/config"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage signed session tokens",
	}
	cmd.AddCommand(newSessionIssueCmd())
	return cmd
}

func newSessionIssueCmd() *cobra.Command {
	var (
		caller callerFlags
		title  string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a session token for a user and course",
		Long:  "Signs a session token with SESSION_SECRET. Pass it as a bearer token or the cg_session cookie.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			signer, err := auth.NewSigner(cfg.SessionSecret, ttl)
			if err != nil {
				return err
			}
			id := caller.identity()
			id.ContextTitle = title
			token, err := signer.Issue(id)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"token":      token,
					"expires_at": time.Now().UTC().Add(ttl).Format(time.RFC3339),
				})
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	caller.register(cmd)
	cmd.Flags().StringVar(&title, "title", "", "Course title shown with results")
	cmd.Flags().DurationVar(&ttl, "ttl", app.SessionTTL, "Token lifetime")
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect or remove stored Canvas tokens",
	}
	cmd.AddCommand(newTokenShowCmd(), newTokenDeleteCmd())
	return cmd
}

func newTokenShowCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show when a user's stored token expires",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			cred, err := a.Store.Load(cmd.Context(), userID, a.Env)
			if err != nil {
				return err
			}
			info := map[string]any{
				"user":        userID,
				"env":         a.Env,
				"expires_at":  cred.ExpiresAt.UTC().Format(time.RFC3339),
				"expired":     cred.Expired(time.Now()),
				"refreshable": cred.RefreshToken != "",
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), info)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "user %s (%s): expires %s, expired=%t, refreshable=%t\n",
				userID, a.Env, info["expires_at"], info["expired"], info["refreshable"])
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Canvas user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenDeleteCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a user's stored token so the next visit re-authorizes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.Delete(cmd.Context(), userID, a.Env); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted token for user %s (%s)\n", userID, a.Env)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Canvas user id (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
