package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"canvasgroups.org/internal/app"
	"canvasgroups.org/internal/auth"
	"canvasgroups.org/internal/config"
	"canvasgroups.org/internal/obs"
)

var (
	version = "dev"
	commit  = "none"
)

func execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		output, _ := rootCmd.PersistentFlags().GetString("output")
		if output == "json" {
			_ = printJSON(os.Stdout, map[string]any{"error": err.Error()})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var output, logLevel string

	rootCmd := &cobra.Command{
		Use:           "groupsctl",
		Short:         "Canvas groups engine CLI",
		Long:          "Compiles and exports Canvas group rosters using the service configuration and token store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Keep stdout for command output.
			obs.Logger().SetOutput(cmd.ErrOrStderr())
			obs.SetLevel(logLevel)
			switch output {
			case "text", "json":
				return nil
			default:
				return fmt.Errorf("unsupported output format %q (use text or json)", output)
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Minimum log level written to stderr")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newCompileCmd())
	rootCmd.AddCommand(newCourseGroupsCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newTokenCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]string{"version": version, "commit": commit})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "groupsctl version %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}

// callerFlags identify whose Canvas token is used.
type callerFlags struct {
	userID   string
	courseID string
	name     string
	roles    []string
}

func (f *callerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.userID, "user", "", "Canvas user id (required)")
	cmd.Flags().StringVar(&f.courseID, "course", "", "Canvas course id (required)")
	cmd.Flags().StringVar(&f.name, "name", "", "Display name of the caller")
	cmd.Flags().StringSliceVar(&f.roles, "role", nil, "Caller role; repeatable")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("course")
}

func (f *callerFlags) identity() auth.Identity {
	return auth.Identity{
		UserID:   strings.TrimSpace(f.userID),
		CourseID: strings.TrimSpace(f.courseID),
		FullName: f.name,
		Roles:    f.roles,
	}
}

// loadApp reads configuration and wires the engine.
func loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.Build(cmd.Context(), cfg)
}

func getOutputFormat(cmd *cobra.Command) string {
	out, _ := cmd.Flags().GetString("output")
	return out
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
