package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"canvasgroups.org/internal/export"
	"canvasgroups.org/internal/groups"
)

func newCompileCmd() *cobra.Command {
	var (
		caller     callerFlags
		cacheStats bool
	)
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile every group category of a course",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := caller.identity()
			sess, err := a.Sessions.Get(cmd.Context(), id.UserID, a.Env)
			if err != nil {
				return fmt.Errorf("session for user %s: %w", id.UserID, err)
			}
			res, err := a.Aggregator.Compile(cmd.Context(), id, sess)
			if err != nil {
				return err
			}
			if cacheStats {
				a.Caches.LogSnapshot()
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printTree(cmd.OutOrStdout(), res.Categories)
			printStats(cmd.OutOrStdout(), res.Statistics)
			return nil
		},
	}
	caller.register(cmd)
	cmd.Flags().BoolVar(&cacheStats, "cache-stats", false, "Log every cache key after compiling")
	return cmd
}

func newCourseGroupsCmd() *cobra.Command {
	var caller callerFlags
	cmd := &cobra.Command{
		Use:   "course-groups",
		Short: "List a course's groups with member profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := caller.identity()
			sess, err := a.Sessions.Get(cmd.Context(), id.UserID, a.Env)
			if err != nil {
				return fmt.Errorf("session for user %s: %w", id.UserID, err)
			}
			res, err := a.Aggregator.CompileCourseGroups(cmd.Context(), id, sess)
			if err != nil {
				return err
			}
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			printGroups(cmd.OutOrStdout(), "", res.Groups)
			printStats(cmd.OutOrStdout(), res.Statistics)
			return nil
		},
	}
	caller.register(cmd)
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		caller     callerFlags
		categoryID int64
		label      string
		zoom       bool
		outPath    string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export one group category as a roster file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if categoryID <= 0 {
				return fmt.Errorf("--category must be a positive id")
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			id := caller.identity()
			sess, err := a.Sessions.Get(cmd.Context(), id.UserID, a.Env)
			if err != nil {
				return fmt.Errorf("session for user %s: %w", id.UserID, err)
			}
			res, err := a.Aggregator.CompileSingleCategory(cmd.Context(), id, sess, categoryID)
			if err != nil {
				return err
			}

			if strings.TrimSpace(label) == "" {
				label = res.Categories[0].Name
			}
			if outPath == "" {
				outPath = export.Filename(label) + ".csv"
			}
			var w io.Writer = cmd.OutOrStdout()
			if outPath != "-" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if zoom {
				err = export.ZoomCSV(w, res)
			} else {
				err = export.CSV(w, res)
			}
			if err != nil {
				return err
			}
			if outPath != "-" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outPath)
			}
			return nil
		},
	}
	caller.register(cmd)
	cmd.Flags().Int64Var(&categoryID, "category", 0, "Group category id (required)")
	cmd.Flags().StringVar(&label, "label", "", "Label the file name is derived from")
	cmd.Flags().BoolVar(&zoom, "zoom", false, "Write Zoom breakout room pre-assignment format")
	cmd.Flags().StringVar(&outPath, "out", "", "Output path; - for stdout (default <label>.csv, label defaulting to the category name)")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func printTree(w io.Writer, cats []groups.Category) {
	for _, c := range cats {
		name := c.Name
		if name == "" {
			name = fmt.Sprintf("category %d", c.ID)
		}
		_, _ = fmt.Fprintf(w, "%s (%d groups)\n", name, len(c.Groups))
		printGroups(w, "  ", c.Groups)
	}
}

func printGroups(w io.Writer, indent string, gs []groups.Group) {
	for _, g := range gs {
		_, _ = fmt.Fprintf(w, "%s%s\n", indent, g.Name)
		for _, m := range g.Members {
			name := m.SortableName
			if name == "" {
				name = fmt.Sprintf("user %d", m.UserID)
			}
			extra := []string{}
			if m.Email != "" {
				extra = append(extra, m.Email)
			}
			if m.IsModerator {
				extra = append(extra, "moderator")
			}
			line := indent + "  " + name
			if len(extra) > 0 {
				line += " <" + strings.Join(extra, ", ") + ">"
			}
			_, _ = fmt.Fprintln(w, line)
		}
	}
}

func printStats(w io.Writer, s groups.Statistics) {
	_, _ = fmt.Fprintf(w, "compiled in %ds %dms (%s)\n", s.ElapsedSeconds, s.ElapsedMillis, s.CompileID)
}
