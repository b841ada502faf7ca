package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/manash/fluxgen/internal/session"
)

func newSessionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage editing sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, app)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show a session and its generations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			var sess *session.Session
			if len(args) > 0 {
				sess, err = manager.Get(args[0])
			} else {
				sess, err = targetSession(manager)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(app.Out, "Session %s (%s, created %s)\n",
				sess.ID, sess.Status, humanize.Time(sess.CreatedAt))
			fmt.Fprintf(app.Out, "  original: %s\n", sess.OriginalImage)
			fmt.Fprintf(app.Out, "  current:  %s\n", sess.CurrentImage)
			for i, ref := range sess.References {
				fmt.Fprintf(app.Out, "  ref[%d]:   %s\n", i, ref)
			}

			if len(sess.Generations) == 0 {
				fmt.Fprintln(app.Out, "  no generations yet")
				return nil
			}
			for _, gen := range sess.Generations {
				fmt.Fprintf(app.Out, "  %s  %-10s  %s  %s\n",
					gen.ID, gen.Status, gen.Model, truncate(gen.Prompt, 48))
				if gen.Error != "" {
					fmt.Fprintf(app.Out, "      error: %s\n", gen.Error)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "use <id>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.SetActive(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Session %s is now active\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its stored images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := manager.DeleteSession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Session %s deleted\n", args[0])
			return nil
		},
	})

	return cmd
}

func runSessionsList(cmd *cobra.Command, app *App) error {
	ctx := cmd.Context()

	manager, cleanup, err := app.NewManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions := manager.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(app.Out, "No sessions. Start one with 'fluxgen new <image>'.")
		return nil
	}

	active := ""
	if sess := manager.Active(); sess != nil {
		active = sess.ID
	}

	for _, sess := range sessions {
		marker := " "
		if sess.ID == active {
			marker = "*"
		}
		fmt.Fprintf(app.Out, "%s %s  %-10s  %d generation(s)  %s\n",
			marker, sess.ID, sess.Status, len(sess.Generations), humanize.Time(sess.CreatedAt))
	}
	return nil
}

// truncate shortens a prompt for one-line display, counting runes so a
// multi-byte character is never split.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}
