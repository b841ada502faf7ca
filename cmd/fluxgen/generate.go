package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/manash/fluxgen/internal/generate"
	imageutil "github.com/manash/fluxgen/internal/image"
	"github.com/manash/fluxgen/internal/security"
	"github.com/manash/fluxgen/internal/session"
	"github.com/manash/fluxgen/pkg/models"
)

func newNewCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "new <image-path>",
		Short: "Start a new editing session from an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}
			if _, _, err := imageutil.Dimensions(data); err != nil {
				return fmt.Errorf("%s is not a usable image: %w", args[0], err)
			}

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := manager.NewSession(ctx, data)
			if err != nil {
				return err
			}

			fmt.Fprintf(app.Out, "Session %s created and active\n", sess.ID)
			return nil
		},
	}
}

func newEditCmd(app *App) *cobra.Command {
	var model, resolution string
	cmd := &cobra.Command{
		Use:   "edit <prompt>",
		Short: "Edit the session's current image with a prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration(cmd, app, models.KindEdit, args[0], model, resolution)
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "gemini-2.5-flash-image", "edit model")
	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "output resolution (1K, 2K, 4K; supported models only)")
	return cmd
}

func newUpscaleCmd(app *App) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "upscale [prompt]",
		Short: "Upscale the session's current image",
		Long: `Upscale the session's current image. The result becomes the new
current image, so later edits work on the upscaled version.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := ""
			if len(args) > 0 {
				prompt = args[0]
			}
			return runGeneration(cmd, app, models.KindUpscale, prompt, model, "")
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "clarity-upscaler", "upscale model")
	return cmd
}

func newVideoCmd(app *App) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "video <prompt>",
		Short: "Animate the session's current image into a short video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGeneration(cmd, app, models.KindVideo, args[0], model, "")
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "wan-2.2-i2v-fast", "video model")
	return cmd
}

func runGeneration(cmd *cobra.Command, app *App, kind models.ModelKind, prompt, model, resolution string) error {
	ctx := cmd.Context()

	manager, cleanup, err := app.NewManager(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sess, err := targetSession(manager)
	if err != nil {
		return err
	}

	runner, closeRunner := app.newRunner(ctx, manager)
	defer closeRunner()

	fmt.Fprintf(app.Out, "Running %s with %s...\n", kind, model)

	gen, err := runner.Run(ctx, &generate.Request{
		SessionID:  sess.ID,
		Prompt:     prompt,
		Model:      model,
		Kind:       kind,
		Resolution: resolution,
	})
	if err != nil {
		if gen.ID != "" {
			fmt.Fprintf(app.Out, "Generation %s failed; run 'fluxgen retry %s' to try again\n", gen.ID, gen.ID)
		}
		return err
	}

	fmt.Fprintf(app.Out, "Saved: %s\n", gen.ImagePath)
	fmt.Fprintln(app.Out, "Done!")
	return nil
}

func newRetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <generation-id>",
		Short: "Retry a failed generation",
		Long: `Retry a failed generation without paying for work that already
happened. A finished artifact is re-downloaded; a still-running or
already-succeeded remote job is resumed; only as a last resort is the
job submitted again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := findGenerationSession(manager, args[0])
			if err != nil {
				return err
			}

			runner, closeRunner := app.newRunner(ctx, manager)
			defer closeRunner()

			fmt.Fprintf(app.Out, "Retrying %s...\n", args[0])

			gen, err := runner.Retry(ctx, sess.ID, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(app.Out, "Saved: %s\n", gen.ImagePath)
			fmt.Fprintln(app.Out, "Done!")
			return nil
		},
	}
}

// findGenerationSession locates the session owning a generation id,
// honoring --session when set.
func findGenerationSession(manager *session.Manager, genID string) (*session.Session, error) {
	if flagSession != "" {
		return manager.Get(flagSession)
	}
	for _, sess := range manager.Sessions() {
		if sess.Generation(genID) != nil {
			return sess, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", session.ErrGenerationNotFound, genID)
}

func newSaveCmd(app *App) *cobra.Command {
	var generationID string
	cmd := &cobra.Command{
		Use:   "save [filename]",
		Short: "Export a finished artifact to the working directory",
		Long: `Export a finished artifact. Without a generation id the most recent
completed generation of the session is exported. The filename must be
relative to the working directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := targetSession(manager)
			if err != nil {
				return err
			}

			gen, err := pickArtifact(sess, generationID)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(gen.ImagePath)
			if err != nil {
				return fmt.Errorf("artifact bytes are gone: %w", err)
			}

			path := ""
			if len(args) > 0 {
				dir, base := filepath.Split(args[0])
				path = filepath.Join(dir, security.SanitizeFilename(base))
				if err := security.ValidateSavePath(path); err != nil {
					return err
				}
			} else {
				path = imageutil.ExportFilename(extOf(gen.ImagePath), time.Now())
			}

			if err := imageutil.Export(path, data); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Saved: %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&generationID, "generation", "g", "", "generation id to export")
	return cmd
}

// pickArtifact chooses the generation to export: the named one, or the
// newest completed one.
func pickArtifact(sess *session.Session, genID string) (*session.Generation, error) {
	if genID != "" {
		gen := sess.Generation(genID)
		if gen == nil {
			return nil, fmt.Errorf("%w: %s", session.ErrGenerationNotFound, genID)
		}
		if gen.Status != session.StatusCompleted {
			return nil, fmt.Errorf("generation %s is %s, nothing to export", genID, gen.Status)
		}
		return gen, nil
	}

	for i := len(sess.Generations) - 1; i >= 0; i-- {
		if sess.Generations[i].Status == session.StatusCompleted {
			return sess.Generations[i], nil
		}
	}
	return nil, fmt.Errorf("session %s has no completed generations", sess.ID)
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0 && path[i] != '/' && path[i] != '\\'; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return ""
}

func newRefsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refs",
		Short: "Manage the session's reference images",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <image-path>",
		Short: "Add a reference image to the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := targetSession(manager)
			if err != nil {
				return err
			}
			if err := manager.AddReference(ctx, sess.ID, data); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Reference added to session %s\n", sess.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <index>",
		Short: "Remove a reference image by position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var index int
			if _, err := fmt.Sscanf(args[0], "%d", &index); err != nil {
				return fmt.Errorf("invalid index %q", args[0])
			}

			manager, cleanup, err := app.NewManager(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sess, err := targetSession(manager)
			if err != nil {
				return err
			}
			if err := manager.RemoveReference(ctx, sess.ID, index); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Reference %d removed\n", index)
			return nil
		},
	})

	return cmd
}
