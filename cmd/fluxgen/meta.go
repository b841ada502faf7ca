package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/manash/fluxgen/internal/keys"
	"github.com/manash/fluxgen/internal/session"
	"github.com/manash/fluxgen/pkg/models"
)

func newCostsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "costs",
		Short: "Show generation spend for this month and the trailing year",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ledger, cleanup, err := app.NewLedger(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := ledger.Stats(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(app.Out, "This month:     $%s\n", humanize.CommafWithDigits(stats.CurrentMonth, 2))
			fmt.Fprintf(app.Out, "Last 12 months: $%s\n", humanize.CommafWithDigits(stats.Last12Months, 2))
			return nil
		},
	}
}

func newHistoryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "history [section]",
		Short: "Show recent prompts, newest first",
		Long:  `Show recent prompts for a tool section (edit, upscale, video). Defaults to edit.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			section := string(models.KindEdit)
			if len(args) > 0 {
				section = args[0]
			}

			store, cleanup, err := app.NewHistory(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			prompts, err := store.List(ctx, section)
			if err != nil {
				return err
			}
			if len(prompts) == 0 {
				fmt.Fprintf(app.Out, "No %s prompts yet\n", section)
				return nil
			}
			for i, prompt := range prompts {
				fmt.Fprintf(app.Out, "%3d  %s\n", i+1, prompt)
			}
			return nil
		},
	}
}

func newModelsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List available models by operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, kind := range []models.ModelKind{models.KindEdit, models.KindUpscale, models.KindVideo} {
				fmt.Fprintf(app.Out, "%s:\n", kind)
				for _, name := range app.Registry.ListByKind(kind) {
					spec, _ := app.Registry.Get(name)
					fmt.Fprintf(app.Out, "  %-28s %s (%s)\n", name, spec.Label, spec.Provider)
				}
			}
			return nil
		},
	}
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <service> <key>",
		Short: "Store an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service := args[0]
			if !keys.ValidService(service) {
				return fmt.Errorf("unknown service %q: choose from %v", service, keys.KnownServices)
			}
			store, err := keys.NewStore()
			if err != nil {
				return err
			}
			if err := store.Set(service, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Key for %s stored in %s\n", service, store.Path())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <service>",
		Short: "Show a stored API key (masked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keys.NewStore()
			if err != nil {
				return err
			}
			key, err := store.Get(args[0])
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("no key stored for %s", args[0])
			}
			fmt.Fprintf(app.Out, "%s: %s\n", args[0], keys.MaskKey(key))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <service>",
		Short: "Remove a stored API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keys.NewStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Key for %s deleted\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List services with stored keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := keys.NewStore()
			if err != nil {
				return err
			}
			services, err := store.List()
			if err != nil {
				return err
			}
			if len(services) == 0 {
				fmt.Fprintln(app.Out, "No keys stored")
				return nil
			}
			for _, service := range services {
				fmt.Fprintln(app.Out, service)
			}
			return nil
		},
	})

	return cmd
}

// newVerifyCmd checks local setup without touching any provider:
// credentials resolved, data directory writable, stores openable.
func newVerifyCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check credentials and local storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ok := true

			check := func(name string, err error) {
				if err != nil {
					ok = false
					fmt.Fprintf(app.Out, "  ✗ %s: %v\n", name, err)
					return
				}
				fmt.Fprintf(app.Out, "  ✓ %s\n", name)
			}

			fmt.Fprintln(app.Out, "Credentials:")
			for service, envVar := range map[string]string{
				keys.ServiceReplicate: "REPLICATE_API_TOKEN",
				keys.ServiceGemini:    "GEMINI_API_KEY",
				keys.ServicePhotos:    "FLUXGEN_PHOTOS_TOKEN",
			} {
				if key := app.resolveKey("", service, envVar); key != "" {
					fmt.Fprintf(app.Out, "  ✓ %s (%s)\n", service, keys.MaskKey(key))
				} else {
					fmt.Fprintf(app.Out, "  - %s not configured\n", service)
				}
			}

			fmt.Fprintln(app.Out, "Storage:")
			dir, err := session.DataDir()
			check("data directory", err)
			if err == nil {
				fmt.Fprintf(app.Out, "    %s\n", dir)
			}

			manager, cleanup, err := app.NewManager(ctx)
			check("session store", err)
			if err == nil {
				fmt.Fprintf(app.Out, "    %d session(s)\n", len(manager.Sessions()))
				cleanup()
			}

			if _, cleanup, err := app.NewLedger(ctx); err == nil {
				check("cost ledger", nil)
				cleanup()
			} else {
				check("cost ledger", err)
			}

			if _, cleanup, err := app.NewHistory(ctx); err == nil {
				check("prompt history", nil)
				cleanup()
			} else {
				check("prompt history", err)
			}

			if !ok {
				return fmt.Errorf("setup incomplete")
			}
			fmt.Fprintln(app.Out, "All good!")
			return nil
		},
	}
}
