package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manash/fluxgen/internal/cost"
	"github.com/manash/fluxgen/internal/generate"
	"github.com/manash/fluxgen/internal/history"
	"github.com/manash/fluxgen/internal/keys"
	"github.com/manash/fluxgen/internal/photos"
	"github.com/manash/fluxgen/internal/provider"
	"github.com/manash/fluxgen/internal/provider/gemini"
	"github.com/manash/fluxgen/internal/provider/replicate"
	"github.com/manash/fluxgen/internal/session"
	"github.com/manash/fluxgen/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagAPIKey  string
	flagVerbose bool
	flagSession string
)

// App carries the injectable edges of the CLI: writers, environment, and
// constructors for everything that talks to disk or the network.
type App struct {
	Out      io.Writer
	Err      io.Writer
	Registry *models.ModelRegistry
	GetEnv   func(string) string

	NewManager func(ctx context.Context) (*session.Manager, func(), error)
	NewJobs    func(cfg *provider.Config) (generate.JobClient, error)
	NewSync    func(ctx context.Context, cfg *provider.Config) (generate.SyncClient, error)
	NewLedger  func(ctx context.Context) (cost.Ledger, func(), error)
	NewHistory func(ctx context.Context) (history.Store, func(), error)
	NewPhotos  func(token string) *photos.Uploader
}

func DefaultApp() *App {
	return &App{
		Out:      os.Stdout,
		Err:      os.Stderr,
		Registry: models.DefaultRegistry(),
		GetEnv:   os.Getenv,
		NewManager: func(ctx context.Context) (*session.Manager, func(), error) {
			store, err := session.NewStore()
			if err != nil {
				return nil, nil, err
			}
			manager := session.NewManager(store)
			if err := manager.Load(ctx); err != nil {
				store.Close()
				return nil, nil, err
			}
			return manager, func() { store.Close() }, nil
		},
		NewJobs: func(cfg *provider.Config) (generate.JobClient, error) {
			return replicate.New(cfg)
		},
		NewSync: func(ctx context.Context, cfg *provider.Config) (generate.SyncClient, error) {
			return gemini.New(ctx, cfg)
		},
		NewLedger:  defaultLedger,
		NewHistory: defaultHistory,
		NewPhotos:  func(token string) *photos.Uploader { return photos.New(token) },
	}
}

// defaultLedger prefers a shared Firestore ledger when one is configured
// and falls back to the local database.
func defaultLedger(ctx context.Context) (cost.Ledger, func(), error) {
	if project := os.Getenv("FLUXGEN_FIRESTORE_PROJECT"); project != "" {
		ledger, err := cost.NewFirestoreLedger(ctx, project, os.Getenv("FLUXGEN_FIRESTORE_CREDENTIALS"))
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { ledger.Close() }, nil
	}

	dir, err := session.DataDir()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := cost.NewSQLiteLedger(filepath.Join(dir, "costs.db"))
	if err != nil {
		return nil, nil, err
	}
	return ledger, func() { ledger.Close() }, nil
}

func defaultHistory(ctx context.Context) (history.Store, func(), error) {
	if project := os.Getenv("FLUXGEN_FIRESTORE_PROJECT"); project != "" {
		store, err := history.NewFirestoreStore(ctx, project, os.Getenv("FLUXGEN_FIRESTORE_CREDENTIALS"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	dir, err := session.DataDir()
	if err != nil {
		return nil, nil, err
	}
	store, err := history.NewSQLiteStore(filepath.Join(dir, "history.db"))
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fluxgen",
		Short: "Edit, upscale, and animate images with generative models",
		Long: `fluxgen is a session-based image editing tool backed by generative
model APIs. Load an image into a session, then run edits, upscales, and
image-to-video generations against it. Every attempt is recorded and
failed attempts can be retried without paying for redundant work.

Examples:
  fluxgen new photo.png
  fluxgen edit "make the sky stormy"
  fluxgen edit -m flux-kontext-pro "add a lighthouse"
  fluxgen upscale
  fluxgen video "waves crashing in slow motion"
  fluxgen retry <generation-id>`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "API key override for the selected model's provider")
	cmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "log provider requests and responses")
	cmd.PersistentFlags().StringVarP(&flagSession, "session", "s", "", "session id (defaults to the active session)")

	cmd.AddCommand(
		newNewCmd(app),
		newEditCmd(app),
		newUpscaleCmd(app),
		newVideoCmd(app),
		newRetryCmd(app),
		newSaveCmd(app),
		newRefsCmd(app),
		newSessionsCmd(app),
		newCostsCmd(app),
		newHistoryCmd(app),
		newModelsCmd(app),
		newKeysCmd(app),
		newVerifyCmd(app),
	)

	return cmd
}

// resolveKey runs the credential priority chain for one service:
// explicit flag, stored key, environment variable.
func (app *App) resolveKey(explicit, service, envVar string) string {
	if explicit != "" {
		return explicit
	}
	if store, err := keys.NewStore(); err == nil {
		if key, err := store.Get(service); err == nil && key != "" {
			return key
		}
	}
	return app.GetEnv(envVar)
}

// targetSession resolves the session a command operates on: the
// --session flag when given, else the active session.
func targetSession(manager *session.Manager) (*session.Session, error) {
	if flagSession != "" {
		return manager.Get(flagSession)
	}
	sess := manager.Active()
	if sess == nil {
		return nil, fmt.Errorf("%w: create one with 'fluxgen new <image>'", session.ErrNoSession)
	}
	return sess, nil
}

// newRunner assembles a generation runner. Provider clients are built
// only when a credential resolves; a missing credential surfaces later
// as ErrProviderUnavailable, and only if the request needs that side.
func (app *App) newRunner(ctx context.Context, manager *session.Manager) (*generate.Runner, func()) {
	runner := &generate.Runner{
		Manager:  manager,
		Registry: app.Registry,
		Out:      app.Err,
		Progress: progressPrinter(app.Err),
	}
	var cleanups []func()

	if key := app.resolveKey(flagAPIKey, keys.ServiceReplicate, "REPLICATE_API_TOKEN"); key != "" {
		jobs, err := app.NewJobs(&provider.Config{APIKey: key, Verbose: flagVerbose})
		if err == nil {
			runner.Jobs = jobs
		} else {
			fmt.Fprintf(app.Err, "replicate client unavailable: %v\n", err)
		}
	}

	if key := app.resolveKey(flagAPIKey, keys.ServiceGemini, "GEMINI_API_KEY"); key != "" {
		sync, err := app.NewSync(ctx, &provider.Config{APIKey: key, Verbose: flagVerbose})
		if err == nil {
			runner.Sync = sync
		} else {
			fmt.Fprintf(app.Err, "gemini client unavailable: %v\n", err)
		}
	}

	if ledger, cleanup, err := app.NewLedger(ctx); err == nil {
		runner.Ledger = ledger
		cleanups = append(cleanups, cleanup)
	} else {
		fmt.Fprintf(app.Err, "cost tracking unavailable: %v\n", err)
	}

	if store, cleanup, err := app.NewHistory(ctx); err == nil {
		runner.History = store
		cleanups = append(cleanups, cleanup)
	} else {
		fmt.Fprintf(app.Err, "prompt history unavailable: %v\n", err)
	}

	if token := app.resolveKey("", keys.ServicePhotos, "FLUXGEN_PHOTOS_TOKEN"); token != "" {
		runner.Photos = app.NewPhotos(token)
	}

	return runner, func() {
		for _, cleanup := range cleanups {
			cleanup()
		}
	}
}

// progressPrinter reports poll progress, printing only on status change
// so a long-running video job does not flood the terminal.
func progressPrinter(w io.Writer) replicate.ProgressFunc {
	var last string
	return func(id, status, lastLog string) {
		if status == last {
			return
		}
		last = status
		if lastLog != "" {
			fmt.Fprintf(w, "  %s: %s (%s)\n", id, status, lastLog)
			return
		}
		fmt.Fprintf(w, "  %s: %s\n", id, status)
	}
}
