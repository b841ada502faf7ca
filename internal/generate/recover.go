package generate

import (
	"context"
	"fmt"

	"github.com/manash/fluxgen/internal/provider/replicate"
	"github.com/manash/fluxgen/internal/security"
	"github.com/manash/fluxgen/internal/session"
	"github.com/manash/fluxgen/pkg/models"
)

// Retry re-drives a failed generation, cheapest path first:
//
//  1. Re-download. A recorded remote URL means the remote work already
//     succeeded and only the download failed.
//  2. Resume. A known prediction id may point at a job that succeeded or
//     is still running; read its status instead of paying for a new one.
//     When the record lost its id, the last-accepted id cached in the
//     store is tried as a heuristic.
//  3. Resubmit. Only when nothing cheaper works is a fresh billable job
//     created, against the same record.
//
// Throughout, the record keeps its identity: the retry mutates the
// existing row rather than creating a sibling. A total failure restores
// the failed state with the new error while the prediction id and
// remote URL survive for the next attempt.
func (r *Runner) Retry(ctx context.Context, sessionID, genID string) (session.Generation, error) {
	gen, err := r.Manager.Generation(sessionID, genID)
	if err != nil {
		return session.Generation{}, err
	}
	if gen.Status != session.StatusFailed {
		return gen, fmt.Errorf("%w: %s is %s", session.ErrGenerationNotFailed, genID, gen.Status)
	}

	spec, ok := r.Registry.Get(gen.Model)
	if !ok {
		return gen, fmt.Errorf("%w: %s", models.ErrUnknownModel, gen.Model)
	}

	if err := r.Manager.BeginProcessing(ctx, sessionID, genID, ""); err != nil {
		return gen, err
	}

	if err := r.recover(ctx, sessionID, genID, spec, &gen); err != nil {
		r.fail(ctx, sessionID, genID, err)
		snap, _ := r.Manager.Generation(sessionID, genID)
		return snap, err
	}

	return r.Manager.Generation(sessionID, genID)
}

func (r *Runner) recover(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, gen *session.Generation) error {
	// Synchronous generations leave nothing remote to salvage.
	if spec.Provider == models.ProviderGemini {
		return r.runSync(ctx, sessionID, genID, spec, &Request{
			SessionID: sessionID,
			Prompt:    gen.Prompt,
			Model:     gen.Model,
			Kind:      gen.Kind,
		})
	}

	if r.Jobs == nil {
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, spec.Provider)
	}

	// A URL read back from disk gets the strict host check. It was
	// written by us, but the database is not a trust boundary.
	if gen.RemoteURL != "" && security.ValidateImageURL(gen.RemoteURL, true) == nil {
		data, err := r.Jobs.Download(ctx, gen.RemoteURL)
		if err == nil {
			return r.finish(ctx, sessionID, genID, spec, data, extForClass(spec.JobClass), gen.Prompt)
		}
		fmt.Fprintf(r.out(), "re-download failed, trying job resume: %v\n", err)
	}

	if done, err := r.resume(ctx, sessionID, genID, spec, gen); done {
		return err
	}

	return r.runJob(ctx, sessionID, genID, spec, gen.Prompt)
}

// resume tries to adopt an existing prediction. It reports done=true
// when the prediction settled the generation either way; done=false
// means nothing adoptable was found and a fresh submission is needed.
func (r *Runner) resume(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, gen *session.Generation) (bool, error) {
	predictionID := gen.PredictionID
	if predictionID == "" {
		predictionID = r.Manager.LastPredictionID(ctx)
	}
	if predictionID == "" {
		return false, nil
	}

	pred, err := r.Jobs.GetStatus(ctx, predictionID)
	if err != nil {
		fmt.Fprintf(r.out(), "status check for %s failed, resubmitting: %v\n", predictionID, err)
		return false, nil
	}

	switch {
	case pred.Status == replicate.StatusSucceeded && pred.OutputURL != "":
		return true, r.deliver(ctx, sessionID, genID, spec, pred, gen.Prompt)

	case !replicate.IsTerminal(pred.Status):
		// Still running. Adopt the id (the record may have reached it
		// via the cached heuristic) and ride it to the end.
		if err := r.Manager.BeginProcessing(ctx, sessionID, genID, predictionID); err != nil {
			return true, err
		}
		final, err := r.Jobs.Wait(ctx, predictionID, spec.JobClass, r.Progress)
		if err != nil {
			return true, err
		}
		return true, r.deliver(ctx, sessionID, genID, spec, final, gen.Prompt)

	default:
		// Failed or canceled remotely. Nothing to salvage.
		return false, nil
	}
}
