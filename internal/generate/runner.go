package generate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manash/fluxgen/internal/cost"
	"github.com/manash/fluxgen/internal/history"
	imageutil "github.com/manash/fluxgen/internal/image"
	"github.com/manash/fluxgen/internal/photos"
	"github.com/manash/fluxgen/internal/provider/gemini"
	"github.com/manash/fluxgen/internal/provider/replicate"
	"github.com/manash/fluxgen/internal/security"
	"github.com/manash/fluxgen/internal/session"
	"github.com/manash/fluxgen/pkg/models"
)

var ErrProviderUnavailable = errors.New("provider not configured")

// JobClient is the asynchronous prediction surface: submit a billable
// job, then poll, download, or resume it by id.
type JobClient interface {
	Submit(ctx context.Context, modelRef string, input map[string]any, version string) (*replicate.Prediction, error)
	GetStatus(ctx context.Context, id string) (*replicate.Prediction, error)
	Wait(ctx context.Context, id string, class models.JobClass, progress replicate.ProgressFunc) (*replicate.Prediction, error)
	Upload(ctx context.Context, data []byte, filename string) (string, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// SyncClient is the single-round-trip generation surface.
type SyncClient interface {
	Generate(ctx context.Context, req *gemini.Request) (*gemini.Response, error)
}

// Request is one generation ask against a session's current image.
type Request struct {
	SessionID  string
	Prompt     string
	Model      string
	Kind       models.ModelKind
	Resolution string
}

// Runner drives a generation from record creation to a terminal state.
// Every attempt gets a session record before any remote work starts, so
// a crash mid-flight leaves a visible, retryable row instead of nothing.
// Cost, prompt history, and photo auto-save are best effort: their
// failures are logged and never fail a finished generation.
type Runner struct {
	Manager  *session.Manager
	Registry *models.ModelRegistry
	Jobs     JobClient
	Sync     SyncClient
	Ledger   cost.Ledger
	History  history.Store
	Photos   *photos.Uploader
	Out      io.Writer
	Progress replicate.ProgressFunc
}

func (r *Runner) out() io.Writer {
	if r.Out != nil {
		return r.Out
	}
	return os.Stderr
}

// Run validates the request, creates a queued generation record, and
// executes it to completion or failure. The returned snapshot reflects
// the record's terminal state; on failure the record keeps whatever
// prediction id and remote URL it earned, for recovery.
func (r *Runner) Run(ctx context.Context, req *Request) (session.Generation, error) {
	spec, err := r.Registry.GetKind(req.Model, req.Kind)
	if err != nil {
		return session.Generation{}, err
	}
	if err := spec.Validate(req.Prompt, req.Resolution); err != nil {
		return session.Generation{}, err
	}

	sess, err := r.Manager.Get(req.SessionID)
	if err != nil {
		return session.Generation{}, err
	}

	gen := &session.Generation{
		Prompt:   req.Prompt,
		Model:    spec.Name,
		Provider: spec.Provider,
		Kind:     spec.Kind,
	}
	if err := r.Manager.AddGeneration(ctx, sess.ID, gen); err != nil {
		return session.Generation{}, err
	}

	if err := r.execute(ctx, sess.ID, gen.ID, spec, req); err != nil {
		r.fail(ctx, sess.ID, gen.ID, err)
		snap, _ := r.Manager.Generation(sess.ID, gen.ID)
		return snap, err
	}

	return r.Manager.Generation(sess.ID, gen.ID)
}

func (r *Runner) execute(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, req *Request) error {
	if spec.Provider == models.ProviderGemini {
		return r.runSync(ctx, sessionID, genID, spec, req)
	}
	return r.runJob(ctx, sessionID, genID, spec, req.Prompt)
}

// runSync performs a one-round-trip generation. There is no remote job
// id to record; the record goes queued -> processing -> terminal within
// this call.
func (r *Runner) runSync(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, req *Request) error {
	if r.Sync == nil {
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, spec.Provider)
	}

	sess, err := r.Manager.Get(sessionID)
	if err != nil {
		return err
	}
	image, err := os.ReadFile(sess.CurrentImage)
	if err != nil {
		return fmt.Errorf("failed to read current image: %w", err)
	}

	// Cap the input to the requested output resolution. Larger inputs
	// only add upload weight; the model renders at the cap anyway.
	if spec.SupportsResolution && req.Resolution != "" {
		scaled, err := imageutil.DownscaleToFit(image, models.MaxDimension(req.Resolution))
		if err != nil {
			fmt.Fprintf(r.out(), "input downscale failed, sending original: %v\n", err)
		} else {
			image = scaled
		}
	}

	var refs [][]byte
	if spec.SupportsReferences {
		for _, path := range sess.References {
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Fprintf(r.out(), "skipping unreadable reference %s: %v\n", path, err)
				continue
			}
			refs = append(refs, data)
		}
	}

	if err := r.Manager.BeginProcessing(ctx, sessionID, genID, ""); err != nil {
		return err
	}

	resp, err := r.Sync.Generate(ctx, &gemini.Request{
		Prompt:     req.Prompt,
		Model:      spec.Name,
		Resolution: req.Resolution,
		Image:      image,
		References: refs,
	})
	if err != nil {
		return err
	}

	if err := r.finish(ctx, sessionID, genID, spec, resp.Data, extForMIME(resp.MIMEType), req.Prompt); err != nil {
		return err
	}
	r.recordSyncCost(ctx, spec, req.Resolution, genID)
	return nil
}

// runJob submits an asynchronous prediction and follows it to a
// terminal state. The prediction id is recorded in the same state
// update that marks the record processing, and the remote artifact URL
// is recorded before the download attempt.
func (r *Runner) runJob(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, prompt string) error {
	if r.Jobs == nil {
		return fmt.Errorf("%w: %s", ErrProviderUnavailable, spec.Provider)
	}

	sess, err := r.Manager.Get(sessionID)
	if err != nil {
		return err
	}
	image, err := os.ReadFile(sess.CurrentImage)
	if err != nil {
		return fmt.Errorf("failed to read current image: %w", err)
	}

	imageURL, err := r.Jobs.Upload(ctx, image, "input.png")
	if err != nil {
		return fmt.Errorf("failed to upload input image: %w", err)
	}

	pred, err := r.Jobs.Submit(ctx, spec.ReplicateID, spec.BuildInput(imageURL, prompt), "")
	if err != nil {
		return err
	}

	if err := r.Manager.BeginProcessing(ctx, sessionID, genID, pred.ID); err != nil {
		return err
	}

	final, err := r.Jobs.Wait(ctx, pred.ID, spec.JobClass, r.Progress)
	if err != nil {
		return err
	}

	return r.deliver(ctx, sessionID, genID, spec, final, prompt)
}

// deliver takes a succeeded prediction through URL recording, download,
// and completion. Shared by the first run and every recovery path that
// ends up holding a succeeded prediction.
func (r *Runner) deliver(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, pred *replicate.Prediction, prompt string) error {
	if err := r.Manager.SetRemoteURL(ctx, sessionID, genID, pred.OutputURL); err != nil {
		return err
	}

	if err := security.ValidateImageURL(pred.OutputURL, false); err != nil {
		return fmt.Errorf("refusing artifact URL: %w", err)
	}

	data, err := r.Jobs.Download(ctx, pred.OutputURL)
	if err != nil {
		return err
	}

	if err := r.finish(ctx, sessionID, genID, spec, data, extForClass(spec.JobClass), prompt); err != nil {
		return err
	}
	r.recordJobCost(ctx, spec, pred)
	return nil
}

// finish completes the record and runs the post-completion side
// effects. Upscales also commit the artifact as the session's new
// editable head.
func (r *Runner) finish(ctx context.Context, sessionID, genID string, spec *models.ModelSpec, data []byte, ext, prompt string) error {
	if err := r.Manager.CompleteGeneration(ctx, sessionID, genID, data, ext); err != nil {
		return err
	}

	if spec.Kind == models.KindUpscale {
		if err := r.Manager.SetCurrentImage(ctx, sessionID, data); err != nil {
			fmt.Fprintf(r.out(), "failed to update current image: %v\n", err)
		}
	}

	r.appendHistory(ctx, spec, prompt)
	r.autoSave(ctx, genID, data, ext, prompt)
	return nil
}

func (r *Runner) fail(ctx context.Context, sessionID, genID string, cause error) {
	if err := r.Manager.FailGeneration(ctx, sessionID, genID, cause.Error()); err != nil {
		fmt.Fprintf(r.out(), "failed to record generation failure: %v\n", err)
	}
}

func (r *Runner) appendHistory(ctx context.Context, spec *models.ModelSpec, prompt string) {
	if r.History == nil || prompt == "" {
		return
	}
	if err := r.History.Append(ctx, string(spec.Kind), prompt); err != nil {
		fmt.Fprintf(r.out(), "failed to record prompt history: %v\n", err)
	}
}

// autoSave pushes the artifact to the photo library when one is
// connected. Not being connected is the common case and stays silent.
func (r *Runner) autoSave(ctx context.Context, genID string, data []byte, ext, prompt string) {
	if r.Photos == nil || !r.Photos.Connected() {
		return
	}
	filename := "fluxgen_" + genID + "." + ext
	if err := r.Photos.Upload(ctx, data, filename, prompt); err != nil {
		fmt.Fprintf(r.out(), "failed to save to photo library: %v\n", err)
	}
}

func (r *Runner) recordJobCost(ctx context.Context, spec *models.ModelSpec, pred *replicate.Prediction) {
	if r.Ledger == nil {
		return
	}
	amount := cost.ReplicateCost(spec.ReplicateID, pred.PredictTime)
	err := r.Ledger.Record(ctx, "replicate", amount, map[string]any{
		"model":         spec.Name,
		"prediction_id": pred.ID,
	}, pred.ID)
	if err != nil {
		fmt.Fprintf(r.out(), "failed to record cost: %v\n", err)
	}
}

func (r *Runner) recordSyncCost(ctx context.Context, spec *models.ModelSpec, resolution, genID string) {
	if r.Ledger == nil {
		return
	}
	amount := cost.GeminiCost(spec.Name, resolution)
	err := r.Ledger.Record(ctx, "gemini", amount, map[string]any{
		"model":      spec.Name,
		"generation": genID,
	}, "")
	if err != nil {
		fmt.Fprintf(r.out(), "failed to record cost: %v\n", err)
	}
}

func extForClass(class models.JobClass) string {
	if class == models.JobClassVideo {
		return "mp4"
	}
	return "png"
}

func extForMIME(mimeType string) string {
	ext := strings.TrimPrefix(mimeType, "image/")
	if ext == "" || ext == mimeType {
		return "png"
	}
	return ext
}
