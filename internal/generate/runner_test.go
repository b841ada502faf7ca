package generate

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/manash/fluxgen/internal/cost"
	"github.com/manash/fluxgen/internal/provider"
	"github.com/manash/fluxgen/internal/provider/gemini"
	"github.com/manash/fluxgen/internal/provider/replicate"
	"github.com/manash/fluxgen/internal/session"
	"github.com/manash/fluxgen/pkg/models"
)

type fakeJobs struct {
	mu          sync.Mutex
	submitCalls int
	statusCalls int
	submitPred  *replicate.Prediction
	submitErr   error
	statusPred  *replicate.Prediction
	statusErr   error
	waitPred    *replicate.Prediction
	waitErr     error
	artifact    []byte
	downloadErr error
	downloaded  []string
}

func (f *fakeJobs) Submit(ctx context.Context, modelRef string, input map[string]any, version string) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	return f.submitPred, f.submitErr
}

func (f *fakeJobs) GetStatus(ctx context.Context, id string) (*replicate.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	return f.statusPred, f.statusErr
}

func (f *fakeJobs) Wait(ctx context.Context, id string, class models.JobClass, progress replicate.ProgressFunc) (*replicate.Prediction, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	return f.waitPred, nil
}

func (f *fakeJobs) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	return "https://api.replicate.com/v1/files/f1", nil
}

func (f *fakeJobs) Download(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloaded = append(f.downloaded, url)
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.artifact, nil
}

type fakeSync struct {
	resp *gemini.Response
	err  error
	got  *gemini.Request
}

func (f *fakeSync) Generate(ctx context.Context, req *gemini.Request) (*gemini.Response, error) {
	f.got = req
	return f.resp, f.err
}

type costRecord struct {
	service   string
	amount    float64
	dedupeKey string
}

type fakeLedger struct {
	mu      sync.Mutex
	records []costRecord
}

func (f *fakeLedger) Record(ctx context.Context, service string, amount float64, metadata map[string]any, dedupeKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, costRecord{service, amount, dedupeKey})
	return nil
}

func (f *fakeLedger) Stats(ctx context.Context) (*cost.Stats, error) {
	return &cost.Stats{}, nil
}

type fakeHistory struct {
	appended map[string][]string
}

func (f *fakeHistory) Append(ctx context.Context, section, prompt string) error {
	if f.appended == nil {
		f.appended = make(map[string][]string)
	}
	f.appended[section] = append(f.appended[section], prompt)
	return nil
}

func (f *fakeHistory) List(ctx context.Context, section string) ([]string, error) {
	return f.appended[section], nil
}

func testRunner(t *testing.T) (*Runner, *session.Session, *fakeJobs, *fakeLedger, *fakeHistory) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("FLUXGEN_DATA_DIR", tmpDir)

	store, err := session.NewStore()
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	manager := session.NewManager(store)
	manager.SetLogOutput(io.Discard)
	if err := manager.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	sess, err := manager.NewSession(context.Background(), []byte("source-image"))
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}

	jobs := &fakeJobs{}
	ledger := &fakeLedger{}
	hist := &fakeHistory{}

	runner := &Runner{
		Manager:  manager,
		Registry: models.DefaultRegistry(),
		Jobs:     jobs,
		Ledger:   ledger,
		History:  hist,
		Out:      io.Discard,
	}
	return runner, sess, jobs, ledger, hist
}

func TestRunner_RunJobLifecycle(t *testing.T) {
	runner, sess, jobs, ledger, hist := testRunner(t)
	jobs.submitPred = &replicate.Prediction{ID: "pred-1", Status: "starting"}
	jobs.waitPred = &replicate.Prediction{
		ID: "pred-1", Status: replicate.StatusSucceeded,
		OutputURL: "https://replicate.delivery/out.png", PredictTime: 10,
	}
	jobs.artifact = []byte("artifact-bytes")

	gen, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Prompt:    "add a lighthouse",
		Model:     "flux-kontext-pro",
		Kind:      models.KindEdit,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gen.Status != session.StatusCompleted {
		t.Errorf("Status = %q, want completed", gen.Status)
	}
	if gen.PredictionID != "pred-1" {
		t.Errorf("PredictionID = %q", gen.PredictionID)
	}
	if gen.RemoteURL != "https://replicate.delivery/out.png" {
		t.Errorf("RemoteURL = %q", gen.RemoteURL)
	}
	data, err := os.ReadFile(gen.ImagePath)
	if err != nil || string(data) != "artifact-bytes" {
		t.Errorf("artifact = %q, err = %v", data, err)
	}

	if len(ledger.records) != 1 || ledger.records[0].dedupeKey != "pred-1" {
		t.Errorf("cost records = %+v, want one keyed by prediction id", ledger.records)
	}
	if ledger.records[0].service != "replicate" || ledger.records[0].amount <= 0 {
		t.Errorf("cost record = %+v", ledger.records[0])
	}
	if got := hist.appended["edit"]; len(got) != 1 || got[0] != "add a lighthouse" {
		t.Errorf("history = %v", hist.appended)
	}
}

func TestRunner_RunRecordsFailureAndKeepsFields(t *testing.T) {
	runner, sess, jobs, _, _ := testRunner(t)
	jobs.submitPred = &replicate.Prediction{ID: "pred-9", Status: "starting"}
	jobs.waitErr = errors.New("generation failed: NSFW content detected")

	gen, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Prompt:    "something",
		Model:     "flux-kontext-pro",
		Kind:      models.KindEdit,
	})
	if err == nil {
		t.Fatal("Run() should fail")
	}

	if gen.Status != session.StatusFailed {
		t.Errorf("Status = %q, want failed", gen.Status)
	}
	if !strings.Contains(gen.Error, "NSFW content detected") {
		t.Errorf("Error = %q", gen.Error)
	}
	if gen.PredictionID != "pred-9" {
		t.Errorf("PredictionID = %q, recovery needs it", gen.PredictionID)
	}
}

func TestRunner_RunDownloadFailureKeepsRemoteURL(t *testing.T) {
	runner, sess, jobs, _, _ := testRunner(t)
	jobs.submitPred = &replicate.Prediction{ID: "pred-1", Status: "starting"}
	jobs.waitPred = &replicate.Prediction{
		ID: "pred-1", Status: replicate.StatusSucceeded,
		OutputURL: "https://replicate.delivery/out.png",
	}
	jobs.downloadErr = &provider.DownloadError{URL: "https://replicate.delivery/out.png", Err: errors.New("connection reset")}

	gen, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Prompt:    "p",
		Model:     "flux-kontext-pro",
		Kind:      models.KindEdit,
	})
	if err == nil {
		t.Fatal("Run() should fail")
	}

	if gen.Status != session.StatusFailed {
		t.Errorf("Status = %q", gen.Status)
	}
	if gen.RemoteURL != "https://replicate.delivery/out.png" {
		t.Errorf("RemoteURL = %q, re-download recovery needs it", gen.RemoteURL)
	}
}

func TestRunner_RunSync(t *testing.T) {
	runner, sess, _, ledger, hist := testRunner(t)
	syncClient := &fakeSync{resp: &gemini.Response{Data: []byte("generated"), MIMEType: "image/png"}}
	runner.Sync = syncClient

	gen, err := runner.Run(t.Context(), &Request{
		SessionID:  sess.ID,
		Prompt:     "make it watercolor",
		Model:      "gemini-3-pro-image-preview",
		Kind:       models.KindEdit,
		Resolution: "1K",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if gen.Status != session.StatusCompleted {
		t.Errorf("Status = %q", gen.Status)
	}
	if gen.PredictionID != "" {
		t.Errorf("sync generation has PredictionID %q", gen.PredictionID)
	}
	if syncClient.got == nil || syncClient.got.Resolution != "1K" {
		t.Errorf("request = %+v", syncClient.got)
	}
	if len(ledger.records) != 1 || ledger.records[0].service != "gemini" {
		t.Errorf("cost records = %+v", ledger.records)
	}
	if len(hist.appended["edit"]) != 1 {
		t.Errorf("history = %v", hist.appended)
	}
}

func TestRunner_RunSyncRefusal(t *testing.T) {
	runner, sess, _, _, _ := testRunner(t)
	runner.Sync = &fakeSync{err: provider.ErrNoImageInReply}

	gen, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Prompt:    "something disallowed",
		Model:     "gemini-2.5-flash-image",
		Kind:      models.KindEdit,
	})
	if !errors.Is(err, provider.ErrNoImageInReply) {
		t.Fatalf("Run() error = %v", err)
	}
	if gen.Status != session.StatusFailed {
		t.Errorf("Status = %q", gen.Status)
	}
}

func TestRunner_UpscaleCommitsCurrentImage(t *testing.T) {
	runner, sess, jobs, _, _ := testRunner(t)
	jobs.submitPred = &replicate.Prediction{ID: "pred-1", Status: "starting"}
	jobs.waitPred = &replicate.Prediction{
		ID: "pred-1", Status: replicate.StatusSucceeded,
		OutputURL: "https://replicate.delivery/up.png", PredictTime: 4,
	}
	jobs.artifact = []byte("upscaled-bytes")

	before := sess.CurrentImage
	_, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Model:     "clarity-upscaler",
		Kind:      models.KindUpscale,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	after, err := runner.Manager.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if after.CurrentImage == before {
		t.Error("upscale did not commit a new current image")
	}
	data, err := os.ReadFile(after.CurrentImage)
	if err != nil || string(data) != "upscaled-bytes" {
		t.Errorf("current image = %q, err = %v", data, err)
	}
}

func TestRunner_RunValidatesRequest(t *testing.T) {
	runner, sess, _, _, _ := testRunner(t)

	_, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Model:     "no-such-model",
		Kind:      models.KindEdit,
	})
	if !errors.Is(err, models.ErrUnknownModel) {
		t.Errorf("unknown model error = %v", err)
	}

	_, err = runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Model:     "clarity-upscaler",
		Kind:      models.KindEdit,
	})
	if !errors.Is(err, models.ErrModelKindMismatch) {
		t.Errorf("kind mismatch error = %v", err)
	}

	_, err = runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Model:     "flux-kontext-pro",
		Kind:      models.KindEdit,
	})
	if !errors.Is(err, models.ErrEmptyPrompt) {
		t.Errorf("empty prompt error = %v", err)
	}
}

func TestRunner_RunWithoutProvider(t *testing.T) {
	runner, sess, _, _, _ := testRunner(t)
	runner.Jobs = nil

	gen, err := runner.Run(t.Context(), &Request{
		SessionID: sess.ID,
		Prompt:    "p",
		Model:     "flux-kontext-pro",
		Kind:      models.KindEdit,
	})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("Run() error = %v, want ErrProviderUnavailable", err)
	}
	if gen.Status != session.StatusFailed {
		t.Errorf("Status = %q", gen.Status)
	}
}
