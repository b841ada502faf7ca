package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager owns the canonical in-memory session set and mediates every
// generation state transition. All mutation goes through the manager
// under one mutex, so two flows touching the same generation (a manual
// retry racing a still-running poll loop) serialize instead of
// interleaving. Persistence failures are logged and swallowed: the
// in-memory state stays authoritative and a bad disk never blocks the
// user.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	sessions []*Session
	activeID string
	logOut   io.Writer
}

func NewManager(store *Store) *Manager {
	return &Manager{
		store:  store,
		logOut: os.Stderr,
	}
}

// SetLogOutput redirects persistence-failure logging, for tests.
func (m *Manager) SetLogOutput(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logOut = w
}

// Load replaces the in-memory set with the stored one: expired sessions
// purged, handles revived, newest first.
func (m *Manager) Load(ctx context.Context) error {
	sessions, activeID, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
	m.activeID = activeID
	return nil
}

// persistLocked writes the whole session set back. Callers hold m.mu.
func (m *Manager) persistLocked(ctx context.Context) {
	if err := m.store.SaveAll(ctx, m.sessions, m.activeID); err != nil {
		fmt.Fprintf(m.logOut, "failed to persist sessions: %v\n", err)
	}
}

// Sessions returns the sessions newest-first.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, len(m.sessions))
	copy(out, m.sessions)
	return out
}

func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(m.activeID)
}

func (m *Manager) SetActive(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(id) == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	m.activeID = id
	m.persistLocked(ctx)
	return nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.findLocked(id)
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

func (m *Manager) findLocked(id string) *Session {
	if id == "" {
		return nil
	}
	for _, sess := range m.sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

// NewSession creates a session owning a copy of the given image bytes.
// The original and current image start out identical; the session
// becomes active.
func (m *Manager) NewSession(ctx context.Context, imageData []byte) (*Session, error) {
	id := uuid.New().String()
	dir, err := EnsureImageDir(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}

	originalPath := filepath.Join(dir, "original.png")
	if err := os.WriteFile(originalPath, imageData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write original image: %w", err)
	}

	sess := &Session{
		ID:            id,
		CreatedAt:     time.Now(),
		OriginalImage: originalPath,
		CurrentImage:  originalPath,
		ThumbnailPath: originalPath,
		Status:        SessionIdle,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Newest first, matching load order.
	m.sessions = append([]*Session{sess}, m.sessions...)
	m.activeID = sess.ID
	m.persistLocked(ctx)
	return sess, nil
}

// SetCurrentImage commits new bytes as the editable head. The superseded
// current image is released unless it is the original.
func (m *Manager) SetCurrentImage(ctx context.Context, sessionID string, imageData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.findLocked(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	dir, err := EnsureImageDir(sess.ID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "current_"+uuid.New().String()+".png")
	if err := os.WriteFile(path, imageData, 0644); err != nil {
		return fmt.Errorf("failed to write current image: %w", err)
	}

	if sess.CurrentImage != "" && sess.CurrentImage != sess.OriginalImage {
		os.Remove(sess.CurrentImage)
	}
	sess.CurrentImage = path
	sess.ThumbnailPath = path
	m.persistLocked(ctx)
	return nil
}

// AddReference appends extra image bytes used for multi-image generation.
func (m *Manager) AddReference(ctx context.Context, sessionID string, imageData []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.findLocked(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	dir, err := EnsureImageDir(sess.ID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "ref_"+uuid.New().String()+".png")
	if err := os.WriteFile(path, imageData, 0644); err != nil {
		return fmt.Errorf("failed to write reference image: %w", err)
	}

	sess.References = append(sess.References, path)
	m.persistLocked(ctx)
	return nil
}

// RemoveReference drops the reference at the given position and releases
// its bytes.
func (m *Manager) RemoveReference(ctx context.Context, sessionID string, index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.findLocked(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if index < 0 || index >= len(sess.References) {
		return fmt.Errorf("reference index %d out of range", index)
	}

	os.Remove(sess.References[index])
	sess.References = append(sess.References[:index], sess.References[index+1:]...)
	m.persistLocked(ctx)
	return nil
}

// DeleteSession evicts a session and releases every binary resource it
// owns.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, sess := range m.sessions {
		if sess.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.sessions = append(m.sessions[:idx], m.sessions[idx+1:]...)
	if m.activeID == id {
		m.activeID = ""
	}
	if dir, err := SessionImageDir(id); err == nil {
		os.RemoveAll(dir)
	}
	m.persistLocked(ctx)
	return nil
}

// AddGeneration appends a queued generation record to the session. The
// record exists and is displayable before any remote job does.
func (m *Manager) AddGeneration(ctx context.Context, sessionID string, gen *Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.findLocked(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if gen.ID == "" {
		gen.ID = uuid.New().String()
	}
	gen.SessionID = sess.ID
	if gen.Status == "" {
		gen.Status = StatusQueued
	}
	if gen.CreatedAt.IsZero() {
		gen.CreatedAt = time.Now()
	}

	sess.Generations = append(sess.Generations, gen)
	sess.Status = SessionProcessing
	m.persistLocked(ctx)
	return nil
}

// BeginProcessing moves a queued or failed generation into processing.
// The prediction id, when one was just accepted, is recorded in the same
// update as the state change so a crash between submission and the next
// status write never loses the job id. Re-entering from failed clears
// the error but keeps any previously known prediction id and remote URL.
func (m *Manager) BeginProcessing(ctx context.Context, sessionID, genID, predictionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, sess, err := m.generationLocked(sessionID, genID)
	if err != nil {
		return err
	}
	if gen.Status == StatusCompleted {
		return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, gen.Status)
	}

	gen.Status = StatusProcessing
	gen.Error = ""
	if predictionID != "" {
		gen.PredictionID = predictionID
	}
	sess.Status = SessionProcessing
	m.persistLocked(ctx)

	if predictionID != "" {
		if err := m.store.SetMeta(ctx, metaLastPrediction, predictionID); err != nil {
			fmt.Fprintf(m.logOut, "failed to cache prediction id: %v\n", err)
		}
	}
	return nil
}

// SetRemoteURL records the provider-hosted artifact URL the moment the
// job reports success, before the download is attempted. Download and
// generation can fail independently; the URL must survive either way.
func (m *Manager) SetRemoteURL(ctx context.Context, sessionID, genID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, _, err := m.generationLocked(sessionID, genID)
	if err != nil {
		return err
	}
	gen.RemoteURL = url
	m.persistLocked(ctx)
	return nil
}

// CompleteGeneration localizes the artifact bytes and finishes the
// record: the file path and handle are set together, only after the
// bytes are safely on disk.
func (m *Manager) CompleteGeneration(ctx context.Context, sessionID, genID string, data []byte, ext string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, sess, err := m.generationLocked(sessionID, genID)
	if err != nil {
		return err
	}

	dir, err := EnsureImageDir(sess.ID)
	if err != nil {
		return err
	}
	if ext == "" {
		ext = "png"
	}
	path := filepath.Join(dir, "gen_"+gen.ID+"."+ext)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write generation artifact: %w", err)
	}

	gen.ImagePath = path
	gen.LocalURL = fileURL(path)
	gen.Status = StatusCompleted
	gen.Error = ""
	sess.Status = SessionCompleted
	m.persistLocked(ctx)
	return nil
}

// FailGeneration marks the record failed with a reason. PredictionID and
// RemoteURL are deliberately untouched: recovery feeds on them.
func (m *Manager) FailGeneration(ctx context.Context, sessionID, genID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, sess, err := m.generationLocked(sessionID, genID)
	if err != nil {
		return err
	}

	gen.Status = StatusFailed
	gen.Error = message
	sess.Status = SessionError
	m.persistLocked(ctx)
	return nil
}

func (m *Manager) generationLocked(sessionID, genID string) (*Generation, *Session, error) {
	sess := m.findLocked(sessionID)
	if sess == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	gen := sess.Generation(genID)
	if gen == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrGenerationNotFound, genID)
	}
	return gen, sess, nil
}

// Generation returns a snapshot copy of one generation record.
func (m *Manager) Generation(sessionID, genID string) (Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen, _, err := m.generationLocked(sessionID, genID)
	if err != nil {
		return Generation{}, err
	}
	return *gen, nil
}

// LastPredictionID returns the best-effort cache of the most recently
// accepted prediction id. Used only as a recovery heuristic when a
// failed record lost its own prediction id.
func (m *Manager) LastPredictionID(ctx context.Context) string {
	id, err := m.store.GetMeta(ctx, metaLastPrediction)
	if err != nil {
		return ""
	}
	return id
}
