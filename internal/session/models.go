package session

import (
	"errors"
	"time"

	"github.com/manash/fluxgen/pkg/models"
)

var (
	ErrNoSession           = errors.New("no active session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrGenerationNotFound  = errors.New("generation not found")
	ErrInvalidTransition   = errors.New("invalid generation state transition")
	ErrGenerationNotFailed = errors.New("generation is not in a failed state")
)

// Status is the lifecycle state of one generation attempt.
//
//	queued -> processing -> {completed | failed}
//	failed -> processing (recovery)
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SessionStatus reflects the most recent tool operation on a session,
// not any single generation.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionError      SessionStatus = "error"
)

// RetentionWindow is how long a session survives after creation.
// Expired sessions are purged lazily at load time.
const RetentionWindow = 27 * time.Hour

// Generation is one attempt to produce an artifact from a prompt. Its id
// is generated locally at submission time so the record exists before
// any remote job does; PredictionID joins it to the provider's job id
// once one is accepted. PredictionID and RemoteURL, once obtained, are
// never cleared; a failed record keeps them so recovery can skip
// redundant billable work.
type Generation struct {
	ID           string
	SessionID    string
	Status       Status
	Prompt       string
	Model        string
	Provider     models.ProviderType
	Kind         models.ModelKind
	PredictionID string
	RemoteURL    string

	// ImagePath is the localized artifact on disk, set only after a
	// successful download. LocalURL is the resolvable handle derived
	// from it; handles do not survive a restart and are revived at load.
	ImagePath string
	LocalURL  string

	Error     string
	CreatedAt time.Time
}

// Terminal reports whether the generation will not advance without an
// explicit retry.
func (g *Generation) Terminal() bool {
	return g.Status == StatusCompleted || g.Status == StatusFailed
}

// Session is one working image-editing context: the original and current
// image, extra reference images, and every generation attempt made
// against it, in insertion order.
type Session struct {
	ID            string
	CreatedAt     time.Time
	OriginalImage string
	CurrentImage  string
	References    []string
	Status        SessionStatus
	Generations   []*Generation

	// ThumbnailPath is the revived display handle: the current image
	// when its bytes are readable, else the original. Never persisted.
	ThumbnailPath string
}

// Generation returns the generation with the given id, or nil.
func (s *Session) Generation(id string) *Generation {
	for _, g := range s.Generations {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// Expired reports whether the session has outlived the retention window
// relative to now.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > RetentionWindow
}
