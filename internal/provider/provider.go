package provider

import (
	"errors"
	"fmt"
)

var (
	ErrAPIKeyRequired   = errors.New("API key is required")
	ErrGenerationFailed = errors.New("generation failed")
	ErrPollTimeout      = errors.New("prediction polling timed out")
	ErrNoImageInReply   = errors.New("no image in provider response")
)

// APIError is a submission or status-check rejection from a provider:
// a transport-level success carrying a non-2xx status. The raw body is
// kept so the provider's own message reaches the user.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}

// DownloadError is a failure to retrieve a finished artifact. It is kept
// distinct from generation failure: the remote URL is already known, so a
// retry can re-attempt the download without paying for a new prediction.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Config carries the credentials and transport settings shared by the
// provider clients.
type Config struct {
	APIKey     string
	BaseURL    string
	TimeoutSec int
	Verbose    bool
}
