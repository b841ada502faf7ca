package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://photoslibrary.googleapis.com/v1"
	defaultAlbum   = "fluxgen"

	maxRetries = 5
	baseDelay  = 1 * time.Second
	maxJitter  = 500 * time.Millisecond
)

var (
	// ErrNotConnected means no credential is configured. Auto-save
	// callers treat it as a silent no-op.
	ErrNotConnected = errors.New("photo storage not connected")

	ErrUploadFailed = errors.New("photo upload failed")
)

// Uploader stores finished artifacts in a remote photo library under a
// named app album. The library rate-limits aggressively, so every call
// retries quota and server errors with exponential backoff and jitter,
// capped at maxRetries attempts.
type Uploader struct {
	token      string
	baseURL    string
	album      string
	httpClient *http.Client
	sleep      func(time.Duration)

	albumID string
}

type Option func(*Uploader)

func WithBaseURL(u string) Option {
	return func(up *Uploader) { up.baseURL = u }
}

func WithAlbum(name string) Option {
	return func(up *Uploader) { up.album = name }
}

// withSleep replaces the backoff sleep, for tests.
func withSleep(f func(time.Duration)) Option {
	return func(up *Uploader) { up.sleep = f }
}

func New(token string, opts ...Option) *Uploader {
	up := &Uploader{
		token:      token,
		baseURL:    defaultBaseURL,
		album:      defaultAlbum,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(up)
	}
	return up
}

// Connected reports whether a credential is configured.
func (u *Uploader) Connected() bool {
	return u.token != ""
}

// Upload stores the bytes as a named media item with a description.
// Three round trips: find-or-create the app album, push the raw bytes
// for an upload token, then create the media item from the token.
func (u *Uploader) Upload(ctx context.Context, data []byte, filename, description string) error {
	if u.token == "" {
		return ErrNotConnected
	}

	albumID, err := u.findOrCreateAlbum(ctx)
	if err != nil {
		return err
	}

	uploadToken, err := u.uploadBytes(ctx, data, filename)
	if err != nil {
		return err
	}

	return u.createMediaItem(ctx, albumID, uploadToken, filename, description)
}

func (u *Uploader) findOrCreateAlbum(ctx context.Context) (string, error) {
	if u.albumID != "" {
		return u.albumID, nil
	}

	pageToken := ""
	for {
		listURL := u.baseURL + "/albums?excludeNonAppCreatedData=true"
		if pageToken != "" {
			listURL += "&pageToken=" + url.QueryEscape(pageToken)
		}

		resp, err := u.doWithRetry(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
		})
		if err != nil {
			return "", err
		}
		body, err := readBody(resp)
		if err != nil {
			return "", err
		}

		var listResp struct {
			Albums []struct {
				ID    string `json:"id"`
				Title string `json:"title"`
			} `json:"albums"`
			NextPageToken string `json:"nextPageToken"`
		}
		if err := json.Unmarshal(body, &listResp); err != nil {
			return "", fmt.Errorf("failed to parse album list: %w", err)
		}

		for _, album := range listResp.Albums {
			if album.Title == u.album {
				u.albumID = album.ID
				return album.ID, nil
			}
		}

		pageToken = listResp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"album": map[string]string{"title": u.album},
	})
	resp, err := u.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/albums", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	body, err := readBody(resp)
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return "", fmt.Errorf("failed to parse created album: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("%w: album creation returned no id", ErrUploadFailed)
	}

	u.albumID = created.ID
	return created.ID, nil
}

func (u *Uploader) uploadBytes(ctx context.Context, data []byte, filename string) (string, error) {
	resp, err := u.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/uploads", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Goog-Upload-File-Name", filename)
		req.Header.Set("X-Goog-Upload-Protocol", "raw")
		return req, nil
	})
	if err != nil {
		return "", err
	}
	body, err := readBody(resp)
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(body))
	if token == "" {
		return "", fmt.Errorf("%w: empty upload token", ErrUploadFailed)
	}
	return token, nil
}

func (u *Uploader) createMediaItem(ctx context.Context, albumID, uploadToken, filename, description string) error {
	payload, _ := json.Marshal(map[string]any{
		"albumId": albumID,
		"newMediaItems": []map[string]any{
			{
				"description": description,
				"simpleMediaItem": map[string]string{
					"fileName":    filename,
					"uploadToken": uploadToken,
				},
			},
		},
	})

	resp, err := u.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/mediaItems:batchCreate", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	if _, err := readBody(resp); err != nil {
		return err
	}
	return nil
}

// doWithRetry sends the request, retrying quota errors (429, 403) and
// server errors (5xx) with exponential backoff plus jitter. Other error
// statuses return immediately for the caller to surface.
func (u *Uploader) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			delay := baseDelay*(1<<(attempt-1)) + time.Duration(rand.Int63n(int64(maxJitter)))
			u.sleep(delay)
		}

		req, err := makeReq()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+u.token)

		resp, err := u.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusForbidden ||
			resp.StatusCode >= 500
		if !retryable {
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrUploadFailed, maxRetries, lastErr)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUploadFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
