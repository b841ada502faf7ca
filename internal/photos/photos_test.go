package photos

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testUploader(t *testing.T, handler http.Handler) *Uploader {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-token",
		WithBaseURL(srv.URL),
		withSleep(func(time.Duration) {}),
	)
}

// libraryStub answers the three calls of a full upload: album list,
// raw byte upload, media item creation.
func libraryStub(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/albums":
			w.Write([]byte(`{"albums": [{"id": "album-1", "title": "fluxgen"}]}`))
		case r.URL.Path == "/uploads":
			w.Write([]byte("upload-token-1"))
		case r.URL.Path == "/mediaItems:batchCreate":
			w.Write([]byte(`{"newMediaItemResults": []}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestUploader_NotConnected(t *testing.T) {
	up := New("")
	if up.Connected() {
		t.Error("Connected() = true without a token")
	}
	err := up.Upload(t.Context(), []byte("x"), "f.png", "")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Upload() error = %v, want ErrNotConnected", err)
	}
}

func TestUploader_UploadFindsExistingAlbum(t *testing.T) {
	up := testUploader(t, libraryStub(t))

	if err := up.Upload(t.Context(), []byte("png-bytes"), "gen.png", "a prompt"); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
}

func TestUploader_UploadCreatesMissingAlbum(t *testing.T) {
	var created atomic.Bool
	up := testUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/albums":
			w.Write([]byte(`{"albums": []}`))
		case r.Method == http.MethodPost && r.URL.Path == "/albums":
			created.Store(true)
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"fluxgen"`) {
				t.Errorf("album create body = %s", body)
			}
			w.Write([]byte(`{"id": "album-new", "title": "fluxgen"}`))
		case r.URL.Path == "/uploads":
			w.Write([]byte("upload-token-1"))
		case r.URL.Path == "/mediaItems:batchCreate":
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	if err := up.Upload(t.Context(), []byte("png"), "gen.png", ""); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if !created.Load() {
		t.Error("album was not created")
	}
}

func TestUploader_RetriesRateLimit(t *testing.T) {
	var listCalls atomic.Int32
	up := testUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/albums" {
			if listCalls.Add(1) <= 2 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.Write([]byte(`{"albums": [{"id": "album-1", "title": "fluxgen"}]}`))
			return
		}
		switch r.URL.Path {
		case "/uploads":
			w.Write([]byte("tok"))
		case "/mediaItems:batchCreate":
			w.Write([]byte(`{}`))
		}
	}))

	if err := up.Upload(t.Context(), []byte("png"), "gen.png", ""); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if listCalls.Load() != 3 {
		t.Errorf("album list called %d times, want 2 rate-limited + 1 success", listCalls.Load())
	}
}

func TestUploader_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	up := testUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	err := up.Upload(t.Context(), []byte("png"), "gen.png", "")
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Upload() error = %v, want ErrUploadFailed", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("server hit %d times, want %d", calls.Load(), maxRetries)
	}
}

func TestUploader_ClientErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32
	up := testUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad request"))
	}))

	err := up.Upload(t.Context(), []byte("png"), "gen.png", "")
	if !errors.Is(err, ErrUploadFailed) {
		t.Fatalf("Upload() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("server hit %d times, want 1 (400 is not retryable)", calls.Load())
	}
}

func TestUploader_AlbumIDCached(t *testing.T) {
	var listCalls atomic.Int32
	up := testUploader(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/albums":
			listCalls.Add(1)
			w.Write([]byte(`{"albums": [{"id": "album-1", "title": "fluxgen"}]}`))
		case r.URL.Path == "/uploads":
			w.Write([]byte("tok"))
		case r.URL.Path == "/mediaItems:batchCreate":
			w.Write([]byte(`{}`))
		}
	}))

	for i := 0; i < 3; i++ {
		if err := up.Upload(t.Context(), []byte("png"), "gen.png", ""); err != nil {
			t.Fatalf("Upload() #%d error = %v", i, err)
		}
	}
	if listCalls.Load() != 1 {
		t.Errorf("album list called %d times, want 1", listCalls.Load())
	}
}
