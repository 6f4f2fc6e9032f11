package inkstone

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func newTestTransport(serverURL string) *HTTPTransport {
	return NewHTTPTransport(HTTPTransportConfig{
		BaseURL:  serverURL,
		DeviceID: "device-1",
		Session:  func() string { return "token-abc" },
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	})
}

func TestHTTPTransportUpload(t *testing.T) {
	var gotPath, gotAuth, gotDevice string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Inkstone-Device-ID")

		if r.Header.Get("Content-Encoding") != "snappy" {
			t.Errorf("upload body not marked snappy: %q", r.Header.Get("Content-Encoding"))
		}
		compressed, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		body, err := snappy.Decode(nil, compressed)
		if err != nil {
			t.Fatalf("decompress body: %v", err)
		}
		var req uploadRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.DeviceID != "device-1" || len(req.Items) != 2 {
			t.Errorf("unexpected upload request: %+v", req)
		}

		json.NewEncoder(w).Encode(BatchAck{
			Versions:   map[string]string{"n1": "v1", "n2": "v2"},
			ServerTime: 1700000000000,
		})
	}))
	defer server.Close()

	tr := newTestTransport(server.URL)
	ack, err := tr.UploadBatch(context.Background(), "notes", []RawItem{
		{ID: "n1", Type: ItemTypeNote}, {ID: "n2", Type: ItemTypeNote},
	})
	if err != nil {
		t.Fatalf("UploadBatch failed: %v", err)
	}

	if gotPath != "/api/v1/sync/notes/upload" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer token-abc" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotDevice != "device-1" {
		t.Errorf("device header = %q", gotDevice)
	}
	if ack.Versions["n1"] != "v1" || ack.Versions["n2"] != "v2" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestHTTPTransportDownload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/sync/tags/download" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("cursor"); got != "42" {
			t.Errorf("cursor = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		json.NewEncoder(w).Encode(DownloadPage{
			Items:      []RawItem{{ID: "t1", Type: ItemTypeTag, RemoteVersion: "v9"}},
			NextCursor: 43,
			Done:       true,
		})
	}))
	defer server.Close()

	tr := newTestTransport(server.URL)
	page, err := tr.DownloadSince(context.Background(), "tags", 42, 10)
	if err != nil {
		t.Fatalf("DownloadSince failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "t1" {
		t.Errorf("items = %+v", page.Items)
	}
	if page.NextCursor != 43 || !page.Done {
		t.Errorf("page = %+v", page)
	}
}

func TestHTTPTransportSnappyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(DownloadPage{NextCursor: 7, Done: true})
		w.Header().Set("Content-Encoding", "snappy")
		w.Write(snappy.Encode(nil, body))
	}))
	defer server.Close()

	tr := newTestTransport(server.URL)
	page, err := tr.DownloadSince(context.Background(), "notes", 0, 10)
	if err != nil {
		t.Fatalf("DownloadSince failed: %v", err)
	}
	if page.NextCursor != 7 || !page.Done {
		t.Errorf("page = %+v", page)
	}
}

func TestHTTPTransportAuthRejection(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tr := newTestTransport(server.URL)
	_, err := tr.DownloadSince(context.Background(), "notes", 0, 10)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("auth rejection retried %d times", calls.Load())
	}
}

func TestHTTPTransportRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(DownloadPage{Done: true})
	}))
	defer server.Close()

	tr := newTestTransport(server.URL)
	page, err := tr.DownloadSince(context.Background(), "notes", 0, 10)
	if err != nil {
		t.Fatalf("expected recovery on third attempt, got %v", err)
	}
	if !page.Done {
		t.Errorf("page = %+v", page)
	}
	if calls.Load() != 3 {
		t.Errorf("server called %d times, want 3", calls.Load())
	}
}

func TestHTTPTransportClientErrorsAreTerminal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	tr := newTestTransport(server.URL)
	_, err := tr.UploadBatch(context.Background(), "notes", nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected a transport error, got %v", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusBadRequest {
		t.Errorf("error lost its status code: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("terminal 400 retried %d times", calls.Load())
	}
}

func TestHTTPTransportConnectionFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nothing listening

	tr := newTestTransport(server.URL)
	_, err := tr.DownloadSince(context.Background(), "notes", 0, 10)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected a transport error, got %v", err)
	}
}
