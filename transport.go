package inkstone

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/golang/snappy"
)

// BatchAck is the server's acknowledgment of one uploaded batch: the new
// remote version token per item id, in acceptance order.
type BatchAck struct {
	Versions   map[string]string `json:"versions"`
	ServerTime int64             `json:"serverTime"`
}

// DownloadPage is one page of changes since a download cursor.
type DownloadPage struct {
	Items      []RawItem `json:"items"`
	NextCursor int64     `json:"nextCursor"`
	Done       bool      `json:"done"`
}

// uploadRequest is the wire body of an upload batch.
type uploadRequest struct {
	DeviceID string    `json:"deviceId"`
	Items    []RawItem `json:"items"`
}

// Transport is the network collaborator the sync engine consumes. All
// failures surface as TransportError; the engine treats them uniformly
// as a failed round and leaves its checkpoints at the last safe
// position.
type Transport interface {
	// UploadBatch sends one ordered batch of changed items for a
	// collection and returns the server's acknowledgment.
	UploadBatch(ctx context.Context, collection string, items []RawItem) (BatchAck, error)

	// DownloadSince returns items with server position greater than
	// cursor, up to limit, plus the next cursor.
	DownloadSince(ctx context.Context, collection string, cursor int64, limit int) (DownloadPage, error)
}

// HTTPTransport implements Transport over the sync server's HTTP API.
// Bodies are snappy-compressed JSON. Requests run through a retryer for
// transient failures and a circuit breaker so an offline device backs
// off instead of hammering the server.
type HTTPTransport struct {
	baseURL  string
	deviceID string
	session  func() string
	client   *http.Client
	retryer  *Retryer
	cb       *CircuitBreaker
}

// HTTPTransportConfig configures HTTPTransport.
type HTTPTransportConfig struct {
	// BaseURL of the sync server, e.g. "https://sync.example.com".
	BaseURL string

	// DeviceID identifies this device to the server.
	DeviceID string

	// Session returns the current bearer token, or "" when logged out.
	Session func() string

	// Client overrides the HTTP client; a 30s-timeout client is used
	// when nil.
	Client *http.Client

	// Retry overrides retry behavior.
	Retry RetryConfig
}

// NewHTTPTransport creates a transport for the given server.
func NewHTTPTransport(config HTTPTransportConfig) *HTTPTransport {
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{
		baseURL:  config.BaseURL,
		deviceID: config.DeviceID,
		session:  config.Session,
		client:   client,
		retryer:  NewRetryer(config.Retry),
		cb:       NewCircuitBreaker(5, 60*time.Second),
	}
}

// UploadBatch implements Transport.
func (t *HTTPTransport) UploadBatch(ctx context.Context, collection string, items []RawItem) (BatchAck, error) {
	body, err := json.Marshal(uploadRequest{DeviceID: t.deviceID, Items: items})
	if err != nil {
		return BatchAck{}, fmt.Errorf("encode upload batch: %w", err)
	}
	compressed := snappy.Encode(nil, body)

	endpoint := fmt.Sprintf("%s/api/v1/sync/%s/upload", t.baseURL, url.PathEscape(collection))

	var ack BatchAck
	err = t.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(compressed))
		if err != nil {
			return &TransportError{Op: "upload", Cause: err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "snappy")
		t.setAuth(req)

		return t.roundTrip(req, "upload", &ack)
	})
	if err != nil {
		return BatchAck{}, err
	}
	return ack, nil
}

// DownloadSince implements Transport.
func (t *HTTPTransport) DownloadSince(ctx context.Context, collection string, cursor int64, limit int) (DownloadPage, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sync/%s/download?cursor=%s&limit=%d",
		t.baseURL, url.PathEscape(collection), strconv.FormatInt(cursor, 10), limit)

	var page DownloadPage
	err := t.do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return &TransportError{Op: "download", Cause: err}
		}
		t.setAuth(req)

		return t.roundTrip(req, "download", &page)
	})
	if err != nil {
		return DownloadPage{}, err
	}
	return page, nil
}

func (t *HTTPTransport) do(ctx context.Context, fn func() error) error {
	return t.retryer.Do(ctx, func() error {
		return t.cb.Execute(fn)
	})
}

func (t *HTTPTransport) setAuth(req *http.Request) {
	if t.session != nil {
		if token := t.session(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("X-Inkstone-Device-ID", t.deviceID)
}

// roundTrip executes the request and decodes the JSON response into out,
// classifying failures into the transport error taxonomy.
func (t *HTTPTransport) roundTrip(req *http.Request, op string, out any) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Op: op, Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Cause: ErrNotAuthenticated}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Retryable: true}
	case resp.StatusCode >= 400:
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Retryable: true, Cause: err}
	}
	if resp.Header.Get("Content-Encoding") == "snappy" {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return &TransportError{Op: op, Cause: fmt.Errorf("decompress response: %w", err)}
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &TransportError{Op: op, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

var _ Transport = (*HTTPTransport)(nil)
