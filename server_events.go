package inkstone

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// serverEvent is a push notification from the sync server.
type serverEvent struct {
	Type  string `json:"type"`
	Full  bool   `json:"full"`
	Force bool   `json:"force"`
}

// ServerEvents listens on the server's websocket push channel and turns
// "sync:requested" notifications into EventDatabaseSyncRequested, so a
// device syncs opportunistically when another device uploads. The
// listener reconnects with backoff; push is best-effort and a missed
// notification only delays the next sync.
type ServerEvents struct {
	url     string
	session func() string
	events  *EventManager
	dialer  *websocket.Dialer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewServerEvents creates a listener for the given websocket endpoint.
func NewServerEvents(url string, session func() string, events *EventManager) *ServerEvents {
	return &ServerEvents{
		url:     url,
		session: session,
		events:  events,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Start begins listening in the background. Calling Start twice is a
// no-op until Stop.
func (se *ServerEvents) Start() {
	se.mu.Lock()
	defer se.mu.Unlock()
	if se.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	se.cancel = cancel
	se.done = make(chan struct{})
	go se.run(ctx)
}

// Stop closes the listener and waits for the read loop to exit.
func (se *ServerEvents) Stop() {
	se.mu.Lock()
	cancel, done := se.cancel, se.done
	se.cancel = nil
	se.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (se *ServerEvents) run(ctx context.Context) {
	defer close(se.done)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		if err := se.listen(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("server events connection lost", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (se *ServerEvents) listen(ctx context.Context) error {
	header := http.Header{}
	if se.session != nil {
		if token := se.session(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := se.dialer.DialContext(ctx, se.url, header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("server events bad payload", "err", err)
			continue
		}
		if ev.Type == "sync:requested" {
			_ = se.events.Publish(EventDatabaseSyncRequested, SyncRequested{Full: ev.Full, Force: ev.Force})
		}
	}
}
