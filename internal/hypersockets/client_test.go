package hypersockets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type echoRouter struct{}

func (echoRouter) Parse(raw WsMessage) (any, error) {
	text, _ := raw.AsText()
	return text, nil
}

func (echoRouter) RouteKey(msg any) string {
	s := msg.(string)
	if strings.Contains(s, "book") {
		return "book"
	}
	return "other"
}

// newEchoServer upgrades every connection and echoes text frames back,
// prefixed, so the test client can observe round-trip delivery.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestClientConnectsAndRoutesEchoedMessage(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	defer srv.Close()

	var got atomic.Value
	done := make(chan struct{})
	handlers := map[string]Handler{
		"book": HandlerFunc(func(msg any) error {
			got.Store(msg.(string))
			close(done)
			return nil
		}),
	}

	cfg, err := NewClientConfig(ClientConfig{
		URL:           wsURL(srv.URL),
		Router:        echoRouter{},
		Handlers:      handlers,
		Subscriptions: []WsMessage{TextMessage("book snapshot")},
	})
	if err != nil {
		t.Fatalf("NewClientConfig: %v", err)
	}

	client := NewClient(cfg, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the echoed subscription frame")
	}

	if v := got.Load(); v != "book snapshot" {
		t.Errorf("handler received %v, want %q", v, "book snapshot")
	}

	cancel()
	<-runErr
}

func TestClientReportsConnectedState(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	defer srv.Close()

	cfg, err := NewClientConfig(ClientConfig{
		URL:    wsURL(srv.URL),
		Router: echoRouter{},
	})
	if err != nil {
		t.Fatalf("NewClientConfig: %v", err)
	}

	client := NewClient(cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for client.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.State() != Connected {
		t.Fatalf("state = %v, want Connected", client.State())
	}
}

func TestClientHaltedFlagClearsAfterConnect(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t)
	defer srv.Close()

	halted := &atomic.Bool{}
	halted.Store(true)

	cfg, err := NewClientConfig(ClientConfig{
		URL:        wsURL(srv.URL),
		Router:     echoRouter{},
		HaltedFlag: halted,
	})
	if err != nil {
		t.Fatalf("NewClientConfig: %v", err)
	}

	client := NewClient(cfg, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for client.Halted() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if client.Halted() {
		t.Fatal("halted flag should clear once the connection is established")
	}
}

func TestClientConfigRejectsMissingRouter(t *testing.T) {
	t.Parallel()

	_, err := NewClientConfig(ClientConfig{URL: "ws://example.invalid"})
	if err == nil {
		t.Fatal("expected an error when Router is nil")
	}
}

type rejectAuth struct{}

func (rejectAuth) AuthMessage() (WsMessage, bool, error) {
	return TextMessage(`{"auth":"bad-creds"}`), true, nil
}

func (rejectAuth) ValidateAuthResponse(msg WsMessage) (bool, error) {
	text, _ := msg.AsText()
	return text == "OK", nil
}

func TestClientAuthRejectionIsFatal(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Read the auth frame and reject it.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("DENIED"))
		// Keep the connection open; the client must leave on its own.
		conn.ReadMessage()
	}))
	defer srv.Close()

	halted := &atomic.Bool{}
	cfg, err := NewClientConfig(ClientConfig{
		URL:        wsURL(srv.URL),
		Router:     echoRouter{},
		Auth:       rejectAuth{},
		HaltedFlag: halted,
	})
	if err != nil {
		t.Fatalf("NewClientConfig: %v", err)
	}

	client := NewClient(cfg, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Run(ctx)
	if err == nil {
		t.Fatal("Run should return an error on credential rejection, not reconnect")
	}
	if ctx.Err() != nil {
		t.Fatal("Run kept reconnecting until the test deadline instead of failing fast")
	}
	if !halted.Load() {
		t.Error("halted flag should be set after a credential rejection")
	}
	if got := client.State(); got != Disconnected {
		t.Errorf("state = %v, want Disconnected (terminal)", got)
	}
}
