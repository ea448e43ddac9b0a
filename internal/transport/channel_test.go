package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestChannelDeliversFrames(t *testing.T) {
	server := newFrameServer(t, func(conn *websocket.Conn, connection int) {
		conn.WriteJSON(Frame{Event: "event:created", Payload: map[string]any{"id": "42"}})
		conn.WriteJSON(Frame{Event: "notify", Payload: map[string]any{"message": "hi"}})
	})
	defer server.Close()

	frames := make(chan Frame, 4)
	channel := mustChannel(t, ChannelConfig{
		URL:      server.wsURL(),
		Settings: testSettings(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.Run(ctx, nil, func(frame Frame) { frames <- frame })

	first := receiveFrame(t, frames)
	if first.Event != "event:created" || first.Payload["id"] != "42" {
		t.Fatalf("unexpected first frame %#v", first)
	}
	second := receiveFrame(t, frames)
	if second.Event != "notify" {
		t.Fatalf("unexpected second frame %#v", second)
	}
}

func TestChannelReconnectsAndSignalsResync(t *testing.T) {
	server := newFrameServer(t, func(conn *websocket.Conn, connection int) {
		if connection == 1 {
			// Drop the first connection immediately to force a redial.
			conn.Close()
			return
		}
		conn.WriteJSON(Frame{Event: "event:created", Payload: map[string]any{"id": "1"}})
	})
	defer server.Close()

	frames := make(chan Frame, 4)
	connects := make(chan bool, 4)
	channel := mustChannel(t, ChannelConfig{
		URL:      server.wsURL(),
		Settings: testSettings(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.Run(ctx,
		func(reconnect bool) { connects <- reconnect },
		func(frame Frame) { frames <- frame })

	if reconnect := receiveConnect(t, connects); reconnect {
		t.Fatalf("first connection must not report reconnect")
	}
	if reconnect := receiveConnect(t, connects); !reconnect {
		t.Fatalf("second connection must report reconnect")
	}
	receiveFrame(t, frames)
}

func TestChannelDropsUndecodableFrames(t *testing.T) {
	server := newFrameServer(t, func(conn *websocket.Conn, connection int) {
		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteJSON(Frame{Event: "event:updated", Payload: map[string]any{"id": "1"}})
	})
	defer server.Close()

	frames := make(chan Frame, 4)
	channel := mustChannel(t, ChannelConfig{
		URL:      server.wsURL(),
		Settings: testSettings(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.Run(ctx, nil, func(frame Frame) { frames <- frame })

	frame := receiveFrame(t, frames)
	if frame.Event != "event:updated" {
		t.Fatalf("expected the decodable frame only, got %#v", frame)
	}
}

func TestChannelForwardsBearerToken(t *testing.T) {
	headers := make(chan string, 1)
	server := newFrameServer(t, func(conn *websocket.Conn, connection int) {})
	server.onRequest = func(r *http.Request) {
		select {
		case headers <- r.Header.Get("Authorization"):
		default:
		}
	}
	defer server.Close()

	channel := mustChannel(t, ChannelConfig{
		URL:      server.wsURL(),
		Tokens:   staticToken("credential"),
		Settings: testSettings(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go channel.Run(ctx, nil, func(Frame) {})

	select {
	case header := <-headers:
		if header != "Bearer credential" {
			t.Fatalf("expected bearer header, got %q", header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a websocket handshake within deadline")
	}
}

func TestNewChannelValidatesConfig(t *testing.T) {
	if _, err := NewChannel(ChannelConfig{}); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

// --- helpers ---

type frameServer struct {
	*httptest.Server
	mu          sync.Mutex
	connections int
	onRequest   func(*http.Request)
}

func newFrameServer(t *testing.T, handle func(conn *websocket.Conn, connection int)) *frameServer {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := &frameServer{}
	server.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.onRequest != nil {
			server.onRequest(r)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server.mu.Lock()
		server.connections++
		connection := server.connections
		server.mu.Unlock()
		handle(conn, connection)
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return server
}

func (s *frameServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testSettings() ChannelSettings {
	return ChannelSettings{
		HandshakeTimeout: time.Second,
		ReconnectDelay:   20 * time.Millisecond,
		PingInterval:     time.Second,
	}
}

func mustChannel(t *testing.T, cfg ChannelConfig) *Channel {
	t.Helper()
	channel, err := NewChannel(cfg)
	if err != nil {
		t.Fatalf("unexpected channel error: %v", err)
	}
	return channel
}

func receiveFrame(t *testing.T, frames chan Frame) Frame {
	t.Helper()
	select {
	case frame := <-frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("expected a frame within deadline")
		return Frame{}
	}
}

func receiveConnect(t *testing.T, connects chan bool) bool {
	t.Helper()
	select {
	case reconnect := <-connects:
		return reconnect
	case <-time.After(2 * time.Second):
		t.Fatal("expected a connect signal within deadline")
		return false
	}
}
