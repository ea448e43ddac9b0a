package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is one push-channel message. The event name follows the server's
// vocabulary: "<type>:created", "<type>:updated", "<type>:deleted" for entity
// changes and "notify" for broadcast notices.
type Frame struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// ChannelSettings bound the websocket lifecycle.
type ChannelSettings struct {
	HandshakeTimeout time.Duration
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
}

// DefaultChannelSettings returns the settings used in production.
func DefaultChannelSettings() ChannelSettings {
	return ChannelSettings{
		HandshakeTimeout: 5 * time.Second,
		ReconnectDelay:   3 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

// ChannelConfig describes the push-channel dependencies.
type ChannelConfig struct {
	URL      string
	Tokens   TokenSource
	Settings ChannelSettings
	Logger   *zap.Logger
}

// Channel maintains the websocket subscription to the push channel. The
// channel offers at-least-once delivery with no durable log, so every
// reconnect must be followed by a full resynchronization.
type Channel struct {
	url      string
	tokens   TokenSource
	settings ChannelSettings
	logger   *zap.Logger
}

// NewChannel constructs a push channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("transport: channel url is required")
	}
	settings := cfg.Settings
	if settings.HandshakeTimeout <= 0 {
		settings.HandshakeTimeout = DefaultChannelSettings().HandshakeTimeout
	}
	if settings.ReconnectDelay <= 0 {
		settings.ReconnectDelay = DefaultChannelSettings().ReconnectDelay
	}
	if settings.PingInterval <= 0 {
		settings.PingInterval = DefaultChannelSettings().PingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Channel{
		url:      url,
		tokens:   cfg.Tokens,
		settings: settings,
		logger:   logger,
	}, nil
}

// Run dials the channel and pumps frames until ctx is done, redialing after
// every disconnect. onConnect fires after each successful dial with
// reconnect=false only for the first connection, so the caller can tell
// initial load apart from a resynchronization after missed events. onFrame
// receives every decoded frame.
func (c *Channel) Run(ctx context.Context, onConnect func(reconnect bool), onFrame func(Frame)) {
	if onConnect == nil {
		onConnect = func(bool) {}
	}
	first := true
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn("channel dial failed", zap.Error(err))
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		onConnect(!first)
		first = false
		c.readLoop(ctx, conn, onFrame)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.logger.Info("channel disconnected, scheduling reconnect")
		if !c.sleep(ctx) {
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: c.settings.HandshakeTimeout}
	header := map[string][]string{}
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			header["Authorization"] = []string{"Bearer " + token}
		}
	}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	return conn, err
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, onFrame func(Frame)) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.settings.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				deadline := time.Now().Add(c.settings.HandshakeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if frame.Event == "" {
			continue
		}
		onFrame(frame)
	}
}

func (c *Channel) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.settings.ReconnectDelay):
		return true
	}
}
