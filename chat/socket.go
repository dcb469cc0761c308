package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Source delivers normalized chat messages for one channel until the
// context is canceled or the connection drops.
type Source interface {
	Run(ctx context.Context, channelID string, onMessage func(Message)) error
}

// SocketSource joins a chatroom over a websocket push channel.
type SocketSource struct {
	// URL is the websocket endpoint.
	URL string
	// Token authenticates the join; optional.
	Token string
	// ClientID is sent as a Client-Id header when set.
	ClientID string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

type joinPayload struct {
	Auth    string `json:"auth"`
	Channel string `json:"channel"`
}

type joinFrame struct {
	Event string      `json:"event"`
	Data  joinPayload `json:"data"`
}

// Run dials the endpoint, subscribes to the channel's chatroom and pumps
// messages to onMessage until ctx is canceled or the socket fails.
// Malformed frames are dropped individually.
func (s *SocketSource) Run(ctx context.Context, channelID string, onMessage func(Message)) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.ClientID != "" {
		header.Set("Client-Id", s.ClientID)
	}
	conn, _, err := dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		return fmt.Errorf("dial chat socket: %w", err)
	}
	defer conn.Close()

	join := joinFrame{
		Event: "pusher:subscribe",
		Data:  joinPayload{Auth: s.Token, Channel: fmt.Sprintf("chatrooms.%s.v2", channelID)},
	}
	if err := conn.WriteJSON(join); err != nil {
		return fmt.Errorf("join chatroom: %w", err)
	}

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read chat socket: %w", err)
		}
		var env wireEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Debug("dropping malformed chat frame", slog.Any("err", err))
			continue
		}
		if env.Event != "App\\Events\\ChatMessageEvent" {
			continue
		}
		var wm wireMessage
		if err := json.Unmarshal([]byte(env.Data), &wm); err != nil {
			slog.Debug("dropping malformed chat payload", slog.Any("err", err))
			continue
		}
		onMessage(normalizeWire(wm))
	}
}
