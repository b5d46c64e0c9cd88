package status

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io/v2/socket"
)

// SubscribeEvent is the client event that joins a node's room. Its single
// argument is the room name returned by Room.
const SubscribeEvent = "subscribe"

// SocketIO broadcasts status events over socket.io. Each event is emitted as
// "status" to the room channel:nodeId.
type SocketIO struct {
	io     *socket.Server
	logger *slog.Logger
}

// SocketIOConfig controls the socket.io server.
type SocketIOConfig struct {
	// AllowedOrigin is sent as the CORS origin; "*" when empty.
	AllowedOrigin string
	Logger        *slog.Logger
}

func NewSocketIO(cfg SocketIOConfig) *SocketIO {
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := socket.DefaultServerOptions()
	opts.SetCors(&types.Cors{Origin: cfg.AllowedOrigin})
	io := socket.NewServer(nil, opts)

	s := &SocketIO{io: io, logger: cfg.Logger}
	io.On("connection", func(clients ...any) {
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		client.On(SubscribeEvent, func(args ...any) {
			for _, arg := range args {
				if room, ok := arg.(string); ok && room != "" {
					client.Join(socket.Room(room))
				}
			}
		})
	})
	return s
}

// Handler serves the socket.io transport. Mount it at /socket.io/.
func (s *SocketIO) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

func (s *SocketIO) Publish(_ context.Context, ev Event) error {
	room := Room(ev.Channel, ev.NodeID)
	payload := map[string]any{
		"channel": ev.Channel,
		"nodeId":  ev.NodeID,
		"status":  string(ev.Status),
	}
	if ev.ExecutionID != "" {
		payload["executionId"] = ev.ExecutionID
	}
	if err := s.io.To(socket.Room(room)).Emit("status", payload); err != nil {
		s.logger.Warn("socket.io emit failed", "room", room, "error", err)
		return err
	}
	return nil
}
