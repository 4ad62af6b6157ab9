package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/DoyleJ11/race-sync-backend/internal/hub"
	"github.com/DoyleJ11/race-sync-backend/pkg/types"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	OutboxSize     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	OriginPatterns []string
}

func DefaultOptions() Options {
	return Options{
		OutboxSize:     64,
		PingInterval:   20 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Handler upgrades to a websocket and bridges it to the hub: one reader loop
// feeding the inbox, one writer goroutine draining the connection's outbox.
func Handler(h *hub.Hub, opts Options, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("websocket accept", zap.Error(err))
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(opts.MaxMessageSize)

		ctx := r.Context()
		connID := uuid.NewString()
		out := make(chan types.ServerMessage, opts.OutboxSize)
		if err := h.Send(ctx, hub.Connect{ConnID: connID, Outbox: out}); err != nil {
			conn.Close(websocket.StatusTryAgainLater, "server shutting down")
			return
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = h.Send(dctx, hub.Disconnect{ConnID: connID})
		}()

		connLog := log.With(zap.String("conn_id", connID))
		connLog.Debug("websocket connected", zap.String("remote", r.RemoteAddr))

		writeCtx, writeCancel := context.WithCancel(ctx)
		defer writeCancel()
		go writeLoop(writeCtx, conn, out, opts, connLog)

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					connLog.Debug("websocket closed")
				default:
					if !errors.Is(err, context.Canceled) {
						connLog.Debug("websocket read", zap.Error(err))
					}
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil || cm.Type == "" {
				if err == nil {
					err = errors.New("missing type")
				}
				if h.Send(ctx, hub.Malformed{ConnID: connID, Err: err}) != nil {
					return
				}
				continue
			}
			if h.Send(ctx, hub.FromClient{ConnID: connID, Msg: cm}) != nil {
				return
			}
		}
	}
}

// writeLoop owns every write to conn. A closed outbox means the hub let go
// of this connection.
func writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan types.ServerMessage, opts Options, log *zap.Logger) {
	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-out:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "connection closed by server")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := wsjson.Write(wctx, conn, msg)
			cancel()
			if err != nil {
				log.Debug("websocket write", zap.String("msg", msg.MessageType()), zap.Error(err))
				conn.CloseNow()
				return
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, opts.WriteTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("websocket ping", zap.Error(err))
				conn.CloseNow()
				return
			}
		}
	}
}
