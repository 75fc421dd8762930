package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"crabstack.local/projects/crab-observer/internal/event"
	"crabstack.local/projects/crab-observer/internal/hub"
	"crabstack.local/projects/crab-observer/internal/store"
)

const (
	maxStreamReadBytes int64 = 4 << 10
	streamWriteWait          = 10 * time.Second
)

type streamFrame struct {
	Type           string       `json:"type"`
	SubscriptionID string       `json:"subscription_id,omitempty"`
	Event          *event.Event `json:"event,omitempty"`
	Dropped        uint64       `json:"dropped,omitempty"`
	SinceLast      uint64       `json:"since_last,omitempty"`
}

func streamFilter(c *gin.Context) (store.Filter, error) {
	f := store.Filter{
		Platforms:  listParam(c, "platform"),
		SessionIDs: listParam(c, "session_id"),
		AgentIDs:   listParam(c, "agent_id"),
		EventTypes: listParam(c, "event_type"),
		Severities: listParam(c, "severity"),
	}
	return f, canonicalSeverities(&f)
}

func (s *server) handleStream(filtered bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter store.Filter
		if filtered {
			var err error
			if filter, err = streamFilter(c); err != nil {
				writeError(c, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
		}

		upgrader := websocket.Upgrader{CheckOrigin: isWebSocketOriginAllowed}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.Warn("stream upgrade failed", "err", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxStreamReadBytes)

		sub, err := s.hub.Subscribe(filter)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		}
		defer s.hub.Unsubscribe(sub)

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		// the client never sends anything we act on; reading only surfaces
		// close frames and broken connections
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()
		go s.pingLoop(ctx, conn)

		s.logger.Debug("stream subscribed", "subscription_id", sub.ID(), "filtered", filtered)
		if err := writeFrame(conn, streamFrame{Type: "hello", SubscriptionID: sub.ID()}); err != nil {
			return
		}

		for {
			d, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, hub.ErrClosed) {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
						time.Now().Add(streamWriteWait))
				}
				s.logger.Debug("stream ended", "subscription_id", sub.ID(), "err", err)
				return
			}
			if d.DroppedSinceLast > 0 {
				if err := writeFrame(conn, streamFrame{Type: "overrun", Dropped: d.Dropped, SinceLast: d.DroppedSinceLast}); err != nil {
					return
				}
			}
			ev := d.Event
			if err := writeFrame(conn, streamFrame{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (s *server) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, frame streamFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(streamWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}
