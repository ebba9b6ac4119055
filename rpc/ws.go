package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 10 * time.Second

type streamedEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// handleEventsWS streams the durable audit log over a websocket: the backlog
// from the requested cursor first, then every event appended by later
// operations. The "from" query parameter selects the starting sequence
// number; omitting it replays the log from the beginning.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	seq := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid from cursor", http.StatusBadRequest)
			return
		}
		seq = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, seq); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, seq uint64) error {
	wake, cancel := s.node.EventsSubscribe()
	defer cancel()

	for {
		count, err := s.node.EventCount()
		if err != nil {
			return err
		}
		for ; seq < count; seq++ {
			evt, err := s.node.EventAt(seq)
			if err != nil {
				return err
			}
			payload := streamedEvent{Sequence: seq, Type: evt.Type, Attributes: evt.Attributes}
			if err := writeStreamedEvent(ctx, conn, payload); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

func writeStreamedEvent(ctx context.Context, conn *websocket.Conn, payload streamedEvent) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
