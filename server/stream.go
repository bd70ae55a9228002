package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams status events over a websocket. All events already in
// the db are sent first, then new ones as they are recorded.
func (s *Server) Events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.l.Error("failed to upgrade websocket", "err", err)
		return
	}
	defer conn.Close()

	ch := s.n.Subscribe()
	defer s.n.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// watch for the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	cursor := int64(0)

	// backfill
	if err := s.streamEvents(conn, &cursor); err != nil {
		s.l.Error("failed to stream events", "err", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := s.streamEvents(conn, &cursor); err != nil {
				s.l.Error("failed to stream events", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Server) streamEvents(conn *websocket.Conn, cursor *int64) error {
	events, err := s.db.GetEvents(*cursor)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := conn.WriteJSON(json.RawMessage(ev.EventJson)); err != nil {
			return err
		}
		*cursor = ev.Created
	}

	return nil
}
