package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams sync log entries over a websocket, optionally
// filtered by the "account" query parameter. The client only listens.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	entries, unsubscribe := s.cfg.SyncLog.Subscribe(eventBuffer)
	defer unsubscribe()

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return

		case e, ok := <-entries:
			if !ok {
				return
			}

			if account != "" && e.AccountID != account {
				continue
			}

			data, err := json.Marshal(e)
			if err != nil {
				continue
			}

			if err := write(ctx, conn, data); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}
