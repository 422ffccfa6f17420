package coord

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wgingress/wgingress/internal/monitor"
	"github.com/wgingress/wgingress/pkg/proto"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		return true // admin token is checked before the upgrade
	},
}

// handleStatsSSE streams stats snapshots as Server-Sent Events.
func (s *Server) handleStatsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.stats.Subscribe(monitor.DefaultSubscriberBuffer)
	defer sub.Close()
	gauge := coordMetrics().StreamClients.WithLabelValues("sse")
	gauge.Inc()
	defer gauge.Dec()

	fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	if last := s.stats.Last(); last != nil {
		writeSSESnapshot(w, last)
	}
	flusher.Flush()

	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSESnapshot(w, snap); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeSSESnapshot(w http.ResponseWriter, snap proto.StatsSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: stats\ndata: %s\n\n", data)
	return err
}

// handleStatsWS streams stats snapshots over a WebSocket as JSON text frames.
func (s *Server) handleStatsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("stats websocket upgrade failed")
		return
	}

	sub := s.stats.Subscribe(monitor.DefaultSubscriberBuffer)
	defer sub.Close()
	gauge := coordMetrics().StreamClients.WithLabelValues("websocket")
	gauge.Inc()
	defer gauge.Dec()

	// The reader only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	defer func() {
		_ = conn.Close()
		<-gone
	}()

	send := func(snap proto.StatsSnapshot) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(snap)
	}

	if last := s.stats.Last(); last != nil {
		if err := send(last); err != nil {
			return
		}
	}

	for {
		select {
		case snap, ok := <-sub.C:
			if !ok {
				return
			}
			if err := send(snap); err != nil {
				log.Debug().Err(err).Msg("stats websocket write failed")
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		}
	}
}
