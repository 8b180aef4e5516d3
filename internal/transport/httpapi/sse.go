package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chainwatch/internal/transport"
	logx "chainwatch/pkg/logx"
)

// events opens a session and streams its outbox as SSE until the client
// disconnects or the session is closed. Disconnect closes the session, which
// cancels its subscriptions.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	sess := s.hub.Open()
	defer s.hub.Close(sess.ID())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, transport.Message{Event: "session", Payload: map[string]string{"id": sess.ID()}, Time: time.Now()}); err != nil {
		return
	}
	flusher.Flush()

	tick := time.NewTicker(s.cfg.Heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sess.Outbox():
			if !ok {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.log.Debug("sse write failed", logx.String("session", sess.ID()), logx.Err(err))
				return
			}
			flusher.Flush()
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, msg transport.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, data)
	return err
}
