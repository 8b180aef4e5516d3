package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	logx "chainwatch/pkg/logx"
)

type envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: "ok", Data: data})
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, envelope{Status: "error", Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return false
	}
	return true
}

// requestLogger adapts chi's request logging to logx.
type requestLogger struct{ log logx.Logger }

func (l *requestLogger) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &requestEntry{log: l.log.With(
		logx.String("method", r.Method),
		logx.String("path", r.URL.Path),
		logx.String("req_id", middleware.GetReqID(r.Context())),
		logx.String("remote", r.RemoteAddr),
	)}
}

type requestEntry struct{ log logx.Logger }

func (e *requestEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.log.Debug("http request", logx.Int("status", status), logx.Int("bytes", bytes), logx.Duration("elapsed", elapsed))
}

func (e *requestEntry) Panic(v interface{}, stack []byte) {
	e.log.Error("http panic", logx.Any("panic", v), logx.String("stack", string(stack)))
}
