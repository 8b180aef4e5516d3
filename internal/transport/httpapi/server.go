// Package httpapi exposes sessions, subscriptions and status over HTTP.
// Each client holds a Server-Sent-Events stream on /events and issues
// commands against its session id.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chainwatch/internal/subscription"
	"chainwatch/internal/transport"
	logx "chainwatch/pkg/logx"
)

type Config struct {
	Addr      string
	Debug     bool
	Heartbeat time.Duration
}

// Subscriber is the registry surface used by the API.
type Subscriber interface {
	Subscribe(ctx context.Context, session, channel string, args json.RawMessage, em subscription.Emitter) (subscription.Ack, error)
	UnsubscribeSession(session, id string) bool
}

// StatusFunc renders the diagnostic payload of GET /status.
type StatusFunc func(ctx context.Context) (any, error)

type Server struct {
	cfg    Config
	log    logx.Logger
	hub    *transport.Hub
	subs   Subscriber
	status StatusFunc
	router *chi.Mux
}

func New(cfg Config, hub *transport.Hub, subs Subscriber, status StatusFunc, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "http")),
		hub:    hub,
		subs:   subs,
		status: status,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.RequestLogger(&requestLogger{log: s.log}), middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/status", s.getStatus)
	r.Get("/events", s.events)
	r.Route("/sessions/{sid}", func(r chi.Router) {
		r.Post("/subscribe", s.subscribe)
		r.Post("/unsubscribe", s.unsubscribe)
		r.Post("/join", s.join)
		r.Post("/leave", s.leave)
	})
	if cfg.Debug {
		r.Mount("/debug", middleware.Profiler())
	}
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve listens on cfg.Addr until ctx is done. Open event streams are closed
// before the server shuts down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.hub.CloseAll()
	shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, "ok")
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeOK(w, map[string]any{"sessions": s.hub.Len()})
		return
	}
	v, err := s.status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, v)
}

type subscribeReq struct {
	Channel string          `json:"channel"`
	Args    json.RawMessage `json:"args"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req subscribeReq
	if !decode(w, r, &req) {
		return
	}
	if req.Channel == "" {
		writeError(w, http.StatusBadRequest, errors.New("channel is required"))
		return
	}
	ack, err := s.subs.Subscribe(r.Context(), sess.ID(), req.Channel, req.Args, sess)
	var ve *subscription.ValidationError
	switch {
	case err == nil:
		writeOK(w, ack)
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, subscription.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, subscription.ErrEmitterClosed):
		writeError(w, http.StatusGone, err)
	default:
		s.log.Warn("subscribe failed", logx.String("channel", req.Channel), logx.Err(err))
		writeError(w, http.StatusBadGateway, err)
	}
}

type unsubscribeReq struct {
	ID string `json:"subscriptionId"`
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req unsubscribeReq
	if !decode(w, r, &req) {
		return
	}
	writeOK(w, map[string]bool{"removed": s.subs.UnsubscribeSession(sess.ID(), req.ID)})
}

type roomReq struct {
	Room string `json:"room"`
}

func (s *Server) join(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req roomReq
	if !decode(w, r, &req) {
		return
	}
	if req.Room == "" {
		writeError(w, http.StatusBadRequest, errors.New("room is required"))
		return
	}
	if err := s.hub.Join(sess.ID(), req.Room); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, map[string]string{"room": req.Room})
}

func (s *Server) leave(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req roomReq
	if !decode(w, r, &req) {
		return
	}
	s.hub.Leave(sess.ID(), req.Room)
	writeOK(w, map[string]string{"room": req.Room})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*transport.Session, bool) {
	sess, ok := s.hub.Get(chi.URLParam(r, "sid"))
	if !ok {
		writeError(w, http.StatusNotFound, transport.ErrUnknownSession)
		return nil, false
	}
	return sess, true
}
