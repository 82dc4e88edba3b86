package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server exposes the dispatcher over a persistent websocket endpoint.
// Each connection carries a stream of request/reply pairs; requests on
// one connection are handled strictly in order.
type Server struct {
	addr       string
	tlsCert    string
	tlsKey     string
	dispatcher *Dispatcher
	logger     *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer builds a Server. tlsCert and tlsKey may be empty for plain
// TCP.
func NewServer(addr, tlsCert, tlsKey string, d *Dispatcher, logger *zap.Logger) *Server {
	s := &Server{
		addr:       addr,
		tlsCert:    tlsCert,
		tlsKey:     tlsKey,
		dispatcher: d,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving connections until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", zap.String("addr", s.addr), zap.Bool("tls", s.tlsCert != ""))
	var err error
	if s.tlsCert != "" {
		err = s.httpServer.ListenAndServeTLS(s.tlsCert, s.tlsKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Info("connection opened", zap.String("remote", remote))
	defer s.logger.Info("connection closed", zap.String("remote", remote))

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection read failed", zap.String("remote", remote), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		resp := s.dispatcher.HandleMessage(r.Context(), raw)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Warn("connection write failed", zap.String("remote", remote), zap.Error(err))
			return
		}
	}
}
