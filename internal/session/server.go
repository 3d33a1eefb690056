package session

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Server upgrades incoming HTTP requests to WebSocket connections and hands
// each one to the Registry. Grounded on the teacher's terminal.go
// HandleTerminal: websocket.Accept, a read-size limit, and CloseNow on exit.
type Server struct {
	registry *Registry
	logger   *zap.Logger
}

// NewServer wraps registry as an http.Handler for the client front (spec
// §6, default listen port 8081).
func NewServer(registry *Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{registry: registry, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.registry.metrics.IncWSErrors()
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(1 << 20)

	// Do NOT use r.Context() beyond this point: it's canceled when the
	// handler returns, which would tear down the connection immediately.
	s.registry.HandleConn(context.Background(), conn)
}
