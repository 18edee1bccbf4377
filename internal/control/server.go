// Package control implements the line-oriented TCP control protocol:
// authentication, EXEC/KILL/STOP/RESTART/START/STATUS/LOG/KEEPALIVE.
package control

import (
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/cmastudios/mcmdd/internal/config"
	"github.com/cmastudios/mcmdd/internal/registry"
)

// AppName is the literal banner sent to every client on connect.
const AppName = "mcmdd/1.0.1\n"

// Server accepts control-protocol connections and dispatches one worker
// goroutine per connection.
type Server struct {
	cfg *config.Config
	reg *registry.Registry
	log *zap.Logger

	ln net.Listener
}

// New constructs a control server bound to no socket yet; call Start to
// begin listening and accepting.
func New(cfg *config.Config, reg *registry.Registry, log *zap.Logger) *Server {
	return &Server{cfg: cfg, reg: reg, log: log.Named("control")}
}

// Start binds the configured TCP port and begins accepting connections in
// the background. It returns once the listener is bound.
func (s *Server) Start() error {
	addr := net.JoinHostPort("", portString(s.cfg.Port()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("control listener started", zap.Int("port", s.cfg.Port()))

	go s.acceptLoop()
	return nil
}

// Stop closes the listener, unblocking acceptLoop.
func (s *Server) Stop() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func portString(port int) string {
	return strconv.Itoa(port)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			// Listener closed during shutdown; this is the expected exit
			// path, not an error worth logging loudly.
			s.log.Info("control accept loop stopped", zap.Error(err))
			return
		}
		c := newConn(conn, s.cfg, s.reg, s.log)
		go c.serve()
	}
}
