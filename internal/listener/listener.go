package listener

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/user/pgshard/internal/metrics"
)

// Handler serves one accepted client connection to completion.
type Handler interface {
	HandleClient(conn net.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(conn net.Conn)

func (f HandlerFunc) HandleClient(conn net.Conn) { f(conn) }

type ListenerConfig struct {
	Name           string
	Address        string
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server accepts client connections on one address and hands each to the
// handler on its own goroutine, bounded by MaxConnections.
type Server struct {
	cfg      ListenerConfig
	listener net.Listener
	handler  Handler
	log      *slog.Logger

	sem  chan struct{}  // connection limiter
	wg   sync.WaitGroup // graceful shutdown
	quit chan struct{}  // stop signal
}

func NewServer(cfg ListenerConfig, h Handler) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	return &Server{
		cfg:     cfg,
		handler: h,
		log:     slog.Default().With("component", "listener", "name", cfg.Name),
		sem:     make(chan struct{}, cfg.MaxConnections),
		quit:    make(chan struct{}),
	}
}

func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return trace.Wrap(err)
	}

	s.log.Info("listener started", "address", s.cfg.Address)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.sem <- struct{}{}
		s.wg.Add(1)

		go s.handleConnection(conn)
	}
}

func (s *Server) Stop() {
	close(s.quit)

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.wg.Wait()
	s.log.Info("listener stopped")
}

func (s *Server) handleConnection(conn net.Conn) {
	metrics.ActiveClientConnections.Inc()
	defer s.wg.Done()
	defer func() {
		metrics.ActiveClientConnections.Dec()
		<-s.sem
		_ = conn.Close()
	}()

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	s.log.Debug("accepted connection", "remote", conn.RemoteAddr().String())

	s.handler.HandleClient(conn)
}
