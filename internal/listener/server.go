// Package listener implements the Listener/Supervisor named in spec.md
// 4.6: it accepts TCP connections, spawns one Handler goroutine per
// socket, and coordinates graceful shutdown through the registry.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/trackcore/ingestd/config"
	"github.com/trackcore/ingestd/internal/handler"
	"github.com/trackcore/ingestd/internal/registry"
	"github.com/trackcore/ingestd/internal/store"
	"github.com/trackcore/ingestd/metrics"
)

// Server binds one TCP port and hands every accepted connection to a
// fresh Handler. TFMS90 and Teltonika each get their own Server; both
// can also share a port since the Router discriminates by content
// (spec.md 4.6).
type Server struct {
	ctx      context.Context
	wg       *sync.WaitGroup
	host     string
	port     int
	gateway  store.Gateway
	metrics  metrics.IngestMetricsInterface
	cfg      *config.HandlerConfig
	registry *registry.Registry

	listener net.Listener
}

func NewServer(ctx context.Context, wg *sync.WaitGroup, host string, port int, gateway store.Gateway, m metrics.IngestMetricsInterface, cfg *config.HandlerConfig, reg *registry.Registry) *Server {
	return &Server{
		ctx:      ctx,
		wg:       wg,
		host:     host,
		port:     port,
		gateway:  gateway,
		metrics:  m,
		cfg:      cfg,
		registry: reg,
	}
}

func (s *Server) Start() error {
	log := config.GetLogger(s.ctx)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	log.Infof("Listening on %s", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	go func() {
		<-s.ctx.Done()
		s.listener.Close()
	}()

	return nil
}

func (s *Server) acceptLoop() {
	log := config.GetLogger(s.ctx)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Errorf("Accept failed on %s: %v", s.addr(), err)
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConnection(conn)
		}()
	}
}

func (s *Server) serveConnection(conn net.Conn) {
	log := config.GetLogger(s.ctx)
	defer log.Debugf("Connection from %v finished.", conn.RemoteAddr())

	h := handler.New(s.ctx, conn, s.gateway, s.metrics, s.cfg, s.registry)
	h.Serve()
}

func (s *Server) addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}
