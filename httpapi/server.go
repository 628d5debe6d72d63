package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Server serves the HTTP API on its own listener.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	done       chan struct{}
}

// Start listens on addr and serves node in the background.
func Start(addr string, node Node, timeout time.Duration) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	s := &Server{
		httpServer: &http.Server{
			Handler:           NewHandler(node).Router(timeout),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: listener,
		done:     make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"addr":     listener.Addr().String(),
	}).Info("Starting HTTP API")

	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"error":    err.Error(),
			}).Error("HTTP API stopped")
		}
	}()

	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	<-s.done
	return err
}
