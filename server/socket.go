package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

func NewSocketAcceptor(registry *Registry, config *Config, pipeline *Pipeline, stats *Stats, logger *Logger) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {

		clientAddr := ""
		clientIP := ""
		if ips := r.Header.Get("x-forwarded-for"); len(ips) > 0 {
			clientAddr = strings.Split(ips, ",")[0]
		} else {
			clientAddr = r.RemoteAddr
		}

		clientAddr = strings.TrimSpace(clientAddr)
		if host, _, err := net.SplitHostPort(clientAddr); err == nil {
			clientIP = host
		} else if addrErr, ok := err.(*net.AddrError); ok && addrErr.Err == "missing port in address" {
			clientIP = clientAddr
		} else {
			logger.Warnw("Could not extract client address from request.", "error", errors.WithStack(err))
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Errorw("Websocket upgrade was failed", "error", errors.WithStack(err))
			return
		}

		// The session stays anonymous until its first register request names
		// a team; its origin is fixed to the client address now.
		s := NewSession(clientIP, conn, config, registry, stats, logger)

		logger.Infow("New socket connection was established", "id", s.ID().String(), "origin", clientIP)

		// Incoming requests will be handled in the session's Consume method
		// and passed to the pipeline to run the logic part of each request.
		s.Consume(pipeline.handleSocketRequests)

	}
}
