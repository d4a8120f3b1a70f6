package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// Server bundles the HTTP listener carrying the websocket endpoint, the
// metrics endpoint and the administrative API.
type Server struct {
	httpServer *http.Server
	registry   *Registry
	table      *MatchTable
	config     *Config
	logger     *Logger
}

func (s *Server) Stop() {
	if err := s.httpServer.Shutdown(context.Background()); err != nil {
		s.logger.Errorw("Couldn't shutdown http server", "error", err)
	}
	s.registry.StopSweeper()
}

func StartServer(registry *Registry, table *MatchTable, config *Config, pipeline *Pipeline, stats *Stats, logger *Logger) *Server {

	port := config.Port

	s := &Server{
		registry: registry,
		table:    table,
		config:   config,
		logger:   logger,
	}

	router := mux.NewRouter()
	// Special case routes. Do NOT enable compression on WebSocket route, it
	// results in "http: response.Write on hijacked connection" errors.
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }).Methods("GET")
	router.HandleFunc("/ws", NewSocketAcceptor(registry, config, pipeline, stats, logger)).Methods("GET")
	router.Handle("/metrics", stats.prometheusExporter).Methods("GET")

	s.registerAdminRoutes(router)

	// Enable CORS on all requests.
	CORSHeaders := handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "User-Agent"})
	CORSOrigins := handlers.AllowedOrigins([]string{"*"})
	CORSMethods := handlers.AllowedMethods([]string{"GET", "HEAD", "POST", "PUT", "DELETE"})
	handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)

	s.httpServer = &http.Server{
		MaxHeaderBytes: 5120,
		Handler:        handlerWithCORS,
	}

	logger.Infof("Starting server for HTTP requests on port %d", port)
	go func() {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			logger.Fatalw("Error while creating listener for http server", "error", err)
		}
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("Error while serving http server", "error", err)
		}
	}()

	return s

}
