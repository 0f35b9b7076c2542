package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/finhorizon/plansync/internal/logging"
)

// Server owns the HTTP listener for the sync API.
type Server struct {
	address   string
	handler   *Handler
	logger    logging.Logger
	jwtSecret []byte
}

func NewServer(address string, handler *Handler, logger logging.Logger, secretKey string) *Server {
	return &Server{
		address:   address,
		handler:   handler,
		logger:    logger.With("module", "http_server"),
		jwtSecret: []byte(secretKey),
	}
}

// Routes builds the router: health is open, everything under /api/sync is
// behind the auth middleware.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(recoveryMiddleware(s.logger))

	r.HandleFunc("/api/health", s.handler.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/sync").Subrouter()
	api.Use(authMiddleware(s.jwtSecret))
	api.HandleFunc("/batch", s.handler.PushBatch).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handler.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/full", s.handler.ForceFullResync).Methods(http.MethodPost)
	api.HandleFunc("/history", s.handler.GetHistory).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.address,
		Handler: s.Routes(),
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", s.address)

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}
