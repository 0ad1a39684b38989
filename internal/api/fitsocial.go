package api

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-fitsocial/internal/config"
	"github.com/npezzotti/go-fitsocial/internal/database"
	"github.com/npezzotti/go-fitsocial/internal/server"
)

const maxBodyBytes = 16 << 20

type FitSocialApp struct {
	log            *log.Logger
	db             database.Repository
	mux            *http.Server
	cs             *server.ChatServer
	svc            server.Services
	auth           AuthProvider
	allowedOrigins []string
}

func NewFitSocialApp(
	mux *http.ServeMux,
	logger *log.Logger,
	cs *server.ChatServer,
	db database.Repository,
	svc server.Services,
	auth AuthProvider,
	cfg *config.Config,
) *FitSocialApp {
	s := &FitSocialApp{
		log:            logger,
		db:             db,
		cs:             cs,
		svc:            svc,
		auth:           auth,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.Handle("GET /api/users/me", s.authMiddleware(s.getProfile))
	mux.Handle("PUT /api/users/me", s.authMiddleware(s.updateProfile))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.Handle("GET /api/rooms/{peer}/messages", s.authMiddleware(s.getMessages))
	mux.Handle("POST /api/rooms/{peer}/messages", s.authMiddleware(s.sendMessage))
	mux.Handle("POST /api/rooms/{peer}/read", s.authMiddleware(s.markRead))
	mux.Handle("GET /api/unread", s.authMiddleware(s.unreadTotal))
	mux.Handle("GET /api/blocks", s.authMiddleware(s.listBlocks))
	mux.Handle("POST /api/blocks", s.authMiddleware(s.blockUser))
	mux.Handle("POST /api/reports", s.authMiddleware(s.reportContent))
	mux.Handle("GET /api/feed", s.authMiddleware(s.getFeed))
	mux.Handle("POST /api/posts", s.authMiddleware(s.createPost))
	mux.Handle("POST /api/posts/{id}/likes", s.authMiddleware(s.likePost))
	mux.Handle("POST /api/posts/{id}/comments", s.authMiddleware(s.commentPost))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(logWriter(logger), h)
	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:     cfg.ServerAddr,
		Handler:  h,
		ErrorLog: logger,
	}
	return s
}

func logWriter(logger *log.Logger) io.Writer {
	if logger == nil {
		return os.Stderr
	}
	return logger.Writer()
}

func (s *FitSocialApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *FitSocialApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *FitSocialApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
