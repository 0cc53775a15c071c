package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"homgard/internal/auth"
	"homgard/internal/config"
	"homgard/internal/engine"
	"homgard/internal/events"
	"homgard/internal/storage"
)

// Server represents the API server
type Server struct {
	router       *chi.Mux
	engine       *engine.Engine
	pamAuth      *auth.PAMAuth
	jwtManager   *auth.JWTManager
	authMw       *auth.Middleware
	wsTokenStore *auth.WSTokenStore
	eventStore   *events.Store
	store        storage.Storage
	config       *config.Config
}

// NewServer creates new API server
func NewServer(eng *engine.Engine, store storage.Storage, eventStore *events.Store, cfg *config.Config) *Server {
	jwtManager := auth.NewJWTManager(cfg.JWTSecret(), cfg.JWTExpiration())

	s := &Server{
		router:       chi.NewRouter(),
		engine:       eng,
		pamAuth:      auth.NewPAMAuth(),
		jwtManager:   jwtManager,
		authMw:       auth.NewMiddleware(jwtManager),
		wsTokenStore: auth.NewWSTokenStore(),
		eventStore:   eventStore,
		store:        store,
		config:       cfg,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// Create handlers
	authHandler := NewAuthHandler(s.pamAuth, s.jwtManager, s.wsTokenStore, s.eventStore)
	deviceHandler := NewDeviceHandler(s.engine, s.eventStore)
	eventsHandler := NewEventsHandler(s.eventStore)
	unknownHandler := NewUnknownHandler(s.store)
	streamHandler := NewStreamHandler(s.eventStore, s.wsTokenStore)

	// Public routes
	r.Post("/api/auth/login", authHandler.Login)

	// Protected API routes
	r.Group(func(r chi.Router) {
		// Apply auth middleware only if NoAuth is false
		if !s.config.NoAuth() {
			r.Use(s.authMw.RequireAuth)
		} else {
			// In no-auth mode, inject a fake admin user
			r.Use(s.fakeAuthMiddleware)
		}

		// Auth
		r.Post("/api/auth/logout", authHandler.Logout)
		r.Get("/api/auth/me", authHandler.Me)
		r.Get("/api/auth/ws-token", authHandler.WSToken)

		// Devices, addressed by hub membership id + RF slot
		r.Get("/api/devices", deviceHandler.List)
		r.Get("/api/devices/{mid}/{addr}", deviceHandler.Get)
		r.Post("/api/devices/{mid}/{addr}/command", deviceHandler.Command)

		// Events
		r.Get("/api/events", eventsHandler.List)

		// Unknown-device diagnostics
		r.Get("/api/unknown", unknownHandler.List)
	})

	// Event stream (WebSocket, guarded by one-time ws_token)
	r.Get("/api/stream", streamHandler.Connect)
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// writeJSON writes JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// fakeAuthMiddleware injects a fake admin user for no-auth mode
func (s *Server) fakeAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fakeUser := &auth.User{
			Username: "dev",
			UID:      "0",
			Role:     auth.RoleAdmin,
		}
		ctx := r.Context()
		ctx = auth.SetUserContext(ctx, fakeUser)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
