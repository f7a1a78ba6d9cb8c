package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ludus-app/ludus-server/internal/ws"
)

// SetupRoutes wires the REST surface and the event-channel upgrades
// onto one router. Everything except the health check requires a token.
func SetupRoutes(s *Server, secret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.Log))

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(Auth(secret))

		r.Route("/rooms", func(r chi.Router) {
			r.Post("/", s.handleCreateRoom)
			r.Get("/", s.handleListRooms)
			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", s.handleRoomDetail)
				r.Delete("/", s.handleDeleteRoom)
				r.Post("/join", s.handleJoinRoom)
				r.Post("/leave", s.handleLeaveRoom)
				r.Get("/messages", s.handleHistory)
				r.Post("/messages", s.handlePostMessage)
				r.Route("/game", func(r chi.Router) {
					r.Post("/start", s.handleStartGame)
					r.Get("/", s.handleGameState)
					r.Post("/answer", s.handleAnswer)
				})
			})
		})

		r.Get("/ws", ws.RoomHandler(s.Hub, s.Log))
		r.Get("/ws/rooms", ws.DirectoryHandler(s.Hub, s.Log))
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
			)
		})
	}
}
