package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/sharaein/server/internal/handlers"
	"github.com/sharaein/server/internal/metrics"
)

// Handlers はルーターに登録するハンドラー一式
type Handlers struct {
	Rooms     *handlers.RoomHandler
	Files     *handlers.FileHandler
	WebSocket *handlers.WebSocketHandler
	Tokens    handlers.TokenVerifier
	Store     handlers.Pinger
}

func NewRouter(h Handlers, logger zerolog.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(hlog.NewHandler(logger), requestIDLogger, accessLog)
	r.Use(middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.NotFound)

	r.Get("/api/health", handlers.Health(h.Store))
	r.Handle("/metrics", metrics.Handler())

	requireToken := handlers.RequireToken(h.Tokens)

	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", h.Rooms.Create)
		r.Post("/join", h.Rooms.Join)
		r.With(requireToken, handlers.RequireRoomScope).Get("/{roomId}/files", h.Rooms.ListFiles)
	})

	r.Route("/api/files", func(r chi.Router) {
		r.With(requireToken, handlers.RequireRoomScope).Post("/rooms/{roomId}/upload", h.Files.Upload)
		r.With(requireToken).Delete("/{fileId}", h.Files.Delete)
		// ダウンロードはブラウザのリンクから開けるようにトークンを任意にしている
		r.Get("/{fileId}/download", h.Files.Download)
	})

	// WebSocketエンドポイント
	r.Get("/ws", h.WebSocket.HandleWebSocket)

	return r
}

// requestIDLogger はchiのリクエストIDをリクエストのロガーに追加します
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

var accessLog = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
})
