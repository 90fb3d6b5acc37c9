package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-client/internal/handlers"
	"chat-client/internal/middleware"
	"chat-client/internal/observability"
)

type Options struct {
	Verifier     middleware.TokenVerifier
	FilesDir     string
	EchoToSender bool
	Debug        bool
	// Quiet drops gin's request logger.
	Quiet bool
}

// Server wires the development backend.
type Server struct {
	Memory *Memory
	Hub    *Hub
	router *gin.Engine
}

func New(opts Options) (*Server, error) {
	if opts.Verifier == nil {
		return nil, errors.New("devserver: token verifier is required")
	}
	files, err := NewDiskFiles(opts.FilesDir)
	if err != nil {
		return nil, err
	}

	memory := NewMemory()
	hub := NewHub(opts.EchoToSender)
	chatHandler := handlers.NewChatHandler(memory, files, hub)
	chatWS := NewChatWebSocketHandler(hub, memory, opts.Verifier)

	router := gin.New()
	if !opts.Quiet {
		router.Use(gin.Logger())
	}
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-devserver"))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/metrics", gin.WrapH(observability.Handler()))
	router.GET("/ws", chatWS.Handle)

	authMiddleware := middleware.AuthMiddleware(opts.Verifier)
	api := router.Group("/", authMiddleware)
	api.GET("/conversations/:userId", chatHandler.ListConversations)
	api.GET("/messages/:conversationId", chatHandler.GetMessages)
	api.POST("/messages", chatHandler.PostMessage)
	api.POST("/upload", chatHandler.Upload)
	api.GET("/files/:name", chatHandler.ServeFile)
	api.GET("/user/chat-theme/:userId/:otherUserId", chatHandler.GetTheme)
	api.POST("/user/set-chat-theme", chatHandler.SetTheme)
	handlers.RegisterDebugRoutes(api, hub, opts.Debug)

	return &Server{Memory: memory, Hub: hub, router: router}, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		jww.INFO.Printf("[DEV] listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
