package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	grpcserver "messaging-service/internal/grpc"
	"messaging-service/internal/handlers"
	"messaging-service/internal/hub"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/repositories"
	"messaging-service/internal/retry"
	"messaging-service/internal/services"
	"messaging-service/internal/storage"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

type userStore interface {
	repositories.UserRepository
	repositories.CredentialRepository
}

// stores bundles the repositories of the selected driver.
type stores struct {
	users    userStore
	messages repositories.MessageRepository
	ready    grpcserver.ReadinessCheck
	close    func() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service stopped", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer func() { _ = publisher.Close() }()
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)),
	)
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditKey, cfg.ServiceName, cfg.Environment, logger)

	objects, err := storage.NewFileStore(cfg.ObjectStoreDir, cfg.ObjectStoreBaseURL)
	if err != nil {
		return err
	}

	h := hub.NewHub(cfg.SubscriberBuffer, logger.Named("hub"))
	typing := services.NewTypingBroadcaster(h, cfg.TypingTTL, cfg.TypingSweepInterval, logger.Named("typing"))
	messages := services.NewMessageService(st.messages, st.users, h, typing, cfg.MaxMessageLength, logger.Named("messages"))
	authService := auth.NewService(st.users, []byte(cfg.JWTSecret), cfg.JWTTTL)
	directory := services.NewDirectory(st.users, objects, h, services.DirectoryConfig{
		Visibility:     cfg.ProfileVisibility,
		PresenceTTL:    cfg.PresenceTTL,
		SweepInterval:  cfg.PresenceSweepInterval,
		SessionRevoked: authService.SessionRevoked,
	}, logger.Named("directory"))

	if err := directory.ResetPresence(ctx); err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	go typing.Run(ctx)
	go directory.Run(ctx)

	policy := retry.Policy{MaxAttempts: cfg.RetryMaxAttempts, InitialInterval: cfg.RetryInitialInterval}
	router := newRouter(cfg, logger, routes{
		auth:          handlers.NewAuthHandler(authService, directory, typing, policy, audit, logger),
		users:         handlers.NewUserHandler(directory, policy, audit, logger),
		conversations: handlers.NewConversationHandler(messages, typing, cfg.VideoBaseURL, policy, audit, logger),
		messagesWS:    ws.NewMessageWebSocketHandler(messages, authService, directory, ws.DefaultConfig(), logger),
		typingWS:      ws.NewTypingWebSocketHandler(typing, authService, directory, ws.DefaultConfig(), logger),
		presenceWS:    ws.NewPresenceWebSocketHandler(directory, authService, ws.DefaultConfig(), logger),
		validator:     authService,
		debug: handlers.DebugDeps{
			Audit:         audit,
			Sessions:      directory.Sessions,
			PublisherMode: rabbitmq.PublisherMode(publisher),
			NoopReason:    rabbitmq.PublisherNoopReason(publisher),
		},
		avatarsDir: objects.Root(),
	})

	grpcSrv, health := grpcserver.NewServer(logger.Named("grpc"))
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go grpcserver.WatchReadiness(ctx, health, st.ready, 5*time.Second, logger)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", lis.Addr().String()))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		stop()
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	return serveErr
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	switch cfg.StoreDriver {
	case config.DriverBadger:
		bdb, err := db.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return stores{}, fmt.Errorf("open badger: %w", err)
		}
		return stores{
			users:    repositories.NewBadgerUserRepo(bdb),
			messages: repositories.NewBadgerMessageRepo(bdb),
			ready:    badgerReady(bdb),
			close:    bdb.Close,
		}, nil
	default:
		sdb, err := db.Connect(ctx, cfg.DSN, logger)
		if err != nil {
			return stores{}, fmt.Errorf("connect postgres: %w", err)
		}
		return stores{
			users:    repositories.NewUserRepo(sdb),
			messages: repositories.NewMessageRepo(sdb),
			ready:    postgresReady(sdb),
			close:    sdb.Close,
		}, nil
	}
}

func postgresReady(sdb *sqlx.DB) grpcserver.ReadinessCheck {
	return func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return sdb.PingContext(pctx)
	}
}

func badgerReady(bdb *badger.DB) grpcserver.ReadinessCheck {
	return func(context.Context) error {
		if bdb.IsClosed() {
			return errors.New("badger is closed")
		}
		return nil
	}
}

type routes struct {
	auth          *handlers.AuthHandler
	users         *handlers.UserHandler
	conversations *handlers.ConversationHandler
	messagesWS    *ws.MessageWebSocketHandler
	typingWS      *ws.TypingWebSocketHandler
	presenceWS    *ws.PresenceWebSocketHandler
	validator     middleware.TokenValidator
	debug         handlers.DebugDeps
	avatarsDir    string
}

func newRouter(cfg config.Config, logger *zap.Logger, r routes) *gin.Engine {
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		otelgin.Middleware(cfg.ServiceName),
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Recovery(logger),
		observability.HTTPMetricsMiddleware(),
	)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if strings.HasPrefix(cfg.ObjectStoreBaseURL, "/") {
		router.Static(cfg.ObjectStoreBaseURL, r.avatarsDir)
	}

	router.POST("/auth/register", r.auth.Register)
	router.POST("/auth/login", r.auth.Login)

	// Websocket endpoints authenticate during the handshake.
	router.GET("/ws/conversations/:peer_id/messages", r.messagesWS.Handle)
	router.GET("/ws/conversations/:peer_id/typing", r.typingWS.Handle)
	router.GET("/ws/presence", r.presenceWS.Handle)

	api := router.Group("/", middleware.AuthMiddleware(r.validator))
	api.POST("/auth/logout", r.auth.Logout)

	api.GET("/users", r.users.ListUsers)
	api.GET("/users/:user_id", r.users.GetProfile)
	api.PATCH("/users/:user_id", r.users.UpdateProfile)
	api.PUT("/users/:user_id/avatar", r.users.UploadAvatar)
	api.POST("/presence", r.users.SetPresence)
	api.POST("/presence/heartbeat", r.users.Heartbeat)

	api.GET("/conversations", r.conversations.ListConversations)
	api.POST("/conversations/:peer_id/messages", r.conversations.SendMessage)
	api.GET("/conversations/:peer_id/messages", r.conversations.History)
	api.PATCH("/conversations/:peer_id/messages/:message_id", r.conversations.EditMessage)
	api.DELETE("/conversations/:peer_id/messages/:message_id", r.conversations.DeleteMessage)
	api.POST("/conversations/:peer_id/messages/:message_id/seen", r.conversations.MarkSeen)
	api.POST("/conversations/:peer_id/messages/:message_id/delivered", r.conversations.MarkDelivered)
	api.POST("/conversations/:peer_id/read", r.conversations.MarkRead)
	api.GET("/conversations/:peer_id/unread", r.conversations.Unread)
	api.PUT("/conversations/:peer_id/typing", r.conversations.SetTyping)
	api.GET("/conversations/:peer_id/call", r.conversations.Call)

	handlers.RegisterDebugRoutes(api, r.debug, cfg.DebugRoutes)
	return router
}
