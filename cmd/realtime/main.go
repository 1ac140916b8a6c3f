package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/realtime/internal/adapter/llm"
	"github.com/xiaot623/gogo/realtime/internal/ai"
	"github.com/xiaot623/gogo/realtime/internal/auth"
	"github.com/xiaot623/gogo/realtime/internal/chat"
	"github.com/xiaot623/gogo/realtime/internal/config"
	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/history"
	internalhttp "github.com/xiaot623/gogo/realtime/internal/http"
	"github.com/xiaot623/gogo/realtime/internal/hub"
	"github.com/xiaot623/gogo/realtime/internal/logging"
	"github.com/xiaot623/gogo/realtime/internal/membership"
	"github.com/xiaot623/gogo/realtime/internal/policy"
	"github.com/xiaot623/gogo/realtime/internal/presence"
	"github.com/xiaot623/gogo/realtime/internal/reaction"
	"github.com/xiaot623/gogo/realtime/internal/repository"
	"github.com/xiaot623/gogo/realtime/internal/transport/rpc"
	"github.com/xiaot623/gogo/realtime/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("realtime service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting realtime service",
		zap.Int("ws_port", cfg.WSPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("rpc_port", cfg.RPCPort),
		zap.String("database", cfg.DatabaseURL),
		zap.String("litellm_url", cfg.LiteLLMURL))

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize policy engine
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	guard := policy.NewGuard(engine, db)

	catalog, err := ai.LoadCatalog(cfg.PersonaFile)
	if err != nil {
		return err
	}

	gate := auth.NewGate(cfg.JWTSecret, db)
	streamer := llm.NewStreamer(cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout, logger)

	// The hub outlives the signal context so shutdown frames still flow.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	h := hub.NewHub(logger)
	hubDone := make(chan struct{})
	go func() {
		h.Run(hubCtx)
		close(hubDone)
	}()

	coordinator := ai.NewCoordinator(streamer, catalog, h, db, ai.Options{
		Model:         cfg.LLMModel,
		StreamTimeout: cfg.LLMTimeout,
	}, logger)
	registry := presence.NewRegistry(h, cfg.DuplicateLoginGrace, logger)
	loader := history.NewLoader(db, history.Options{
		PageSize:    cfg.HistoryPageSize,
		Timeout:     cfg.HistoryLoadTimeout,
		RetryBase:   cfg.HistoryRetryBase,
		RetryMax:    cfg.HistoryRetryMax,
		MaxAttempts: cfg.HistoryMaxAttempts,
		GuardDelay:  cfg.HistoryGuardDelay,
	}, logger)

	svc := chat.NewService(chat.Deps{
		Store:       db,
		Notifier:    h,
		Sessions:    gate,
		Authorizer:  guard,
		Presence:    registry,
		Membership:  membership.NewTracker(),
		History:     loader,
		Coordinator: coordinator,
		Reactions:   reaction.NewService(db, h, guard, logger),
	}, logger)

	// External WebSocket server
	wsServer := ws.NewServer(cfg, h, svc, gate, logger)
	external := echo.New()
	external.HideBanner = true
	external.HidePort = true
	external.Use(middleware.Recover())
	external.GET("/ws", wsServer.HandleWebSocket)

	// Internal servers
	internal := internalhttp.NewServer(h, db, svc, gate)
	rpcServer, err := rpc.NewServer(h, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rpc server: %w", err)
	}
	rpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for rpc: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveHTTP(external.Start(fmt.Sprintf(":%d", cfg.WSPort)))
	})
	g.Go(func() error {
		return serveHTTP(internal.Start(fmt.Sprintf(":%d", cfg.HTTPPort)))
	})
	g.Go(func() error {
		return rpcServer.Serve(rpcListener)
	})
	g.Go(func() error {
		coordinator.RunStaleMonitor(gctx, time.Minute, cfg.StreamIdleTimeout)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down realtime service")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := external.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown websocket server gracefully", zap.Error(err))
		}
		h.DisconnectAll(domain.CloseReasonServerShutdown)
		waitOrTimeout(shutdownCtx, wsServer.Wait)
		coordinator.Shutdown()
		loader.Wait()
		registry.Stop()

		if err := internal.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown internal server gracefully", zap.Error(err))
		}
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown rpc server gracefully", zap.Error(err))
		}
		return nil
	})

	logger.Info("realtime service started")
	err = g.Wait()

	stopHub()
	<-hubDone
	logger.Info("realtime service stopped")
	return err
}

// serveHTTP treats a graceful close as a clean exit.
func serveHTTP(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func waitOrTimeout(ctx context.Context, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
