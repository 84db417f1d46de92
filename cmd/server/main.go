package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/share-stream/backend/api/handlers"
	"github.com/share-stream/backend/internal/config"
	"github.com/share-stream/backend/internal/db"
	"github.com/share-stream/backend/internal/engine"
	"github.com/share-stream/backend/internal/logger"
	"github.com/share-stream/backend/internal/metrics"
	"github.com/share-stream/backend/internal/repository"
	"github.com/share-stream/backend/internal/wsconn"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logger.New("server")
	defer log.Flush()

	cmd, err := newRootCommand(log)
	if err != nil {
		log.Error(err, "Failed to load configuration")
		os.Exit(1)
	}
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(log *logger.Logger) (*cobra.Command, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:   "share-stream-server",
		Short: "Serves shared JSON documents over WebSocket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, log)
		},
		SilenceUsage: true,
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to listen on")
	flags.StringVar(&cfg.DBPath, "db", cfg.DBPath, "Path of the SQLite database")
	flags.StringVar(&cfg.RecordDir, "record-dir", cfg.RecordDir, "Directory for per-connection frame journals (disabled when empty)")
	flags.DurationVar(&cfg.KeepAlive, "keep-alive", cfg.KeepAlive, "Interval between liveness probes, 0 disables them")
	flags.DurationVar(&cfg.PingPeriod, "ping-period", cfg.PingPeriod, "WebSocket ping interval, 0 disables pings")
	flags.Int64Var(&cfg.MaxMessageSize, "max-message-size", cfg.MaxMessageSize, "Maximum inbound frame size in bytes")
	flags.IntVar(&cfg.OpHistory, "op-history", cfg.OpHistory, "Operations kept in memory per document")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "Browser origins accepted on /ws and by CORS (all when empty)")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Log every stream event at info level")
	log.AddLevelFlag(flags)

	return cmd, nil
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	if cfg.RecordDir != "" {
		if err := os.MkdirAll(cfg.RecordDir, 0755); err != nil {
			return fmt.Errorf("failed to create record directory: %w", err)
		}
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.CloseDB()

	wsconn.SetCheckOrigin(wsconn.AllowOrigins(cfg.AllowedOrigins))

	docRepo := repository.NewDocumentRepository(database)
	eng := engine.New(docRepo, engine.Config{
		OpHistory: cfg.OpHistory,
		Logger:    log.Logger,
	})

	docHandler := handlers.NewDocumentHandler(docRepo, eng)
	wsHandler := handlers.NewWebSocketHandler(ctx, eng, handlers.WebSocketOptions{
		KeepAlive:      cfg.BridgeKeepAlive(),
		Debug:          cfg.Debug,
		PingPeriod:     cfg.PingPeriod,
		MaxMessageSize: cfg.MaxMessageSize,
		RecordDir:      cfg.RecordDir,
	}, log.Logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"docs":   eng.Hubs().Len(),
		})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		docHandler.RegisterRoutes(api)
	}
	wsHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting server", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Shutdown does not track hijacked WebSocket connections. ctx is already
	// done, which ends them; Wait lets their close handshakes finish.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := wsHandler.Wait(shutdownCtx); err != nil {
		return fmt.Errorf("timed out waiting for connections to close: %w", err)
	}
	return nil
}

// corsMiddleware returns a CORS middleware. Listed origins are echoed back;
// with no list every origin gets "*". Credentials are never allowed.
func corsMiddleware(origins []string) gin.HandlerFunc {
	allowed := wsconn.AllowOrigins(origins)
	return func(c *gin.Context) {
		if len(origins) == 0 {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := c.GetHeader("Origin"); origin != "" && allowed(c.Request) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
