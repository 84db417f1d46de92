package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/share-stream/backend/internal/recorder"
	"github.com/share-stream/backend/internal/stream"
	"github.com/share-stream/backend/internal/wsconn"
)

// Server is the document service run on every connection.
type Server interface {
	Serve(ctx context.Context, duplex stream.Duplex, remoteAddr string) error
}

// WebSocketOptions configures the connections accepted by WebSocketHandler.
type WebSocketOptions struct {
	// KeepAlive is passed to the Bridge as is.
	KeepAlive      time.Duration
	Debug          bool
	PingPeriod     time.Duration
	MaxMessageSize int64
	// RecordDir enables frame journals when set.
	RecordDir string
}

// WebSocketHandler upgrades requests and serves them through a Bridge.
type WebSocketHandler struct {
	ctx    context.Context
	server Server
	opts   WebSocketOptions
	logger logr.Logger

	// conns tracks connections until their close handshake has finished.
	conns sync.WaitGroup
}

// NewWebSocketHandler creates a new WebSocketHandler. Cancelling ctx ends every connection.
func NewWebSocketHandler(ctx context.Context, server Server, opts WebSocketOptions, logger logr.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		ctx:    ctx,
		server: server,
		opts:   opts,
		logger: logger.WithName("ws"),
	}
}

// Connect handles GET /ws.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	h.conns.Add(1)
	defer h.conns.Done()

	connID := uuid.New().String()
	log := h.logger.WithValues("conn", connID)

	cfg := wsconn.Config{
		PingPeriod:     h.opts.PingPeriod,
		MaxMessageSize: h.opts.MaxMessageSize,
		Logger:         log,
	}
	if h.opts.RecordDir != "" {
		rec, err := recorder.New(h.opts.RecordDir, connID)
		if err != nil {
			log.Error(err, "failed to create frame journal")
		} else if err := rec.WriteHeader(c.Request.RemoteAddr, c.Request.Header); err != nil {
			log.Error(err, "failed to write journal header")
			_ = rec.Close()
		} else {
			cfg.Recorder = rec
		}
	}

	conn, err := wsconn.Upgrade(c.Writer, c.Request, cfg)
	if err != nil {
		// The upgrader has already answered the request.
		log.V(1).Info("upgrade failed", "error", err.Error())
		if cfg.Recorder != nil {
			_ = cfg.Recorder.Close()
		}
		return
	}

	bridge, err := stream.NewBridge(conn, stream.Config{
		KeepAlive: h.opts.KeepAlive,
		Logger:    log,
		Debug:     h.opts.Debug,
	})
	if err != nil {
		log.Error(err, "failed to create bridge")
		_ = conn.Close(stream.ClosePolicyViolation, err.Error())
		return
	}

	go h.logErrors(log, bridge)

	if err := h.server.Serve(h.ctx, bridge, bridge.RemoteAddr()); err != nil && !errors.Is(err, context.Canceled) {
		log.Error(err, "connection ended with error")
	}

	// Serve may return right after ending the stream. The close frame is
	// flushed once the connection reports its close, or after the close grace.
	<-bridge.Done()
}

// Wait blocks until every connection has closed or ctx is done.
func (h *WebSocketHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *WebSocketHandler) logErrors(log logr.Logger, bridge *stream.Bridge) {
	for err := range bridge.Errors() {
		log.Info("stream error", "error", err.Error())
	}
}

// RegisterRoutes registers the WebSocket route on a Gin router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
