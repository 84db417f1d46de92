// Command share-stream-client connects to a server and exchanges raw frames.
// Each line read from stdin is sent as one frame; every frame received is
// printed on stdout.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/share-stream/backend/internal/logger"
	"github.com/share-stream/backend/internal/stream"
	"github.com/share-stream/backend/internal/wsconn"
)

func main() {
	log := logger.New("client")
	defer log.Flush()

	if err := newRootCommand(log).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(log *logger.Logger) *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "share-stream-client",
		Short: "Sends stdin lines to a share-stream server and prints its frames",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, url, log.Logger)
		},
		SilenceUsage: true,
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "WebSocket URL of the server")
	log.AddLevelFlag(cmd.Flags())

	return cmd
}

// printer writes received frames to stdout.
type printer struct {
	closed chan struct{}
}

func (p *printer) OnMessage(text string) {
	if text == "" {
		// keep-alive probe
		return
	}
	fmt.Println(text)
}

func (p *printer) OnClose(code int, reason string) {
	fmt.Fprintf(os.Stderr, "connection closed: %d %s\n", code, reason)
	close(p.closed)
}

func run(ctx context.Context, url string, log logr.Logger) error {
	conn, err := wsconn.Dial(ctx, url, nil, wsconn.Config{Logger: log})
	if err != nil {
		return err
	}

	p := &printer{closed: make(chan struct{})}
	unsubscribe := conn.Subscribe(p)
	defer unsubscribe()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(stream.CloseNormal, "")
			<-p.closed
			return nil
		case <-p.closed:
			return nil
		case line, ok := <-lines:
			if !ok {
				_ = conn.Close(stream.CloseNormal, "")
				<-p.closed
				return nil
			}
			if !json.Valid([]byte(line)) {
				log.Info("sending a frame that is not valid JSON")
			}
			conn.Send([]byte(line), func(err error) {
				if err != nil {
					log.Error(err, "failed to send frame")
				}
			})
		}
	}
}
