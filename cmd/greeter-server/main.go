// Command greeter-server runs an example wsbridge server exposing the
// greeter.Greeter service: a unary SayHello call, a bidi-capable
// StreamGreet echo, and a server-streaming InfiniteTicker used to
// exercise cancellation and keepalive in the example client.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/nggorpc/wsbridge"
	pb "github.com/nggorpc/wsbridge/generated"
)

type greeterServer struct {
	pb.UnimplementedGreeterServer
	log *zap.SugaredLogger
}

func (s *greeterServer) SayHello(ctx context.Context, req *pb.HelloRequest) (*pb.HelloResponse, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if tok := md.Get("authorization"); len(tok) > 0 {
			s.log.Debugw("SayHello authorization header", "value", tok[0])
		}
	}
	return &pb.HelloResponse{Message: "Hello, " + req.GetName() + "!"}, nil
}

func (s *greeterServer) StreamGreet(stream pb.Greeter_StreamGreetServer) error {
	for {
		req, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := stream.Send(&pb.HelloResponse{Message: "Echo: " + req.GetName()}); err != nil {
			return err
		}
	}
}

func (s *greeterServer) InfiniteTicker(_ *pb.Empty, stream pb.Greeter_InfiniteTickerServer) error {
	var count int64
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case now := <-ticker.C:
			count++
			if err := stream.Send(&pb.Tick{Count: count, Timestamp: now.Unix()}); err != nil {
				return err
			}
		}
	}
}

func main() {
	var (
		addr            string
		maxPayloadBytes int
		idleTimeout     time.Duration
		enableLogging   bool
		logFile         string
	)

	cmd := &cobra.Command{
		Use:   "greeter-server",
		Short: "Run the example greeter.Greeter service over a wsbridge WebSocket transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			var log *zap.SugaredLogger
			if logFile != "" {
				log = wsbridge.NewFileLogger(wsbridge.FileLoggerOption{
					Filename:   logFile,
					MaxSizeMB:  50,
					MaxBackups: 3,
					MaxAgeDays: 14,
				})
			} else {
				log = wsbridge.NewLogger(enableLogging)
			}
			defer log.Sync()

			server := wsbridge.NewServer(wsbridge.ServerOption{
				InsecureSkipOriginCheck: true,
				MaxPayloadSize:          uint32(maxPayloadBytes),
				IdleTimeout:             idleTimeout,
				EnableLogging:           enableLogging,
			})
			pb.RegisterGreeterServer(server, &greeterServer{log: log})

			httpServer := &http.Server{
				Addr:    addr,
				Handler: http.HandlerFunc(server.HandleWebSocket),
			}

			errCh := make(chan error, 1)
			go func() {
				log.Infow("listening", "addr", addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return errors.Wrap(err, "http server failed")
			case <-sigCh:
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warnw("bridge shutdown reported errors", "error", err)
			}
			return httpServer.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&maxPayloadBytes, "max-payload-bytes", 4*1024*1024, "maximum frame payload size in bytes")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 5*time.Minute, "idle stream timeout")
	cmd.Flags().BoolVar(&enableLogging, "verbose", false, "enable structured trace logging")
	cmd.Flags().StringVar(&logFile, "log-file", "", "write rotating JSON logs to this file instead of stdout")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
