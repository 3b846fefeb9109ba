package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/matheus3301/convsync/internal/remote"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server manages the gRPC server lifecycle for a workspace daemon.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the workspace's Unix domain socket.
func NewServer(p Params, logger *zap.Logger, svc *remote.Service) (*Server, error) {
	socketPath := p.socketPath()

	// Clean stale socket if it exists; the workspace lock is already held.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logCalls(logger)))
	remote.RegisterTableStoreServer(srv, svc)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// SocketPath returns the path clients dial.
func (s *Server) SocketPath() string { return s.socketPath }

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls and removes the socket file. Open Watch
// streams never finish on their own, so they are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("gRPC server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}

// logCalls records table calls at debug. Failures other than conflicts and
// missing rows, which callers expect, go to warn.
func logCalls(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		switch status.Code(err) {
		case codes.OK, codes.AlreadyExists, codes.NotFound:
			logger.Debug("table call", append(fields, zap.Error(err))...)
		default:
			logger.Warn("table call failed", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}
