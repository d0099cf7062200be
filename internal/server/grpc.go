package server

import (
	"VaultLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the gRPC services and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

// ServerDeps holds everything the services need.
type ServerDeps struct {
	Lending       LendingServer
	Admin         AdminServer
	HealthChecker *observability.HealthChecker
	Auth          *Authenticator // nil disables bearer auth
	Logger        zerolog.Logger
}

// NewGRPCServer registers both services, gRPC health and reflection, and
// builds the HTTP router around the gateway.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	var opts []grpc.ServerOption
	if deps.Auth != nil {
		opts = append(opts, grpc.ChainUnaryInterceptor(deps.Auth.UnaryInterceptor()))
	}
	grpcServer := grpc.NewServer(opts...)

	RegisterLendingServer(grpcServer, deps.Lending)
	RegisterAdminServer(grpcServer, deps.Admin)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gateway, err := NewGateway(deps.Lending, deps.Admin)
	if err != nil {
		return nil, fmt.Errorf("register gateway routes: %w", err)
	}

	return &GRPCServer{
		grpcServer: grpcServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           NewRouter(gateway, deps.HealthChecker, deps.Auth),
			ReadHeaderTimeout: 5 * time.Second,
		},
		health:   healthServer,
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		logger:   deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(LendingServiceName, st)
}

// StartGRPC serves gRPC until ctx is cancelled (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener. Tests pass a bufconn listener.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP/JSON gateway until ctx is cancelled (blocking).
func (s *GRPCServer) StartHTTP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the HTTP router.
func (s *GRPCServer) Handler() http.Handler {
	return s.httpServer.Handler
}
