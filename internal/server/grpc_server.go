package server

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported to gRPC health checks.
const ServiceName = "crypto_payment.PaymentService"

// GRPCServer exposes the standard health service so orchestrators can check
// the process. It carries no payment RPCs.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	logger *zap.Logger
	addr   string
}

func NewGRPCServer(addr string, logger *zap.Logger) *GRPCServer {
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	// Register reflection service (for grpcurl, Postman, etc.)
	reflection.Register(s)

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{server: s, health: hs, logger: logger, addr: addr}
}

// SetServing flips the overall and per-service health status.
func (s *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the server stops.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server")
	s.health.Shutdown()
	s.server.GracefulStop()
}
