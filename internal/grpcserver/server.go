package grpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// PipelineService is the health service name reported for the job pipeline.
const PipelineService = "astrostack.Pipeline"

const maxMsgSize = 16 * 1024 * 1024 // 16MB

// Server hosts the gRPC health and reflection services so orchestrators can
// check a running astrostack instance.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

func New(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus(PipelineService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{grpc: gs, health: hs, log: log}
}

// SetServing flips the status of the pipeline service and the overall server.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(PipelineService, status)
	s.health.SetServingStatus("", status)
}

// Serve accepts connections on lis until ctx is cancelled. Health is marked
// serving while the listener is open.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.SetServing(true)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	return s.Serve(ctx, lis)
}
