package lobby

import (
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/qiminjie89/gamelobby/pkg/logger"
)

// HealthService gRPC health 中的服务名
const HealthService = "lobby"

// startHealthServer 启动 gRPC health 探针
func (s *Server) startHealthServer(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    10 * time.Second, // ping 间隔
			Timeout: 3 * time.Second,  // ping 超时
		}),
	)
	s.healthAddr = lis.Addr()
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)

	logger.Info("starting health server", zap.String("addr", lis.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logger.Error("health server error", zap.Error(err))
		}
	}()
	return nil
}

// HealthAddr health 探针实际监听地址，未启用时为 nil
func (s *Server) HealthAddr() net.Addr { return s.healthAddr }

// stopHealthServer 先置为 NOT_SERVING 再停止
func (s *Server) stopHealthServer() {
	if s.health == nil {
		return
	}
	s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.Shutdown()
	s.grpcServer.Stop()
}
