package main

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const serviceName = "geostream"

// healthServer 标准 gRPC 健康检查，引擎运行期间为 SERVING
type healthServer struct {
	lis    net.Listener
	server *grpc.Server
	health *health.Server
}

func newHealthServer(addr string) (*healthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	hs := health.NewServer()
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &healthServer{lis: lis, server: s, health: hs}, nil
}

func (h *healthServer) Addr() string { return h.lis.Addr().String() }

func (h *healthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(serviceName, status)
}

// Serve 阻塞直到 ctx 结束，随后优雅停止
func (h *healthServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.server.Serve(h.lis) }()
	select {
	case <-ctx.Done():
		h.health.Shutdown()
		h.server.GracefulStop()
		return <-errCh
	case err := <-errCh:
		return err
	}
}
