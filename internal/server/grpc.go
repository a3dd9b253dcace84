package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"AutoVault/internal/core"
	"AutoVault/internal/market"
	"AutoVault/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP gateway in front of it.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
}

// ServerDeps holds everything VaultService needs.
type ServerDeps struct {
	Engine   *core.Engine
	Fetcher  *market.Fetcher
	Log      LogReader
	Snapshot func(ctx context.Context) error

	Auth          *Authenticator
	Limiter       *RateLimiter
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	HealthChecker *observability.HealthChecker
}

// NewGRPCServer creates a gRPC server with VaultService, health and
// reflection registered. Interceptors run observe, auth, rate limit.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			observeUnary(deps.Metrics, deps.Logger),
			deps.Auth.UnaryInterceptor(),
			deps.Limiter.UnaryInterceptor(),
		),
	)

	RegisterVaultServiceServer(grpcServer, NewVaultService(deps.Engine, deps.Fetcher, deps.Log, deps.Snapshot))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
	}
}

// Serve accepts connections on lis until the server stops.
func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Stop shuts the server down immediately.
func (s *GRPCServer) Stop() {
	s.grpcServer.Stop()
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking). It dials the
// gRPC server as a client.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	conn, err := grpc.NewClient(s.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial grpc for gateway: %w", err)
	}
	defer conn.Close()

	handler, err := NewHTTPHandler(conn, s.healthChecker)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s (proxying to gRPC %s)", s.httpAddr, s.grpcAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// NewHTTPHandler mounts the health endpoints next to the gateway routes.
func NewHTTPHandler(cc grpc.ClientConnInterface, healthChecker *observability.HealthChecker) (http.Handler, error) {
	gateway, err := NewGatewayMux(cc)
	if err != nil {
		return nil, fmt.Errorf("register gateway: %w", err)
	}

	httpMux := http.NewServeMux()
	if healthChecker != nil {
		httpMux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", gateway)
	return httpMux, nil
}

func observeUnary(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		start := time.Now()
		defer func() {
			method := shortMethod(info.FullMethod)
			code := status.Code(err)
			if metrics != nil {
				metrics.QueryRequests.WithLabelValues(method, code.String()).Inc()
				metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
				if code != codes.OK {
					metrics.QueryErrors.WithLabelValues(method, code.String()).Inc()
				}
			}

			ev := logger.Debug()
			if code == codes.Internal || code == codes.Unknown {
				ev = logger.Error().Err(err)
			}
			ev.Str("method", method).Str("code", code.String()).Dur("took", time.Since(start)).Msg("grpc unary")
		}()
		return handler(ctx, req)
	}
}
