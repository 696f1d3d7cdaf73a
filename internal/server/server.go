// ============================================================================
// flowtime-anneal Search Worker Service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: gRPC service that runs annealing searches for a remote orchestrator
//
// Protocol:
//   Service anneal.v1.SearchWorker, unary method Anneal.
//   Request and reply are wrapperspb.BytesValue carrying JSON bodies
//   (worker.RemoteRequest / worker.RemoteResponse). The start and best
//   solutions inside are in the schedule exchange format, so the node never
//   trusts its caller: every start solution is fully validated on decode.
//
// Error mapping:
//   - malformed JSON, invalid instance or settings, protocol errors → InvalidArgument
//   - caller cancelled                                              → Canceled
//   - caller deadline exceeded                                      → DeadlineExceeded
//   - anything else                                                 → Internal
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/ChuLiYu/flowtime-anneal/internal/schedule"
	"github.com/ChuLiYu/flowtime-anneal/internal/worker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// SearchWorkerServer is the server API of anneal.v1.SearchWorker.
type SearchWorkerServer interface {
	Anneal(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: worker.ServiceName,
	HandlerType: (*SearchWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Anneal",
			Handler:    annealHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "anneal/v1/search_worker.proto",
}

func annealHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SearchWorkerServer).Anneal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: worker.AnnealMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SearchWorkerServer).Anneal(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// Server implements SearchWorkerServer.
type Server struct {
	log *slog.Logger

	active atomic.Int64 // searches currently running
	served atomic.Int64 // searches finished successfully
}

// NewServer creates a search-worker service. A nil logger means slog.Default().
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{log: logger}
}

// Register adds the service to a gRPC server.
func (s *Server) Register(gs grpc.ServiceRegistrar) {
	gs.RegisterService(&serviceDesc, s)
}

// Active returns the number of searches currently running.
func (s *Server) Active() int64 { return s.active.Load() }

// Served returns the number of searches finished successfully.
func (s *Server) Served() int64 { return s.served.Load() }

// Anneal runs one search with the instance, settings and seed of the request.
func (s *Server) Anneal(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var in worker.RemoteRequest
	if err := json.Unmarshal(req.GetValue(), &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request body: %v", err)
	}
	inst, err := in.Instance()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cfg, err := in.Settings.Config()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cfg.Logger = s.log
	exec, err := worker.NewLocalExecutor(inst, cfg)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	s.log.Debug("search started", "round", in.Round, "task", in.TaskID, "tasks", inst.Tasks(), "processors", inst.Processors)
	out, err := exec.Execute(ctx, worker.Task{
		ID:    in.TaskID,
		Round: in.Round,
		Seed:  in.Seed,
		Start: in.Start,
	})
	if err != nil {
		s.log.Warn("search failed", "round", in.Round, "task", in.TaskID, "error", err)
		return nil, toStatus(err)
	}
	s.served.Add(1)

	body, err := json.Marshal(worker.RemoteResponse{
		Solution:   out.Payload,
		Metric:     out.Metric,
		Iterations: out.Iterations,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	return wrapperspb.Bytes(body), nil
}

func toStatus(err error) error {
	var perr *schedule.ProtocolError
	switch {
	case errors.As(err, &perr):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Serve runs a gRPC server on lis until ctx is cancelled. Running searches
// are cancelled on shutdown.
func (s *Server) Serve(ctx context.Context, lis net.Listener, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	s.Register(gs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.log.Info("search worker listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.log.Info("search worker shutting down")
		gs.Stop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}
