package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"fitsqa/internal/pipeline"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fitsqa.v1.QualityService"

// QualityService is the server API. Requests and replies are
// google.protobuf.Struct messages.
//
// Requests carry "path" plus, per method, "max_fwhm", "fields", "types" and
// "detection". Replies are {"job": {...}, "meta": {...}, "error": "..."};
// a QA failure such as a frame without sources is reported in "error" with
// an OK status.
type QualityService interface {
	CheckFocus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CheckHeader(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Inspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// Runner executes a job synchronously.
type Runner interface {
	Wait(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// QualityServer implements QualityService on top of the job pipeline, so
// gRPC requests are logged and stored like any other job.
type QualityServer struct {
	runner Runner
	log    *slog.Logger
}

// NewQualityServer creates the service.
func NewQualityServer(runner Runner, log *slog.Logger) *QualityServer {
	if log == nil {
		log = slog.Default()
	}
	return &QualityServer{runner: runner, log: log}
}

// CheckFocus runs a focus job.
func (s *QualityServer) CheckFocus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.job(pipeline.JobFocus, req)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	if v, ok := in["max_fwhm"].(float64); ok {
		job.Options["maxFWHM"] = v
	}
	if v, ok := in["detection"].(map[string]any); ok {
		job.Options["detection"] = v
	}
	return s.run(ctx, job)
}

// CheckHeader runs a header job.
func (s *QualityServer) CheckHeader(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.job(pipeline.JobHeader, req)
	if err != nil {
		return nil, err
	}
	in := req.AsMap()
	for _, key := range []string{"fields", "types", "verbose"} {
		if v, ok := in[key]; ok {
			job.Options[key] = v
		}
	}
	return s.run(ctx, job)
}

// Inspect runs an integrity check.
func (s *QualityServer) Inspect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	job, err := s.job(pipeline.JobInspect, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, job)
}

func (s *QualityServer) job(t pipeline.JobType, req *structpb.Struct) (pipeline.Job, error) {
	path := req.GetFields()["path"].GetStringValue()
	if path == "" {
		return pipeline.Job{}, status.Error(codes.InvalidArgument, "path is required")
	}
	return pipeline.Job{
		ID:        uuid.NewString(),
		Type:      t,
		InputPath: path,
		Options:   map[string]any{"source": "grpc"},
	}, nil
}

func (s *QualityServer) run(ctx context.Context, job pipeline.Job) (*structpb.Struct, error) {
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "source", "grpc")
	res, err := s.runner.Wait(ctx, job)
	switch {
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return nil, status.Error(codes.Unavailable, err.Error())
	case err != nil:
		return nil, status.FromContextError(err).Err()
	}
	return resultStruct(res)
}

// resultStruct converts a Result through its JSON form, which flattens
// typed slices and maps and drops non-finite numbers.
func resultStruct(res pipeline.Result) (*structpb.Struct, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return out, nil
}

func unaryHandler(call func(QualityService, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(QualityService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(QualityService), ctx, req.(*structpb.Struct))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QualityService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckFocus", Handler: unaryHandler(QualityService.CheckFocus, "CheckFocus")},
		{MethodName: "CheckHeader", Handler: unaryHandler(QualityService.CheckHeader, "CheckHeader")},
		{MethodName: "Inspect", Handler: unaryHandler(QualityService.Inspect, "Inspect")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fitsqa/v1/quality.proto",
}

// RegisterWithServer registers the service on a grpc.Server.
func (s *QualityServer) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// Start serves on addr until ctx is cancelled.
func (s *QualityServer) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listen)
}

// Serve serves on lis until ctx is cancelled.
func (s *QualityServer) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String(), "service", ServiceName)
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
