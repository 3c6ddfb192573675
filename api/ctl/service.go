// Package ctl exposes the runtime control surface over gRPC. The
// service is descriptor-driven with google.protobuf.Struct messages,
// so any stock gRPC client can drive it without generated stubs.
package ctl

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ControlServer is the server-side contract of fenrir.Control.
type ControlServer interface {
	SubmitWork(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DrainWorker(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartGracePeriod(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes fenrir.Control. All methods are unary and
// carry google.protobuf.Struct both ways.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fenrir.Control",
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitWork", Handler: submitWorkHandler},
		{MethodName: "DrainWorker", Handler: drainWorkerHandler},
		{MethodName: "StartGracePeriod", Handler: startGracePeriodHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Metadata: "fenrir/control.proto",
}

// Register attaches a ControlServer to a gRPC registrar.
func Register(r grpc.ServiceRegistrar, srv ControlServer) {
	r.RegisterService(&ServiceDesc, srv)
}

func unary(
	name string,
	call func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	full := "/fenrir.Control/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	submitWorkHandler       = unary("SubmitWork", ControlServer.SubmitWork)
	drainWorkerHandler      = unary("DrainWorker", ControlServer.DrainWorker)
	startGracePeriodHandler = unary("StartGracePeriod", ControlServer.StartGracePeriod)
	statsHandler            = unary("Stats", ControlServer.Stats)
)
