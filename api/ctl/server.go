package ctl

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"fenrir/rcu"
	"fenrir/sched"
	"fenrir/service"
)

// Server implements fenrir.Control over a runtime.
type Server struct {
	rt  *service.Runtime
	log *zap.Logger
}

func NewServer(rt *service.Runtime, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{rt: rt, log: log}
}

// Serve registers the service and blocks on the listener until the
// context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	gs := grpc.NewServer()
	Register(gs, s)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			gs.GracefulStop()
		case <-done:
		}
	}()
	s.log.Info("control listening", zap.String("addr", addr))
	err = gs.Serve(lis)
	close(done)
	return err
}

func numField(in *structpb.Struct, name string) (float64, bool) {
	if in == nil || in.Fields == nil {
		return 0, false
	}
	v, ok := in.Fields[name]
	if !ok {
		return 0, false
	}
	nv, ok := v.Kind.(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return nv.NumberValue, true
}

func respond(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// SubmitWork expects {id, priority?, affinity?, cost?} and returns the
// worker chosen for the item.
func (s *Server) SubmitWork(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, ok := numField(in, "id")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing field: id")
	}
	item := sched.WorkItem{ID: uint64(id), Affinity: sched.NoAffinity}
	if v, ok := numField(in, "priority"); ok {
		item.Priority = int32(v)
	}
	if v, ok := numField(in, "affinity"); ok {
		item.Affinity = int32(v)
	}
	if v, ok := numField(in, "cost"); ok {
		item.Cost = uint64(v)
	}

	workerID, ok := s.rt.SubmitWork(item)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "no worker can accept the item")
	}
	return respond(map[string]any{"worker": workerID})
}

// DrainWorker expects {worker} and returns how many queued items were
// handed back.
func (s *Server) DrainWorker(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, ok := numField(in, "worker")
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing field: worker")
	}
	items, ok := s.rt.DrainWorker(uint64(id))
	if !ok {
		return nil, status.Errorf(codes.NotFound, "worker %d not registered", uint64(id))
	}
	return respond(map[string]any{"drained": len(items)})
}

// StartGracePeriod expects {flavor?} (defaulting to preempt) and
// returns the grace-period ID.
func (s *Server) StartGracePeriod(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	flavor := rcu.FlavorPreempt
	if v, ok := numField(in, "flavor"); ok {
		flavor = rcu.Flavor(v)
	}
	id, ok := s.rt.StartGracePeriod(flavor)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "a grace period is already in flight")
	}
	return respond(map[string]any{"grace_period": id})
}

// Stats returns the cross-subsystem snapshot.
func (s *Server) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(s.rt.Snapshot())
}
