// Package transport moves job command envelopes between fleet nodes over a
// single unary gRPC method. Messages travel as google.protobuf.BytesValue so
// no generated stubs are needed.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName   = "fleet.v1.Node"
	deliverMethod = "/" + ServiceName + "/Deliver"
)

// Handler answers one delivered message.
type Handler interface {
	Deliver(ctx context.Context, msg []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg []byte) ([]byte, error)

func (f HandlerFunc) Deliver(ctx context.Context, msg []byte) ([]byte, error) { return f(ctx, msg) }

// ErrBadRequest marks handler errors that are the caller's fault.
var ErrBadRequest = errors.New("transport: bad request")

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fleet/v1/node.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		out, err := srv.(Handler).Deliver(ctx, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, toStatus(err)
		}
		return wrapperspb.Bytes(out), nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	return interceptor(ctx, in, info, call)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrBadRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Server exposes a Handler on the Deliver RPC.
type Server struct {
	grpc *grpc.Server
	log  *slog.Logger
}

func NewServer(h Handler, opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, h)
	return &Server{
		grpc: gs,
		log:  slog.Default().With("component", "transport"),
	}
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("serving", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop drains in-flight calls.
func (s *Server) Stop() { s.grpc.GracefulStop() }
