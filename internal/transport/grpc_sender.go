package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var ErrSenderClosed = errors.New("transport: sender closed")

// GrpcSender delivers messages to peer nodes over the Deliver RPC. It
// satisfies balancer.Sender.
type GrpcSender struct {
	mu       sync.Mutex
	peers    map[string]string           // node name -> address
	conns    map[string]*grpc.ClientConn // address -> connection
	dialOpts []grpc.DialOption
	closed   bool
}

// NewGrpcSender resolves node names through peers. A name with no entry is
// dialled as an address.
func NewGrpcSender(peers map[string]string, opts ...grpc.DialOption) *GrpcSender {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	p := make(map[string]string, len(peers))
	for k, v := range peers {
		p[k] = v
	}
	return &GrpcSender{
		peers:    p,
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
	}
}

// getConn returns a cached client connection for node, creating it on first use.
func (s *GrpcSender) getConn(node string) (*grpc.ClientConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSenderClosed
	}
	addr := node
	if a, ok := s.peers[node]; ok {
		addr = a
	}
	if conn, ok := s.conns[addr]; ok {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, s.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s (%s): %w", node, addr, err)
	}
	s.conns[addr] = conn
	return conn, nil
}

// Send performs one Deliver call bounded by timeout.
func (s *GrpcSender) Send(ctx context.Context, node string, msg []byte, timeout time.Duration) ([]byte, error) {
	conn, err := s.getConn(node)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes(msg), out); err != nil {
		return nil, fmt.Errorf("transport: deliver to %s: %w", node, err)
	}
	return out.GetValue(), nil
}

// Close tears down every cached connection.
func (s *GrpcSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var errs []error
	for addr, conn := range s.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: close %s: %w", addr, err))
		}
		delete(s.conns, addr)
	}
	return errors.Join(errs...)
}
