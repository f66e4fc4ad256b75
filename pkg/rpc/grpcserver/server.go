// Package grpcserver is the gRPC-backed request server. Each namespace is
// exposed as its own gRPC service, with one unary method per registered
// function; payloads travel as opaque bytes so any argument serialization can
// ride on top.
package grpcserver

import (
	"context"
	"fmt"
	"net"
	"sync"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthgrpc "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/slacker-rpc/slacker-go/pkg/rpc"
)

// Handler executes one function call. arg is the raw request payload; the
// returned bytes become the raw response payload.
type Handler func(ctx context.Context, arg []byte) ([]byte, error)

// Function is one callable unit registered under a namespace.
type Function struct {
	Name       string
	Doc        string
	ParamLists [][]string
	Handler    Handler
}

// Server implements rpc.RequestServer over gRPC.
type Server struct {
	log *logrus.Entry

	mu       sync.Mutex
	registry map[string]map[string]Function
}

var _ rpc.RequestServer = (*Server)(nil)

func NewServer() *Server {
	return &Server{
		log:      logrus.StandardLogger().WithField("type", "rpc/grpcserver"),
		registry: make(map[string]map[string]Function),
	}
}

// Register adds functions under a namespace. Must be called before Start;
// registering the same name twice keeps the last registration.
func (s *Server) Register(namespace string, fns ...Function) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.registry[namespace]
	if m == nil {
		m = make(map[string]Function)
		s.registry[namespace] = m
	}
	for _, fn := range fns {
		m[fn.Name] = fn
	}
}

// Introspect returns the metadata of every function registered under a
// namespace.
func (s *Server) Introspect(namespace string) map[string]rpc.FunctionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]rpc.FunctionMetadata)
	for name, fn := range s.registry[namespace] {
		out[name] = rpc.FunctionMetadata{
			Name:       name,
			Doc:        fn.Doc,
			ParamLists: fn.ParamLists,
		}
	}
	return out
}

// Handle is a running server instance.
type Handle struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// Addr returns the bound listen address, useful when the server was started
// on port 0.
func (h *Handle) Addr() string {
	return h.listener.Addr().String()
}

// Start binds the port and begins serving the given namespaces. Only
// functions in namespaces listed here are reachable, regardless of what was
// registered.
func (s *Server) Start(_ context.Context, namespaces []string, port int) (rpc.Handle, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on port %d", port)
	}

	serv := grpc.NewServer(
		grpc.ForceServerCodec(rawCodec{}),
		grpc_middleware.WithUnaryServerChain(
			grpc_logrus.UnaryServerInterceptor(s.log),
			grpc_recovery.UnaryServerInterceptor(),
		),
	)

	s.mu.Lock()
	for _, ns := range namespaces {
		serv.RegisterService(s.serviceDescLocked(ns), nil)
	}
	s.mu.Unlock()

	healthgrpc.RegisterHealthServer(serv, health.NewServer())

	go func() {
		if err := serv.Serve(listener); err != nil {
			s.log.WithError(err).Error("grpc serve stopped")
		}
	}()

	s.log.WithFields(logrus.Fields{
		"address":    listener.Addr().String(),
		"namespaces": namespaces,
	}).Info("Request server started")

	return &Handle{grpcServer: serv, listener: listener}, nil
}

// Stop drains in-flight requests and stops the server.
func (s *Server) Stop(handle rpc.Handle) error {
	h, ok := handle.(*Handle)
	if !ok {
		return errors.Errorf("unexpected handle type %T", handle)
	}

	h.grpcServer.GracefulStop()
	s.log.Info("Request server stopped")
	return nil
}

// serviceDescLocked builds the dynamic gRPC service for one namespace: the
// namespace is the service name, and every registered function becomes a
// unary method.
func (s *Server) serviceDescLocked(namespace string) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: namespace,
		HandlerType: (*interface{})(nil),
	}

	for name, fn := range s.registry[namespace] {
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: name,
			Handler:    methodHandler(namespace, fn),
		})
	}

	return desc
}

func methodHandler(namespace string, fn Function) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	invoke := func(ctx context.Context, req interface{}) (interface{}, error) {
		return fn.Handler(ctx, *(req.(*[]byte)))
	}

	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new([]byte)
		if err := dec(in); err != nil {
			return nil, err
		}

		if interceptor == nil {
			return invoke(ctx, in)
		}

		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fmt.Sprintf("/%s/%s", namespace, fn.Name),
		}
		return interceptor(ctx, in, info, invoke)
	}
}
