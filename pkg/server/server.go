// Package server exposes the executor as a gRPC service.
//
// The service is described by hand rather than generated from a .proto
// file, and its messages travel as CBOR (content subtype "cbor"). Program
// faults are ordinary results; RPC errors are reserved for requests that
// could not run.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/ebpfvm/pkg/executor"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ebpfvm.Executor"

// Default configuration values.
const (
	DefaultListen           = "127.0.0.1:7878"
	DefaultMaxMessageSize   = 16 * 1024 * 1024
	DefaultKeepaliveTime    = 30 * time.Second
	DefaultKeepaliveTimeout = 10 * time.Second
)

// Config holds server and client connection options.
type Config struct {
	// Listen is the TCP address to serve on, or to dial from a client.
	Listen string

	// MaxMessageSize bounds request and response sizes.
	MaxMessageSize int

	// KeepaliveTime is the interval between keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is how long to wait for a ping ack.
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Listen:           DefaultListen,
		MaxMessageSize:   DefaultMaxMessageSize,
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = def.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = def.KeepaliveTimeout
	}
	return c
}

// ExecutorServer is the server API of the service.
type ExecutorServer interface {
	Upload(context.Context, *UploadRequest) (*UploadResponse, error)
	Run(context.Context, *RunRequest) (*RunResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// Server serves the executor over gRPC.
type Server struct {
	exec   *executor.Executor
	store  progstore.Store
	config Config
	log    commonlog.Logger
	grpc   *grpc.Server
}

// New creates a server. store may be nil, in which case only inline images
// can be run.
func New(exec *executor.Executor, store progstore.Store, config Config) *Server {
	config = config.withDefaults()
	s := &Server{
		exec:   exec,
		store:  store,
		config: config,
		log:    commonlog.GetLogger("ebpfvm.server"),
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxMessageSize),
		grpc.MaxSendMsgSize(config.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    config.KeepaliveTime,
			Timeout: config.KeepaliveTimeout,
		}),
		grpc.ChainUnaryInterceptor(s.logCalls),
	)
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Listen serves on the configured TCP address until the server stops.
func (s *Server) Listen() error {
	lis, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(lis)
}

// Serve serves on lis until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Noticef("serving %s on %s", ServiceName, lis.Addr())
	return s.grpc.Serve(lis)
}

// GracefulStop stops accepting calls and waits for running ones.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Infof("%s failed after %s: %s", info.FullMethod, time.Since(start), err)
	} else {
		s.log.Debugf("%s ok in %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}

// Upload stores a program.
func (s *Server) Upload(_ context.Context, req *UploadRequest) (*UploadResponse, error) {
	if len(req.Image) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty image")
	}
	id, err := s.exec.Upload(req.Name, req.Image)
	if err != nil {
		return nil, toStatus(err)
	}
	return &UploadResponse{ProgramID: id.String()}, nil
}

// Run executes a program.
func (s *Server) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	xreq := executor.Request{
		Image:        req.Image,
		Memory:       req.Memory,
		MemorySize:   int(req.MemorySize),
		StackSize:    int(req.StackSize),
		ComputeLimit: req.ComputeLimit,
		Timeout:      time.Duration(req.TimeoutMillis) * time.Millisecond,
		UseFixture:   req.UseFixture,
		ReturnMemory: req.ReturnMemory,
	}
	if req.Program != "" {
		id, err := s.resolve(req.Program)
		if err != nil {
			return nil, toStatus(err)
		}
		xreq.ProgramID = id
		xreq.Image = nil
	}

	res, err := s.exec.Execute(ctx, xreq)
	if err != nil {
		return nil, toStatus(err)
	}
	return runResponse(res), nil
}

// History lists journal records.
func (s *Server) History(_ context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	var id progstore.ProgramID
	if req.Program != "" {
		var err error
		if id, err = s.resolve(req.Program); err != nil {
			// Inline images are journaled but never stored.
			if id, err = progstore.ParseProgramID(req.Program); err != nil {
				return nil, toStatus(err)
			}
		}
	}
	recs, err := s.exec.History(id, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &HistoryResponse{Records: recs}, nil
}

// List lists stored programs.
func (s *Server) List(_ context.Context, _ *ListRequest) (*ListResponse, error) {
	if s.store == nil {
		return nil, toStatus(executor.ErrNoStore)
	}
	metas, err := s.store.List()
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListResponse{Programs: metas}, nil
}

func (s *Server) resolve(nameOrID string) (progstore.ProgramID, error) {
	if s.store == nil {
		return progstore.ProgramID{}, executor.ErrNoStore
	}
	return s.store.Resolve(nameOrID)
}

// toStatus maps an error to a gRPC status.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, progstore.ErrProgramNotFound):
		code = codes.NotFound
	case errors.Is(err, progstore.ErrInvalidID),
		errors.Is(err, executor.ErrNoProgram),
		errors.Is(err, executor.ErrProgramLoadFailed),
		errors.Is(err, executor.ErrMemoryTooLarge),
		errors.Is(err, executor.ErrStackTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, executor.ErrNoStore):
		code = codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		if _, ok := vm.AsFault(err); ok {
			code = codes.InvalidArgument
		}
	}
	return status.Error(code, err.Error())
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Upload", Handler: uploadHandler},
		{MethodName: "Run", Handler: runHandler},
		{MethodName: "History", Handler: historyHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ebpfvm/executor",
}

func uploadHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UploadRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Upload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Upload"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).Upload(ctx, req.(*UploadRequest))
	})
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Run"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).Run(ctx, req.(*RunRequest))
	})
}

func historyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HistoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).History(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/History"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).History(ctx, req.(*HistoryRequest))
	})
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/List"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExecutorServer).List(ctx, req.(*ListRequest))
	})
}

var _ ExecutorServer = (*Server)(nil)
