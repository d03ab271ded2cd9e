package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/observability/tracing"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

// ServiceName is the gRPC service the admin API is registered under.
const ServiceName = "filechain.v1.Admin"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// wire messages for calls whose Admin signature has no single struct
type empty struct{}
type revokeRequest struct {
    ID uint64 `json:"id"`
}
type grantsRequest struct {
    User string `json:"user"`
}
type pathResponse struct {
    Path string `json:"path"`
}
type list[T any] struct {
    Items []T `json:"items"`
}

// adminServer is the handler type of the service descriptor.
type adminServer interface{ target() transport.Admin }

type adminService struct{ admin transport.Admin }

func (a *adminService) target() transport.Admin { return a.admin }

// unary builds the descriptor of one method. Errors are returned as gRPC
// statuses carrying their transport kind.
func unary[Req, Resp any](method string, call func(a transport.Admin, ctx context.Context, in *Req) (Resp, error)) grpc.MethodDesc {
    return grpc.MethodDesc{
        MethodName: method,
        Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
            in := new(Req)
            if err := dec(in); err != nil { return nil, err }
            handler := func(ctx context.Context, req interface{}) (interface{}, error) {
                ctx, end := tracing.StartSpan(ctx, "grpc."+method)
                defer end()
                out, err := call(srv.(adminServer).target(), ctx, req.(*Req))
                if err != nil {
                    tracing.Fail(ctx, err)
                    return nil, toStatus(err)
                }
                return &out, nil
            }
            if interceptor == nil { return handler(ctx, in) }
            info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
            return interceptor(ctx, in, info, handler)
        },
    }
}

// noResult adapts an Admin call that only returns an error.
func noResult[Req any](fn func(a transport.Admin, ctx context.Context, in *Req) error) func(transport.Admin, context.Context, *Req) (empty, error) {
    return func(a transport.Admin, ctx context.Context, in *Req) (empty, error) { return empty{}, fn(a, ctx, in) }
}

func items[T any](v []T, err error) (list[T], error) { return list[T]{Items: v}, err }

var adminServiceDesc = grpc.ServiceDesc{
    ServiceName: ServiceName,
    HandlerType: (*adminServer)(nil),
    Methods: []grpc.MethodDesc{
        unary("Status", func(a transport.Admin, ctx context.Context, _ *empty) (transport.NodeStatus, error) { return a.Status(ctx) }),
        unary("OpenTransport", noResult(func(a transport.Admin, ctx context.Context, in *store.Channel) error { return a.OpenTransport(ctx, *in) })),
        unary("CloseTransport", noResult(func(a transport.Admin, ctx context.Context, in *transport.ChannelKey) error { return a.CloseTransport(ctx, *in) })),
        unary("ListTransports", func(a transport.Admin, ctx context.Context, in *transport.GroupQuery) (list[store.Channel], error) {
            return items[store.Channel](a.ListTransports(ctx, *in))
        }),
        unary("PrepareUpload", func(a transport.Admin, ctx context.Context, in *upload.PrepareRequest) (transport.PrepareResponse, error) {
            up, err := a.PrepareUpload(ctx, *in)
            return transport.PrepareResponse{Uploaded: up}, err
        }),
        unary("UploadChunk", noResult(func(a transport.Admin, ctx context.Context, in *transport.ChunkRequest) error { return a.UploadChunk(ctx, *in) })),
        unary("ListUploads", func(a transport.Admin, ctx context.Context, _ *empty) (list[upload.Session], error) { return items[upload.Session](a.ListUploads(ctx)) }),
        unary("UploadStatus", func(a transport.Admin, ctx context.Context, in *transport.TopicQuery) (list[store.TransportStatus], error) {
            return items[store.TransportStatus](a.UploadStatus(ctx, *in))
        }),
        unary("DownloadStatus", func(a transport.Admin, ctx context.Context, in *transport.TopicQuery) (list[transport.DownloadStatus], error) {
            return items[transport.DownloadStatus](a.DownloadStatus(ctx, *in))
        }),
        unary("ListFiles", func(a transport.Admin, ctx context.Context, in *transport.TopicQuery) (list[broker.FileInfo], error) {
            return items[broker.FileInfo](a.ListFiles(ctx, *in))
        }),
        unary("CheckUpload", noResult(func(a transport.Admin, ctx context.Context, in *transport.FileQuery) error { return a.CheckUpload(ctx, *in) })),
        unary("DownloadPath", func(a transport.Admin, ctx context.Context, in *transport.FileQuery) (pathResponse, error) {
            p, err := a.DownloadPath(ctx, *in)
            return pathResponse{Path: p}, err
        }),
        unary("Subscribers", func(a transport.Admin, ctx context.Context, in *transport.TopicQuery) (list[string], error) {
            return items[string](a.Subscribers(ctx, *in))
        }),
        unary("GenerateKeys", func(a transport.Admin, ctx context.Context, in *transport.KeyRequest) (keys.Pair, error) { return a.GenerateKeys(ctx, *in) }),
        unary("GrantTopic", func(a transport.Admin, ctx context.Context, in *store.TopicAuth) (store.TopicAuth, error) { return a.GrantTopic(ctx, *in) }),
        unary("RevokeTopic", noResult(func(a transport.Admin, ctx context.Context, in *revokeRequest) error { return a.RevokeTopic(ctx, in.ID) })),
        unary("TopicGrants", func(a transport.Admin, ctx context.Context, in *grantsRequest) (list[store.TopicAuth], error) {
            return items[store.TopicAuth](a.TopicGrants(ctx, in.User))
        }),
        unary("Deploy", func(a transport.Admin, ctx context.Context, _ *empty) (transport.DeployResponse, error) { return a.Deploy(ctx) }),
        unary("LedgerJoin", func(a transport.Admin, ctx context.Context, in *transport.JoinRequest) (transport.JoinResponse, error) {
            return a.LedgerJoin(ctx, *in)
        }),
        unary("LedgerLeave", func(a transport.Admin, ctx context.Context, in *transport.LeaveRequest) (transport.LeaveResponse, error) {
            return a.LedgerLeave(ctx, *in)
        }),
    },
}

func toStatus(err error) error {
    code := codes.Unknown
    switch transport.Kind(err) {
    case transport.ErrInvalid:
        code = codes.InvalidArgument
    case transport.ErrNotFound:
        code = codes.NotFound
    case transport.ErrConflict:
        code = codes.AlreadyExists
    case transport.ErrNotLeader:
        code = codes.FailedPrecondition
    default:
        if errors.Is(err, context.DeadlineExceeded) { code = codes.DeadlineExceeded }
        if errors.Is(err, context.Canceled) { code = codes.Canceled }
    }
    return status.Error(code, err.Error())
}

// recoverUnary turns a handler panic into an Internal status.
func recoverUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
    defer func() {
        if r := recover(); r != nil {
            err = status.Errorf(codes.Internal, "%s: panic: %v", info.FullMethod, r)
        }
    }()
    return handler(ctx, req)
}

// Start listens on the bind address and serves admin until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context, admin transport.Admin) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    opts = append(opts, grpc.MaxRecvMsgSize(maxMsgSize), grpc.MaxSendMsgSize(maxMsgSize))
    opts = append(opts, grpc.ChainUnaryInterceptor(recoverUnary))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    healthSrv := health.NewServer()
    healthSrv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&adminServiceDesc, &adminService{admin: admin})

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2 * time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
    if s.lis != nil { return s.lis.Addr().String() }
    return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
