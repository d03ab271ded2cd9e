package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/credentials/insecure"
    "google.golang.org/grpc/keepalive"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-filechain/pkg/broker"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

// maxMsgSize fits a 64 MiB chunk after base64 encoding.
const maxMsgSize = 96 << 20

// idleTTL closes a connection no call has used for that long.
const idleTTL = 30 * time.Second

var errClientClosed = errors.New("grpc: client closed")

// Client calls the admin service of one node over a cached connection.
type Client struct {
    addr    string
    timeout time.Duration
    tlsCfg  *tls.Config
    conns   connCache
}

var _ transport.Admin = (*Client)(nil)

func NewClient(addr string, timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    return &Client{addr: addr, timeout: timeout, conns: connCache{ttl: idleTTL}}
}

// UseTLS sets TLS config for the client. The next call dials anew when a
// connection with other credentials is cached.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

// Close drops the cached connection; calls in flight finish first.
func (c *Client) Close() { c.conns.close() }

// identity keys the cache by target and credentials.
func (c *Client) identity() string {
    if c.tlsCfg == nil { return c.addr + "|plain" }
    return fmt.Sprintf("%s|tls:%p:%s", c.addr, c.tlsCfg, c.tlsCfg.ServerName)
}

func (c *Client) dial(ctx context.Context) (*grpc.ClientConn, error) {
    // Use JSON codec and set content subtype accordingly.
    opts := []grpc.DialOption{
        grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json"),
            grpc.MaxCallRecvMsgSize(maxMsgSize), grpc.MaxCallSendMsgSize(maxMsgSize)),
        grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
        grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
        grpc.WithBlock(),
    }
    if c.tlsCfg != nil {
        opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
    } else {
        opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
    return grpc.DialContext(ctx, c.addr, opts...)
}

// cachedConn is a connection plus the calls holding it. A retired
// connection closes when its last holder releases it.
type cachedConn struct {
    cc      *grpc.ClientConn
    key     string
    refs    int
    retired bool
    idle    *time.Timer
}

// connCache keeps at most one live connection.
type connCache struct {
    mu     sync.Mutex
    ttl    time.Duration
    cur    *cachedConn
    closed bool
}

func (p *connCache) get(ctx context.Context, key string, dial func(context.Context) (*grpc.ClientConn, error)) (*cachedConn, error) {
    p.mu.Lock()
    if p.closed {
        p.mu.Unlock()
        return nil, errClientClosed
    }
    if cur := p.cur; cur != nil {
        if cur.key == key {
            p.holdLocked(cur)
            p.mu.Unlock()
            obsmetrics.GRPCConnReuse.Inc()
            return cur, nil
        }
        p.retireLocked(cur)
    }
    p.mu.Unlock()

    // dial outside the lock
    cc, err := dial(ctx)
    if err != nil { return nil, err }

    p.mu.Lock()
    defer p.mu.Unlock()
    if p.closed {
        _ = cc.Close()
        return nil, errClientClosed
    }
    if cur := p.cur; cur != nil && cur.key == key {
        // lost the race: keep the cached one
        _ = cc.Close()
        p.holdLocked(cur)
        obsmetrics.GRPCConnReuse.Inc()
        return cur, nil
    }
    if p.cur != nil { p.retireLocked(p.cur) }
    p.cur = &cachedConn{cc: cc, key: key, refs: 1}
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return p.cur, nil
}

func (p *connCache) holdLocked(c *cachedConn) {
    c.refs++
    if c.idle != nil {
        c.idle.Stop()
        c.idle = nil
    }
}

// release returns c. A broken connection is retired so the next call
// redials; an unused one closes after the idle TTL.
func (p *connCache) release(c *cachedConn, broken bool) {
    p.mu.Lock()
    defer p.mu.Unlock()
    c.refs--
    if broken && !c.retired {
        obsmetrics.GRPCConnEvictions.Inc()
        p.retireLocked(c)
        return
    }
    if c.retired {
        if c.refs == 0 { closeConn(c) }
        return
    }
    if c.refs == 0 { c.idle = time.AfterFunc(p.ttl, func() { p.expire(c) }) }
}

func (p *connCache) expire(c *cachedConn) {
    p.mu.Lock()
    defer p.mu.Unlock()
    if c.refs > 0 || c.retired { return }
    obsmetrics.GRPCConnEvictions.Inc()
    p.retireLocked(c)
}

func (p *connCache) retireLocked(c *cachedConn) {
    if p.cur == c { p.cur = nil }
    c.retired = true
    if c.refs == 0 { closeConn(c) }
}

func closeConn(c *cachedConn) {
    if c.idle != nil {
        c.idle.Stop()
        c.idle = nil
    }
    if c.cc == nil { return }
    _ = c.cc.Close()
    c.cc = nil
    obsmetrics.GRPCConnActive.Dec()
}

// live reports whether a connection is cached.
func (p *connCache) live() bool {
    p.mu.Lock()
    defer p.mu.Unlock()
    return p.cur != nil
}

func (p *connCache) close() {
    p.mu.Lock()
    defer p.mu.Unlock()
    p.closed = true
    if p.cur != nil { p.retireLocked(p.cur) }
}

// KindOf maps a gRPC status code to the transport error kind it encodes.
func KindOf(code codes.Code) error {
    switch code {
    case codes.InvalidArgument:
        return transport.ErrInvalid
    case codes.NotFound:
        return transport.ErrNotFound
    case codes.AlreadyExists:
        return transport.ErrConflict
    case codes.FailedPrecondition:
        return transport.ErrNotLeader
    }
    return nil
}

func fromStatus(err error) error {
    st, ok := status.FromError(err)
    if !ok { return err }
    if kind := KindOf(st.Code()); kind != nil { return transport.RemoteError(kind, st.Message()) }
    return err
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (Resp, error) {
    var out Resp
    cctx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()
    conn, err := c.conns.get(cctx, c.identity(), c.dial)
    if err != nil { return out, err }
    err = conn.cc.Invoke(cctx, "/"+ServiceName+"/"+method, in, &out)
    c.conns.release(conn, status.Code(err) == codes.Unavailable)
    if err != nil { return out, fromStatus(err) }
    return out, nil
}

func (c *Client) Status(ctx context.Context) (transport.NodeStatus, error) {
    return invoke[transport.NodeStatus](ctx, c, "Status", &empty{})
}

func (c *Client) OpenTransport(ctx context.Context, ch store.Channel) error {
    _, err := invoke[empty](ctx, c, "OpenTransport", &ch)
    return err
}

func (c *Client) CloseTransport(ctx context.Context, k transport.ChannelKey) error {
    _, err := invoke[empty](ctx, c, "CloseTransport", &k)
    return err
}

func (c *Client) ListTransports(ctx context.Context, q transport.GroupQuery) ([]store.Channel, error) {
    out, err := invoke[list[store.Channel]](ctx, c, "ListTransports", &q)
    return out.Items, err
}

func (c *Client) PrepareUpload(ctx context.Context, req upload.PrepareRequest) ([]int, error) {
    out, err := invoke[transport.PrepareResponse](ctx, c, "PrepareUpload", &req)
    return out.Uploaded, err
}

func (c *Client) UploadChunk(ctx context.Context, req transport.ChunkRequest) error {
    _, err := invoke[empty](ctx, c, "UploadChunk", &req)
    return err
}

func (c *Client) ListUploads(ctx context.Context) ([]upload.Session, error) {
    out, err := invoke[list[upload.Session]](ctx, c, "ListUploads", &empty{})
    return out.Items, err
}

func (c *Client) UploadStatus(ctx context.Context, q transport.TopicQuery) ([]store.TransportStatus, error) {
    out, err := invoke[list[store.TransportStatus]](ctx, c, "UploadStatus", &q)
    return out.Items, err
}

func (c *Client) DownloadStatus(ctx context.Context, q transport.TopicQuery) ([]transport.DownloadStatus, error) {
    out, err := invoke[list[transport.DownloadStatus]](ctx, c, "DownloadStatus", &q)
    return out.Items, err
}

func (c *Client) ListFiles(ctx context.Context, q transport.TopicQuery) ([]broker.FileInfo, error) {
    out, err := invoke[list[broker.FileInfo]](ctx, c, "ListFiles", &q)
    return out.Items, err
}

func (c *Client) CheckUpload(ctx context.Context, q transport.FileQuery) error {
    _, err := invoke[empty](ctx, c, "CheckUpload", &q)
    return err
}

func (c *Client) DownloadPath(ctx context.Context, q transport.FileQuery) (string, error) {
    out, err := invoke[pathResponse](ctx, c, "DownloadPath", &q)
    return out.Path, err
}

func (c *Client) Subscribers(ctx context.Context, q transport.TopicQuery) ([]string, error) {
    out, err := invoke[list[string]](ctx, c, "Subscribers", &q)
    return out.Items, err
}

func (c *Client) GenerateKeys(ctx context.Context, req transport.KeyRequest) (keys.Pair, error) {
    return invoke[keys.Pair](ctx, c, "GenerateKeys", &req)
}

func (c *Client) GrantTopic(ctx context.Context, a store.TopicAuth) (store.TopicAuth, error) {
    return invoke[store.TopicAuth](ctx, c, "GrantTopic", &a)
}

func (c *Client) RevokeTopic(ctx context.Context, id uint64) error {
    _, err := invoke[empty](ctx, c, "RevokeTopic", &revokeRequest{ID: id})
    return err
}

func (c *Client) TopicGrants(ctx context.Context, user string) ([]store.TopicAuth, error) {
    out, err := invoke[list[store.TopicAuth]](ctx, c, "TopicGrants", &grantsRequest{User: user})
    return out.Items, err
}

func (c *Client) Deploy(ctx context.Context) (transport.DeployResponse, error) {
    return invoke[transport.DeployResponse](ctx, c, "Deploy", &empty{})
}

func (c *Client) LedgerJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    return invoke[transport.JoinResponse](ctx, c, "LedgerJoin", &req)
}

func (c *Client) LedgerLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    return invoke[transport.LeaveResponse](ctx, c, "LedgerLeave", &req)
}
