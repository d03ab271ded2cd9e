package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "time"

    "github.com/cenkalti/backoff"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

// Client calls the admin API of one node. Requests that fail before a
// response arrives, or with a 5xx other than 503, are retried with
// exponential backoff.
type Client struct {
    addr      string
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
    retries   uint64
}

var _ transport.Admin = (*Client)(nil)

// NewClient constructs a Client for addr (host:port) with the given timeout.
func NewClient(addr string, timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{addr: addr, httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr, retries: 2}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

// WithRetries sets how many times a failed request is retried.
func (c *Client) WithRetries(n uint64) *Client { c.retries = n; return c }

func (c *Client) url(path string, q url.Values) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    u := url.URL{Scheme: scheme, Host: c.addr, Path: path}
    if q != nil { u.RawQuery = q.Encode() }
    return u.String()
}

// KindOf maps an HTTP status to the transport error kind it encodes.
func KindOf(code int) error {
    switch code {
    case http.StatusBadRequest:
        return transport.ErrInvalid
    case http.StatusNotFound:
        return transport.ErrNotFound
    case http.StatusConflict:
        return transport.ErrConflict
    case http.StatusServiceUnavailable:
        return transport.ErrNotLeader
    }
    return nil
}

func responseError(resp *http.Response, body []byte) error {
    var eb transport.ErrorBody
    msg := string(bytes.TrimSpace(body))
    if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" { msg = eb.Error }
    if kind := KindOf(resp.StatusCode); kind != nil { return transport.RemoteError(kind, msg) }
    return fmt.Errorf("httpjson: status %d: %s", resp.StatusCode, msg)
}

// do sends in (JSON, or raw when in is []byte) and decodes the response
// into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
    var (
        body        []byte
        contentType = "application/json"
    )
    switch v := in.(type) {
    case nil:
    case []byte:
        body, contentType = v, "application/octet-stream"
    default:
        b, err := json.Marshal(in)
        if err != nil { return err }
        body = b
    }
    target := c.url(path, q)

    op := func() error {
        var rd io.Reader
        if body != nil { rd = bytes.NewReader(body) }
        req, err := http.NewRequestWithContext(ctx, method, target, rd)
        if err != nil { return backoff.Permanent(err) }
        if body != nil { req.Header.Set("Content-Type", contentType) }
        resp, err := c.httpc.Do(req)
        if err != nil {
            if ctx.Err() != nil { return backoff.Permanent(ctx.Err()) }
            return err
        }
        defer resp.Body.Close()
        b, err := io.ReadAll(resp.Body)
        if err != nil { return err }
        if resp.StatusCode >= 300 {
            rerr := responseError(resp, b)
            if resp.StatusCode >= 500 && resp.StatusCode != http.StatusServiceUnavailable { return rerr }
            return backoff.Permanent(rerr)
        }
        if out == nil { return nil }
        if err := json.Unmarshal(b, out); err != nil { return backoff.Permanent(fmt.Errorf("httpjson: decode %s: %w", path, err)) }
        return nil
    }

    eb := backoff.NewExponentialBackOff()
    eb.InitialInterval = 100 * time.Millisecond
    eb.MaxElapsedTime = 10 * time.Second
    return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(eb, c.retries), ctx))
}

func groupValues(q transport.GroupQuery) url.Values {
    v := url.Values{}
    v.Set("brokerId", strconv.Itoa(q.BrokerID))
    if q.GroupID != "" { v.Set("groupId", q.GroupID) }
    return v
}

func topicValues(q transport.TopicQuery) url.Values {
    v := groupValues(transport.GroupQuery{BrokerID: q.BrokerID, GroupID: q.GroupID})
    v.Set("nodeAddress", q.NodeAddress)
    v.Set("topicName", q.Topic)
    return v
}

func fileValues(q transport.FileQuery) url.Values {
    v := topicValues(q.TopicQuery)
    v.Set("fileName", q.FileName)
    return v
}

// Healthz reports whether the node answers its health endpoint.
func (c *Client) Healthz(ctx context.Context) error {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/healthz", nil), nil)
    if err != nil { return err }
    resp, err := c.httpc.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK { return fmt.Errorf("httpjson: healthz status %d", resp.StatusCode) }
    return nil
}

func (c *Client) Status(ctx context.Context) (transport.NodeStatus, error) {
    var out transport.NodeStatus
    err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
    return out, err
}

func (c *Client) OpenTransport(ctx context.Context, ch store.Channel) error {
    return c.do(ctx, http.MethodPost, "/transports", nil, ch, nil)
}

func (c *Client) CloseTransport(ctx context.Context, k transport.ChannelKey) error {
    return c.do(ctx, http.MethodDelete, "/transports", topicValues(transport.TopicQuery(k)), nil, nil)
}

func (c *Client) ListTransports(ctx context.Context, q transport.GroupQuery) ([]store.Channel, error) {
    var out []store.Channel
    err := c.do(ctx, http.MethodGet, "/transports", groupValues(q), nil, &out)
    return out, err
}

func (c *Client) PrepareUpload(ctx context.Context, req upload.PrepareRequest) ([]int, error) {
    var out transport.PrepareResponse
    err := c.do(ctx, http.MethodPost, "/uploads/prepare", nil, req, &out)
    return out.Uploaded, err
}

func (c *Client) UploadChunk(ctx context.Context, req transport.ChunkRequest) error {
    path := fmt.Sprintf("/uploads/%s/chunks/%d", url.PathEscape(req.FileID), req.Chunk)
    data := req.Data
    if data == nil { data = []byte{} }
    return c.do(ctx, http.MethodPut, path, nil, data, nil)
}

func (c *Client) ListUploads(ctx context.Context) ([]upload.Session, error) {
    var out []upload.Session
    err := c.do(ctx, http.MethodGet, "/uploads", nil, nil, &out)
    return out, err
}

func (c *Client) UploadStatus(ctx context.Context, q transport.TopicQuery) ([]store.TransportStatus, error) {
    var out []store.TransportStatus
    err := c.do(ctx, http.MethodGet, "/uploads/status", topicValues(q), nil, &out)
    return out, err
}

func (c *Client) DownloadStatus(ctx context.Context, q transport.TopicQuery) ([]transport.DownloadStatus, error) {
    var out []transport.DownloadStatus
    err := c.do(ctx, http.MethodGet, "/downloads/status", topicValues(q), nil, &out)
    return out, err
}

func (c *Client) ListFiles(ctx context.Context, q transport.TopicQuery) ([]broker.FileInfo, error) {
    var out []broker.FileInfo
    err := c.do(ctx, http.MethodGet, "/files", topicValues(q), nil, &out)
    return out, err
}

func (c *Client) CheckUpload(ctx context.Context, q transport.FileQuery) error {
    return c.do(ctx, http.MethodGet, "/files/uploaded", fileValues(q), nil, nil)
}

// DownloadPath returns the path of a received file on the node's disk.
func (c *Client) DownloadPath(ctx context.Context, q transport.FileQuery) (string, error) {
    var out struct {
        Path string `json:"path"`
    }
    err := c.do(ctx, http.MethodGet, "/downloads/path", fileValues(q), nil, &out)
    return out.Path, err
}

// Download copies a received file into w. It is not retried.
func (c *Client) Download(ctx context.Context, q transport.FileQuery, w io.Writer) (int64, error) {
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/downloads", fileValues(q)), nil)
    if err != nil { return 0, err }
    hc := *c.httpc
    hc.Timeout = 0
    resp, err := hc.Do(req)
    if err != nil { return 0, err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        b, _ := io.ReadAll(resp.Body)
        return 0, responseError(resp, b)
    }
    return io.Copy(w, resp.Body)
}

func (c *Client) Subscribers(ctx context.Context, q transport.TopicQuery) ([]string, error) {
    var out []string
    err := c.do(ctx, http.MethodGet, "/subscribers", topicValues(q), nil, &out)
    return out, err
}

func (c *Client) GenerateKeys(ctx context.Context, req transport.KeyRequest) (keys.Pair, error) {
    var out keys.Pair
    err := c.do(ctx, http.MethodPost, "/keys", nil, req, &out)
    return out, err
}

func (c *Client) GrantTopic(ctx context.Context, a store.TopicAuth) (store.TopicAuth, error) {
    var out store.TopicAuth
    err := c.do(ctx, http.MethodPost, "/auth/topics", nil, a, &out)
    return out, err
}

func (c *Client) RevokeTopic(ctx context.Context, id uint64) error {
    return c.do(ctx, http.MethodDelete, "/auth/topics/"+strconv.FormatUint(id, 10), nil, nil, nil)
}

func (c *Client) TopicGrants(ctx context.Context, user string) ([]store.TopicAuth, error) {
    var out []store.TopicAuth
    err := c.do(ctx, http.MethodGet, "/auth/topics", url.Values{"user": {user}}, nil, &out)
    return out, err
}

func (c *Client) Deploy(ctx context.Context) (transport.DeployResponse, error) {
    var out transport.DeployResponse
    err := c.do(ctx, http.MethodPost, "/deploy", nil, struct{}{}, &out)
    return out, err
}

func (c *Client) LedgerJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    var out transport.JoinResponse
    err := c.do(ctx, http.MethodPost, "/ledger/join", nil, req, &out)
    return out, err
}

func (c *Client) LedgerLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    var out transport.LeaveResponse
    err := c.do(ctx, http.MethodPost, "/ledger/leave", nil, req, &out)
    return out, err
}
