// Package httpjson serves the administrative API of a node as JSON over
// HTTP and provides the matching client.
package httpjson

import (
    "context"
    "crypto/tls"
    "fmt"
    "io"
    "net"
    "net/http"
    "net/url"
    "path/filepath"
    "strconv"
    "time"

    "github.com/gorilla/mux"
    jsoniter "github.com/json-iterator/go"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    "github.com/amirimatin/go-filechain/pkg/observability/tracing"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxChunkBytes bounds the body of a chunk upload.
const MaxChunkBytes = chunk.MaxChunkSize

// Server exposes an Admin over HTTP. Besides the API it serves /healthz and
// the Prometheus /metrics endpoint.
type Server struct {
    bind   string
    srv    *http.Server
    ln     net.Listener
    logger *zap.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":17946").
func NewServer(bind string, logger *zap.Logger) *Server {
    return &Server{bind: bind, logger: logutil.Or(logger)}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler returns the router serving admin.
func Handler(admin transport.Admin) http.Handler {
    h := &handlers{admin: admin}
    r := mux.NewRouter()
    r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    }).Methods(http.MethodGet)
    r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

    r.HandleFunc("/status", h.api("status", h.status)).Methods(http.MethodGet)
    r.HandleFunc("/transports", h.api("transports.open", h.openTransport)).Methods(http.MethodPost)
    r.HandleFunc("/transports", h.api("transports.close", h.closeTransport)).Methods(http.MethodDelete)
    r.HandleFunc("/transports", h.api("transports.list", h.listTransports)).Methods(http.MethodGet)

    r.HandleFunc("/uploads", h.api("uploads.list", h.listUploads)).Methods(http.MethodGet)
    r.HandleFunc("/uploads/prepare", h.api("uploads.prepare", h.prepare)).Methods(http.MethodPost)
    r.HandleFunc("/uploads/status", h.api("uploads.status", h.uploadStatus)).Methods(http.MethodGet)
    r.HandleFunc("/uploads/{fileId}/chunks/{chunk:[0-9]+}", h.api("uploads.chunk", h.chunk)).Methods(http.MethodPut)

    r.HandleFunc("/downloads", h.download).Methods(http.MethodGet)
    r.HandleFunc("/downloads/status", h.api("downloads.status", h.downloadStatus)).Methods(http.MethodGet)
    r.HandleFunc("/downloads/path", h.api("downloads.path", h.downloadPath)).Methods(http.MethodGet)

    r.HandleFunc("/files", h.api("files.list", h.listFiles)).Methods(http.MethodGet)
    r.HandleFunc("/files/uploaded", h.api("files.uploaded", h.checkUpload)).Methods(http.MethodGet)
    r.HandleFunc("/subscribers", h.api("subscribers", h.subscribers)).Methods(http.MethodGet)

    r.HandleFunc("/keys", h.api("keys", h.keys)).Methods(http.MethodPost)
    r.HandleFunc("/auth/topics", h.api("auth.grant", h.grant)).Methods(http.MethodPost)
    r.HandleFunc("/auth/topics", h.api("auth.list", h.grants)).Methods(http.MethodGet)
    r.HandleFunc("/auth/topics/{id:[0-9]+}", h.api("auth.revoke", h.revoke)).Methods(http.MethodDelete)

    r.HandleFunc("/deploy", h.api("deploy", h.deploy)).Methods(http.MethodPost)
    r.HandleFunc("/ledger/join", h.api("ledger.join", h.join)).Methods(http.MethodPost)
    r.HandleFunc("/ledger/leave", h.api("ledger.leave", h.leave)).Methods(http.MethodPost)
    return r
}

// Start listens on the bind address and serves admin until ctx is done or
// Stop is called.
func (s *Server) Start(ctx context.Context, admin transport.Admin) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    s.ln = ln
    s.srv = &http.Server{Handler: Handler(admin), ReadHeaderTimeout: 10 * time.Second}
    srv := s.srv

    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
    if s.ln != nil { return s.ln.Addr().String() }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.RPCServer = (*Server)(nil)

type handlers struct {
    admin transport.Admin
}

type apiFunc func(ctx context.Context, r *http.Request) (any, error)

func (h *handlers) api(name string, fn apiFunc) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        ctx, end := tracing.StartSpan(r.Context(), "http."+name)
        defer end()
        out, err := fn(ctx, r)
        if err != nil {
            tracing.Fail(ctx, err)
            writeError(w, err)
            return
        }
        if out == nil { out = struct{}{} }
        writeJSON(w, http.StatusOK, out)
    }
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
    writeJSON(w, StatusCode(err), transport.ErrorBody{Error: err.Error()})
}

// StatusCode maps an error to the HTTP status it is served with.
func StatusCode(err error) int {
    switch transport.Kind(err) {
    case transport.ErrInvalid:
        return http.StatusBadRequest
    case transport.ErrNotFound:
        return http.StatusNotFound
    case transport.ErrConflict:
        return http.StatusConflict
    case transport.ErrNotLeader:
        return http.StatusServiceUnavailable
    }
    return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
    if err := json.NewDecoder(r.Body).Decode(v); err != nil {
        return fmt.Errorf("%w: bad request body: %v", transport.ErrInvalid, err)
    }
    return nil
}

func groupQuery(v url.Values) (transport.GroupQuery, error) {
    q := transport.GroupQuery{GroupID: v.Get("groupId")}
    if s := v.Get("brokerId"); s != "" {
        id, err := strconv.Atoi(s)
        if err != nil { return q, fmt.Errorf("%w: brokerId %q", transport.ErrInvalid, s) }
        q.BrokerID = id
    }
    return q, nil
}

func topicQuery(v url.Values) (transport.TopicQuery, error) {
    g, err := groupQuery(v)
    if err != nil { return transport.TopicQuery{}, err }
    return transport.TopicQuery{BrokerID: g.BrokerID, GroupID: g.GroupID, NodeAddress: v.Get("nodeAddress"), Topic: v.Get("topicName")}, nil
}

func fileQuery(v url.Values) (transport.FileQuery, error) {
    q, err := topicQuery(v)
    return transport.FileQuery{TopicQuery: q, FileName: v.Get("fileName")}, err
}

func (h *handlers) status(ctx context.Context, r *http.Request) (any, error) { return h.admin.Status(ctx) }

func (h *handlers) openTransport(ctx context.Context, r *http.Request) (any, error) {
    var c store.Channel
    if err := decode(r, &c); err != nil { return nil, err }
    return nil, h.admin.OpenTransport(ctx, c)
}

func (h *handlers) closeTransport(ctx context.Context, r *http.Request) (any, error) {
    q, err := topicQuery(r.URL.Query())
    if err != nil { return nil, err }
    return nil, h.admin.CloseTransport(ctx, transport.ChannelKey(q))
}

func (h *handlers) listTransports(ctx context.Context, r *http.Request) (any, error) {
    q, err := groupQuery(r.URL.Query())
    if err != nil { return nil, err }
    return h.admin.ListTransports(ctx, q)
}

func (h *handlers) listUploads(ctx context.Context, r *http.Request) (any, error) { return h.admin.ListUploads(ctx) }

func (h *handlers) prepare(ctx context.Context, r *http.Request) (any, error) {
    var req upload.PrepareRequest
    if err := decode(r, &req); err != nil { return nil, err }
    up, err := h.admin.PrepareUpload(ctx, req)
    if err != nil { return nil, err }
    return transport.PrepareResponse{Uploaded: up}, nil
}

func (h *handlers) chunk(ctx context.Context, r *http.Request) (any, error) {
    vars := mux.Vars(r)
    idx, err := strconv.Atoi(vars["chunk"])
    if err != nil { return nil, fmt.Errorf("%w: chunk %q", transport.ErrInvalid, vars["chunk"]) }
    data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, MaxChunkBytes))
    if err != nil { return nil, fmt.Errorf("%w: read chunk body: %v", transport.ErrInvalid, err) }
    return nil, h.admin.UploadChunk(ctx, transport.ChunkRequest{FileID: vars["fileId"], Chunk: idx, Data: data})
}

func (h *handlers) uploadStatus(ctx context.Context, r *http.Request) (any, error) {
    q, err := topicQuery(r.URL.Query())
    if err != nil { return nil, err }
    return h.admin.UploadStatus(ctx, q)
}

func (h *handlers) downloadStatus(ctx context.Context, r *http.Request) (any, error) {
    q, err := topicQuery(r.URL.Query())
    if err != nil { return nil, err }
    return h.admin.DownloadStatus(ctx, q)
}

func (h *handlers) downloadPath(ctx context.Context, r *http.Request) (any, error) {
    q, err := fileQuery(r.URL.Query())
    if err != nil { return nil, err }
    p, err := h.admin.DownloadPath(ctx, q)
    if err != nil { return nil, err }
    return map[string]string{"path": p}, nil
}

// download streams a received file.
func (h *handlers) download(w http.ResponseWriter, r *http.Request) {
    ctx, end := tracing.StartSpan(r.Context(), "http.downloads")
    defer end()
    q, err := fileQuery(r.URL.Query())
    if err == nil {
        var p string
        if p, err = h.admin.DownloadPath(ctx, q); err == nil {
            w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(p)))
            http.ServeFile(w, r, p)
            return
        }
    }
    tracing.Fail(ctx, err)
    writeError(w, err)
}

func (h *handlers) listFiles(ctx context.Context, r *http.Request) (any, error) {
    q, err := topicQuery(r.URL.Query())
    if err != nil { return nil, err }
    return h.admin.ListFiles(ctx, q)
}

func (h *handlers) checkUpload(ctx context.Context, r *http.Request) (any, error) {
    q, err := fileQuery(r.URL.Query())
    if err != nil { return nil, err }
    return map[string]bool{"uploaded": false}, h.admin.CheckUpload(ctx, q)
}

func (h *handlers) subscribers(ctx context.Context, r *http.Request) (any, error) {
    q, err := topicQuery(r.URL.Query())
    if err != nil { return nil, err }
    return h.admin.Subscribers(ctx, q)
}

func (h *handlers) keys(ctx context.Context, r *http.Request) (any, error) {
    var req transport.KeyRequest
    if err := decode(r, &req); err != nil { return nil, err }
    return h.admin.GenerateKeys(ctx, req)
}

func (h *handlers) grant(ctx context.Context, r *http.Request) (any, error) {
    var a store.TopicAuth
    if err := decode(r, &a); err != nil { return nil, err }
    return h.admin.GrantTopic(ctx, a)
}

func (h *handlers) grants(ctx context.Context, r *http.Request) (any, error) {
    user := r.URL.Query().Get("user")
    if user == "" { return nil, fmt.Errorf("%w: missing user", transport.ErrInvalid) }
    return h.admin.TopicGrants(ctx, user)
}

func (h *handlers) revoke(ctx context.Context, r *http.Request) (any, error) {
    id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
    if err != nil { return nil, fmt.Errorf("%w: grant id: %v", transport.ErrInvalid, err) }
    return nil, h.admin.RevokeTopic(ctx, id)
}

func (h *handlers) deploy(ctx context.Context, r *http.Request) (any, error) { return h.admin.Deploy(ctx) }

func (h *handlers) join(ctx context.Context, r *http.Request) (any, error) {
    var req transport.JoinRequest
    if err := decode(r, &req); err != nil { return nil, err }
    return h.admin.LedgerJoin(ctx, req)
}

func (h *handlers) leave(ctx context.Context, r *http.Request) (any, error) {
    var req transport.LeaveRequest
    if err := decode(r, &req); err != nil { return nil, err }
    return h.admin.LedgerLeave(ctx, req)
}
