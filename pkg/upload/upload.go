// Package upload accepts files chunk by chunk, in any order, and hands each
// completed file to its channel's broker client exactly once.
package upload

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/cenkalti/backoff"
    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
    "github.com/amirimatin/go-filechain/pkg/observability/tracing"
    "github.com/amirimatin/go-filechain/pkg/store"
)

var (
    ErrInvalidChunk    = errors.New("upload: invalid chunk")
    ErrSessionNotFound = errors.New("upload: no upload session for file id")
    ErrUploadFailed    = errors.New("upload: chunk write failed")
)

// DefaultRetries is the number of extra attempts after a failed chunk write.
const DefaultRetries = 3

// ChunkStore is the disk side of a session.
type ChunkStore interface {
    Preallocate(m *chunk.Meta) (string, error)
    WriteChunk(m *chunk.Meta, index int, data []byte) error
    SaveMeta(m *chunk.Meta) error
    LoadAll() ([]*chunk.Meta, error)
    Remove(fileID string) error
    Path(m *chunk.Meta) string
}

// Channels resolves the broker client and overwrite policy of a channel.
type Channels interface {
    Client(brokerID int, groupID, node string) (broker.FileClient, error)
    Overwrite(brokerID int, groupID, node, topic string) (bool, error)
}

// StatusStore records publish outcomes.
type StatusStore interface {
    UpsertStatus(st store.TransportStatus) (store.TransportStatus, error)
    SetSpeed(key, speed string) error
}

type Options struct {
    Store    ChunkStore
    Channels Channels
    Status   StatusStore
    // Pool runs publishes. Nil starts a private pool of Workers workers
    // with a wait queue of Queue tasks.
    Pool    *Pool
    Workers int
    Queue   int
    // Retries bounds extra attempts of a failed chunk write. Zero means
    // DefaultRetries; negative disables retrying.
    Retries int
    // OnPublish observes every finished publish attempt.
    OnPublish func(Result)
    Logger    *zap.Logger
}

func (o *Options) Validate() error {
    if o.Store == nil { return errors.New("upload: nil chunk store") }
    if o.Channels == nil { return errors.New("upload: nil channel lookup") }
    if o.Status == nil { return errors.New("upload: nil status store") }
    return nil
}

// PrepareRequest opens or resumes the session of FileID. BrokerID and
// NodeAddress select the channel the completed file is published on.
type PrepareRequest struct {
    FileID      string `json:"fileId"`
    FileName    string `json:"fileName"`
    Topic       string `json:"topic"`
    GroupID     string `json:"groupId"`
    TotalSize   int64  `json:"totalSize"`
    ChunkSize   int    `json:"chunkSize"`
    BrokerID    int    `json:"brokerId"`
    NodeAddress string `json:"nodeAddress"`
}

// Result is the outcome of one publish.
type Result struct {
    FileID      string
    FileName    string
    Topic       string
    GroupID     string
    BrokerID    int
    NodeAddress string
    Status      string // store.StatusSuccess or store.StatusFailed
    Err         error
}

// Session summarizes an in-flight upload.
type Session struct {
    FileID    string `json:"fileId"`
    FileName  string `json:"fileName"`
    Topic     string `json:"topic"`
    GroupID   string `json:"groupId"`
    FileSize  int64  `json:"fileSize"`
    ChunkNum  int    `json:"chunkNum"`
    Uploaded  []int  `json:"uploaded"`
    Progress  string `json:"process"`
    Completed bool   `json:"completed"`
}

type Coordinator struct {
    opts     Options
    log      *zap.Logger
    pool     *Pool
    ownsPool bool

    mu       sync.Mutex
    sessions map[string]*chunk.Meta
}

func New(opts Options) (*Coordinator, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.Retries == 0 { opts.Retries = DefaultRetries }
    if opts.Retries < 0 { opts.Retries = 0 }
    c := &Coordinator{
        opts:     opts,
        log:      logutil.Or(opts.Logger),
        pool:     opts.Pool,
        sessions: make(map[string]*chunk.Meta),
    }
    if c.pool == nil {
        if opts.Workers <= 0 { opts.Workers = 4 }
        if opts.Queue <= 0 { opts.Queue = 256 }
        c.pool = NewPool(opts.Workers, opts.Queue, c.log)
        c.ownsPool = true
    }
    return c, nil
}

// Prepare creates the session of req.FileID, or returns the 1-based chunk
// numbers already uploaded when the session exists.
func (c *Coordinator) Prepare(ctx context.Context, req PrepareRequest) ([]int, error) {
    if m, ok := c.session(req.FileID); ok { return m.Uploaded(), nil }
    m, err := chunk.NewMeta(req.FileID, req.FileName, req.Topic, req.GroupID, req.TotalSize, req.ChunkSize)
    if err != nil { return nil, err }
    m.BrokerID, m.NodeAddress = req.BrokerID, req.NodeAddress
    up, created, err := c.create(m)
    if err != nil || !created { return up, err }
    obsmetrics.UploadSessions.Inc()
    logutil.Infof(c.log, "upload: session %s prepared (%s, %d bytes in %d chunks)", m.FileID, m.FileName, m.FileSize, m.ChunkNum)

    // an empty file is complete on arrival
    if m.MarkCompleted() { c.schedule(m) }
    return []int{}, nil
}

// create lays out the disk side of m and registers it, unless a session
// for the same file id won the race.
func (c *Coordinator) create(m *chunk.Meta) ([]int, bool, error) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if cur, ok := c.sessions[m.FileID]; ok { return cur.Uploaded(), false, nil }
    if _, err := c.opts.Store.Preallocate(m); err != nil {
        _ = c.opts.Store.Remove(m.FileID)
        return nil, false, err
    }
    if err := c.opts.Store.SaveMeta(m); err != nil {
        _ = c.opts.Store.Remove(m.FileID)
        return nil, false, fmt.Errorf("upload: save meta %s: %w", m.FileID, err)
    }
    c.sessions[m.FileID] = m
    return nil, true, nil
}

// UploadChunk writes chunk index (0-based) of fileID, retrying a failed
// write up to the retry budget with no delay. The write that completes the
// file schedules its publish and returns without waiting for it.
func (c *Coordinator) UploadChunk(ctx context.Context, fileID string, index int, data []byte) error {
    m, ok := c.session(fileID)
    if !ok { return fmt.Errorf("%w: %s", ErrSessionNotFound, fileID) }
    if err := m.CheckIndex(index); err != nil { return fmt.Errorf("%w: %w", ErrInvalidChunk, err) }
    if want := m.ChunkLen(index); int64(len(data)) != want {
        return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrInvalidChunk, index, len(data), want)
    }
    if m.Completed() { return nil }

    op := func() error {
        err := c.opts.Store.WriteChunk(m, index, data)
        if errors.Is(err, chunk.ErrChunkBusy) { return backoff.Permanent(err) }
        return err
    }
    var policy backoff.BackOff = &backoff.StopBackOff{}
    if c.opts.Retries > 0 { policy = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(c.opts.Retries)) }
    b := backoff.WithContext(policy, ctx)
    err := backoff.RetryNotify(op, b, func(err error, _ time.Duration) {
        obsmetrics.ChunkRetries.Inc()
        logutil.Warnf(c.log, "upload: retrying chunk %d of %s: %v", index, fileID, err)
    })
    if errors.Is(err, chunk.ErrChunkBusy) { return err }
    if err != nil { return fmt.Errorf("%w: %s chunk %d: %w", ErrUploadFailed, fileID, index, err) }

    if err := m.SetChunk(index); err != nil { return err }
    obsmetrics.ChunksWritten.Inc()
    // a racing write may already have published and removed the session
    if err := c.opts.Store.SaveMeta(m); err != nil && !errors.Is(err, chunk.ErrMetaNotFound) {
        logutil.Warnf(c.log, "upload: save meta %s: %v", fileID, err)
    }
    if m.MarkCompleted() { c.schedule(m) }
    return nil
}

func (c *Coordinator) session(fileID string) (*chunk.Meta, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()
    m, ok := c.sessions[fileID]
    return m, ok
}

// Uploaded returns the 1-based chunk numbers written so far for fileID.
func (c *Coordinator) Uploaded(fileID string) ([]int, error) {
    m, ok := c.session(fileID)
    if !ok { return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, fileID) }
    return m.Uploaded(), nil
}

// Sessions lists in-flight uploads by file id.
func (c *Coordinator) Sessions() []Session {
    c.mu.Lock()
    metas := make([]*chunk.Meta, 0, len(c.sessions))
    for _, m := range c.sessions { metas = append(metas, m) }
    c.mu.Unlock()
    out := make([]Session, 0, len(metas))
    for _, m := range metas {
        out = append(out, Session{
            FileID: m.FileID, FileName: m.FileName, Topic: m.Topic, GroupID: m.GroupID,
            FileSize: m.FileSize, ChunkNum: m.ChunkNum, Uploaded: m.Uploaded(),
            Progress: m.Progress(), Completed: m.Completed(),
        })
    }
    sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
    return out
}

// Restore reloads sessions persisted by an earlier process. Sessions whose
// chunks had all landed are published now.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
    metas, err := c.opts.Store.LoadAll()
    n := 0
    for _, m := range metas {
        c.mu.Lock()
        if _, ok := c.sessions[m.FileID]; ok {
            c.mu.Unlock()
            continue
        }
        c.sessions[m.FileID] = m
        c.mu.Unlock()
        n++
        obsmetrics.UploadSessions.Inc()
        if m.MarkCompleted() { c.schedule(m) }
    }
    if n > 0 { logutil.Infof(c.log, "upload: restored %d session(s)", n) }
    return n, err
}

func (c *Coordinator) schedule(m *chunk.Meta) {
    err := c.pool.Submit(func() { c.publish(m) })
    if err == nil { return }
    logutil.Errorf(c.log, "upload: schedule publish of %s: %v", m.FileID, err)
    res := c.result(m)
    c.fail(&res, statusRecord(m), err)
    c.finish(m, res)
}

func statusRecord(m *chunk.Meta) store.TransportStatus {
    return store.TransportStatus{
        BrokerID:    m.BrokerID,
        GroupID:     m.GroupID,
        NodeAddress: m.NodeAddress,
        Topic:       m.Topic,
        FileName:    m.FileName,
        FileSize:    m.FileSize,
        Status:      store.StatusUploading,
    }
}

func (c *Coordinator) result(m *chunk.Meta) Result {
    return Result{
        FileID: m.FileID, FileName: m.FileName, Topic: m.Topic, GroupID: m.GroupID,
        BrokerID: m.BrokerID, NodeAddress: m.NodeAddress, Status: store.StatusFailed,
    }
}

// publish hands the assembled file to the broker. Its outcome lands only in
// the status record; the session and its disk files are removed either way.
func (c *Coordinator) publish(m *chunk.Meta) {
    ctx, end := tracing.StartSpan(context.Background(), "upload.publish", "file_id", m.FileID, "topic", m.Topic)
    defer end()
    res := c.result(m)
    defer func() { c.finish(m, res) }()
    st := statusRecord(m)

    client, err := c.opts.Channels.Client(m.BrokerID, m.GroupID, m.NodeAddress)
    if err != nil {
        tracing.Fail(ctx, err)
        c.fail(&res, st, err)
        return
    }
    overwrite, err := c.opts.Channels.Overwrite(m.BrokerID, m.GroupID, m.NodeAddress, m.Topic)
    if err != nil {
        tracing.Fail(ctx, err)
        c.fail(&res, st, err)
        return
    }
    rec, err := c.opts.Status.UpsertStatus(st)
    if err != nil {
        tracing.Fail(ctx, err)
        res.Err = fmt.Errorf("upload: record status of %s: %w", m.FileID, err)
        logutil.Errorf(c.log, "%v", res.Err)
        return
    }

    start := time.Now()
    info, err := client.PublishFile(ctx, m.Topic, c.opts.Store.Path(m), overwrite)
    if err != nil {
        tracing.Fail(ctx, err)
        c.fail(&res, rec, err)
        return
    }
    rec.Status, rec.FileMD5 = store.StatusSuccess, info.FileMD5
    if _, err := c.opts.Status.UpsertStatus(rec); err != nil {
        logutil.Errorf(c.log, "upload: record success of %s: %v", m.FileID, err)
    }
    if err := c.opts.Status.SetSpeed(rec.Key(), broker.FormatSpeed(m.FileSize, time.Since(start))); err != nil {
        logutil.Warnf(c.log, "upload: record speed of %s: %v", m.FileID, err)
    }
    res.Status = store.StatusSuccess
    logutil.Infof(c.log, "upload: published %s on %s/%s", m.FileName, m.GroupID, m.Topic)
}

func (c *Coordinator) fail(res *Result, st store.TransportStatus, cause error) {
    res.Status, res.Err = store.StatusFailed, cause
    logutil.Errorf(c.log, "upload: publish %s (%s) failed: %v", res.FileName, res.FileID, cause)
    st.Status = store.StatusFailed
    if _, err := c.opts.Status.UpsertStatus(st); err != nil {
        logutil.Errorf(c.log, "upload: record failure of %s: %v", res.FileID, err)
    }
}

func (c *Coordinator) finish(m *chunk.Meta, res Result) {
    if err := c.opts.Store.Remove(m.FileID); err != nil {
        logutil.Warnf(c.log, "upload: remove %s: %v", m.FileID, err)
    }
    c.mu.Lock()
    delete(c.sessions, m.FileID)
    c.mu.Unlock()
    obsmetrics.UploadSessions.Dec()
    obsmetrics.Publishes.WithLabelValues(res.Status).Inc()
    if c.opts.OnPublish != nil { c.opts.OnPublish(res) }
}

// Close waits for scheduled publishes when the pool is private.
func (c *Coordinator) Close() {
    if c.ownsPool { c.pool.Close() }
}
