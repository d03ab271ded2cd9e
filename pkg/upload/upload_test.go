package upload

import (
    "bytes"
    "context"
    "errors"
    "math/rand"
    "os"
    "path/filepath"
    "sync"
    "sync/atomic"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/registry"
    "github.com/amirimatin/go-filechain/pkg/store"
)

// fakeClient captures the bytes of every published file.
type fakeClient struct {
    mu         sync.Mutex
    published  map[string][]byte
    overwrites []bool
    calls      atomic.Int32
    failWith   error
}

func (f *fakeClient) OpenSender(ctx context.Context, topic string, key []byte) error { return nil }
func (f *fakeClient) OpenReceiver(ctx context.Context, topic string, l broker.Listener, key []byte) error {
    return nil
}
func (f *fakeClient) Close(topic string) error { return nil }

func (f *fakeClient) PublishFile(ctx context.Context, topic, p string, ow bool) (broker.FileInfo, error) {
    f.calls.Add(1)
    if f.failWith != nil { return broker.FileInfo{}, f.failWith }
    b, err := os.ReadFile(p)
    if err != nil { return broker.FileInfo{}, err }
    f.mu.Lock()
    f.published[topic+"/"+filepath.Base(p)] = b
    f.overwrites = append(f.overwrites, ow)
    f.mu.Unlock()
    return broker.FileInfo{FileName: filepath.Base(p), Topic: topic, FileSize: int64(len(b)), FileMD5: "md5"}, nil
}

func (f *fakeClient) ListFiles(ctx context.Context, g, t string) ([]broker.FileInfo, error) { return nil, nil }
func (f *fakeClient) Status(topic string) broker.TopicStats                                { return broker.TopicStats{Topic: topic} }
func (f *fakeClient) IsFileExist(ctx context.Context, n, t, g string) (bool, error)          { return false, nil }
func (f *fakeClient) Subscribers(ctx context.Context, t string) ([]string, error)           { return nil, nil }
func (f *fakeClient) Nodes() []string                                                       { return nil }
func (f *fakeClient) Shutdown() error                                                       { return nil }

// fakeChannels serves one client for every channel, or none.
type fakeChannels struct {
    client    *fakeClient
    overwrite bool
}

func (f *fakeChannels) Client(brokerID int, groupID, node string) (broker.FileClient, error) {
    if f.client == nil { return nil, registry.ErrClientNotFound }
    return f.client, nil
}

func (f *fakeChannels) Overwrite(brokerID int, groupID, node, topic string) (bool, error) {
    return f.overwrite, nil
}

// flakyStore fails the first fails chunk writes.
type flakyStore struct {
    *chunk.Store
    fails    atomic.Int32
    attempts atomic.Int32
}

func (s *flakyStore) WriteChunk(m *chunk.Meta, index int, data []byte) error {
    s.attempts.Add(1)
    if s.fails.Add(-1) >= 0 { return errors.New("disk hiccup") }
    return s.Store.WriteChunk(m, index, data)
}

type env struct {
    chunks *chunk.Store
    db     *store.DB
    client *fakeClient
    coord  *Coordinator

    mu      sync.Mutex
    results []Result
}

func newEnv(t *testing.T, mutate func(*Options)) *env {
    t.Helper()
    cs, err := chunk.NewStore(filepath.Join(t.TempDir(), "upload"))
    if err != nil { t.Fatal(err) }
    db, err := store.Open(filepath.Join(t.TempDir(), "filechain.db"))
    if err != nil { t.Fatal(err) }
    t.Cleanup(func() { _ = db.Close() })
    e := &env{chunks: cs, db: db, client: &fakeClient{published: map[string][]byte{}}}
    opts := Options{
        Store:    cs,
        Channels: &fakeChannels{client: e.client},
        Status:   db,
        Logger:   zap.NewNop(),
        OnPublish: func(r Result) {
            e.mu.Lock()
            e.results = append(e.results, r)
            e.mu.Unlock()
        },
    }
    if mutate != nil { mutate(&opts) }
    e.coord, err = New(opts)
    if err != nil { t.Fatal(err) }
    t.Cleanup(e.coord.Close)
    return e
}

func (e *env) waitResults(t *testing.T, n int) []Result {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for {
        e.mu.Lock()
        got := append([]Result(nil), e.results...)
        e.mu.Unlock()
        if len(got) >= n { return got }
        if time.Now().After(deadline) { t.Fatalf("waited for %d publish results, got %d", n, len(got)) }
        time.Sleep(10 * time.Millisecond)
    }
}

func prepareReq(id, name string, size int64, chunkSize int) PrepareRequest {
    return PrepareRequest{FileID: id, FileName: name, Topic: "t1", GroupID: "g1", TotalSize: size, ChunkSize: chunkSize, BrokerID: 1, NodeAddress: "127.0.0.1:8080"}
}

func TestUploadChunk_ThreeChunksPublishOnceAndCleanUp(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)
    up, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 300, 100))
    if err != nil || len(up) != 0 { t.Fatalf("prepare = %v, %v", up, err) }

    want := make([]byte, 0, 300)
    for i := 0; i < 3; i++ {
        part := bytes.Repeat([]byte{byte('a' + i)}, 100)
        want = append(want, part...)
        if err := e.coord.UploadChunk(ctx, "f1", i, part); err != nil { t.Fatalf("chunk %d: %v", i, err) }
    }
    res := e.waitResults(t, 1)
    if res[0].Status != store.StatusSuccess || res[0].Err != nil { t.Fatalf("result = %+v", res[0]) }
    if !bytes.Equal(e.client.published["t1/a.txt"], want) { t.Fatalf("published bytes differ") }
    if e.chunks.Exists("f1") { t.Fatalf("chunk storage for f1 still exists") }

    st, err := e.db.GetStatus(1, "g1", "t1", "a.txt")
    if err != nil || st.Status != store.StatusSuccess || st.FileMD5 != "md5" || st.Speed == "" { t.Fatalf("status = %+v, %v", st, err) }
    if _, err := e.coord.Uploaded("f1"); !errors.Is(err, ErrSessionNotFound) { t.Fatalf("session kept: %v", err) }
}

func TestPrepare_IdempotentResume(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)
    if _, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 250, 100)); err != nil { t.Fatal(err) }
    if err := e.coord.UploadChunk(ctx, "f1", 1, make([]byte, 100)); err != nil { t.Fatal(err) }

    up, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 250, 100))
    if err != nil || len(up) != 1 || up[0] != 2 { t.Fatalf("resume = %v, %v", up, err) }
    if s := e.coord.Sessions(); len(s) != 1 || s[0].Progress != "33.33%" { t.Fatalf("sessions = %+v", s) }
}

func TestUploadChunk_OutOfOrderPublishesOnce(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)
    const n = 16
    if _, err := e.coord.Prepare(ctx, prepareReq("f2", "b.bin", n*10-3, 10)); err != nil { t.Fatal(err) }

    var wg sync.WaitGroup
    for _, i := range rand.Perm(n) {
        size := 10
        if i == n-1 { size = 7 }
        wg.Add(1)
        go func(i, size int) {
            defer wg.Done()
            if err := e.coord.UploadChunk(ctx, "f2", i, make([]byte, size)); err != nil { t.Errorf("chunk %d: %v", i, err) }
        }(i, size)
    }
    wg.Wait()
    e.waitResults(t, 1)
    time.Sleep(50 * time.Millisecond)
    if got := e.client.calls.Load(); got != 1 { t.Fatalf("publish calls = %d", got) }
    if e.chunks.Exists("f2") { t.Fatalf("chunk storage for f2 outlived the publish") }
}

// gatedStore holds the first SaveMeta issued by a chunk write until the
// gate opens, so a slower writer persists after the file was published.
type gatedStore struct {
    *chunk.Store
    once    sync.Once
    entered chan struct{}
    gate    chan struct{}
}

func (s *gatedStore) SaveMeta(m *chunk.Meta) error {
    held := false
    if m.ChunkStatus.Count() > 0 { s.once.Do(func() { held = true }) }
    if held {
        close(s.entered)
        select {
        case <-s.gate:
        case <-time.After(5 * time.Second):
        }
    }
    return s.Store.SaveMeta(m)
}

func TestUploadChunk_LateMetaSaveAfterPublish(t *testing.T) {
    ctx := context.Background()
    var gs *gatedStore
    var published sync.Once
    e := newEnv(t, func(o *Options) {
        gs = &gatedStore{Store: o.Store.(*chunk.Store), entered: make(chan struct{}), gate: make(chan struct{})}
        o.Store = gs
        inner := o.OnPublish
        o.OnPublish = func(r Result) {
            inner(r)
            published.Do(func() { close(gs.gate) })
        }
    })
    if _, err := e.coord.Prepare(ctx, prepareReq("f4", "a.txt", 20, 10)); err != nil { t.Fatal(err) }

    slow := make(chan error, 1)
    go func() { slow <- e.coord.UploadChunk(ctx, "f4", 0, make([]byte, 10)) }()
    <-gs.entered
    if err := e.coord.UploadChunk(ctx, "f4", 1, make([]byte, 10)); err != nil { t.Fatalf("last chunk: %v", err) }
    res := e.waitResults(t, 1)
    if res[0].Status != store.StatusSuccess { t.Fatalf("result = %+v", res[0]) }
    if err := <-slow; err != nil { t.Fatalf("slow chunk: %v", err) }

    if e.chunks.Exists("f4") { t.Fatalf("late meta save recreated chunk storage for f4") }

    // a restart must find nothing to publish again
    again, err := New(Options{Store: e.chunks, Channels: &fakeChannels{client: e.client}, Status: e.db, Logger: zap.NewNop()})
    if err != nil { t.Fatal(err) }
    defer again.Close()
    if n, err := again.Restore(ctx); err != nil || n != 0 { t.Fatalf("restore = %d, %v", n, err) }
    st, err := e.db.GetStatus(1, "g1", "t1", "a.txt")
    if err != nil || st.Status != store.StatusSuccess { t.Fatalf("status = %+v, %v", st, err) }
    if got := e.client.calls.Load(); got != 1 { t.Fatalf("publish calls = %d", got) }
}

func TestPrepare_RejectsOversizedGeometry(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)
    done := make(chan error, 1)
    go func() {
        _, err := e.coord.Prepare(ctx, prepareReq("big", "a.txt", 1<<62, 1))
        done <- err
    }()
    select {
    case err := <-done:
        if !errors.Is(err, chunk.ErrInvalidGeometry) { t.Fatalf("huge file: %v", err) }
    case <-time.After(5 * time.Second):
        t.Fatalf("prepare of a huge file did not return")
    }
    if _, err := e.coord.Prepare(ctx, prepareReq("wide", "a.txt", 10, chunk.MaxChunkSize+1)); !errors.Is(err, chunk.ErrInvalidGeometry) {
        t.Fatalf("oversized chunk: %v", err)
    }
    if _, err := e.coord.Prepare(ctx, prepareReq("ok", "a.txt", 10, 5)); err != nil { t.Fatalf("follow-up prepare: %v", err) }
    if s := e.coord.Sessions(); len(s) != 1 || s[0].FileID != "ok" { t.Fatalf("sessions = %+v", s) }
}

func TestUploadChunk_RetryBudget(t *testing.T) {
    ctx := context.Background()
    var fs *flakyStore
    e := newEnv(t, func(o *Options) {
        fs = &flakyStore{Store: o.Store.(*chunk.Store)}
        o.Store = fs
        o.Retries = 2
    })
    if _, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 200, 100)); err != nil { t.Fatal(err) }

    fs.fails.Store(2)
    if err := e.coord.UploadChunk(ctx, "f1", 0, make([]byte, 100)); err != nil { t.Fatalf("recoverable: %v", err) }
    if fs.attempts.Load() != 3 { t.Fatalf("attempts = %d", fs.attempts.Load()) }

    fs.attempts.Store(0)
    fs.fails.Store(10)
    err := e.coord.UploadChunk(ctx, "f1", 1, make([]byte, 100))
    if !errors.Is(err, ErrUploadFailed) { t.Fatalf("exhausted: %v", err) }
    if fs.attempts.Load() != 3 { t.Fatalf("attempts = %d", fs.attempts.Load()) }
    up, _ := e.coord.Uploaded("f1")
    if len(up) != 1 || up[0] != 1 { t.Fatalf("uploaded = %v", up) }
}

func TestPublishFailure_RecordsFailedAndCleansUp(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)
    e.client.failWith = broker.ErrFileExists
    if _, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 100, 100)); err != nil { t.Fatal(err) }
    if err := e.coord.UploadChunk(ctx, "f1", 0, make([]byte, 100)); err != nil { t.Fatalf("chunk response carries publish error: %v", err) }

    res := e.waitResults(t, 1)
    if res[0].Status != store.StatusFailed || !errors.Is(res[0].Err, broker.ErrFileExists) { t.Fatalf("result = %+v", res[0]) }
    st, err := e.db.GetStatus(1, "g1", "t1", "a.txt")
    if err != nil || st.Status != store.StatusFailed { t.Fatalf("status = %+v, %v", st, err) }
    if e.chunks.Exists("f1") { t.Fatalf("chunk storage kept after failed publish") }
}

func TestPublish_TransportNotOpened(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, func(o *Options) { o.Channels = &fakeChannels{} })
    if _, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 0, 100)); err != nil { t.Fatal(err) }
    res := e.waitResults(t, 1)
    if !errors.Is(res[0].Err, registry.ErrClientNotFound) { t.Fatalf("result = %+v", res[0]) }
    st, err := e.db.GetStatus(1, "g1", "t1", "a.txt")
    if err != nil || st.Status != store.StatusFailed { t.Fatalf("status = %+v, %v", st, err) }
}

func TestPrepare_RejectsTraversal(t *testing.T) {
    e := newEnv(t, nil)
    for _, req := range []PrepareRequest{
        prepareReq("f1", "../a.txt", 10, 5),
        prepareReq("..", "a.txt", 10, 5),
        {FileID: "f1", FileName: "a.txt", Topic: "../t", GroupID: "g1", TotalSize: 10, ChunkSize: 5},
    } {
        if _, err := e.coord.Prepare(context.Background(), req); !errors.Is(err, chunk.ErrPathTraversal) { t.Fatalf("%+v: err = %v", req, err) }
    }
    entries, _ := os.ReadDir(e.chunks.Root())
    if len(entries) != 0 { t.Fatalf("filesystem mutated: %v", entries) }
}

func TestUploadChunk_Validation(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)
    if err := e.coord.UploadChunk(ctx, "nope", 0, nil); !errors.Is(err, ErrSessionNotFound) { t.Fatalf("unknown session: %v", err) }
    if _, err := e.coord.Prepare(ctx, prepareReq("f1", "a.txt", 150, 100)); err != nil { t.Fatal(err) }
    if err := e.coord.UploadChunk(ctx, "f1", 2, make([]byte, 50)); !errors.Is(err, ErrInvalidChunk) { t.Fatalf("out of range: %v", err) }
    if err := e.coord.UploadChunk(ctx, "f1", 1, make([]byte, 100)); !errors.Is(err, ErrInvalidChunk) { t.Fatalf("short final chunk: %v", err) }
    if err := e.coord.UploadChunk(ctx, "f1", 1, make([]byte, 50)); err != nil { t.Fatalf("final chunk: %v", err) }
}

func TestRestore(t *testing.T) {
    ctx := context.Background()
    e := newEnv(t, nil)

    done, _ := chunk.NewMeta("f1", "a.txt", "t1", "g1", 4, 2)
    half, _ := chunk.NewMeta("f2", "b.txt", "t1", "g1", 4, 2)
    for _, m := range []*chunk.Meta{done, half} {
        m.BrokerID, m.NodeAddress = 1, "127.0.0.1:8080"
        if _, err := e.chunks.Preallocate(m); err != nil { t.Fatal(err) }
    }
    _ = done.SetChunk(0)
    _ = done.SetChunk(1)
    _ = half.SetChunk(1)
    for _, m := range []*chunk.Meta{done, half} {
        if err := e.chunks.SaveMeta(m); err != nil { t.Fatal(err) }
    }

    n, err := e.coord.Restore(ctx)
    if err != nil || n != 2 { t.Fatalf("restore = %d, %v", n, err) }
    res := e.waitResults(t, 1)
    if res[0].FileID != "f1" || res[0].Status != store.StatusSuccess { t.Fatalf("result = %+v", res[0]) }
    up, err := e.coord.Uploaded("f2")
    if err != nil || len(up) != 1 || up[0] != 2 { t.Fatalf("f2 uploaded = %v, %v", up, err) }
}

func TestPool(t *testing.T) {
    p := NewPool(1, 1, zap.NewNop())
    release := make(chan struct{})
    started := make(chan struct{})
    if err := p.Submit(func() { close(started); <-release }); err != nil { t.Fatal(err) }
    <-started
    if err := p.Submit(func() { panic("boom") }); err != nil { t.Fatalf("queued: %v", err) }
    if err := p.Submit(func() {}); !errors.Is(err, ErrPoolFull) { t.Fatalf("full: %v", err) }
    close(release)

    var ran atomic.Bool
    deadline := time.Now().Add(2 * time.Second)
    for {
        if err := p.Submit(func() { ran.Store(true) }); err == nil { break }
        if time.Now().After(deadline) { t.Fatalf("pool did not drain after a panicking task") }
        time.Sleep(5 * time.Millisecond)
    }
    p.Close()
    if !ran.Load() { t.Fatalf("task submitted before close did not run") }
    if err := p.Submit(func() {}); !errors.Is(err, ErrPoolClosed) { t.Fatalf("after close: %v", err) }
}
