package registry

import (
    "context"
    "errors"
    "path/filepath"
    "sync"
    "sync/atomic"
    "testing"

    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "go.uber.org/zap/zaptest/observer"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/store"
)

// fakeClient records opens and can be told to fail them.
type fakeClient struct {
    mu       sync.Mutex
    cfg      broker.ClientConfig
    open     map[string]string
    failOpen error
    shut     atomic.Bool
}

func (f *fakeClient) OpenSender(ctx context.Context, topic string, key []byte) error {
    return f.add(topic, "sender")
}

func (f *fakeClient) OpenReceiver(ctx context.Context, topic string, l broker.Listener, key []byte) error {
    return f.add(topic, "receiver")
}

func (f *fakeClient) add(topic, role string) error {
    f.mu.Lock(); defer f.mu.Unlock()
    if f.failOpen != nil { return f.failOpen }
    if _, ok := f.open[topic]; ok { return broker.ErrTopicOpen }
    f.open[topic] = role
    return nil
}

func (f *fakeClient) Close(topic string) error {
    f.mu.Lock(); defer f.mu.Unlock()
    if _, ok := f.open[topic]; !ok { return broker.ErrTopicNotOpen }
    delete(f.open, topic)
    return nil
}

func (f *fakeClient) PublishFile(ctx context.Context, topic, p string, ow bool) (broker.FileInfo, error) {
    return broker.FileInfo{}, nil
}
func (f *fakeClient) ListFiles(ctx context.Context, g, t string) ([]broker.FileInfo, error) { return nil, nil }
func (f *fakeClient) Status(topic string) broker.TopicStats                                { return broker.TopicStats{Topic: topic} }
func (f *fakeClient) IsFileExist(ctx context.Context, n, t, g string) (bool, error)          { return false, nil }
func (f *fakeClient) Subscribers(ctx context.Context, t string) ([]string, error)           { return nil, nil }
func (f *fakeClient) Nodes() []string                                                       { return f.cfg.Nodes }
func (f *fakeClient) Shutdown() error                                                       { f.shut.Store(true); return nil }

type fakeFactory struct {
    builds   atomic.Int32
    failOpen error
    mu       sync.Mutex
    built    []*fakeClient
}

func (f *fakeFactory) Build(cfg broker.ClientConfig) (broker.FileClient, error) {
    f.builds.Add(1)
    c := &fakeClient{cfg: cfg, open: map[string]string{}, failOpen: f.failOpen}
    f.mu.Lock()
    f.built = append(f.built, c)
    f.mu.Unlock()
    return c, nil
}

func newRegistry(t *testing.T, f *fakeFactory, db *store.DB, log *zap.Logger) *Registry {
    t.Helper()
    if log == nil { log = zap.NewNop() }
    r, err := New(Options{Factory: f, Store: db, DownloadDir: t.TempDir(), Logger: log})
    if err != nil { t.Fatalf("new: %v", err) }
    return r
}

func openDB(t *testing.T) *store.DB {
    t.Helper()
    db, err := store.Open(filepath.Join(t.TempDir(), "filechain.db"))
    if err != nil { t.Fatal(err) }
    t.Cleanup(func() { _ = db.Close() })
    return db
}

func sender(topic, overwrite string) store.Channel {
    return store.Channel{BrokerID: 1, GroupID: "g1", NodeAddress: "127.0.0.1:8080,127.0.0.1:8081", Topic: topic, Role: store.RoleSender, OverWrite: overwrite}
}

func TestOpenChannel_DuplicateKeepsOriginalPolicy(t *testing.T) {
    ctx := context.Background()
    db := openDB(t)
    r := newRegistry(t, &fakeFactory{}, db, nil)

    if err := r.OpenChannel(ctx, sender("t1", "0")); err != nil { t.Fatalf("open: %v", err) }
    if err := r.OpenChannel(ctx, sender("t1", "1")); !errors.Is(err, ErrChannelExists) { t.Fatalf("duplicate: %v", err) }

    ow, err := r.Overwrite(1, "g1", "127.0.0.1:8080,127.0.0.1:8081", "t1")
    if err != nil || ow { t.Fatalf("overwrite = %v, %v", ow, err) }
    rec, err := db.GetChannel(1, "g1", "127.0.0.1:8080,127.0.0.1:8081", "t1")
    if err != nil || rec.OverWrite != "0" { t.Fatalf("record = %+v, %v", rec, err) }
}

func TestOpenChannel_Validation(t *testing.T) {
    r := newRegistry(t, &fakeFactory{}, nil, nil)
    bad := []store.Channel{
        sender("", "0"),
        sender("../x", "0"),
        sender("a/b", "0"),
        sender("has space", "0"),
        sender("t1", "2"),
        {BrokerID: 1, GroupID: "g1", NodeAddress: "n", Topic: "t1", Role: "admin", OverWrite: "0"},
        {BrokerID: 1, NodeAddress: "n", Topic: "t1", Role: store.RoleSender, OverWrite: "0"},
    }
    for _, c := range bad {
        if err := r.OpenChannel(context.Background(), c); !errors.Is(err, ErrInvalidChannel) {
            t.Fatalf("channel %+v: err = %v", c, err)
        }
    }
}

func TestOpenChannel_BrokerFailureEvictsNewClient(t *testing.T) {
    f := &fakeFactory{failOpen: errors.New("broker down")}
    db := openDB(t)
    r := newRegistry(t, f, db, nil)
    c := sender("t1", "0")
    if err := r.OpenChannel(context.Background(), c); err == nil || err.Error() != "broker down" { t.Fatalf("err = %v", err) }
    if _, err := r.Client(1, "g1", c.NodeAddress); !errors.Is(err, ErrClientNotFound) { t.Fatalf("client cached after failure: %v", err) }
    if !f.built[0].shut.Load() { t.Fatalf("failed client not shut down") }
    if all, _ := db.ListChannels(); len(all) != 0 { t.Fatalf("record persisted: %v", all) }
}

func TestGetOrBuildClient_SingleHandleUnderRace(t *testing.T) {
    f := &fakeFactory{}
    r := newRegistry(t, f, nil, nil)
    const n = 16
    got := make([]broker.FileClient, n)
    var wg sync.WaitGroup
    for i := 0; i < n; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            c, err := r.GetOrBuildClient(1, "g1", "n1")
            if err != nil { t.Errorf("build: %v", err) }
            got[i] = c
        }(i)
    }
    wg.Wait()
    for i := 1; i < n; i++ {
        if got[i] != got[0] { t.Fatalf("caller %d got a different handle", i) }
    }
    for _, c := range f.built {
        if c != got[0] && !c.shut.Load() { t.Fatalf("losing handle not shut down") }
    }
}

func TestCloseChannel(t *testing.T) {
    ctx := context.Background()
    core, logs := observer.New(zapcore.WarnLevel)
    db := openDB(t)
    r := newRegistry(t, &fakeFactory{}, db, zap.New(core))
    c := sender("t1", "1")

    if err := r.CloseChannel(ctx, 1, "g1", c.NodeAddress, "t1"); !errors.Is(err, ErrClientNotFound) { t.Fatalf("close before open: %v", err) }
    if err := r.OpenChannel(ctx, c); err != nil { t.Fatal(err) }
    if err := r.CloseChannel(ctx, 1, "g1", c.NodeAddress, "t1"); err != nil { t.Fatalf("close: %v", err) }
    if _, err := r.Channel(1, "g1", c.NodeAddress, "t1"); !errors.Is(err, ErrChannelNotFound) { t.Fatalf("still cached: %v", err) }
    if _, err := db.GetChannel(1, "g1", c.NodeAddress, "t1"); !errors.Is(err, store.ErrNotFound) { t.Fatalf("record kept: %v", err) }

    // the client is still cached, the channel is not: logged, not failed
    if err := r.CloseChannel(ctx, 1, "g1", c.NodeAddress, "t1"); err != nil { t.Fatalf("second close: %v", err) }
    if logs.FilterMessageSnippet("was not cached").Len() != 1 { t.Fatalf("missing inconsistency warning: %v", logs.All()) }
}

func TestCloseChannel_RejectsInFlightOpen(t *testing.T) {
    r := newRegistry(t, &fakeFactory{}, nil, nil)
    c := sender("t1", "0")
    if _, err := r.GetOrBuildClient(1, "g1", c.NodeAddress); err != nil { t.Fatal(err) }
    r.mu.Lock()
    r.pending[c.Key()] = struct{}{}
    r.mu.Unlock()
    if err := r.CloseChannel(context.Background(), 1, "g1", c.NodeAddress, "t1"); !errors.Is(err, ErrChannelBusy) { t.Fatalf("close during open: %v", err) }
    if err := r.OpenChannel(context.Background(), c); !errors.Is(err, ErrChannelBusy) { t.Fatalf("open during open: %v", err) }
}

func TestResyncOnStartup(t *testing.T) {
    ctx := context.Background()
    db := openDB(t)
    for _, c := range []store.Channel{sender("t1", "0"), sender("t2", "1")} {
        if err := db.SaveChannel(c); err != nil { t.Fatal(err) }
    }
    r := newRegistry(t, &fakeFactory{}, db, nil)
    if err := r.Resync(ctx); err != nil { t.Fatalf("resync: %v", err) }
    if err := r.Resync(ctx); err != nil { t.Fatalf("second resync: %v", err) }
    if got := r.Channels(); len(got) != 2 || got[0].Topic != "t1" { t.Fatalf("channels = %+v", got) }

    bad := []store.Channel{sender("t3", "0"), sender("../t", "0")}
    err := r.ResyncOnStartup(ctx, bad)
    if !errors.Is(err, ErrInvalidChannel) { t.Fatalf("bad record: %v", err) }
    if _, err := r.Channel(1, "g1", bad[0].NodeAddress, "t3"); err != nil { t.Fatalf("good record after bad one: %v", err) }
}

func TestClientConfigFromNode(t *testing.T) {
    f := &fakeFactory{}
    r := newRegistry(t, f, nil, nil)
    if _, err := r.GetOrBuildClient(1, "g1", "10.0.0.1:80, 10.0.0.2:80"); err != nil { t.Fatal(err) }
    cfg := f.built[0].cfg
    if len(cfg.Nodes) != 2 || cfg.Nodes[1] != "10.0.0.2:80" { t.Fatalf("nodes = %v", cfg.Nodes) }
    if filepath.Base(cfg.DownloadDir) != "10.0.0.1_80_ 10.0.0.2_80" { t.Fatalf("download dir = %s", cfg.DownloadDir) }
    if got := NodeAddress2Path("127.0.0.1:8080,127.0.0.1:8081"); got != "127.0.0.1_8080_127.0.0.1_8081" { t.Fatalf("path = %s", got) }
}
