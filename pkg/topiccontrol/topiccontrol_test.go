package topiccontrol

import (
    "context"
    "errors"
    "fmt"
    "reflect"
    "sync"
    "testing"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/ledger"
    ledgerraft "github.com/amirimatin/go-filechain/pkg/ledger/raft"
)

// fakeLedger is an in-memory ledger.Client with call counters and fault hooks.
type fakeLedger struct {
    mu         sync.Mutex
    groups     map[string]map[int]string
    topics     map[string][]string
    next       int
    deploys    int
    adds       int
    migrations [][2]int
    failMigrate bool
    failList    string
}

func newFake() *fakeLedger {
    return &fakeLedger{groups: map[string]map[int]string{}, topics: map[string][]string{}}
}

func (f *fakeLedger) ListGroupIDs(ctx context.Context) ([]string, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    var out []string
    for g := range f.groups { out = append(out, g) }
    return out, nil
}

func (f *fakeLedger) ListAddresses(ctx context.Context, group string) (map[int]string, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    if group == f.failList { return nil, errors.New("registry unreachable") }
    out := map[int]string{}
    for v, a := range f.groups[group] { out[v] = a }
    return out, nil
}

func (f *fakeLedger) AddAddress(ctx context.Context, group string, version int, address string) error {
    f.mu.Lock(); defer f.mu.Unlock()
    if _, ok := f.groups[group][version]; ok { return ledger.ErrAddressExists }
    f.groups[group][version] = address
    f.adds++
    return nil
}

func (f *fakeLedger) DeployTopicControl(ctx context.Context, group string) (string, error) {
    f.mu.Lock(); defer f.mu.Unlock()
    f.next++
    f.deploys++
    return fmt.Sprintf("addr%d", f.next), nil
}

func (f *fakeLedger) MigrateTopicData(ctx context.Context, group string, from, to int, registry map[int]string) error {
    f.mu.Lock(); defer f.mu.Unlock()
    if f.failMigrate { return errors.New("flush failed") }
    f.migrations = append(f.migrations, [2]int{from, to})
    f.topics[registry[to]] = append([]string(nil), f.topics[registry[from]]...)
    return nil
}

func newManager(t *testing.T, f *fakeLedger) *Manager {
    t.Helper()
    m, err := New(f, Options{Current: 2, Supported: []int{1, 2}, Logger: zap.NewNop()})
    if err != nil { t.Fatalf("new: %v", err) }
    return m
}

func TestRunGroup_DeployMigrateRegister(t *testing.T) {
    f := newFake()
    f.groups["g1"] = map[int]string{1: "addrA"}
    f.topics["addrA"] = []string{"t1", "t2"}
    m := newManager(t, f)

    res := m.RunGroup(context.Background(), "g1")
    if res.Err != nil { t.Fatalf("run: %v", res.Err) }
    if res.Deployed != "addr1" || res.MigratedFrom != 1 { t.Fatalf("result = %+v", res) }
    if !reflect.DeepEqual(f.groups["g1"], map[int]string{1: "addrA", 2: "addr1"}) { t.Fatalf("registry = %v", f.groups["g1"]) }
    if !reflect.DeepEqual(f.topics["addr1"], []string{"t1", "t2"}) { t.Fatalf("migrated topics = %v", f.topics["addr1"]) }
    want := []EchoAddress{{Version: 1, Address: "addrA"}, {Version: 2, Address: "addr1", New: true}}
    if !reflect.DeepEqual(res.Addresses, want) { t.Fatalf("echo = %v", res.Addresses) }

    again := m.RunGroup(context.Background(), "g1")
    if again.Err != nil || again.Deployed != "" { t.Fatalf("second run = %+v", again) }
    if f.deploys != 1 || f.adds != 1 || len(f.migrations) != 1 { t.Fatalf("side effects on rerun: deploys=%d adds=%d migrations=%v", f.deploys, f.adds, f.migrations) }
}

func TestRunGroup_EmptyRegistryDeploysWithoutMigration(t *testing.T) {
    f := newFake()
    f.groups["g1"] = map[int]string{}
    res := newManager(t, f).RunGroup(context.Background(), "g1")
    if res.Err != nil || res.MigratedFrom != 0 || len(f.migrations) != 0 { t.Fatalf("result = %+v, migrations = %v", res, f.migrations) }
    if f.groups["g1"][2] != res.Deployed { t.Fatalf("registry = %v", f.groups["g1"]) }
}

func TestRunGroup_UnknownVersionTouchesNothing(t *testing.T) {
    f := newFake()
    f.groups["g1"] = map[int]string{1: "addrA", 7: "addrX"}
    res := newManager(t, f).RunGroup(context.Background(), "g1")
    if !errors.Is(res.Err, ErrUnknownVersion) { t.Fatalf("err = %v", res.Err) }
    if res.Message == "" { t.Fatalf("message not set") }
    if f.deploys != 0 || f.adds != 0 || len(f.migrations) != 0 { t.Fatalf("side effects on unknown version") }
}

func TestRunGroup_MigrationFailureLeavesRegistry(t *testing.T) {
    f := newFake()
    f.groups["g1"] = map[int]string{1: "addrA"}
    f.failMigrate = true
    res := newManager(t, f).RunGroup(context.Background(), "g1")
    if !errors.Is(res.Err, ErrMigrate) { t.Fatalf("err = %v", res.Err) }
    if res.Deployed == "" { t.Fatalf("deployed address not reported") }
    if _, ok := f.groups["g1"][2]; ok { t.Fatalf("registered despite failed migration") }
}

func TestRun_AggregatesGroupFailures(t *testing.T) {
    for _, parallel := range []bool{false, true} {
        f := newFake()
        f.groups["g1"] = map[int]string{1: "addrA"}
        f.groups["g2"] = map[int]string{9: "addrZ"}
        f.groups["g3"] = map[int]string{}
        f.groups["g4"] = map[int]string{}
        f.failList = "g4"
        m, err := New(f, Options{Parallel: parallel, Logger: zap.NewNop()})
        if err != nil { t.Fatal(err) }

        results, err := m.Run(context.Background())
        if !errors.Is(err, ErrUnknownVersion) { t.Fatalf("parallel=%v err = %v", parallel, err) }
        if len(results) != 4 { t.Fatalf("results = %+v", results) }
        if results[0].Err != nil || results[2].Err != nil { t.Fatalf("healthy groups failed: %+v", results) }
        if results[1].Err == nil || results[3].Err == nil { t.Fatalf("broken groups succeeded: %+v", results) }
        if f.groups["g3"][CurrentVersion] == "" { t.Fatalf("g3 not brought current") }
    }
}

func TestNew_RejectsCurrentOutsideSupported(t *testing.T) {
    if _, err := New(newFake(), Options{Current: 3, Supported: []int{1, 2}}); err == nil { t.Fatalf("accepted") }
    if _, err := New(nil, Options{}); err == nil { t.Fatalf("nil client accepted") }
}

func TestRun_AgainstRaftLedger(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    l, err := ledgerraft.New(ledgerraft.Options{NodeID: "n1", Bootstrap: true, Logger: zap.NewNop()})
    if err != nil { t.Fatal(err) }
    if err := l.Start(ctx); err != nil { t.Fatal(err) }
    defer l.Stop()
    deadline := time.Now().Add(5 * time.Second)
    for !l.IsLeader() {
        if time.Now().After(deadline) { t.Fatalf("no leader") }
        time.Sleep(50 * time.Millisecond)
    }

    if err := l.CreateGroup(ctx, "g1"); err != nil { t.Fatal(err) }
    addrA, err := l.DeployTopicControl(ctx, "g1")
    if err != nil { t.Fatal(err) }
    if err := l.AddAddress(ctx, "g1", 1, addrA); err != nil { t.Fatal(err) }
    if err := l.AddTopic(ctx, "g1", addrA, "t1"); err != nil { t.Fatal(err) }

    m, err := New(l, Options{Logger: zap.NewNop()})
    if err != nil { t.Fatal(err) }
    results, err := m.Run(ctx)
    if err != nil { t.Fatalf("run: %v", err) }
    addrB := results[0].Deployed
    got, _ := l.ListAddresses(ctx, "g1")
    if !reflect.DeepEqual(got, map[int]string{1: addrA, 2: addrB}) { t.Fatalf("registry = %v", got) }
    topics, _ := l.ListTopics(ctx, "g1", addrB)
    if !reflect.DeepEqual(topics, []string{"t1"}) { t.Fatalf("topics = %v", topics) }
    cur, err := m.CurrentAddress(ctx, "g1")
    if err != nil || cur != addrB { t.Fatalf("current = %s, %v", cur, err) }
}
