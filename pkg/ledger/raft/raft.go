// Package ledgerraft is a ledger.Client replicated with HashiCorp Raft. Each
// group keeps a version -> address registry and the topics held by every
// deployed topic-control contract.
package ledgerraft

import (
    "context"
    "crypto/rand"
    "encoding/hex"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"
    "go.uber.org/zap"
    "go.uber.org/zap/zapio"

    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    "github.com/amirimatin/go-filechain/pkg/ledger"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
)

var (
    ErrNotLeader  = errors.New("ledgerraft: not leader")
    ErrNotStarted = errors.New("ledgerraft: not started")
)

const defaultApplyTimeout = 5 * time.Second

// Ledger is a raft node serving the ledger registry.
type Ledger struct {
    opts Options
    log  *zap.Logger
    st   *State

    mu    sync.RWMutex
    r     *raft.Raft
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    bolt  *raftboltdb.BoltStore
    obs   *raft.Observer
    obsCh chan raft.Observation
    logw  *zapio.Writer

    lch chan ledger.LeaderInfo
}

func New(opts Options) (*Ledger, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = defaultApplyTimeout }
    l := &Ledger{opts: opts, log: logutil.Or(opts.Logger), st: NewState(), lch: make(chan ledger.LeaderInfo, 16)}
    return l, nil
}

func (l *Ledger) Start(ctx context.Context) error {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.r != nil { return nil }

    l.logw = &zapio.Writer{Log: l.log.Named("raft"), Level: zap.DebugLevel}
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(l.opts.NodeID)
    cfg.LogOutput = l.logw
    if l.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = l.opts.HeartbeatTimeout
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2 }
    }
    if l.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = l.opts.ElectionTimeout }
    if l.opts.CommitTimeout > 0 { cfg.CommitTimeout = l.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
    )
    if l.opts.DataDir != "" {
        if l.opts.SnapshotsRetained == 0 { l.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(l.opts.DataDir, 0o755); err != nil { return err }
        bs, err := raftboltdb.NewBoltStore(filepath.Join(l.opts.DataDir, "raft.db"))
        if err != nil { return err }
        l.bolt = bs
        logs, stable = bs, bs
        snaps, err = raft.NewFileSnapshotStore(l.opts.DataDir, l.opts.SnapshotsRetained, l.logw)
        if err != nil { _ = bs.Close(); return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if l.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(l.opts.BindAddr, nil, 3, time.Second, l.logw)
        if err != nil { l.closeStores(); return err }
        l.trans, l.addr = nt, nt.LocalAddr()
    } else {
        l.addr, l.trans = raft.NewInmemTransport(raft.ServerAddress(l.opts.NodeID))
    }
    if lb, ok := l.trans.(raft.LoopbackTransport); ok { l.lb = lb }

    r, err := raft.NewRaft(cfg, newLedgerFSM(l.st), logs, stable, snaps, l.trans)
    if err != nil { l.closeStores(); return err }
    l.r = r

    l.obsCh = make(chan raft.Observation, 32)
    l.obs = raft.NewObserver(l.obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(l.obs)
    go l.watchLeader(l.obsCh)

    if l.opts.Bootstrap {
        servers := []raft.Server{{ID: cfg.LocalID, Address: l.addr}}
        for _, p := range l.opts.Peers {
            if p.ID == l.opts.NodeID { continue }
            servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
        }
        err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
        if err != nil && !errors.Is(err, raft.ErrCantBootstrap) { return err }
    }

    go func() {
        <-ctx.Done()
        _ = l.Stop()
    }()
    return nil
}

func (l *Ledger) closeStores() {
    if l.bolt != nil { _ = l.bolt.Close(); l.bolt = nil }
}

func (l *Ledger) watchLeader(ch <-chan raft.Observation) {
    for range ch {
        id, addr, ok := l.Leader()
        if !ok { continue }
        leader := l.IsLeader()
        if leader { obsmetrics.LedgerIsLeader.Set(1) } else { obsmetrics.LedgerIsLeader.Set(0) }
        select {
        case l.lch <- ledger.LeaderInfo{ID: id, Addr: addr, Term: l.Term()}:
        default:
        }
        if leader && len(l.opts.Groups) > 0 { go l.ensureGroups() }
    }
}

// ensureGroups creates the configured groups that are missing.
func (l *Ledger) ensureGroups() {
    have := map[string]bool{}
    for _, g := range l.st.Groups() { have[g] = true }
    for _, g := range l.opts.Groups {
        if have[g] { continue }
        if err := l.CreateGroup(context.Background(), g); err != nil {
            logutil.Warnf(l.log, "ledger: create group %s: %v", g, err)
            continue
        }
        logutil.Infof(l.log, "ledger: created group %s", g)
    }
}

func (l *Ledger) raftNode() *raft.Raft {
    l.mu.RLock()
    defer l.mu.RUnlock()
    return l.r
}

func (l *Ledger) apply(ctx context.Context, op string, payload any) error {
    if err := ctx.Err(); err != nil { return err }
    r := l.raftNode()
    if r == nil { return ErrNotStarted }
    if r.State() != raft.Leader { return ErrNotLeader }
    cmd, err := newCommand(op, payload)
    if err != nil { return err }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    timeout := l.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d < timeout { timeout = d }
    }
    af := r.Apply(data, timeout)
    if err := af.Error(); err != nil {
        if errors.Is(err, raft.ErrNotLeader) { return ErrNotLeader }
        return err
    }
    if e, ok := af.Response().(error); ok && e != nil { return e }
    return nil
}

// CreateGroup registers a ledger group; creating an existing group is a no-op.
func (l *Ledger) CreateGroup(ctx context.Context, group string) error {
    return l.apply(ctx, OpCreateGroup, createGroupReq{Group: group})
}

func (l *Ledger) ListGroupIDs(ctx context.Context) ([]string, error) { return l.st.Groups(), nil }

func (l *Ledger) ListAddresses(ctx context.Context, group string) (map[int]string, error) {
    return l.st.Addresses(group)
}

func (l *Ledger) AddAddress(ctx context.Context, group string, version int, address string) error {
    return l.apply(ctx, OpAddAddress, addAddressReq{Group: group, Version: version, Address: address})
}

// DeployTopicControl creates an empty contract and returns its address.
func (l *Ledger) DeployTopicControl(ctx context.Context, group string) (string, error) {
    if _, err := l.st.Addresses(group); err != nil { return "", err }
    addr, err := newAddress()
    if err != nil { return "", err }
    if err := l.apply(ctx, OpDeployContract, deployReq{Group: group, Address: addr}); err != nil { return "", err }
    return addr, nil
}

func (l *Ledger) MigrateTopicData(ctx context.Context, group string, from, to int, registry map[int]string) error {
    src, ok := registry[from]
    if !ok { return fmt.Errorf("%w: no address for version %d", ledger.ErrContractNotFound, from) }
    dst, ok := registry[to]
    if !ok { return fmt.Errorf("%w: no address for version %d", ledger.ErrContractNotFound, to) }
    return l.apply(ctx, OpMigrateTopics, migrateReq{Group: group, From: src, To: dst})
}

func (l *Ledger) AddTopic(ctx context.Context, group, address, topic string) error {
    return l.apply(ctx, OpAddTopic, addTopicReq{Group: group, Address: address, Topic: topic})
}

func (l *Ledger) ListTopics(ctx context.Context, group, address string) ([]string, error) {
    return l.st.Topics(group, address)
}

func (l *Ledger) IsLeader() bool {
    r := l.raftNode()
    return r != nil && r.State() == raft.Leader
}

func (l *Ledger) Leader() (id, addr string, ok bool) {
    r := l.raftNode()
    if r == nil { return "", "", false }
    a, sid := r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (l *Ledger) Term() uint64 {
    r := l.raftNode()
    if r == nil { return 0 }
    u, _ := strconv.ParseUint(r.Stats()["current_term"], 10, 64)
    return u
}

// Addr is the raft transport address of this node.
func (l *Ledger) Addr() string {
    l.mu.RLock()
    defer l.mu.RUnlock()
    return string(l.addr)
}

func (l *Ledger) LeaderCh() <-chan ledger.LeaderInfo { return l.lch }

// Servers lists the raft configuration as id -> address.
func (l *Ledger) Servers() (map[string]string, error) {
    r := l.raftNode()
    if r == nil { return nil, ErrNotStarted }
    f := r.GetConfiguration()
    if err := f.Error(); err != nil { return nil, err }
    out := map[string]string{}
    for _, s := range f.Configuration().Servers { out[string(s.ID)] = string(s.Address) }
    return out, nil
}

// AddVoter adds a voting server, replacing a stale entry with the same id.
func (l *Ledger) AddVoter(id, addr string, timeout time.Duration) error {
    r := l.raftNode()
    if r == nil { return ErrNotStarted }
    if r.State() != raft.Leader { return ErrNotLeader }
    if f := r.GetConfiguration(); f.Error() == nil {
        for _, srv := range f.Configuration().Servers {
            if string(srv.ID) != id { continue }
            if string(srv.Address) == addr { return nil }
            if err := r.RemoveServer(srv.ID, 0, timeout).Error(); err != nil { return err }
            break
        }
    }
    return r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout).Error()
}

func (l *Ledger) RemoveServer(id string, timeout time.Duration) error {
    r := l.raftNode()
    if r == nil { return ErrNotStarted }
    if r.State() != raft.Leader { return ErrNotLeader }
    return r.RemoveServer(raft.ServerID(id), 0, timeout).Error()
}

func (l *Ledger) Stop() error {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.r == nil { return nil }
    l.r.DeregisterObserver(l.obs)
    err := l.r.Shutdown().Error()
    close(l.obsCh)
    l.closeStores()
    _ = l.logw.Close()
    l.r = nil
    obsmetrics.LedgerIsLeader.Set(0)
    return err
}

// newAddress returns a contract address: 0x followed by 40 hex digits.
func newAddress() (string, error) {
    var b [20]byte
    if _, err := rand.Read(b[:]); err != nil { return "", err }
    return "0x" + hex.EncodeToString(b[:]), nil
}

var (
    _ ledger.Client        = (*Ledger)(nil)
    _ ledger.TopicRegistry = (*Ledger)(nil)
    _ ledger.Reconfigurer  = (*Ledger)(nil)
)
