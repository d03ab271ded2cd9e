// Package peers tracks the broker nodes of a deployment over gossip
// (HashiCorp memberlist). Each node advertises the topics it receives on in
// its node metadata so any node can answer "who subscribes to topic t".
package peers

import (
    "context"
    "fmt"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"
    jsoniter "github.com/json-iterator/go"
    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
    // MetaTopics is the node meta key listing subscribed topics, comma separated.
    MetaTopics = "topics"
    // MetaNode is the node meta key carrying the broker node address.
    MetaNode = "node"
)

// Member is one broker peer as seen by gossip.
type Member struct {
    ID   string            `json:"id"`
    Addr string            `json:"addr"`
    Meta map[string]string `json:"meta,omitempty"`
}

// Topics returns the topics the member advertises.
func (m Member) Topics() []string { return splitTopics(m.Meta[MetaTopics]) }

// NodeAddr is the advertised broker node address, falling back to the
// gossip address.
func (m Member) NodeAddr() string {
    if v := m.Meta[MetaNode]; v != "" { return v }
    return m.Addr
}

type EventType string

const (
    EventJoin   EventType = "join"
    EventLeave  EventType = "leave"
    EventUpdate EventType = "update"
)

type Event struct {
    Type   EventType
    Member Member
    At     time.Time
}

// Options configures the gossip layer.
type Options struct {
    NodeID string
    // Bind is host:port; port 0 picks a free port.
    Bind      string
    Advertise string
    Meta      map[string]string
    Logger    *zap.Logger

    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    SuspicionMult int
}

// Peers is a memberlist-backed peer set.
type Peers struct {
    mu     sync.RWMutex
    opts   Options
    ml     *memberlist.Memberlist
    del    *nodeDelegate

    emu    sync.Mutex
    evts   chan Event
    closed bool
}

func New(opts Options) (*Peers, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("peers: empty NodeID") }
    if opts.Bind == "" { return nil, fmt.Errorf("peers: empty Bind address") }
    opts.Logger = logutil.Or(opts.Logger)
    meta := make(map[string]string, len(opts.Meta))
    for k, v := range opts.Meta { meta[k] = v }
    return &Peers{opts: opts, del: &nodeDelegate{meta: meta}, evts: make(chan Event, 64)}, nil
}

// Start creates the memberlist instance. It stops when ctx is done.
func (p *Peers) Start(ctx context.Context) error {
    p.mu.Lock()
    defer p.mu.Unlock()
    if p.ml != nil { return nil }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = p.opts.NodeID
    host, port, err := splitHostPort(p.opts.Bind)
    if err != nil { return err }
    cfg.BindAddr, cfg.BindPort = host, port
    if p.opts.Advertise != "" {
        ah, ap, err := splitHostPort(p.opts.Advertise)
        if err != nil { return err }
        cfg.AdvertiseAddr, cfg.AdvertisePort = ah, ap
    }
    if p.opts.ProbeInterval > 0 { cfg.ProbeInterval = p.opts.ProbeInterval }
    if p.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = p.opts.ProbeTimeout }
    if p.opts.SuspicionMult > 0 { cfg.SuspicionMult = p.opts.SuspicionMult }
    cfg.Events = &eventDelegate{emit: p.emit}
    cfg.Delegate = p.del
    cfg.Logger = zap.NewStdLog(p.opts.Logger.Named("memberlist"))

    ml, err := memberlist.Create(cfg)
    if err != nil { return err }
    p.ml = ml

    go func() {
        <-ctx.Done()
        _ = p.Stop()
    }()
    return nil
}

// Join contacts the seeds and returns how many answered.
func (p *Peers) Join(seeds []string) (int, error) {
    ml := p.list()
    if ml == nil { return 0, fmt.Errorf("peers: not started") }
    if len(seeds) == 0 { return 0, nil }
    return ml.Join(seeds)
}

func (p *Peers) list() *memberlist.Memberlist {
    p.mu.RLock()
    defer p.mu.RUnlock()
    return p.ml
}

// Local returns this node as seen by gossip.
func (p *Peers) Local() Member {
    ml := p.list()
    if ml == nil { return Member{ID: p.opts.NodeID, Meta: p.del.snapshot()} }
    return toMember(ml.LocalNode())
}

// Members returns all live peers including the local node, sorted by id.
func (p *Peers) Members() []Member {
    ml := p.list()
    if ml == nil { return nil }
    nodes := ml.Members()
    out := make([]Member, 0, len(nodes))
    for _, n := range nodes { out = append(out, toMember(n)) }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    obsmetrics.Peers.Set(float64(len(out)))
    return out
}

// SetTopics replaces the advertised topic list and pushes the new metadata
// to the cluster.
func (p *Peers) SetTopics(topics []string) error {
    p.del.set(MetaTopics, joinTopics(topics))
    ml := p.list()
    if ml == nil { return nil }
    return ml.UpdateNode(time.Second)
}

// Subscribers returns the node addresses of peers advertising topic.
func (p *Peers) Subscribers(topic string) []string {
    var out []string
    for _, m := range p.Members() {
        for _, t := range m.Topics() {
            if t == topic { out = append(out, m.NodeAddr()); break }
        }
    }
    return out
}

func (p *Peers) Events() <-chan Event { return p.evts }

// HealthScore is memberlist's awareness score: 0 is healthy, higher values
// mean this node is slow to answer probes. It is -1 before Start.
func (p *Peers) HealthScore() int {
    ml := p.list()
    if ml == nil { return -1 }
    return ml.GetHealthScore()
}

// Leave announces departure; it does not stop the instance.
func (p *Peers) Leave() error {
    ml := p.list()
    if ml == nil { return nil }
    return ml.Leave(time.Second)
}

func (p *Peers) Stop() error {
    p.mu.Lock()
    ml := p.ml
    p.ml = nil
    p.mu.Unlock()
    if ml != nil { _ = ml.Shutdown() }

    p.emu.Lock()
    defer p.emu.Unlock()
    if !p.closed {
        p.closed = true
        close(p.evts)
    }
    return nil
}

// emit never blocks; memberlist calls it from its own goroutines and, for
// the local node, from inside Create.
func (p *Peers) emit(e Event) {
    p.emu.Lock()
    defer p.emu.Unlock()
    if p.closed { return }
    select {
    case p.evts <- e:
    default:
        logutil.Warnf(p.opts.Logger, "peers: dropping %s event for %s: channel full", e.Type, e.Member.ID)
    }
}

func toMember(n *memberlist.Node) Member {
    meta := map[string]string{}
    if len(n.Meta) > 0 { _ = json.Unmarshal(n.Meta, &meta) }
    return Member{ID: n.Name, Addr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))), Meta: meta}
}

func splitHostPort(addr string) (string, int, error) {
    host, ps, err := net.SplitHostPort(addr)
    if err != nil { return "", 0, fmt.Errorf("peers: invalid address %q: %w", addr, err) }
    port, err := strconv.Atoi(ps)
    if err != nil || port < 0 || port > 65535 { return "", 0, fmt.Errorf("peers: invalid port in %q", addr) }
    return host, port, nil
}

func splitTopics(csv string) []string {
    var out []string
    for _, t := range strings.Split(csv, ",") {
        if t = strings.TrimSpace(t); t != "" { out = append(out, t) }
    }
    return out
}

func joinTopics(topics []string) string {
    set := make(map[string]struct{}, len(topics))
    for _, t := range topics {
        if t = strings.TrimSpace(t); t != "" { set[t] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for t := range set { out = append(out, t) }
    sort.Strings(out)
    return strings.Join(out, ",")
}

type eventDelegate struct{ emit func(Event) }

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
    d.emit(Event{Type: EventJoin, Member: toMember(n), At: time.Now()})
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
    d.emit(Event{Type: EventLeave, Member: toMember(n), At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
    d.emit(Event{Type: EventUpdate, Member: toMember(n), At: time.Now()})
}

// nodeDelegate serves mutable node metadata to memberlist.
type nodeDelegate struct {
    mu   sync.RWMutex
    meta map[string]string
}

func (d *nodeDelegate) set(k, v string) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if v == "" { delete(d.meta, k); return }
    d.meta[k] = v
}

func (d *nodeDelegate) snapshot() map[string]string {
    d.mu.RLock()
    defer d.mu.RUnlock()
    out := make(map[string]string, len(d.meta))
    for k, v := range d.meta { out[k] = v }
    return out
}

// NodeMeta is truncated to limit; callers keep topic lists short.
func (d *nodeDelegate) NodeMeta(limit int) []byte {
    b, _ := json.Marshal(d.snapshot())
    if len(b) > limit { return nil }
    return b
}

func (d *nodeDelegate) NotifyMsg([]byte)                   {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte    { return nil }
func (d *nodeDelegate) LocalState(bool) []byte             { return nil }
func (d *nodeDelegate) MergeRemoteState([]byte, bool)      {}
