// Package node is the facade of a filechain process: it wires the channel
// registry, the upload coordinator, the embedded ledger and gossip peers,
// and serves them through the administrative API.
package node

import (
    "context"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    "github.com/amirimatin/go-filechain/pkg/ledger"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
    "github.com/amirimatin/go-filechain/pkg/observability/tracing"
    "github.com/amirimatin/go-filechain/pkg/peers"
    "github.com/amirimatin/go-filechain/pkg/registry"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/topiccontrol"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

// Node implements transport.Admin.
type Node struct {
    opts Options
    log  *zap.Logger

    reg     *registry.Registry
    uploads *upload.Coordinator
    tc      *topiccontrol.Manager
    eb      eventBus

    mu  sync.Mutex
    run struct {
        started bool
        closed  bool
        cancel  context.CancelFunc
    }
}

var _ transport.Admin = (*Node)(nil)

// New assembles a node from validated options. It performs no network
// activity; call Start to launch it.
func New(opts Options) (*Node, error) {
    if err := opts.Validate(); err != nil { return nil, err }
    if opts.LedgerTimeout <= 0 { opts.LedgerTimeout = 3 * time.Second }
    n := &Node{opts: opts, log: logutil.Or(opts.Logger)}

    reg, err := registry.New(registry.Options{
        Factory:     opts.Broker,
        Store:       opts.Store,
        DownloadDir: opts.DownloadDir,
        ChunkSize:   opts.ChunkSize,
        ListenerFor: n.listenerFor,
        Logger:      n.log,
    })
    if err != nil { return nil, err }
    n.reg = reg

    n.uploads, err = upload.New(upload.Options{
        Store:     opts.Chunks,
        Channels:  reg,
        Status:    opts.Store,
        Workers:   opts.PublishWorkers,
        Queue:     opts.PublishQueue,
        Retries:   opts.UploadRetries,
        OnPublish: n.onPublish,
        Logger:    n.log,
    })
    if err != nil { return nil, err }

    if opts.Ledger != nil {
        n.tc, err = topiccontrol.New(opts.Ledger, topiccontrol.Options{
            Current:   opts.CurrentVersion,
            Supported: opts.SupportedVersions,
            Logger:    n.log,
        })
        if err != nil { return nil, err }
    }
    return n, nil
}

// Start launches the ledger and gossip, reopens persisted channels, then
// restores upload sessions, then starts the admin servers. Channel records that fail
// to reopen are logged and skipped.
func (n *Node) Start(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.started { return nil }
    n.run.started = true
    obsmetrics.Register()
    bg, cancel := context.WithCancel(context.Background())
    n.run.cancel = cancel

    if l := n.opts.Ledger; l != nil {
        if err := l.Start(ctx); err != nil { return fmt.Errorf("node: start ledger: %w", err) }
        go n.leaderLoop(bg, l.LeaderCh())
    }
    if m := n.opts.Membership; m != nil {
        if err := m.Start(ctx); err != nil { return fmt.Errorf("node: start peers: %w", err) }
        if n.opts.Discovery != nil {
            if seeds := n.opts.Discovery.Seeds(); len(seeds) > 0 {
                logutil.Infof(n.log, "joining peer seeds: %v", seeds)
                if _, err := m.Join(seeds); err != nil { logutil.Warnf(n.log, "node: join peers: %v", err) }
            }
        }
        go n.peerLoop(bg, m.Events())
    }

    // channels first: restored sessions that are already complete publish
    // through them straight away
    if err := n.reg.Resync(ctx); err != nil { logutil.Errorf(n.log, "node: resync channels: %v", err) }
    if _, err := n.uploads.Restore(ctx); err != nil { logutil.Warnf(n.log, "node: restore uploads: %v", err) }

    for _, s := range n.opts.RPCServers {
        if err := s.Start(bg, n); err != nil { return fmt.Errorf("node: start admin server: %w", err) }
        logutil.Infof(n.log, "admin endpoint listening at %s", s.Addr())
    }
    return nil
}

// Stop shuts the admin servers, uploads, channels, gossip and ledger down
// and closes the store.
func (n *Node) Stop(ctx context.Context) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.run.closed { return nil }
    n.run.closed = true
    if n.run.cancel != nil { n.run.cancel() }
    var errs []error
    for _, s := range n.opts.RPCServers {
        if err := s.Stop(ctx); err != nil { errs = append(errs, err) }
    }
    n.uploads.Close()
    if err := n.reg.Shutdown(); err != nil { errs = append(errs, err) }
    if m := n.opts.Membership; m != nil {
        _ = m.Leave()
        if err := m.Stop(); err != nil { errs = append(errs, err) }
    }
    if l := n.opts.Ledger; l != nil {
        if err := l.Stop(); err != nil { errs = append(errs, err) }
    }
    if err := n.opts.Store.Close(); err != nil { errs = append(errs, err) }
    return errors.Join(errs...)
}

// Close is a convenience alias for Stop with a background context.
func (n *Node) Close() error { return n.Stop(context.Background()) }

// Registry exposes the channel registry.
func (n *Node) Registry() *registry.Registry { return n.reg }

// Endpoints returns the addresses the admin servers listen on.
func (n *Node) Endpoints() []string {
    out := make([]string, 0, len(n.opts.RPCServers))
    for _, s := range n.opts.RPCServers { out = append(out, s.Addr()) }
    return out
}

// Uploads exposes the upload coordinator.
func (n *Node) Uploads() *upload.Coordinator { return n.uploads }

func (n *Node) leaderLoop(ctx context.Context, ch <-chan ledger.LeaderInfo) {
    for {
        select {
        case <-ctx.Done():
            return
        case li, ok := <-ch:
            if !ok { return }
            logutil.Infof(n.log, "ledger leader change observed: id=%s term=%d", li.ID, li.Term)
            info := li
            n.eb.publish(Event{Type: EventLeaderChanged, Leader: &info})
        }
    }
}

func (n *Node) peerLoop(ctx context.Context, ch <-chan peers.Event) {
    for {
        select {
        case <-ctx.Done():
            return
        case e, ok := <-ch:
            if !ok { return }
            obsmetrics.Peers.Set(float64(len(n.opts.Membership.Members())))
            switch e.Type {
            case peers.EventJoin:
                n.eb.publish(Event{Type: EventPeerJoin, Peer: e.Member.ID, At: e.At})
            case peers.EventLeave:
                n.eb.publish(Event{Type: EventPeerLeave, Peer: e.Member.ID, At: e.At})
            }
        }
    }
}

func (n *Node) listenerFor(c store.Channel) broker.Listener {
    key := c.Key()
    return broker.ListenerFuncs{
        File: func(topic, fileName string) {
            logutil.Infof(n.log, "file %s received on %s", fileName, key)
            n.eb.publish(Event{Type: EventFileReceived, Channel: key, Topic: topic, FileName: fileName})
        },
        Error: func(err error) {
            logutil.Errorf(n.log, "receiver %s: %v", key, err)
            n.eb.publish(Event{Type: EventFileReceived, Channel: key, Topic: c.Topic, Err: err})
        },
    }
}

func (n *Node) onPublish(r upload.Result) {
    ev := Event{
        Type:     EventPublishSucceeded,
        Channel:  store.ChannelKey(r.BrokerID, r.GroupID, r.NodeAddress, r.Topic),
        Topic:    r.Topic,
        FileName: r.FileName,
        FileID:   r.FileID,
        Err:      r.Err,
    }
    if r.Status != store.StatusSuccess { ev.Type = EventPublishFailed }
    n.eb.publish(ev)
}

// Status returns a snapshot of the ledger, peers, channels and uploads.
func (n *Node) Status(ctx context.Context) (transport.NodeStatus, error) {
    s := transport.NodeStatus{
        NodeID:   n.opts.NodeID,
        Healthy:  true,
        Channels: len(n.reg.Channels()),
        Uploads:  len(n.uploads.Sessions()),
    }
    if l := n.opts.Ledger; l != nil {
        ls := &transport.LedgerStatus{IsLeader: l.IsLeader(), Term: l.Term()}
        if id, addr, ok := l.Leader(); ok {
            ls.LeaderID, ls.LeaderAddr = id, addr
        } else {
            s.Healthy = false
            s.Warnings = append(s.Warnings, "ledger has no leader")
        }
        ls.Groups, _ = l.ListGroupIDs(ctx)
        if srv, err := l.Servers(); err == nil { ls.Servers = srv }
        s.Ledger = ls
    }
    if m := n.opts.Membership; m != nil {
        members := m.Members()
        obsmetrics.Peers.Set(float64(len(members)))
        for _, p := range members {
            s.Peers = append(s.Peers, transport.PeerInfo{ID: p.ID, Addr: p.Addr, Node: p.NodeAddr(), Topics: p.Topics()})
        }
        if hr, ok := m.(HealthReporter); ok {
            if score := hr.HealthScore(); score > 0 {
                s.Healthy = false
                s.Warnings = append(s.Warnings, fmt.Sprintf("gossip health score %d", score))
            }
        }
    }
    return s, nil
}

// OpenTransport opens a channel. A sender topic is also registered on the
// group's current topic-control contract when this node leads the ledger.
func (n *Node) OpenTransport(ctx context.Context, c store.Channel) error {
    ctx, end := tracing.StartSpan(ctx, "node.openTransport", "channel", c.Key())
    defer end()
    if err := n.reg.OpenChannel(ctx, c); err != nil {
        tracing.Fail(ctx, err)
        return err
    }
    n.eb.publish(Event{Type: EventChannelOpened, Channel: c.Key(), Topic: c.Topic})
    if c.Role == store.RoleSender { n.registerTopic(ctx, c.GroupID, c.Topic) }
    return nil
}

func (n *Node) registerTopic(ctx context.Context, group, topic string) {
    l := n.opts.Ledger
    if l == nil || !l.IsLeader() { return }
    addr, err := n.tc.CurrentAddress(ctx, group)
    if err == nil { err = l.AddTopic(ctx, group, addr, topic) }
    if err != nil { logutil.Warnf(n.log, "node: register topic %s on group %s: %v", topic, group, err) }
}

func (n *Node) CloseTransport(ctx context.Context, k transport.ChannelKey) error {
    ctx, end := tracing.StartSpan(ctx, "node.closeTransport", "topic", k.Topic)
    defer end()
    if err := n.reg.CloseChannel(ctx, k.BrokerID, k.GroupID, k.NodeAddress, k.Topic); err != nil {
        tracing.Fail(ctx, err)
        return err
    }
    n.eb.publish(Event{Type: EventChannelClosed, Channel: store.ChannelKey(k.BrokerID, k.GroupID, k.NodeAddress, k.Topic), Topic: k.Topic})
    return nil
}

// ListTransports lists the persisted channels of one broker and group, or
// every channel when the group is empty.
func (n *Node) ListTransports(ctx context.Context, q transport.GroupQuery) ([]store.Channel, error) {
    if q.GroupID == "" { return n.opts.Store.ListChannels() }
    return n.opts.Store.ChannelsByGroup(q.BrokerID, q.GroupID)
}

// PrepareUpload opens or resumes an upload on an open sender channel. A new
// upload of a file the topic already holds is refused unless the channel
// overwrites.
func (n *Node) PrepareUpload(ctx context.Context, req upload.PrepareRequest) ([]int, error) {
    c, err := n.reg.Channel(req.BrokerID, req.GroupID, req.NodeAddress, req.Topic)
    if err != nil { return nil, err }
    if c.Role != store.RoleSender { return nil, fmt.Errorf("%w: %s", ErrNotSender, c.Key()) }
    if up, err := n.uploads.Uploaded(req.FileID); err == nil { return up, nil }
    if c.OverWrite != "1" {
        q := transport.FileQuery{TopicQuery: transport.TopicQuery{BrokerID: req.BrokerID, GroupID: req.GroupID, NodeAddress: req.NodeAddress, Topic: req.Topic}, FileName: req.FileName}
        if err := n.CheckUpload(ctx, q); err != nil { return nil, err }
    }
    return n.uploads.Prepare(ctx, req)
}

func (n *Node) UploadChunk(ctx context.Context, req transport.ChunkRequest) error {
    return n.uploads.UploadChunk(ctx, req.FileID, req.Chunk, req.Data)
}

func (n *Node) ListUploads(ctx context.Context) ([]upload.Session, error) {
    return n.uploads.Sessions(), nil
}

// UploadStatus lists the publish records of a channel. Successful records
// report process "100%" and, when the broker still has sender statistics
// for the file, its measured speed.
func (n *Node) UploadStatus(ctx context.Context, q transport.TopicQuery) ([]store.TransportStatus, error) {
    recs, err := n.opts.Store.StatusByChannel(q.BrokerID, q.GroupID, q.NodeAddress, q.Topic)
    if err != nil { return nil, err }
    speeds := map[string]string{}
    if c, err := n.reg.Client(q.BrokerID, q.GroupID, q.NodeAddress); err == nil {
        for _, fs := range c.Status(q.Topic).Sender { speeds[fs.File.FileName] = fs.Speed }
    }
    for i := range recs {
        if recs[i].Status != store.StatusSuccess { continue }
        recs[i].Process = "100%"
        if sp, ok := speeds[recs[i].FileName]; ok && sp != "" { recs[i].Speed = sp }
    }
    return recs, nil
}

// DownloadStatus reports the files received on a channel.
func (n *Node) DownloadStatus(ctx context.Context, q transport.TopicQuery) ([]transport.DownloadStatus, error) {
    c, err := n.reg.Client(q.BrokerID, q.GroupID, q.NodeAddress)
    if err != nil { return nil, err }
    var out []transport.DownloadStatus
    for _, fs := range c.Status(q.Topic).Receiver {
        ds := transport.DownloadStatus{
            FileName: fs.File.FileName,
            Topic:    q.Topic,
            FileSize: fs.File.FileSize,
            FileMD5:  fs.File.FileMD5,
            Process:  fs.Process,
            Status:   "3",
        }
        if fs.Process == "100.00%" {
            ds.Status, ds.Speed = "1", fs.Speed
        }
        out = append(out, ds)
    }
    return out, nil
}

func (n *Node) ListFiles(ctx context.Context, q transport.TopicQuery) ([]broker.FileInfo, error) {
    c, err := n.reg.Client(q.BrokerID, q.GroupID, q.NodeAddress)
    if err != nil { return nil, err }
    return c.ListFiles(ctx, q.GroupID, q.Topic)
}

func (n *Node) CheckUpload(ctx context.Context, q transport.FileQuery) error {
    c, err := n.reg.Client(q.BrokerID, q.GroupID, q.NodeAddress)
    if err != nil { return err }
    ok, err := c.IsFileExist(ctx, q.FileName, q.Topic, q.GroupID)
    if err != nil { return err }
    if ok { return fmt.Errorf("%w: %s/%s", ErrFileUploaded, q.Topic, q.FileName) }
    return nil
}

// DownloadPath resolves a received file to
// <download>/<node path>/<group>/<topic>/<file>.
func (n *Node) DownloadPath(ctx context.Context, q transport.FileQuery) (string, error) {
    for _, part := range []string{q.GroupID, q.Topic, q.FileName} {
        if part == "" || strings.Contains(part, "..") || strings.ContainsAny(part, `/\`) {
            return "", fmt.Errorf("%w: download path component %q", transport.ErrInvalid, part)
        }
    }
    p := filepath.Join(n.opts.DownloadDir, registry.NodeAddress2Path(q.NodeAddress), q.GroupID, q.Topic, q.FileName)
    st, err := os.Stat(p)
    if err != nil || st.IsDir() { return "", fmt.Errorf("%w: %s", ErrFileNotFound, q.FileName) }
    return p, nil
}

func (n *Node) Subscribers(ctx context.Context, q transport.TopicQuery) ([]string, error) {
    c, err := n.reg.Client(q.BrokerID, q.GroupID, q.NodeAddress)
    if err != nil { return nil, err }
    return c.Subscribers(ctx, q.Topic)
}

func (n *Node) GenerateKeys(ctx context.Context, req transport.KeyRequest) (keys.Pair, error) {
    return keys.Generate(req.Kind)
}

func (n *Node) GrantTopic(ctx context.Context, a store.TopicAuth) (store.TopicAuth, error) {
    if err := registry.ValidateTopic(a.TopicName); err != nil { return a, err }
    if a.UserName == "" { return a, fmt.Errorf("%w: empty user name", transport.ErrInvalid) }
    return n.opts.Store.SaveTopicAuth(a)
}

func (n *Node) RevokeTopic(ctx context.Context, id uint64) error {
    return n.opts.Store.DeleteTopicAuth(id)
}

func (n *Node) TopicGrants(ctx context.Context, user string) ([]store.TopicAuth, error) {
    return n.opts.Store.TopicAuthsByUser(user)
}

// Deploy brings every ledger group's topic-control contract to the current
// version. Group failures are reported in the response, not as an error.
func (n *Node) Deploy(ctx context.Context) (transport.DeployResponse, error) {
    if n.tc == nil { return transport.DeployResponse{}, ErrNoLedger }
    results, err := n.tc.Run(ctx)
    resp := transport.DeployResponse{Groups: results}
    if err != nil { resp.Error = err.Error() }
    return resp, nil
}

// LedgerJoin adds a voter to the ledger. Only the leader accepts; followers
// answer with the leader's raft address as a hint.
func (n *Node) LedgerJoin(ctx context.Context, req transport.JoinRequest) (transport.JoinResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.ledgerJoin", "id", req.ID)
    defer end()
    l := n.opts.Ledger
    if l == nil { return transport.JoinResponse{}, ErrNoLedger }
    if req.ID == "" || req.RaftAddr == "" {
        return transport.JoinResponse{}, fmt.Errorf("%w: join needs id and raft address", transport.ErrInvalid)
    }
    if !l.IsLeader() {
        _, addr, _ := l.Leader()
        logutil.Warnf(n.log, "ledger join rejected (not leader): id=%s", req.ID)
        return transport.JoinResponse{Accepted: false, Leader: addr, Error: transport.ErrNotLeader.Error()}, nil
    }
    if err := l.AddVoter(req.ID, req.RaftAddr, n.opts.LedgerTimeout); err != nil {
        logutil.Errorf(n.log, "add voter failed: id=%s addr=%s err=%v", req.ID, req.RaftAddr, err)
        return transport.JoinResponse{Accepted: false, Error: err.Error()}, nil
    }
    logutil.Infof(n.log, "ledger join accepted: id=%s addr=%s", req.ID, req.RaftAddr)
    return transport.JoinResponse{Accepted: true}, nil
}

// LedgerLeave removes a server from the ledger (leader only).
func (n *Node) LedgerLeave(ctx context.Context, req transport.LeaveRequest) (transport.LeaveResponse, error) {
    _, end := tracing.StartSpan(ctx, "node.ledgerLeave", "id", req.ID)
    defer end()
    l := n.opts.Ledger
    if l == nil { return transport.LeaveResponse{}, ErrNoLedger }
    if !l.IsLeader() {
        logutil.Warnf(n.log, "ledger leave rejected (not leader): id=%s", req.ID)
        return transport.LeaveResponse{Accepted: false, Error: transport.ErrNotLeader.Error()}, nil
    }
    if err := l.RemoveServer(req.ID, n.opts.LedgerTimeout); err != nil {
        return transport.LeaveResponse{Accepted: false, Error: err.Error()}, nil
    }
    logutil.Infof(n.log, "ledger leave accepted: id=%s", req.ID)
    return transport.LeaveResponse{Accepted: true}, nil
}
