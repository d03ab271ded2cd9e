// Package registry owns the process-wide caches of broker clients and open
// transport channels. It is constructed once at startup and shared by
// reference; all compound check-then-act sequences run under its lock.
package registry

import (
    "context"
    "errors"
    "fmt"
    "path/filepath"
    "sort"
    "strings"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
    "github.com/amirimatin/go-filechain/pkg/store"
)

var (
    ErrInvalidChannel  = errors.New("registry: invalid channel")
    ErrChannelExists   = errors.New("registry: channel already exists")
    ErrChannelBusy     = errors.New("registry: channel open or close in progress")
    ErrChannelNotFound = errors.New("registry: channel not found")
    ErrClientNotFound  = errors.New("registry: broker client not found")
)

const maxTopicLen = 64

// ChannelStore persists channel records.
type ChannelStore interface {
    SaveChannel(c store.Channel) error
    DeleteChannel(brokerID int, groupID, nodeAddress, topic string) error
    ListChannels() ([]store.Channel, error)
}

type Options struct {
    Factory broker.Factory
    Store   ChannelStore
    // DownloadDir is the receiver root; each node address gets
    // DownloadDir/NodeAddress2Path(node).
    DownloadDir string
    ChunkSize   int
    // ListenerFor returns the listener of a receiver channel. Nil logs
    // received files.
    ListenerFor func(c store.Channel) broker.Listener
    Logger      *zap.Logger
}

type Registry struct {
    opts Options
    log  *zap.Logger

    mu       sync.Mutex
    clients  map[string]broker.FileClient // store.ClientKey
    channels map[string]store.Channel     // store.ChannelKey
    pending  map[string]struct{}          // channel keys with an open or close in flight
}

func New(opts Options) (*Registry, error) {
    if opts.Factory == nil { return nil, errors.New("registry: nil broker factory") }
    if opts.DownloadDir == "" { return nil, errors.New("registry: empty download dir") }
    return &Registry{
        opts:     opts,
        log:      logutil.Or(opts.Logger),
        clients:  make(map[string]broker.FileClient),
        channels: make(map[string]store.Channel),
        pending:  make(map[string]struct{}),
    }, nil
}

// ValidateTopic rejects names that cannot be a topic directory.
func ValidateTopic(topic string) error {
    if topic == "" || len(topic) > maxTopicLen {
        return fmt.Errorf("%w: topic length must be 1..%d", ErrInvalidChannel, maxTopicLen)
    }
    if strings.Contains(topic, "..") { return fmt.Errorf("%w: topic %q contains ..", ErrInvalidChannel, topic) }
    for _, r := range topic {
        if r <= ' ' || r > '~' || r == '/' || r == '\\' {
            return fmt.Errorf("%w: topic %q has invalid character %q", ErrInvalidChannel, topic, r)
        }
    }
    return nil
}

// Validate checks the channel fields an open request depends on.
func Validate(c store.Channel) error {
    if err := ValidateTopic(c.Topic); err != nil { return err }
    if c.Role != store.RoleSender && c.Role != store.RoleReceiver {
        return fmt.Errorf("%w: role %q", ErrInvalidChannel, c.Role)
    }
    if c.OverWrite != "0" && c.OverWrite != "1" {
        return fmt.Errorf("%w: overWrite %q must be 0 or 1", ErrInvalidChannel, c.OverWrite)
    }
    if c.GroupID == "" || c.NodeAddress == "" {
        return fmt.Errorf("%w: group and node address are required", ErrInvalidChannel)
    }
    if strings.Contains(c.GroupID, "..") || strings.ContainsAny(c.GroupID, `/\`) {
        return fmt.Errorf("%w: group %q", ErrInvalidChannel, c.GroupID)
    }
    return nil
}

// NodeAddress2Path turns a node address list into a directory name.
func NodeAddress2Path(addr string) string {
    return strings.NewReplacer(":", "_", ",", "_").Replace(addr)
}

// OpenChannel opens c on its broker client, caches the client and the
// channel policy, and persists the record.
func (r *Registry) OpenChannel(ctx context.Context, c store.Channel) error {
    if err := Validate(c); err != nil { return err }
    key := c.Key()

    r.mu.Lock()
    if _, ok := r.channels[key]; ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrChannelExists, key)
    }
    if _, ok := r.pending[key]; ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrChannelBusy, key)
    }
    r.pending[key] = struct{}{}
    r.mu.Unlock()
    defer r.release(key)

    client, built, err := r.getOrBuild(c.BrokerID, c.GroupID, c.NodeAddress)
    if err != nil { return err }

    if c.Role == store.RoleReceiver {
        err = client.OpenReceiver(ctx, c.Topic, r.listener(c), []byte(c.PrivateKey))
    } else {
        err = client.OpenSender(ctx, c.Topic, []byte(c.PublicKey))
    }
    if err != nil {
        logutil.Errorf(r.log, "registry: open %s transport %s: %v", c.Role, key, err)
        if built { r.evictIdle(c, client) }
        return err
    }

    if r.opts.Store != nil {
        if err := r.opts.Store.SaveChannel(c); err != nil {
            _ = client.Close(c.Topic)
            return fmt.Errorf("registry: persist channel %s: %w", key, err)
        }
    }

    r.mu.Lock()
    r.channels[key] = c
    r.mu.Unlock()
    obsmetrics.ChannelsOpen.Inc()
    logutil.Infof(r.log, "registry: opened %s transport group=%s topic=%s", c.Role, c.GroupID, c.Topic)
    return nil
}

func (r *Registry) release(key string) {
    r.mu.Lock()
    delete(r.pending, key)
    r.mu.Unlock()
}

func (r *Registry) listener(c store.Channel) broker.Listener {
    if r.opts.ListenerFor != nil {
        if l := r.opts.ListenerFor(c); l != nil { return l }
    }
    return broker.ListenerFuncs{
        File:  func(topic, name string) { logutil.Infof(r.log, "registry: received file %s from topic %s", name, topic) },
        Error: func(err error) { logutil.Errorf(r.log, "registry: receiver %s: %v", c.Key(), err) },
    }
}

// evictIdle drops a freshly built client that no other channel uses.
func (r *Registry) evictIdle(c store.Channel, client broker.FileClient) {
    ck := store.ClientKey(c.BrokerID, c.GroupID, c.NodeAddress)
    self := c.Key()
    r.mu.Lock()
    for k := range r.channels {
        if strings.HasPrefix(k, ck+store.Sep) { r.mu.Unlock(); return }
    }
    for k := range r.pending {
        if k != self && strings.HasPrefix(k, ck+store.Sep) { r.mu.Unlock(); return }
    }
    if r.clients[ck] == client { delete(r.clients, ck) }
    r.mu.Unlock()
    _ = client.Shutdown()
}

// CloseChannel closes the topic on the broker client, deletes the record and
// evicts the cached policy. A missing cache entry is logged, not returned.
func (r *Registry) CloseChannel(ctx context.Context, brokerID int, groupID, node, topic string) error {
    key := store.ChannelKey(brokerID, groupID, node, topic)
    r.mu.Lock()
    if _, ok := r.pending[key]; ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrChannelBusy, key)
    }
    client, ok := r.clients[store.ClientKey(brokerID, groupID, node)]
    if !ok {
        r.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrClientNotFound, store.ClientKey(brokerID, groupID, node))
    }
    r.pending[key] = struct{}{}
    r.mu.Unlock()
    defer r.release(key)

    if err := client.Close(topic); err != nil {
        if !errors.Is(err, broker.ErrTopicNotOpen) { return err }
        logutil.Warnf(r.log, "registry: broker had no open transport %s", key)
    }
    if r.opts.Store != nil {
        if err := r.opts.Store.DeleteChannel(brokerID, groupID, node, topic); err != nil {
            return fmt.Errorf("registry: delete channel %s: %w", key, err)
        }
    }

    r.mu.Lock()
    _, cached := r.channels[key]
    delete(r.channels, key)
    r.mu.Unlock()
    if !cached {
        logutil.Warnf(r.log, "registry: closed channel %s was not cached", key)
        return nil
    }
    obsmetrics.ChannelsOpen.Dec()
    logutil.Infof(r.log, "registry: closed transport group=%s topic=%s", groupID, topic)
    return nil
}

// ResyncOnStartup reopens persisted channels. Channels that are already
// open count as success; other failures are joined and returned after every
// channel was attempted.
func (r *Registry) ResyncOnStartup(ctx context.Context, chans []store.Channel) error {
    var errs []error
    for _, c := range chans {
        err := r.OpenChannel(ctx, c)
        if err == nil || errors.Is(err, ErrChannelExists) { continue }
        errs = append(errs, fmt.Errorf("resync %s: %w", c.Key(), err))
    }
    return errors.Join(errs...)
}

// Resync replays every channel in the configured store.
func (r *Registry) Resync(ctx context.Context) error {
    if r.opts.Store == nil { return nil }
    chans, err := r.opts.Store.ListChannels()
    if err != nil { return err }
    return r.ResyncOnStartup(ctx, chans)
}

// GetOrBuildClient returns the cached client for (broker, group, node),
// building it on first use.
func (r *Registry) GetOrBuildClient(brokerID int, groupID, node string) (broker.FileClient, error) {
    c, _, err := r.getOrBuild(brokerID, groupID, node)
    return c, err
}

// getOrBuild builds outside the lock; when two callers race the first
// insert wins and the loser shuts its handle down.
func (r *Registry) getOrBuild(brokerID int, groupID, node string) (broker.FileClient, bool, error) {
    key := store.ClientKey(brokerID, groupID, node)
    r.mu.Lock()
    if c, ok := r.clients[key]; ok {
        r.mu.Unlock()
        return c, false, nil
    }
    r.mu.Unlock()

    nodes := strings.Split(node, ",")
    for i := range nodes { nodes[i] = strings.TrimSpace(nodes[i]) }
    c, err := r.opts.Factory.Build(broker.ClientConfig{
        GroupID:     groupID,
        Nodes:       nodes,
        DownloadDir: filepath.Join(r.opts.DownloadDir, NodeAddress2Path(node)),
        ChunkSize:   r.opts.ChunkSize,
    })
    if err != nil { return nil, false, fmt.Errorf("registry: build client %s: %w", key, err) }

    r.mu.Lock()
    if existing, ok := r.clients[key]; ok {
        r.mu.Unlock()
        _ = c.Shutdown()
        obsmetrics.ClientReuse.Inc()
        return existing, false, nil
    }
    r.clients[key] = c
    r.mu.Unlock()
    obsmetrics.ClientBuilds.Inc()
    return c, true, nil
}

// Client returns the cached client without building one.
func (r *Registry) Client(brokerID int, groupID, node string) (broker.FileClient, error) {
    key := store.ClientKey(brokerID, groupID, node)
    r.mu.Lock()
    defer r.mu.Unlock()
    c, ok := r.clients[key]
    if !ok { return nil, fmt.Errorf("%w: %s", ErrClientNotFound, key) }
    return c, nil
}

// Channel returns the cached policy of an open channel.
func (r *Registry) Channel(brokerID int, groupID, node, topic string) (store.Channel, error) {
    key := store.ChannelKey(brokerID, groupID, node, topic)
    r.mu.Lock()
    defer r.mu.Unlock()
    c, ok := r.channels[key]
    if !ok { return store.Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, key) }
    return c, nil
}

// Overwrite reports the overwrite policy of an open channel.
func (r *Registry) Overwrite(brokerID int, groupID, node, topic string) (bool, error) {
    c, err := r.Channel(brokerID, groupID, node, topic)
    if err != nil { return false, err }
    return c.OverWrite == "1", nil
}

// Channels returns the open channels in key order.
func (r *Registry) Channels() []store.Channel {
    r.mu.Lock()
    out := make([]store.Channel, 0, len(r.channels))
    for _, c := range r.channels { out = append(out, c) }
    r.mu.Unlock()
    sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
    return out
}

// Shutdown shuts every cached client down and empties the caches.
func (r *Registry) Shutdown() error {
    r.mu.Lock()
    clients := r.clients
    r.clients = make(map[string]broker.FileClient)
    obsmetrics.ChannelsOpen.Sub(float64(len(r.channels)))
    r.channels = make(map[string]store.Channel)
    r.mu.Unlock()
    var errs []error
    for k, c := range clients {
        if err := c.Shutdown(); err != nil { errs = append(errs, fmt.Errorf("%s: %w", k, err)) }
    }
    return errors.Join(errs...)
}
