// Package local is a broker that keeps published files in a directory
// shared by every client of a Hub and routes them to the receivers opened
// in the same process. Remote subscribers are discovered through gossip.
package local

import (
    "context"
    "crypto/md5"
    "encoding/hex"
    "errors"
    "fmt"
    "io"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
)

// Advertiser publishes the topics this process receives on and answers
// which remote nodes receive a topic. *peers.Peers satisfies it.
type Advertiser interface {
    SetTopics(topics []string) error
    Subscribers(topic string) []string
}

type HubOptions struct {
    // Root holds published files as <root>/<group>/<topic>/<file>.
    Root   string
    Peers  Advertiser
    Logger *zap.Logger
}

// Hub is the shared state of all local clients.
type Hub struct {
    opts HubOptions
    log  *zap.Logger

    mu        sync.Mutex
    receivers map[string]map[*Client]struct{} // group/topic -> receiving clients
}

func NewHub(opts HubOptions) (*Hub, error) {
    if opts.Root == "" { return nil, errors.New("local: empty hub root") }
    if strings.Contains(opts.Root, "..") { return nil, fmt.Errorf("local: hub root %q contains ..", opts.Root) }
    if err := os.MkdirAll(opts.Root, 0o755); err != nil { return nil, err }
    return &Hub{opts: opts, log: logutil.Or(opts.Logger), receivers: make(map[string]map[*Client]struct{})}, nil
}

// Factory returns a broker.Factory building clients attached to h.
func (h *Hub) Factory() broker.Factory {
    return broker.FactoryFunc(func(cfg broker.ClientConfig) (broker.FileClient, error) { return h.NewClient(cfg) })
}

// NewClient builds a client bound to cfg.GroupID.
func (h *Hub) NewClient(cfg broker.ClientConfig) (*Client, error) {
    if cfg.GroupID == "" { return nil, errors.New("local: empty group id") }
    if len(cfg.Nodes) == 0 { return nil, errors.New("local: empty node list") }
    if cfg.DownloadDir == "" { return nil, errors.New("local: empty download dir") }
    if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil { return nil, err }
    return &Client{
        hub:       h,
        cfg:       cfg,
        senders:   make(map[string]struct{}),
        receivers: make(map[string]*broker.Dispatcher),
        sent:      make(map[string][]broker.FileStatus),
        received:  make(map[string][]broker.FileStatus),
    }, nil
}

func (h *Hub) topicDir(group, topic string) string { return filepath.Join(h.opts.Root, group, topic) }

func (h *Hub) attach(c *Client, topic string) {
    h.mu.Lock()
    k := c.cfg.GroupID + "/" + topic
    if h.receivers[k] == nil { h.receivers[k] = make(map[*Client]struct{}) }
    h.receivers[k][c] = struct{}{}
    h.mu.Unlock()
    h.advertise()
}

func (h *Hub) detach(c *Client, topic string) {
    h.mu.Lock()
    k := c.cfg.GroupID + "/" + topic
    delete(h.receivers[k], c)
    if len(h.receivers[k]) == 0 { delete(h.receivers, k) }
    h.mu.Unlock()
    h.advertise()
}

func (h *Hub) receiversOf(group, topic string) []*Client {
    h.mu.Lock()
    defer h.mu.Unlock()
    out := make([]*Client, 0, len(h.receivers[group+"/"+topic]))
    for c := range h.receivers[group+"/"+topic] { out = append(out, c) }
    return out
}

func (h *Hub) advertise() {
    if h.opts.Peers == nil { return }
    h.mu.Lock()
    var topics []string
    for k := range h.receivers {
        topics = append(topics, k[strings.Index(k, "/")+1:])
    }
    h.mu.Unlock()
    if err := h.opts.Peers.SetTopics(topics); err != nil {
        logutil.Warnf(h.log, "local: advertise topics: %v", err)
    }
}

// Client is a broker.FileClient backed by a Hub.
type Client struct {
    hub *Hub
    cfg broker.ClientConfig

    mu        sync.Mutex
    closed    bool
    senders   map[string]struct{}
    receivers map[string]*broker.Dispatcher
    sent      map[string][]broker.FileStatus
    received  map[string][]broker.FileStatus
}

func (c *Client) OpenSender(ctx context.Context, topic string, publicKey []byte) error {
    if err := broker.CheckKey(publicKey, "PUBLIC KEY", "RSA PUBLIC KEY"); err != nil { return err }
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.closed { return broker.ErrClosed }
    if _, ok := c.senders[topic]; ok { return fmt.Errorf("%w: sender %s", broker.ErrTopicOpen, topic) }
    c.senders[topic] = struct{}{}
    return nil
}

func (c *Client) OpenReceiver(ctx context.Context, topic string, l broker.Listener, privateKey []byte) error {
    if err := broker.CheckKey(privateKey, "PRIVATE KEY", "EC PRIVATE KEY", "RSA PRIVATE KEY"); err != nil { return err }
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return broker.ErrClosed }
    if _, ok := c.receivers[topic]; ok {
        c.mu.Unlock()
        return fmt.Errorf("%w: receiver %s", broker.ErrTopicOpen, topic)
    }
    c.receivers[topic] = broker.NewDispatcher(l, 0)
    c.mu.Unlock()
    c.hub.attach(c, topic)
    return nil
}

// Close closes both roles of topic.
func (c *Client) Close(topic string) error {
    c.mu.Lock()
    _, isSender := c.senders[topic]
    d, isReceiver := c.receivers[topic]
    delete(c.senders, topic)
    delete(c.receivers, topic)
    c.mu.Unlock()
    if !isSender && !isReceiver { return fmt.Errorf("%w: %s", broker.ErrTopicNotOpen, topic) }
    if isReceiver {
        c.hub.detach(c, topic)
        d.Close()
    }
    return nil
}

// PublishFile copies localPath into the hub and delivers it to every
// receiver of the topic in this process.
func (c *Client) PublishFile(ctx context.Context, topic, localPath string, overwrite bool) (broker.FileInfo, error) {
    var info broker.FileInfo
    c.mu.Lock()
    _, open := c.senders[topic]
    closed := c.closed
    c.mu.Unlock()
    if closed { return info, broker.ErrClosed }
    if !open { return info, fmt.Errorf("%w: sender %s", broker.ErrTopicNotOpen, topic) }
    if err := ctx.Err(); err != nil { return info, err }

    name := filepath.Base(localPath)
    dst := filepath.Join(c.hub.topicDir(c.cfg.GroupID, topic), name)
    if _, err := os.Stat(dst); err == nil && !overwrite {
        return info, fmt.Errorf("%w: %s/%s", broker.ErrFileExists, topic, name)
    }
    start := time.Now()
    size, sum, err := copyFile(localPath, dst)
    if err != nil { return info, fmt.Errorf("local: publish %s: %w", name, err) }
    info = broker.FileInfo{FileName: name, Topic: topic, GroupID: c.cfg.GroupID, FileSize: size, FileMD5: sum, At: time.Now()}
    c.record(c.sent, topic, broker.FileStatus{File: info, Process: "100.00%", Speed: broker.FormatSpeed(size, time.Since(start))})

    for _, rc := range c.hub.receiversOf(c.cfg.GroupID, topic) {
        rc.deliver(topic, dst, info)
    }
    return info, nil
}

func (c *Client) deliver(topic, src string, info broker.FileInfo) {
    c.mu.Lock()
    d := c.receivers[topic]
    c.mu.Unlock()
    if d == nil { return }
    dst := filepath.Join(c.cfg.DownloadDir, c.cfg.GroupID, topic, info.FileName)
    start := time.Now()
    if _, _, err := copyFile(src, dst); err != nil {
        d.OnError(fmt.Errorf("local: deliver %s/%s: %w", topic, info.FileName, err))
        return
    }
    c.record(c.received, topic, broker.FileStatus{File: info, Process: "100.00%", Speed: broker.FormatSpeed(info.FileSize, time.Since(start))})
    d.OnFileReceived(topic, info.FileName)
}

func (c *Client) record(stats map[string][]broker.FileStatus, topic string, st broker.FileStatus) {
    c.mu.Lock()
    defer c.mu.Unlock()
    list := stats[topic]
    for i := range list {
        if list[i].File.FileName == st.File.FileName {
            list[i] = st
            return
        }
    }
    stats[topic] = append(list, st)
}

func (c *Client) ListFiles(ctx context.Context, groupID, topic string) ([]broker.FileInfo, error) {
    if strings.Contains(groupID+topic, "..") { return nil, fmt.Errorf("local: invalid topic path %s/%s", groupID, topic) }
    dir := c.hub.topicDir(groupID, topic)
    entries, err := os.ReadDir(dir)
    if errors.Is(err, os.ErrNotExist) { return nil, nil }
    if err != nil { return nil, err }
    var out []broker.FileInfo
    for _, e := range entries {
        if !e.Type().IsRegular() { continue }
        if err := ctx.Err(); err != nil { return out, err }
        fi, err := e.Info()
        if err != nil { return out, err }
        sum, err := md5File(filepath.Join(dir, e.Name()))
        if err != nil { return out, err }
        out = append(out, broker.FileInfo{FileName: e.Name(), Topic: topic, GroupID: groupID, FileSize: fi.Size(), FileMD5: sum, At: fi.ModTime()})
    }
    sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
    return out, nil
}

func (c *Client) Status(topic string) broker.TopicStats {
    c.mu.Lock()
    defer c.mu.Unlock()
    return broker.TopicStats{
        Topic:    topic,
        Sender:   append([]broker.FileStatus(nil), c.sent[topic]...),
        Receiver: append([]broker.FileStatus(nil), c.received[topic]...),
    }
}

func (c *Client) IsFileExist(ctx context.Context, fileName, topic, groupID string) (bool, error) {
    if strings.Contains(groupID+topic+fileName, "..") {
        return false, fmt.Errorf("local: invalid file path %s/%s/%s", groupID, topic, fileName)
    }
    _, err := os.Stat(filepath.Join(c.hub.topicDir(groupID, topic), fileName))
    if errors.Is(err, os.ErrNotExist) { return false, nil }
    return err == nil, err
}

// Subscribers merges local receivers with gossip peers advertising topic.
func (c *Client) Subscribers(ctx context.Context, topic string) ([]string, error) {
    set := map[string]struct{}{}
    for _, rc := range c.hub.receiversOf(c.cfg.GroupID, topic) {
        set[strings.Join(rc.cfg.Nodes, ",")] = struct{}{}
    }
    if c.hub.opts.Peers != nil {
        for _, a := range c.hub.opts.Peers.Subscribers(topic) { set[a] = struct{}{} }
    }
    out := make([]string, 0, len(set))
    for a := range set { out = append(out, a) }
    sort.Strings(out)
    return out, nil
}

func (c *Client) Nodes() []string { return append([]string(nil), c.cfg.Nodes...) }

// Shutdown closes every open channel; later calls fail with ErrClosed.
func (c *Client) Shutdown() error {
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return nil }
    c.closed = true
    recv := c.receivers
    c.receivers = make(map[string]*broker.Dispatcher)
    c.senders = make(map[string]struct{})
    c.mu.Unlock()
    for topic, d := range recv {
        c.hub.detach(c, topic)
        d.Close()
    }
    return nil
}

func copyFile(src, dst string) (int64, string, error) {
    in, err := os.Open(src)
    if err != nil { return 0, "", err }
    defer in.Close()
    if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil { return 0, "", err }
    tmp := dst + ".part"
    out, err := os.Create(tmp)
    if err != nil { return 0, "", err }
    h := md5.New()
    n, err := io.Copy(io.MultiWriter(out, h), in)
    if err == nil { err = out.Sync() }
    if cerr := out.Close(); err == nil { err = cerr }
    if err != nil {
        _ = os.Remove(tmp)
        return 0, "", err
    }
    if err := os.Rename(tmp, dst); err != nil { return 0, "", err }
    return n, hex.EncodeToString(h.Sum(nil)), nil
}

func md5File(p string) (string, error) {
    f, err := os.Open(p)
    if err != nil { return "", err }
    defer f.Close()
    h := md5.New()
    if _, err := io.Copy(h, f); err != nil { return "", err }
    return hex.EncodeToString(h.Sum(nil)), nil
}

var _ broker.FileClient = (*Client)(nil)
