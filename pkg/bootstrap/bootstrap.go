// Package bootstrap assembles a filechain node from one Config with sensible
// defaults. Applications embed a node by filling Config and calling
// Build or Run.
package bootstrap

import (
    "context"
    "crypto/tls"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "time"

    homedir "github.com/mitchellh/go-homedir"
    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker/local"
    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/discovery"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    ledgerraft "github.com/amirimatin/go-filechain/pkg/ledger/raft"
    "github.com/amirimatin/go-filechain/pkg/node"
    "github.com/amirimatin/go-filechain/pkg/peers"
    tlsx "github.com/amirimatin/go-filechain/pkg/security/tlsconfig"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-filechain/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-filechain/pkg/transport/httpjson"
)

// DefaultHome is the data directory used when Config.DataDir is empty.
const DefaultHome = "~/.filechain"

// Config defines the high-level inputs of a node.
type Config struct {
    // Identity
    NodeID string
    // NodeAddress is the broker address this node advertises to peers.
    NodeAddress string

    // Layout. Empty directories derive from DataDir:
    //   <data>/filechain.db, <data>/chunks, <data>/download, <data>/hub
    DataDir     string
    DownloadDir string
    HubDir      string
    ChunkSize   int

    // Upload pipeline tuning; zero uses the package defaults.
    UploadRetries  int
    PublishWorkers int
    PublishQueue   int

    // Gossip. An empty GossipBind disables peers.
    GossipBind string
    GossipAdv  string

    // Discovery of gossip seeds. Every configured source is consulted.
    Seeds       []string
    SeedsFile   string
    SeedsEnv    string
    DNSNames    []string
    DNSPort     int
    DiscRefresh time.Duration

    // Ledger. NoLedger runs without topic control.
    NoLedger    bool
    RaftAddr    string // empty keeps raft in memory
    RaftPeers   []ledgerraft.Peer
    Bootstrap   bool
    Groups      []string
    RaftDataDir string // defaults to <data>/raft when RaftAddr is set

    // Admin API. Empty addresses disable the endpoint.
    HTTPAddr string
    GRPCAddr string

    // TLS (optional) for the admin API.
    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool
    TLSReload     time.Duration

    // Logger (optional). If nil, logutil.Default() is used.
    Logger *zap.Logger
}

// ExpandHome resolves a leading "~" in p.
func ExpandHome(p string) (string, error) {
    if p == "" { return "", nil }
    return homedir.Expand(p)
}

// withDefaults fills derived directories and returns a copy.
func (c Config) withDefaults() (Config, error) {
    if c.DataDir == "" { c.DataDir = DefaultHome }
    var err error
    if c.DataDir, err = ExpandHome(c.DataDir); err != nil { return c, err }
    if c.DownloadDir == "" { c.DownloadDir = filepath.Join(c.DataDir, "download") }
    if c.HubDir == "" { c.HubDir = filepath.Join(c.DataDir, "hub") }
    if c.RaftDataDir == "" && c.RaftAddr != "" { c.RaftDataDir = filepath.Join(c.DataDir, "raft") }
    for _, p := range []*string{&c.DownloadDir, &c.HubDir, &c.RaftDataDir, &c.SeedsFile} {
        if *p, err = ExpandHome(*p); err != nil { return c, err }
    }
    if c.ChunkSize <= 0 { c.ChunkSize = 4 << 20 }
    return c, nil
}

func (c Config) validate() error {
    if c.NodeID == "" { return errors.New("bootstrap: empty NodeID") }
    if c.HTTPAddr != "" && c.HTTPAddr == c.GRPCAddr { return errors.New("bootstrap: http and grpc admin addresses collide") }
    return nil
}

func (c Config) tlsOptions() tlsx.Options {
    return tlsx.Options{
        Enable:             c.TLSEnable,
        CAFile:             c.TLSCA,
        CertFile:           c.TLSCert,
        KeyFile:            c.TLSKey,
        InsecureSkipVerify: c.TLSSkipVerify,
        ServerName:         c.TLSServerName,
        ReloadInterval:     c.TLSReload,
    }
}

// ClientTLS returns the admin client TLS config, nil when TLS is disabled.
func (c Config) ClientTLS() (*tls.Config, error) { return c.tlsOptions().Client() }

func (c Config) discovery() discovery.Discovery {
    var sources []discovery.Discovery
    if len(c.Seeds) > 0 { sources = append(sources, discovery.Static(c.Seeds...)) }
    if c.SeedsFile != "" || c.SeedsEnv != "" {
        sources = append(sources, discovery.File(discovery.FileOptions{Path: c.SeedsFile, Env: c.SeedsEnv, Refresh: c.DiscRefresh}))
    }
    if len(c.DNSNames) > 0 {
        sources = append(sources, discovery.DNS(discovery.DNSOptions{Names: c.DNSNames, Port: c.DNSPort, Refresh: c.DiscRefresh, Logger: c.Logger}))
    }
    switch len(sources) {
    case 0:
        return nil
    case 1:
        return sources[0]
    }
    return discovery.Multi(sources...)
}

// Build assembles a node from Config without starting it. The returned
// node owns the store it opened.
func Build(cfg Config) (*node.Node, error) {
    cfg.Logger = logutil.Or(cfg.Logger)
    if err := cfg.validate(); err != nil { return nil, err }
    cfg, err := cfg.withDefaults()
    if err != nil { return nil, err }
    if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil { return nil, err }

    // Gossip peers advertise the topics this node receives on.
    var mem *peers.Peers
    if cfg.GossipBind != "" {
        meta := map[string]string{}
        if cfg.NodeAddress != "" { meta[peers.MetaNode] = cfg.NodeAddress }
        mem, err = peers.New(peers.Options{NodeID: cfg.NodeID, Bind: cfg.GossipBind, Advertise: cfg.GossipAdv, Meta: meta, Logger: cfg.Logger})
        if err != nil { return nil, err }
    }

    hubOpts := local.HubOptions{Root: cfg.HubDir, Logger: cfg.Logger}
    if mem != nil { hubOpts.Peers = mem }
    hub, err := local.NewHub(hubOpts)
    if err != nil { return nil, err }

    chunks, err := chunk.NewStore(filepath.Join(cfg.DataDir, "chunks"))
    if err != nil { return nil, err }

    // Admin servers
    var servers []transport.RPCServer
    srvTLS, err := cfg.tlsOptions().Server()
    if err != nil { return nil, err }
    if cfg.HTTPAddr != "" {
        s := httpjson.NewServer(cfg.HTTPAddr, cfg.Logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        servers = append(servers, s)
    }
    if cfg.GRPCAddr != "" {
        s := mgmtgrpc.NewServer(cfg.GRPCAddr)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        servers = append(servers, s)
    }

    db, err := store.Open(filepath.Join(cfg.DataDir, "filechain.db"))
    if err != nil { return nil, fmt.Errorf("bootstrap: open store: %w", err) }

    opts := node.Options{
        NodeID:         cfg.NodeID,
        Broker:         hub.Factory(),
        Store:          db,
        Chunks:         chunks,
        DownloadDir:    cfg.DownloadDir,
        ChunkSize:      cfg.ChunkSize,
        UploadRetries:  cfg.UploadRetries,
        PublishWorkers: cfg.PublishWorkers,
        PublishQueue:   cfg.PublishQueue,
        Discovery:      cfg.discovery(),
        RPCServers:     servers,
        Logger:         cfg.Logger,
    }
    if mem != nil { opts.Membership = mem }

    if !cfg.NoLedger {
        l, err := ledgerraft.New(ledgerraft.Options{
            NodeID:    cfg.NodeID,
            Logger:    cfg.Logger,
            Bootstrap: cfg.Bootstrap,
            Peers:     cfg.RaftPeers,
            Groups:    cfg.Groups,
            BindAddr:  cfg.RaftAddr,
            DataDir:   cfg.RaftDataDir,
        })
        if err != nil {
            _ = db.Close()
            return nil, err
        }
        opts.Ledger = l
    }

    n, err := node.New(opts)
    if err != nil {
        _ = db.Close()
        return nil, err
    }
    return n, nil
}

// Run builds and starts a node. The caller is responsible for calling
// Close when finished.
func Run(ctx context.Context, cfg Config) (*node.Node, error) {
    n, err := Build(cfg)
    if err != nil { return nil, err }
    if err := n.Start(ctx); err != nil {
        _ = n.Close()
        return nil, err
    }
    return n, nil
}
