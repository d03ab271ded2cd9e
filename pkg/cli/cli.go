package cli

import (
    "context"
    "crypto/tls"
    "fmt"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    jsoniter "github.com/json-iterator/go"
    "github.com/spf13/cobra"

    "github.com/amirimatin/go-filechain/pkg/bootstrap"
    "github.com/amirimatin/go-filechain/pkg/discovery"
    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    ledgerraft "github.com/amirimatin/go-filechain/pkg/ledger/raft"
    tracing "github.com/amirimatin/go-filechain/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-filechain/pkg/security/tlsconfig"
    "github.com/amirimatin/go-filechain/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-filechain/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-filechain/pkg/transport/httpjson"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// AddAll attaches every filechain subcommand to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewDeployCmd())
    root.AddCommand(NewTransportCmd())
    root.AddCommand(NewUploadCmd())
    root.AddCommand(NewFilesCmd())
    root.AddCommand(NewSubscribersCmd())
    root.AddCommand(NewDownloadCmd())
    root.AddCommand(NewKeygenCmd())
    root.AddCommand(NewAuthCmd())
    root.AddCommand(NewLedgerCmd())
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    var (
        cfg                                      bootstrap.Config
        seedsCSV, dnsNames, groupsCSV, raftPeers string
        traceEnable, logJSON                     bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a filechain node",
        RunE: func(cmd *cobra.Command, args []string) error {
            if cfg.NodeID == "" { return fmt.Errorf("missing --id") }
            if logJSON { logutil.SetJSON(true) }
            ctx, cancel := signalContext()
            defer cancel()

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(nil, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            cfg.Seeds = discovery.ParseList(seedsCSV)
            cfg.DNSNames = discovery.ParseList(dnsNames)
            cfg.Groups = discovery.ParseList(groupsCSV)
            peers, err := parsePeers(raftPeers)
            if err != nil { return err }
            cfg.RaftPeers = peers
            cfg.Logger = logutil.New()

            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            fmt.Println("filechain node running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfg.NodeID, "id", "", "node id (required)")
    f.StringVar(&cfg.NodeAddress, "node-address", "", "broker node address advertised to peers")
    f.StringVar(&cfg.DataDir, "data", bootstrap.DefaultHome, "data directory (store, chunks, downloads)")
    f.StringVar(&cfg.DownloadDir, "download-dir", "", "directory received files land under (default <data>/download)")
    f.StringVar(&cfg.HubDir, "hub-dir", "", "local broker directory (default <data>/hub)")
    f.IntVar(&cfg.ChunkSize, "chunk-size", 4<<20, "broker chunk size in bytes")
    f.IntVar(&cfg.UploadRetries, "upload-retries", 0, "attempts per chunk write (0 = default)")
    f.IntVar(&cfg.PublishWorkers, "publish-workers", 0, "concurrent publish workers (0 = default)")
    f.StringVar(&cfg.GossipBind, "gossip-bind", "", "gossip bind addr host:port (empty disables peers)")
    f.StringVar(&cfg.GossipAdv, "gossip-adv", "", "gossip advertise addr host:port (optional)")
    f.StringVar(&seedsCSV, "join", "", "comma-separated gossip seeds (host:port)")
    f.StringVar(&cfg.SeedsFile, "seeds-file", "", "path or glob to a file with seeds (one per line or CSV)")
    f.StringVar(&cfg.SeedsEnv, "seeds-env", "", "ENV var name containing CSV seeds; overrides the file when set")
    f.StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records")
    f.IntVar(&cfg.DNSPort, "dns-port", discovery.DefaultGossipPort, "port used for A/AAAA lookups")
    f.DurationVar(&cfg.DiscRefresh, "disc-refresh", 5*time.Second, "discovery refresh/cache duration")
    f.BoolVar(&cfg.NoLedger, "no-ledger", false, "run without the embedded ledger")
    f.StringVar(&cfg.RaftAddr, "raft-addr", "", "ledger raft bind addr (empty keeps raft in memory)")
    f.StringVar(&raftPeers, "raft-peers", "", "static ledger peers id=host:port,...")
    f.BoolVar(&cfg.Bootstrap, "bootstrap", false, "bootstrap the ledger cluster from this node")
    f.StringVar(&groupsCSV, "groups", "", "comma-separated topic-control groups")
    f.StringVar(&cfg.HTTPAddr, "http-addr", ":17950", "admin HTTP address (empty disables)")
    f.StringVar(&cfg.GRPCAddr, "grpc-addr", "", "admin gRPC address (empty disables)")
    f.BoolVar(&cfg.TLSEnable, "tls-enable", false, "enable (m)TLS for the admin API")
    f.StringVar(&cfg.TLSCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&cfg.TLSCert, "tls-cert", "", "path to node certificate (PEM)")
    f.StringVar(&cfg.TLSKey, "tls-key", "", "path to node private key (PEM)")
    f.DurationVar(&cfg.TLSReload, "tls-reload", 0, "re-read the key pair at most once per interval (0 disables)")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.BoolVar(&logJSON, "log-json", false, "JSON log output")
    return cmd
}

// parsePeers reads "id=host:port" pairs.
func parsePeers(csv string) ([]ledgerraft.Peer, error) {
    var out []ledgerraft.Peer
    for _, item := range discovery.ParseList(csv) {
        id, addr, ok := strings.Cut(item, "=")
        if !ok || id == "" || addr == "" { return nil, fmt.Errorf("bad raft peer %q, want id=host:port", item) }
        out = append(out, ledgerraft.Peer{ID: id, Addr: addr})
    }
    return out, nil
}

// clientFlags are the connection flags shared by admin commands.
type clientFlags struct {
    addr, proto                           string
    timeout                               time.Duration
    tlsEnable, tlsSkip                    bool
    tlsCA, tlsCert, tlsKey, tlsServerName string
}

func (c *clientFlags) bind(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&c.addr, "addr", "127.0.0.1:17950", "admin address of a node (host:port)")
    f.StringVar(&c.proto, "proto", "http", "admin protocol: http|grpc")
    f.DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
    f.BoolVar(&c.tlsEnable, "tls-enable", false, "enable mTLS for the admin API")
    f.StringVar(&c.tlsCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&c.tlsCert, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&c.tlsKey, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&c.tlsSkip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&c.tlsServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) httpClient() (*httpjson.Client, error) {
    cli := httpjson.NewClient(c.addr, c.timeout)
    cfg, err := c.tlsConfig()
    if err != nil { return nil, err }
    if cfg != nil { cli.UseTLS(cfg) }
    return cli, nil
}

func (c *clientFlags) tlsConfig() (*tls.Config, error) {
    topts := tlsx.Options{Enable: c.tlsEnable, CAFile: c.tlsCA, CertFile: c.tlsCert, KeyFile: c.tlsKey, InsecureSkipVerify: c.tlsSkip, ServerName: c.tlsServerName}
    cfg, err := topts.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    return cfg, nil
}

// admin returns a client for the selected protocol and its release func.
func (c *clientFlags) admin() (transport.Admin, func(), error) {
    switch c.proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(c.addr, c.timeout)
        cfg, err := c.tlsConfig()
        if err != nil { return nil, nil, err }
        if cfg != nil { cli.UseTLS(cfg) }
        return cli, cli.Close, nil
    case "http", "":
        cli, err := c.httpClient()
        if err != nil { return nil, nil, err }
        return cli, func() {}, nil
    }
    return nil, nil, fmt.Errorf("unknown admin protocol %q", c.proto)
}

// call runs fn against the selected admin client with the flag timeout.
func (c *clientFlags) call(fn func(ctx context.Context, a transport.Admin) error) error {
    a, release, err := c.admin()
    if err != nil { return err }
    defer release()
    ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
    defer cancel()
    return fn(ctx, a)
}

// topicFlags select a channel on a node.
type topicFlags struct {
    broker             int
    group, node, topic string
}

func (t *topicFlags) bind(cmd *cobra.Command, needTopic bool) {
    f := cmd.Flags()
    f.IntVar(&t.broker, "broker", 1, "broker id")
    f.StringVar(&t.group, "group", "", "broker group id")
    f.StringVar(&t.node, "node", "", "broker node address")
    if needTopic { f.StringVar(&t.topic, "topic", "", "topic name") }
}

func (t *topicFlags) query() transport.TopicQuery {
    return transport.TopicQuery{BrokerID: t.broker, GroupID: t.group, NodeAddress: t.node, Topic: t.topic}
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                st, err := a.Status(ctx)
                if err != nil { return fmt.Errorf("status error: %w", err) }
                return printJSON(st)
            })
        },
    }
    cf.bind(cmd)
    return cmd
}

// NewLedgerCmd returns "ledger join|leave".
func NewLedgerCmd() *cobra.Command {
    parent := &cobra.Command{Use: "ledger", Short: "ledger membership commands"}
    parent.AddCommand(newLedgerJoinCmd(), newLedgerLeaveCmd())
    return parent
}

func newLedgerJoinCmd() *cobra.Command {
    var (
        cf           clientFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a node to the ledger",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                resp, err := a.LedgerJoin(ctx, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
                if err != nil { return fmt.Errorf("join error: %w", err) }
                return printJSON(resp)
            })
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
    cf.bind(cmd)
    return cmd
}

func newLedgerLeaveCmd() *cobra.Command {
    var (
        cf clientFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a node from the ledger",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            return cf.call(func(ctx context.Context, a transport.Admin) error {
                resp, err := a.LedgerLeave(ctx, transport.LeaveRequest{ID: id})
                if err != nil { return fmt.Errorf("leave error: %w", err) }
                return printJSON(resp)
            })
        },
    }
    cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
    cf.bind(cmd)
    return cmd
}

func printJSON(v any) error {
    enc := json.NewEncoder(os.Stdout)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
