package node

import (
    "context"
    "errors"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/chunk"
    "github.com/amirimatin/go-filechain/pkg/discovery"
    "github.com/amirimatin/go-filechain/pkg/ledger"
    "github.com/amirimatin/go-filechain/pkg/peers"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/transport"
)

// Ledger is the embedded ledger a node may run.
type Ledger interface {
    ledger.Client
    ledger.TopicRegistry
    ledger.Reconfigurer
    Start(ctx context.Context) error
    Stop() error
    IsLeader() bool
    Leader() (id, addr string, ok bool)
    Term() uint64
    Servers() (map[string]string, error)
    LeaderCh() <-chan ledger.LeaderInfo
}

// Membership is the gossip view of broker peers.
type Membership interface {
    Start(ctx context.Context) error
    Join(seeds []string) (int, error)
    Members() []peers.Member
    Events() <-chan peers.Event
    Leave() error
    Stop() error
}

// HealthReporter is optionally implemented by a Membership. Scores above
// zero mark the node degraded; -1 means unavailable.
type HealthReporter interface {
    HealthScore() int
}

// Options carries the components a node is assembled from. Instances are
// typically produced by bootstrap.Build.
type Options struct {
    NodeID string

    // Broker builds the clients channels are opened on.
    Broker broker.Factory
    // Store holds channel, status and topic grant records; the node closes
    // it on Stop.
    Store *store.DB
    // Chunks holds in-flight uploads.
    Chunks *chunk.Store
    // DownloadDir is the root files received on this node land under.
    DownloadDir string
    ChunkSize   int

    UploadRetries  int
    PublishWorkers int
    PublishQueue   int

    // Ledger and Membership are optional.
    Ledger     Ledger
    Membership Membership
    Discovery  discovery.Discovery

    // TopicControl versions; zero values use the topiccontrol defaults.
    CurrentVersion    int
    SupportedVersions []int

    RPCServers []transport.RPCServer

    // LedgerTimeout bounds ledger reconfiguration.
    LedgerTimeout time.Duration

    Logger *zap.Logger
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.NodeID == "" { return errors.New("node: empty NodeID") }
    if o.Broker == nil { return errors.New("node: nil broker factory") }
    if o.Store == nil { return errors.New("node: nil store") }
    if o.Chunks == nil { return errors.New("node: nil chunk store") }
    if o.DownloadDir == "" { return errors.New("node: empty download dir") }
    return nil
}
