package ledgerraft

import (
    "fmt"
    "time"

    "go.uber.org/zap"
)

// Peer is a ledger node listed in the static bootstrap configuration.
type Peer struct {
    ID   string `json:"id"`
    Addr string `json:"addr"`
}

// Options configure a raft-replicated Ledger.
type Options struct {
    NodeID string
    Logger *zap.Logger

    // Bootstrap forms the cluster on Start from this node plus Peers.
    Bootstrap bool
    Peers     []Peer

    // Groups are created once this node leads, if missing.
    Groups []string

    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration

    // BindAddr selects a TCP transport ("127.0.0.1:0" picks a port);
    // empty selects an in-memory transport.
    BindAddr string

    // DataDir selects the bolt log/stable store and file snapshots; empty
    // keeps everything in memory.
    DataDir           string
    SnapshotsRetained int
}

func (o Options) Validate() error {
    if o.NodeID == "" { return fmt.Errorf("ledgerraft: empty NodeID") }
    for _, p := range o.Peers {
        if p.ID == "" || p.Addr == "" { return fmt.Errorf("ledgerraft: incomplete peer %+v", p) }
    }
    if len(o.Peers) > 0 && o.BindAddr == "" {
        return fmt.Errorf("ledgerraft: static peers need a TCP BindAddr")
    }
    return nil
}
