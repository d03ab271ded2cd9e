// Package ledger is the boundary to the distributed ledger: a versioned
// registry of topic-control contract addresses per ledger group plus the
// topic data each contract holds.
package ledger

import (
    "context"
    "errors"
    "time"
)

var (
    ErrGroupNotFound    = errors.New("ledger: group not found")
    ErrAddressExists    = errors.New("ledger: address already registered for version")
    ErrContractNotFound = errors.New("ledger: contract not found")
)

// Client is the ledger capability the topic-control bootstrap depends on.
type Client interface {
    ListGroupIDs(ctx context.Context) ([]string, error)
    // ListAddresses reads the group's on-chain registry as version -> address.
    ListAddresses(ctx context.Context, group string) (map[int]string, error)
    AddAddress(ctx context.Context, group string, version int, address string) error
    DeployTopicControl(ctx context.Context, group string) (string, error)
    // MigrateTopicData copies the topics of registry[from] into registry[to].
    MigrateTopicData(ctx context.Context, group string, from, to int, registry map[int]string) error
}

// TopicRegistry reads and writes the topics held by a deployed contract.
type TopicRegistry interface {
    AddTopic(ctx context.Context, group, address, topic string) error
    ListTopics(ctx context.Context, group, address string) ([]string, error)
}

// LeaderInfo describes the current ledger leader.
type LeaderInfo struct {
    ID   string `json:"id"`
    Addr string `json:"addr"`
    Term uint64 `json:"term"`
}

// Reconfigurer adds and removes ledger nodes.
type Reconfigurer interface {
    AddVoter(id, addr string, timeout time.Duration) error
    RemoveServer(id string, timeout time.Duration) error
}
