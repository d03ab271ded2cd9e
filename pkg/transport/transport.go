// Package transport defines the administrative API of a filechain node and
// the request/response types shared by its HTTP/JSON and gRPC renditions.
package transport

import (
    "context"
    "errors"
    "fmt"

    "github.com/amirimatin/go-filechain/pkg/broker"
    "github.com/amirimatin/go-filechain/pkg/security/keys"
    "github.com/amirimatin/go-filechain/pkg/store"
    "github.com/amirimatin/go-filechain/pkg/topiccontrol"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

// Error kinds shared by servers and clients. Domain errors are classified
// into one of them when they cross the wire.
var (
    ErrInvalid   = errors.New("invalid request")
    ErrNotFound  = errors.New("not found")
    ErrConflict  = errors.New("conflict")
    ErrNotLeader = errors.New("not leader")
)

// Admin is the administrative surface served by a node.
type Admin interface {
    Status(ctx context.Context) (NodeStatus, error)

    OpenTransport(ctx context.Context, c store.Channel) error
    CloseTransport(ctx context.Context, k ChannelKey) error
    ListTransports(ctx context.Context, q GroupQuery) ([]store.Channel, error)

    PrepareUpload(ctx context.Context, req upload.PrepareRequest) ([]int, error)
    UploadChunk(ctx context.Context, req ChunkRequest) error
    ListUploads(ctx context.Context) ([]upload.Session, error)
    UploadStatus(ctx context.Context, q TopicQuery) ([]store.TransportStatus, error)
    DownloadStatus(ctx context.Context, q TopicQuery) ([]DownloadStatus, error)

    ListFiles(ctx context.Context, q TopicQuery) ([]broker.FileInfo, error)
    // CheckUpload fails with a conflict when the file is already on the topic.
    CheckUpload(ctx context.Context, q FileQuery) error
    DownloadPath(ctx context.Context, q FileQuery) (string, error)
    Subscribers(ctx context.Context, q TopicQuery) ([]string, error)

    GenerateKeys(ctx context.Context, req KeyRequest) (keys.Pair, error)

    GrantTopic(ctx context.Context, a store.TopicAuth) (store.TopicAuth, error)
    RevokeTopic(ctx context.Context, id uint64) error
    TopicGrants(ctx context.Context, user string) ([]store.TopicAuth, error)

    Deploy(ctx context.Context) (DeployResponse, error)
    LedgerJoin(ctx context.Context, req JoinRequest) (JoinResponse, error)
    LedgerLeave(ctx context.Context, req LeaveRequest) (LeaveResponse, error)
}

// RPCServer serves an Admin over one protocol.
type RPCServer interface {
    Start(ctx context.Context, admin Admin) error
    Addr() string
    Stop(ctx context.Context) error
}

// ChannelKey names a channel.
type ChannelKey struct {
    BrokerID    int    `json:"brokerId"`
    GroupID     string `json:"groupId"`
    NodeAddress string `json:"nodeAddress"`
    Topic       string `json:"topicName"`
}

type GroupQuery struct {
    BrokerID int    `json:"brokerId"`
    GroupID  string `json:"groupId"`
}

// TopicQuery selects the channel of a topic on one node.
type TopicQuery struct {
    BrokerID    int    `json:"brokerId"`
    GroupID     string `json:"groupId"`
    NodeAddress string `json:"nodeAddress"`
    Topic       string `json:"topicName"`
}

// FileQuery selects one file of a topic.
type FileQuery struct {
    TopicQuery
    FileName string `json:"fileName"`
}

// PrepareResponse lists the 1-based numbers of chunks already uploaded.
type PrepareResponse struct {
    Uploaded []int `json:"uploaded"`
}

type ChunkRequest struct {
    FileID string `json:"fileId"`
    // Chunk is the 0-based chunk index.
    Chunk int    `json:"chunk"`
    Data  []byte `json:"data"`
}

// DownloadStatus is the receive-side state of a file. Status is "1" when the
// file has fully arrived and "3" otherwise.
type DownloadStatus struct {
    FileName string `json:"fileName"`
    Topic    string `json:"topicName"`
    FileSize int64  `json:"fileSize"`
    FileMD5  string `json:"fileMd5"`
    Status   string `json:"status"`
    Speed    string `json:"speed"`
    Process  string `json:"process"`
}

type KeyRequest struct {
    Kind string `json:"kind"`
}

type DeployResponse struct {
    Groups []topiccontrol.GroupResult `json:"groups"`
    Error  string                     `json:"error,omitempty"`
}

// JoinRequest asks the ledger leader to add a voter.
type JoinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

// JoinResponse indicates acceptance and optionally the leader address.
type JoinResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

type LeaveRequest struct {
    ID string `json:"id"`
}

type LeaveResponse struct {
    Accepted bool   `json:"accepted"`
    Error    string `json:"error,omitempty"`
}

// NodeStatus is a JSON snapshot of a node.
type NodeStatus struct {
    NodeID   string        `json:"nodeId"`
    Healthy  bool          `json:"healthy"`
    Ledger   *LedgerStatus `json:"ledger,omitempty"`
    Peers    []PeerInfo    `json:"peers,omitempty"`
    Channels int           `json:"channels"`
    Uploads  int           `json:"uploads"`
    Warnings []string      `json:"warnings,omitempty"`
}

type LedgerStatus struct {
    IsLeader   bool              `json:"isLeader"`
    LeaderID   string            `json:"leaderId,omitempty"`
    LeaderAddr string            `json:"leaderAddr,omitempty"`
    Term       uint64            `json:"term"`
    Groups     []string          `json:"groups,omitempty"`
    Servers    map[string]string `json:"servers,omitempty"`
}

type PeerInfo struct {
    ID     string   `json:"id"`
    Addr   string   `json:"addr"`
    Node   string   `json:"node,omitempty"`
    Topics []string `json:"topics,omitempty"`
}

// ErrorBody is the JSON error envelope of the HTTP API.
type ErrorBody struct {
    Error string `json:"error"`
}

// RemoteError rebuilds an error received from a server so errors.Is works
// against the kind sentinels.
func RemoteError(kind error, msg string) error {
    if kind == nil { return errors.New(msg) }
    return fmt.Errorf("%w: %s", kind, msg)
}
