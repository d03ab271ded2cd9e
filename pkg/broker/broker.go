// Package broker defines the capability surface of the pub/sub broker that
// announces files on topics. The core never moves bytes between peers
// itself; it hands assembled files to a FileClient.
package broker

import (
    "context"
    "encoding/pem"
    "fmt"
    "time"
)

// Listener is notified about files arriving on a receiver channel.
type Listener interface {
    OnFileReceived(topic, fileName string)
    OnError(err error)
}

// FileInfo describes a file published on a topic.
type FileInfo struct {
    FileName string    `json:"fileName"`
    Topic    string    `json:"topic"`
    GroupID  string    `json:"groupId"`
    FileSize int64     `json:"fileSize"`
    FileMD5  string    `json:"fileMd5"`
    At       time.Time `json:"at"`
}

// FileStatus is the transfer progress of one file on one side of a channel.
type FileStatus struct {
    File    FileInfo `json:"file"`
    Process string   `json:"process"` // e.g. "100.00%"
    Speed   string   `json:"speed"`   // e.g. "1.25 MB/s"
}

// TopicStats is the per-role transfer statistics of a topic.
type TopicStats struct {
    Topic    string       `json:"topic"`
    Sender   []FileStatus `json:"sender"`
    Receiver []FileStatus `json:"receiver"`
}

// FileClient is a broker client bound to one ledger group and node list.
type FileClient interface {
    OpenSender(ctx context.Context, topic string, publicKey []byte) error
    OpenReceiver(ctx context.Context, topic string, l Listener, privateKey []byte) error
    Close(topic string) error
    PublishFile(ctx context.Context, topic, localPath string, overwrite bool) (FileInfo, error)
    ListFiles(ctx context.Context, groupID, topic string) ([]FileInfo, error)
    Status(topic string) TopicStats
    IsFileExist(ctx context.Context, fileName, topic, groupID string) (bool, error)
    Subscribers(ctx context.Context, topic string) ([]string, error)
    Nodes() []string
    Shutdown() error
}

// ClientConfig carries what a Factory needs to build a FileClient.
type ClientConfig struct {
    GroupID     string
    Nodes       []string
    DownloadDir string
    ChunkSize   int
}

// Factory builds broker clients. Construction may be expensive; callers
// cache the result.
type Factory interface {
    Build(cfg ClientConfig) (FileClient, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(cfg ClientConfig) (FileClient, error)

func (f FactoryFunc) Build(cfg ClientConfig) (FileClient, error) { return f(cfg) }

// CheckKey accepts an empty key or a PEM block of one of the given types.
func CheckKey(key []byte, types ...string) error {
    if len(key) == 0 { return nil }
    blk, _ := pem.Decode(key)
    if blk == nil { return fmt.Errorf("%w: not PEM encoded", ErrInvalidKey) }
    for _, t := range types {
        if blk.Type == t { return nil }
    }
    return fmt.Errorf("%w: unexpected PEM block %q", ErrInvalidKey, blk.Type)
}

// FormatSpeed renders n bytes moved in d as B/s, KB/s or MB/s.
func FormatSpeed(n int64, d time.Duration) string {
    if d <= 0 { d = time.Millisecond }
    bps := float64(n) / d.Seconds()
    switch {
    case bps >= 1<<20:
        return fmt.Sprintf("%.2f MB/s", bps/(1<<20))
    case bps >= 1<<10:
        return fmt.Sprintf("%.2f KB/s", bps/(1<<10))
    default:
        return fmt.Sprintf("%.2f B/s", bps)
    }
}
