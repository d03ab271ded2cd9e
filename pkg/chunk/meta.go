package chunk

import (
    "fmt"
    "sync/atomic"
)

// Meta describes one file transfer: identity, chunk geometry, which chunks
// have landed, and the channel the file is bound to.
type Meta struct {
    FileID    string `json:"fileId"`
    FileName  string `json:"fileName"`
    Topic     string `json:"topic"`
    GroupID   string `json:"groupId"`
    FileSize  int64  `json:"fileSize"`
    FileMD5   string `json:"fileMd5,omitempty"`
    ChunkSize int    `json:"chunkSize"`
    ChunkNum  int    `json:"chunkNum"`

    // BrokerID and NodeAddress select the broker client used to publish.
    BrokerID    int    `json:"brokerId"`
    NodeAddress string `json:"nodeAddress,omitempty"`

    ChunkStatus *Bitset `json:"chunkStatus"`

    completed atomic.Bool
}

const (
    // MaxChunkSize bounds the payload of a single chunk.
    MaxChunkSize = 64 << 20
    // MaxChunks bounds the number of chunks of one file.
    MaxChunks = 1 << 20
)

// NewMeta validates the geometry and returns a descriptor with no chunks
// uploaded. chunkNum is ceil(totalSize/chunkSize).
func NewMeta(fileID, fileName, topic, groupID string, totalSize int64, chunkSize int) (*Meta, error) {
    if fileID == "" || fileName == "" {
        return nil, fmt.Errorf("%w: empty file id or name", ErrInvalidGeometry)
    }
    if chunkSize <= 0 || chunkSize > MaxChunkSize || totalSize < 0 {
        return nil, fmt.Errorf("%w: totalSize=%d chunkSize=%d", ErrInvalidGeometry, totalSize, chunkSize)
    }
    if totalSize > int64(MaxChunks)*int64(chunkSize) {
        return nil, fmt.Errorf("%w: %d bytes in chunks of %d exceeds %d chunks", ErrInvalidGeometry, totalSize, chunkSize, MaxChunks)
    }
    n := ChunkCount(totalSize, chunkSize)
    return &Meta{
        FileID:      fileID,
        FileName:    fileName,
        Topic:       topic,
        GroupID:     groupID,
        FileSize:    totalSize,
        ChunkSize:   chunkSize,
        ChunkNum:    n,
        ChunkStatus: NewBitset(n),
    }, nil
}

// ChunkCount returns ceil(totalSize/chunkSize).
func ChunkCount(totalSize int64, chunkSize int) int {
    if chunkSize <= 0 || totalSize <= 0 { return 0 }
    cs := int64(chunkSize)
    return int((totalSize + cs - 1) / cs)
}

// Offset is the byte offset of chunk i within the file.
func (m *Meta) Offset(i int) int64 { return int64(i) * int64(m.ChunkSize) }

// ChunkLen is the expected payload length of chunk i; only the final chunk
// may be shorter than ChunkSize.
func (m *Meta) ChunkLen(i int) int64 {
    if i < 0 || i >= m.ChunkNum { return 0 }
    rest := m.FileSize - m.Offset(i)
    if rest < int64(m.ChunkSize) { return rest }
    return int64(m.ChunkSize)
}

// CheckIndex reports ErrOutOfRange for an index outside [0, ChunkNum).
func (m *Meta) CheckIndex(i int) error {
    if i < 0 || i >= m.ChunkNum {
        return fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, i, m.ChunkNum)
    }
    return nil
}

// SetChunk marks chunk i as durably written.
func (m *Meta) SetChunk(i int) error {
    if err := m.CheckIndex(i); err != nil { return err }
    m.ChunkStatus.Set(i)
    return nil
}

// IsComplete reports whether every chunk has been written.
func (m *Meta) IsComplete() bool { return m.ChunkStatus.All() }

// MarkCompleted flips the completion flag and reports whether this caller
// performed the incomplete->complete transition. It is false for every caller
// after the first, and false while chunks are still missing.
func (m *Meta) MarkCompleted() bool {
    if !m.IsComplete() { return false }
    return m.completed.CompareAndSwap(false, true)
}

// Completed reports whether MarkCompleted has succeeded.
func (m *Meta) Completed() bool { return m.completed.Load() }

// Uploaded returns the written chunk numbers, 1-based, ascending.
func (m *Meta) Uploaded() []int {
    out := make([]int, 0, m.ChunkStatus.Count())
    for i := 0; i < m.ChunkNum; i++ {
        if m.ChunkStatus.Test(i) { out = append(out, i+1) }
    }
    return out
}

// Missing returns the 0-based indices of chunks not yet written.
func (m *Meta) Missing() []int {
    var out []int
    for i := 0; i < m.ChunkNum; i++ {
        if !m.ChunkStatus.Test(i) { out = append(out, i) }
    }
    return out
}

// Progress renders the share of written chunks as "42.00%".
func (m *Meta) Progress() string {
    if m.ChunkNum == 0 { return "100.00%" }
    return fmt.Sprintf("%.2f%%", float64(m.ChunkStatus.Count())*100/float64(m.ChunkNum))
}
