package chunk

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "sync"

    jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const metaFile = "meta.json"

// Store keeps in-flight files on disk. Each file id owns a directory
// <root>/<fileId> holding a preallocated data file at
// <group>/<topic>/<fileName> and a metadata sidecar.
type Store struct {
    root string

    mu      sync.Mutex
    writing map[string]struct{} // fileId/index currently being written
    metaMu  sync.Mutex
}

// NewStore creates root if needed.
func NewStore(root string) (*Store, error) {
    if err := checkPath(root); err != nil { return nil, err }
    if err := os.MkdirAll(root, 0o755); err != nil { return nil, err }
    return &Store{root: root, writing: make(map[string]struct{})}, nil
}

func (s *Store) Root() string { return s.root }

// CheckPath rejects any path containing a ".." segment.
func CheckPath(p string) error { return checkPath(p) }

func checkPath(p string) error {
    for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
        if seg == ".." { return fmt.Errorf("%w: %q", ErrPathTraversal, p) }
    }
    return nil
}

func checkComponent(c string) error {
    if err := checkPath(c); err != nil { return err }
    if c == "" || c == "." || strings.ContainsAny(c, `/\`) {
        return fmt.Errorf("%w: %q", ErrInvalidName, c)
    }
    return nil
}

// Dir is the directory owned by the file id.
func (s *Store) Dir(fileID string) string { return filepath.Join(s.root, fileID) }

// Path is the location of the assembled data file.
func (s *Store) Path(m *Meta) string {
    return filepath.Join(s.root, m.FileID, m.GroupID, m.Topic, m.FileName)
}

// Preallocate validates every path component and creates a data file of
// exactly FileSize bytes so chunks can land in any order.
func (s *Store) Preallocate(m *Meta) (string, error) {
    for _, c := range []string{m.FileID, m.GroupID, m.Topic, m.FileName} {
        if err := checkComponent(c); err != nil { return "", err }
    }
    p := s.Path(m)
    if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
        return "", fmt.Errorf("chunk: preallocate %s: %w", m.FileID, err)
    }
    f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
    if err != nil { return "", fmt.Errorf("chunk: preallocate %s: %w", m.FileID, err) }
    defer f.Close()
    if err := f.Truncate(m.FileSize); err != nil {
        return "", fmt.Errorf("chunk: preallocate %s: %w", m.FileID, err)
    }
    return p, nil
}

// WriteChunk writes chunk index at its offset. The same index may not be
// written by two callers at once; the second gets ErrChunkBusy.
func (s *Store) WriteChunk(m *Meta, index int, data []byte) error {
    if err := m.CheckIndex(index); err != nil { return err }
    if want := m.ChunkLen(index); int64(len(data)) != want {
        return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkSize, index, len(data), want)
    }
    key := fmt.Sprintf("%s/%d", m.FileID, index)
    s.mu.Lock()
    if _, busy := s.writing[key]; busy {
        s.mu.Unlock()
        return fmt.Errorf("%w: %s", ErrChunkBusy, key)
    }
    s.writing[key] = struct{}{}
    s.mu.Unlock()
    defer func() {
        s.mu.Lock()
        delete(s.writing, key)
        s.mu.Unlock()
    }()

    f, err := os.OpenFile(s.Path(m), os.O_WRONLY, 0)
    if err != nil { return fmt.Errorf("chunk: write %s: %w", key, err) }
    if _, err := f.WriteAt(data, m.Offset(index)); err != nil {
        _ = f.Close()
        return fmt.Errorf("chunk: write %s: %w", key, err)
    }
    if err := f.Sync(); err != nil {
        _ = f.Close()
        return fmt.Errorf("chunk: sync %s: %w", key, err)
    }
    return f.Close()
}

// SaveMeta persists m next to its data file (write temp, then rename). The
// session directory must exist: once Remove has run, SaveMeta returns
// ErrMetaNotFound and leaves the disk untouched.
func (s *Store) SaveMeta(m *Meta) error {
    s.metaMu.Lock()
    defer s.metaMu.Unlock()
    dir := s.Dir(m.FileID)
    if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
        return fmt.Errorf("%w: %s", ErrMetaNotFound, m.FileID)
    }
    b, err := json.Marshal(m)
    if err != nil { return err }
    tmp := filepath.Join(dir, metaFile+".tmp")
    if err := os.WriteFile(tmp, b, 0o644); err != nil { return err }
    return os.Rename(tmp, filepath.Join(dir, metaFile))
}

// LoadMeta restores the metadata of fileID.
func (s *Store) LoadMeta(fileID string) (*Meta, error) {
    if err := checkComponent(fileID); err != nil { return nil, err }
    b, err := os.ReadFile(filepath.Join(s.Dir(fileID), metaFile))
    if errors.Is(err, os.ErrNotExist) { return nil, fmt.Errorf("%w: %s", ErrMetaNotFound, fileID) }
    if err != nil { return nil, err }
    var m Meta
    if err := json.Unmarshal(b, &m); err != nil { return nil, fmt.Errorf("chunk: decode meta %s: %w", fileID, err) }
    if m.ChunkStatus == nil || m.ChunkStatus.Len() != m.ChunkNum {
        return nil, fmt.Errorf("chunk: meta %s: chunk status does not match chunkNum=%d", fileID, m.ChunkNum)
    }
    return &m, nil
}

// LoadAll restores every session with a readable sidecar. Directories
// without one are skipped.
func (s *Store) LoadAll() ([]*Meta, error) {
    entries, err := os.ReadDir(s.root)
    if err != nil { return nil, err }
    var out []*Meta
    for _, e := range entries {
        if !e.IsDir() { continue }
        m, err := s.LoadMeta(e.Name())
        if errors.Is(err, ErrMetaNotFound) { continue }
        if err != nil { return out, err }
        out = append(out, m)
    }
    return out, nil
}

// Remove deletes the data file and sidecar of fileID. It is serialized
// with SaveMeta.
func (s *Store) Remove(fileID string) error {
    if err := checkComponent(fileID); err != nil { return err }
    s.metaMu.Lock()
    defer s.metaMu.Unlock()
    return os.RemoveAll(s.Dir(fileID))
}

// Exists reports whether fileID still owns a directory.
func (s *Store) Exists(fileID string) bool {
    _, err := os.Stat(s.Dir(fileID))
    return err == nil
}
