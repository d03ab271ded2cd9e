package chunk

import (
    "bytes"
    "errors"
    "math/rand"
    "os"
    "sync"
    "sync/atomic"
    "testing"
)

func TestChunkCount(t *testing.T) {
    cases := []struct {
        total int64
        size  int
        want  int
    }{
        {0, 100, 0},
        {1, 100, 1},
        {100, 100, 1},
        {101, 100, 2},
        {300, 100, 3},
        {299, 100, 3},
        {5, 1, 5},
    }
    for _, c := range cases {
        if got := ChunkCount(c.total, c.size); got != c.want {
            t.Fatalf("ChunkCount(%d,%d) = %d, want %d", c.total, c.size, got, c.want)
        }
    }
}

func TestNewMetaRejectsBadGeometry(t *testing.T) {
    if _, err := NewMeta("f", "a.txt", "t", "g", 10, 0); !errors.Is(err, ErrInvalidGeometry) {
        t.Fatalf("chunkSize=0: err = %v", err)
    }
    if _, err := NewMeta("f", "a.txt", "t", "g", -1, 10); !errors.Is(err, ErrInvalidGeometry) {
        t.Fatalf("totalSize<0: err = %v", err)
    }
    if _, err := NewMeta("", "a.txt", "t", "g", 1, 10); !errors.Is(err, ErrInvalidGeometry) {
        t.Fatalf("empty id: err = %v", err)
    }
    if _, err := NewMeta("f", "a.txt", "t", "g", 1<<62, 1); !errors.Is(err, ErrInvalidGeometry) {
        t.Fatalf("too many chunks: err = %v", err)
    }
    if _, err := NewMeta("f", "a.txt", "t", "g", 10, MaxChunkSize+1); !errors.Is(err, ErrInvalidGeometry) {
        t.Fatalf("oversized chunk: err = %v", err)
    }
    if m, err := NewMeta("f", "a.txt", "t", "g", int64(MaxChunks)*4, 4); err != nil || m.ChunkNum != MaxChunks {
        t.Fatalf("chunk limit: %v, %v", m, err)
    }
}

func TestMetaCompletionAnyOrder(t *testing.T) {
    m, err := NewMeta("f1", "a.txt", "t1", "g1", 1000, 64)
    if err != nil { t.Fatalf("new meta: %v", err) }
    order := rand.New(rand.NewSource(7)).Perm(m.ChunkNum)
    for n, i := range order {
        if m.IsComplete() { t.Fatalf("complete after %d of %d chunks", n, m.ChunkNum) }
        if err := m.SetChunk(i); err != nil { t.Fatalf("set %d: %v", i, err) }
    }
    if !m.IsComplete() { t.Fatalf("not complete after all chunks") }
    if len(m.Missing()) != 0 { t.Fatalf("missing = %v", m.Missing()) }
    if m.Progress() != "100.00%" { t.Fatalf("progress = %s", m.Progress()) }
}

func TestMetaUploadedIsOneBased(t *testing.T) {
    m, _ := NewMeta("f1", "a.txt", "t1", "g1", 300, 100)
    _ = m.SetChunk(0)
    _ = m.SetChunk(2)
    got := m.Uploaded()
    if len(got) != 2 || got[0] != 1 || got[1] != 3 { t.Fatalf("uploaded = %v, want [1 3]", got) }
    if miss := m.Missing(); len(miss) != 1 || miss[0] != 1 { t.Fatalf("missing = %v, want [1]", miss) }
    if err := m.SetChunk(3); !errors.Is(err, ErrOutOfRange) { t.Fatalf("set 3: err = %v", err) }
}

func TestMarkCompletedSingleWinner(t *testing.T) {
    m, _ := NewMeta("f1", "a.txt", "t1", "g1", 64*10, 64)
    if m.MarkCompleted() { t.Fatalf("incomplete file must not transition") }
    var wg sync.WaitGroup
    var winners atomic.Int32
    for i := 0; i < m.ChunkNum; i++ {
        wg.Add(1)
        go func(i int) {
            defer wg.Done()
            _ = m.SetChunk(i)
            if m.MarkCompleted() { winners.Add(1) }
        }(i)
    }
    wg.Wait()
    if m.MarkCompleted() { winners.Add(1) }
    if winners.Load() != 1 { t.Fatalf("winners = %d, want 1", winners.Load()) }
}

func TestChunkLenLastChunkShorter(t *testing.T) {
    m, _ := NewMeta("f1", "a.txt", "t1", "g1", 250, 100)
    if m.ChunkLen(0) != 100 || m.ChunkLen(1) != 100 || m.ChunkLen(2) != 50 {
        t.Fatalf("lens = %d %d %d", m.ChunkLen(0), m.ChunkLen(1), m.ChunkLen(2))
    }
}

func TestStoreRoundTrip(t *testing.T) {
    s, err := NewStore(t.TempDir())
    if err != nil { t.Fatalf("store: %v", err) }
    m, _ := NewMeta("f1", "a.txt", "t1", "g1", 250, 100)
    p, err := s.Preallocate(m)
    if err != nil { t.Fatalf("preallocate: %v", err) }
    st, err := os.Stat(p)
    if err != nil || st.Size() != 250 { t.Fatalf("preallocated size = %v, %v", st, err) }

    payload := func(i int) []byte { return bytes.Repeat([]byte{byte('a' + i)}, int(m.ChunkLen(i))) }
    for _, i := range []int{2, 0, 1} {
        if err := s.WriteChunk(m, i, payload(i)); err != nil { t.Fatalf("write %d: %v", i, err) }
        _ = m.SetChunk(i)
    }
    if err := s.SaveMeta(m); err != nil { t.Fatalf("save meta: %v", err) }

    got, _ := os.ReadFile(p)
    want := append(append(payload(0), payload(1)...), payload(2)...)
    if !bytes.Equal(got, want) { t.Fatalf("file content mismatch") }

    back, err := s.LoadMeta("f1")
    if err != nil { t.Fatalf("load meta: %v", err) }
    if !back.IsComplete() || back.FileName != "a.txt" || back.ChunkNum != 3 {
        t.Fatalf("restored meta = %+v", back)
    }
    all, err := s.LoadAll()
    if err != nil || len(all) != 1 { t.Fatalf("load all = %d, %v", len(all), err) }

    if err := s.Remove("f1"); err != nil { t.Fatalf("remove: %v", err) }
    if s.Exists("f1") { t.Fatalf("file dir still exists") }
    if _, err := s.LoadMeta("f1"); !errors.Is(err, ErrMetaNotFound) { t.Fatalf("load after remove: %v", err) }
}

func TestStoreRejectsTraversal(t *testing.T) {
    root := t.TempDir()
    s, _ := NewStore(root)
    for _, m := range []*Meta{
        {FileID: "..", FileName: "a", Topic: "t", GroupID: "g", ChunkStatus: NewBitset(0)},
        {FileID: "f", FileName: "../../etc/passwd", Topic: "t", GroupID: "g", ChunkStatus: NewBitset(0)},
        {FileID: "f", FileName: "a", Topic: "t/..", GroupID: "g", ChunkStatus: NewBitset(0)},
        {FileID: "f", FileName: "a", Topic: "t", GroupID: `x\..`, ChunkStatus: NewBitset(0)},
    } {
        if _, err := s.Preallocate(m); !errors.Is(err, ErrPathTraversal) {
            t.Fatalf("preallocate %+v: err = %v", m, err)
        }
    }
    entries, _ := os.ReadDir(root)
    if len(entries) != 0 { t.Fatalf("traversal attempt mutated the store: %d entries", len(entries)) }
    if _, err := NewStore(root + "/../x"); !errors.Is(err, ErrPathTraversal) { t.Fatalf("root traversal: %v", err) }
}

func TestStoreAcceptsDotsInsideNames(t *testing.T) {
    s, _ := NewStore(t.TempDir())
    m, _ := NewMeta("f1", "a..b.txt", "t1", "g..1", 10, 5)
    if _, err := s.Preallocate(m); err != nil { t.Fatalf("preallocate: %v", err) }
    if err := CheckPath("reports/v1..v2/a.txt"); err != nil { t.Fatalf("check path: %v", err) }
    if err := CheckPath("reports/../a.txt"); !errors.Is(err, ErrPathTraversal) { t.Fatalf("check path: %v", err) }
}

func TestSaveMetaAfterRemoveLeavesNoTrace(t *testing.T) {
    s, _ := NewStore(t.TempDir())
    m, _ := NewMeta("f1", "a.txt", "t1", "g1", 10, 5)
    if _, err := s.Preallocate(m); err != nil { t.Fatalf("preallocate: %v", err) }
    _ = m.SetChunk(0)
    _ = m.SetChunk(1)
    if err := s.Remove("f1"); err != nil { t.Fatalf("remove: %v", err) }
    if err := s.SaveMeta(m); !errors.Is(err, ErrMetaNotFound) { t.Fatalf("save after remove: %v", err) }
    if s.Exists("f1") { t.Fatalf("save meta recreated the session directory") }
    if all, err := s.LoadAll(); err != nil || len(all) != 0 { t.Fatalf("load all = %v, %v", all, err) }
}

func TestStoreRejectsWrongChunkLength(t *testing.T) {
    s, _ := NewStore(t.TempDir())
    m, _ := NewMeta("f1", "a.txt", "t1", "g1", 250, 100)
    if _, err := s.Preallocate(m); err != nil { t.Fatalf("preallocate: %v", err) }
    if err := s.WriteChunk(m, 2, make([]byte, 100)); !errors.Is(err, ErrChunkSize) {
        t.Fatalf("short final chunk: err = %v", err)
    }
    if err := s.WriteChunk(m, 5, make([]byte, 100)); !errors.Is(err, ErrOutOfRange) {
        t.Fatalf("out of range: err = %v", err)
    }
}
