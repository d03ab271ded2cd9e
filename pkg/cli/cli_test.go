package cli

import (
    "bytes"
    "context"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-filechain/pkg/topiccontrol"
    "github.com/amirimatin/go-filechain/pkg/transport"
    "github.com/amirimatin/go-filechain/pkg/upload"
)

type recordingAdmin struct {
    transport.Admin
    prepared upload.PrepareRequest
    uploaded []int // 1-based, as returned by PrepareUpload
    chunks   map[int][]byte
}

func (r *recordingAdmin) PrepareUpload(ctx context.Context, req upload.PrepareRequest) ([]int, error) {
    r.prepared = req
    return r.uploaded, nil
}

func (r *recordingAdmin) UploadChunk(ctx context.Context, req transport.ChunkRequest) error {
    r.chunks[req.Chunk] = append([]byte(nil), req.Data...)
    return nil
}

func TestSendFile_SkipsUploadedChunks(t *testing.T) {
    path := filepath.Join(t.TempDir(), "report.bin")
    if err := os.WriteFile(path, []byte("aaaabbbbcc"), 0o644); err != nil { t.Fatal(err) }

    a := &recordingAdmin{uploaded: []int{2}, chunks: map[int][]byte{}}
    tf := topicFlags{broker: 1, group: "g1", node: "10.0.0.1:7050", topic: "t1"}
    n, err := sendFile(context.Background(), a, path, "f-1", 4, tf, time.Second)
    if err != nil { t.Fatalf("send: %v", err) }
    if n != 2 { t.Fatalf("sent %d chunks, want 2", n) }
    if a.prepared.FileName != "report.bin" || a.prepared.TotalSize != 10 || a.prepared.Topic != "t1" { t.Fatalf("prepare = %+v", a.prepared) }
    if _, ok := a.chunks[1]; ok { t.Fatalf("chunk 1 was already uploaded") }
    if string(a.chunks[0]) != "aaaa" || string(a.chunks[2]) != "cc" { t.Fatalf("chunks = %q", a.chunks) }
}

func TestPrintDeploy(t *testing.T) {
    ok := transport.DeployResponse{Groups: []topiccontrol.GroupResult{{
        Group:     "g1",
        Addresses: []topiccontrol.EchoAddress{{Version: 2, Address: "0xabc", New: true}},
    }}}
    var buf bytes.Buffer
    if err := printDeploy(&buf, ok); err != nil { t.Fatalf("deploy ok: %v", err) }
    if !strings.Contains(buf.String(), "0xabc") { t.Fatalf("output %q", buf.String()) }

    bad := ok
    bad.Groups = append(bad.Groups, topiccontrol.GroupResult{Group: "g2", Message: "ledger down"})
    buf.Reset()
    if err := printDeploy(&buf, bad); err == nil { t.Fatalf("expected failure") }
    if !strings.Contains(buf.String(), "ledger down") { t.Fatalf("output %q", buf.String()) }
}

func TestParsePeers(t *testing.T) {
    ps, err := parsePeers("n1=10.0.0.1:9520, n2=10.0.0.2:9520")
    if err != nil || len(ps) != 2 || ps[1].ID != "n2" || ps[1].Addr != "10.0.0.2:9520" { t.Fatalf("peers = %+v, %v", ps, err) }
    if _, err := parsePeers("10.0.0.1:9520"); err == nil { t.Fatalf("expected error for missing id") }
}

func TestClientFlags_UnknownProto(t *testing.T) {
    cf := clientFlags{addr: "127.0.0.1:1", proto: "udp", timeout: time.Second}
    if _, _, err := cf.admin(); err == nil { t.Fatalf("expected error") }
}
