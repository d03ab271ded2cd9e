package bootstrap

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    homedir "github.com/mitchellh/go-homedir"

    tlsx "github.com/amirimatin/go-filechain/pkg/security/tlsconfig"
    mgmtgrpc "github.com/amirimatin/go-filechain/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-filechain/pkg/transport/httpjson"
)

func TestWithDefaults_DerivesLayoutFromHome(t *testing.T) {
    cfg, err := Config{NodeID: "n1", DataDir: "~/.filechain-test", RaftAddr: "127.0.0.1:0"}.withDefaults()
    if err != nil { t.Fatalf("defaults: %v", err) }
    want, err := homedir.Expand("~/.filechain-test")
    if err != nil { t.Fatal(err) }
    if cfg.DataDir != want { t.Fatalf("data dir = %s, want %s", cfg.DataDir, want) }
    if cfg.DownloadDir != filepath.Join(want, "download") || cfg.HubDir != filepath.Join(want, "hub") || cfg.RaftDataDir != filepath.Join(want, "raft") {
        t.Fatalf("layout = %+v", cfg)
    }
    if cfg.ChunkSize != 4<<20 { t.Fatalf("chunk size = %d", cfg.ChunkSize) }
}

func TestBuild_RejectsBadConfig(t *testing.T) {
    if _, err := Build(Config{}); err == nil { t.Fatalf("expected error for empty node id") }
    if _, err := Build(Config{NodeID: "n1", DataDir: t.TempDir(), HTTPAddr: ":1", GRPCAddr: ":1"}); err == nil {
        t.Fatalf("expected error for colliding admin addresses")
    }
}

func TestRun_AdminEndpoints(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    n, err := Run(ctx, Config{
        NodeID:    "n1",
        DataDir:   t.TempDir(),
        Bootstrap: true,
        Groups:    []string{"g1"},
        HTTPAddr:  "127.0.0.1:0",
        GRPCAddr:  "127.0.0.1:0",
    })
    if err != nil { t.Fatalf("run: %v", err) }
    defer n.Close()

    eps := n.Endpoints()
    if len(eps) != 2 { t.Fatalf("endpoints = %v", eps) }
    hc := httpjson.NewClient(eps[0], 3*time.Second)
    gc := mgmtgrpc.NewClient(eps[1], 3*time.Second)
    defer gc.Close()

    st, err := hc.Status(ctx)
    if err != nil || st.NodeID != "n1" { t.Fatalf("http status = %+v, %v", st, err) }
    st, err = gc.Status(ctx)
    if err != nil || st.NodeID != "n1" { t.Fatalf("grpc status = %+v, %v", st, err) }

    // The single-node ledger elects itself; deploy once it leads.
    deadline := time.Now().Add(15 * time.Second)
    for {
        resp, err := hc.Deploy(ctx)
        if err == nil && resp.Error == "" && len(resp.Groups) == 1 {
            if resp.Groups[0].Deployed == "" { t.Fatalf("deploy = %+v", resp) }
            break
        }
        if time.Now().After(deadline) { t.Fatalf("deploy never succeeded: %+v, %v", resp, err) }
        time.Sleep(100 * time.Millisecond)
    }
}

func TestRun_TLSAdmin(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()
    dir := t.TempDir()
    caCrt, srvCrt, srvKey, cliCrt, cliKey := mustMakeTestCerts(t, dir)

    n, err := Run(ctx, Config{
        NodeID:    "n1",
        DataDir:   filepath.Join(dir, "data"),
        NoLedger:  true,
        HTTPAddr:  "127.0.0.1:0",
        TLSEnable: true, TLSCA: caCrt, TLSCert: srvCrt, TLSKey: srvKey,
    })
    if err != nil { t.Fatalf("run: %v", err) }
    defer n.Close()
    addr := n.Endpoints()[0]

    cliTLS, err := tlsx.Options{Enable: true, CAFile: caCrt, CertFile: cliCrt, KeyFile: cliKey}.Client()
    if err != nil { t.Fatalf("tls client: %v", err) }
    st, err := httpjson.NewClient(addr, 3*time.Second).UseTLS(cliTLS).Status(ctx)
    if err != nil || st.NodeID != "n1" { t.Fatalf("status = %+v, %v", st, err) }

    plain := httpjson.NewClient(addr, 3*time.Second).WithRetries(0)
    if _, err := plain.Status(ctx); err == nil { t.Fatalf("plain http against TLS endpoint should fail") }
}

func mustMakeTestCerts(t *testing.T, dir string) (caCrt, srvCrt, srvKey, cliCrt, cliKey string) {
    t.Helper()
    caPriv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { t.Fatal(err) }
    caTpl := &x509.Certificate{SerialNumber: big.NewInt(1), Subject: pkix.Name{CommonName: "filechain-ca"}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(48 * time.Hour), KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign, IsCA: true, BasicConstraintsValid: true}
    caDER, err := x509.CreateCertificate(rand.Reader, caTpl, caTpl, &caPriv.PublicKey, caPriv)
    if err != nil { t.Fatal(err) }
    caCrt = filepath.Join(dir, "ca.crt")
    writePEM(t, caCrt, "CERTIFICATE", caDER)

    makeLeaf := func(cn, name string, usage x509.ExtKeyUsage) (string, string) {
        priv, err := rsa.GenerateKey(rand.Reader, 2048)
        if err != nil { t.Fatal(err) }
        tpl := &x509.Certificate{SerialNumber: big.NewInt(time.Now().UnixNano()), Subject: pkix.Name{CommonName: cn}, NotBefore: time.Now().Add(-time.Hour), NotAfter: time.Now().Add(24 * time.Hour), KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment}
        tpl.ExtKeyUsage = []x509.ExtKeyUsage{usage}
        tpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
        der, err := x509.CreateCertificate(rand.Reader, tpl, caTpl, &priv.PublicKey, caPriv)
        if err != nil { t.Fatal(err) }
        crt, key := filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key")
        writePEM(t, crt, "CERTIFICATE", der)
        writePEM(t, key, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
        return crt, key
    }
    srvCrt, srvKey = makeLeaf("filechain-server", "server", x509.ExtKeyUsageServerAuth)
    cliCrt, cliKey = makeLeaf("filechain-client", "client", x509.ExtKeyUsageClientAuth)
    return
}

func writePEM(t *testing.T, path, typ string, der []byte) {
    t.Helper()
    f, err := os.Create(path)
    if err != nil { t.Fatalf("create %s: %v", path, err) }
    defer f.Close()
    if err := pem.Encode(f, &pem.Block{Type: typ, Bytes: der}); err != nil { t.Fatalf("pem encode %s: %v", path, err) }
}
