// Package tlsconfig builds TLS configurations for the admin HTTP and gRPC
// endpoints of a filechain node.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

var ErrMissingKeyPair = errors.New("tls: server cert/key required when TLS enabled")

// Options defines the (m)TLS inputs of the admin API. With CAFile set a
// server requires and verifies client certificates.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
    // ReloadInterval > 0 re-reads the key pair from disk on handshakes at
    // most once per interval, so certificates can be rotated in place.
    ReloadInterval time.Duration
}

// Server returns the server config, or nil when TLS is disabled.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, ErrMissingKeyPair }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    if o.ReloadInterval > 0 {
        r := &reloader{cert: o.CertFile, key: o.KeyFile, ttl: o.ReloadInterval}
        if _, err := r.get(); err != nil { return nil, err }
        cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() }
        return cfg, nil
    }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

// Client returns the client config, or nil when TLS is disabled. The client
// certificate is optional.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.ServerName != "" { cfg.ServerName = o.ServerName }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile == "" || o.KeyFile == "" { return cfg, nil }
    if o.ReloadInterval > 0 {
        r := &reloader{cert: o.CertFile, key: o.KeyFile, ttl: o.ReloadInterval}
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.get() }
        return cfg, nil
    }
    cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
    if err != nil { return nil, err }
    cfg.Certificates = []tls.Certificate{cert}
    return cfg, nil
}

func loadPool(caFile string) (*x509.CertPool, error) {
    ca, err := os.ReadFile(caFile)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(ca) { return nil, fmt.Errorf("tls: no certificates in %s", caFile) }
    return pool, nil
}

// reloader caches a key pair for ttl.
type reloader struct {
    cert, key string
    ttl       time.Duration

    mu     sync.RWMutex
    cached *tls.Certificate
    loaded time.Time
}

func (r *reloader) get() (*tls.Certificate, error) {
    r.mu.RLock()
    if r.cached != nil && time.Since(r.loaded) < r.ttl {
        c := r.cached
        r.mu.RUnlock()
        return c, nil
    }
    r.mu.RUnlock()
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil { return nil, err }
    r.mu.Lock()
    r.cached, r.loaded = &cert, time.Now()
    r.mu.Unlock()
    return &cert, nil
}
