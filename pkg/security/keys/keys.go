// Package keys generates the PEM key pairs that encrypt channel payloads:
// a sender channel is opened with the public key, a receiver channel with
// the private key.
package keys

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/rsa"
    "crypto/x509"
    "encoding/pem"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
)

const (
    KindECDSA = "ecdsa"
    KindRSA   = "rsa"

    rsaBits = 2048
)

var ErrUnknownKind = errors.New("keys: unknown key kind")

// Pair is a PEM encoded key pair.
type Pair struct {
    Kind       string `json:"kind"`
    PublicKey  string `json:"publicKey"`
    PrivateKey string `json:"privateKey"`
}

// Generate creates a P-256 ECDSA or 2048 bit RSA key pair. An empty kind
// means ECDSA.
func Generate(kind string) (Pair, error) {
    kind = strings.ToLower(strings.TrimSpace(kind))
    if kind == "" { kind = KindECDSA }
    var (
        priv   *pem.Block
        pubKey any
    )
    switch kind {
    case KindECDSA:
        k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
        if err != nil { return Pair{}, err }
        der, err := x509.MarshalECPrivateKey(k)
        if err != nil { return Pair{}, err }
        priv, pubKey = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}, &k.PublicKey
    case KindRSA:
        k, err := rsa.GenerateKey(rand.Reader, rsaBits)
        if err != nil { return Pair{}, err }
        priv, pubKey = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}, &k.PublicKey
    default:
        return Pair{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
    }
    pubDER, err := x509.MarshalPKIXPublicKey(pubKey)
    if err != nil { return Pair{}, err }
    return Pair{
        Kind:       kind,
        PublicKey:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
        PrivateKey: string(pem.EncodeToMemory(priv)),
    }, nil
}

// WriteFiles stores the pair as <dir>/<name>.pub.pem and <dir>/<name>.pem.
func (p Pair) WriteFiles(dir, name string) (pubPath, privPath string, err error) {
    if strings.Contains(dir+name, "..") || strings.ContainsAny(name, `/\`) {
        return "", "", fmt.Errorf("keys: invalid key file location %s/%s", dir, name)
    }
    if err := os.MkdirAll(dir, 0o700); err != nil { return "", "", err }
    pubPath = filepath.Join(dir, name+".pub.pem")
    privPath = filepath.Join(dir, name+".pem")
    if err := os.WriteFile(pubPath, []byte(p.PublicKey), 0o644); err != nil { return "", "", err }
    if err := os.WriteFile(privPath, []byte(p.PrivateKey), 0o600); err != nil { return "", "", err }
    return pubPath, privPath, nil
}
