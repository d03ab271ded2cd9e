package discovery

import (
    "context"
    "net"
    "strconv"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
)

// DefaultGossipPort is used for A/AAAA answers, which carry no port.
const DefaultGossipPort = 7946

// DNSOptions configures DNS discovery.
type DNSOptions struct {
    // Names are SRV names (_gossip._tcp.example.com), hostnames, or literal
    // host:port seeds.
    Names []string
    // Port is appended to addresses resolved from hostnames.
    Port    int
    Refresh time.Duration
    // Timeout bounds one resolution round; defaults to 2s.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *zap.Logger
}

type dnsSource struct {
    opts DNSOptions
    log  *zap.Logger

    mu    sync.Mutex
    read  time.Time
    cache []string
}

// DNS returns a Discovery resolving opts.Names, cached for opts.Refresh.
func DNS(opts DNSOptions) Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = DefaultGossipPort }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    return &dnsSource{opts: opts, log: logutil.Or(opts.Logger)}
}

func (d *dnsSource) Seeds() []string {
    d.mu.Lock()
    defer d.mu.Unlock()
    if len(d.cache) > 0 && time.Since(d.read) < d.opts.Refresh {
        return append([]string(nil), d.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
    defer cancel()
    var all []string
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case !strings.HasPrefix(name, "_") && strings.Contains(name, ":"):
            all = append(all, name)
        case strings.HasPrefix(name, "_") && strings.Contains(name, "._"):
            if srv := d.srv(ctx, name); len(srv) > 0 {
                all = append(all, srv...)
                continue
            }
            all = append(all, d.hosts(ctx, name)...)
        default:
            all = append(all, d.hosts(ctx, name)...)
        }
    }
    d.cache, d.read = normalize(all, true), time.Now()
    return append([]string(nil), d.cache...)
}

func (d *dnsSource) srv(ctx context.Context, fqdn string) []string {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return nil }
    _, recs, err := d.opts.Resolver.LookupSRV(ctx, strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2])
    if err != nil {
        logutil.Warnf(d.log, "discovery: srv %s: %v", fqdn, err)
        return nil
    }
    out := make([]string, 0, len(recs))
    for _, r := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port))))
    }
    return out
}

func (d *dnsSource) hosts(ctx context.Context, host string) []string {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil {
        logutil.Warnf(d.log, "discovery: lookup %s: %v", host, err)
        return nil
    }
    out := make([]string, 0, len(ips))
    for _, ip := range ips { out = append(out, net.JoinHostPort(ip, strconv.Itoa(d.opts.Port))) }
    return out
}
