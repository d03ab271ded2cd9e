// Package topiccontrol keeps the topic-control contract of every ledger group
// on the version the running code expects. For each group it discovers the
// registered (version, address) pairs, deploys a contract for the current
// version when missing, migrates topics from the highest older version and
// registers the new address.
package topiccontrol

import (
    "context"
    "errors"
    "fmt"
    "sort"
    "sync"

    "go.uber.org/zap"

    "github.com/amirimatin/go-filechain/pkg/internal/logutil"
    "github.com/amirimatin/go-filechain/pkg/ledger"
    obsmetrics "github.com/amirimatin/go-filechain/pkg/observability/metrics"
    "github.com/amirimatin/go-filechain/pkg/observability/tracing"
)

// CurrentVersion is the topic-control contract version of this release.
const CurrentVersion = 2

// SupportedVersions lists every version this release can read or migrate.
var SupportedVersions = []int{1, 2}

var (
    ErrUnknownVersion = errors.New("topiccontrol: unknown contract version")
    ErrMigrate        = errors.New("topiccontrol: topic migration failed")
    ErrRegister       = errors.New("topiccontrol: address registration failed")
    ErrDeploy         = errors.New("topiccontrol: contract deployment failed")
)

// EchoAddress is one line of the per-group address report.
type EchoAddress struct {
    Version int    `json:"version"`
    Address string `json:"address"`
    New     bool   `json:"new"`
}

func (e EchoAddress) String() string {
    return fmt.Sprintf("version: %d address: %s new: %t", e.Version, e.Address, e.New)
}

// GroupResult is the outcome of one group run.
type GroupResult struct {
    Group     string        `json:"group"`
    Addresses []EchoAddress `json:"addresses"`
    // Deployed is the address created in this run, if any.
    Deployed string `json:"deployed,omitempty"`
    // MigratedFrom is the version topics were copied from, 0 when none.
    MigratedFrom int    `json:"migratedFrom,omitempty"`
    Err          error  `json:"-"`
    Message      string `json:"error,omitempty"`
}

// Options configure a Manager. Zero values select this release's versions.
type Options struct {
    Current   int
    Supported []int
    // Parallel runs groups concurrently.
    Parallel bool
    Logger   *zap.Logger
}

func (o Options) Validate() error {
    for _, v := range o.Supported {
        if v == o.Current { return nil }
    }
    return fmt.Errorf("topiccontrol: current version %d not in supported set %v", o.Current, o.Supported)
}

// Manager runs the topic-control bootstrap against a ledger.
type Manager struct {
    client    ledger.Client
    opts      Options
    log       *zap.Logger
    supported map[int]struct{}
}

func New(client ledger.Client, opts Options) (*Manager, error) {
    if client == nil { return nil, errors.New("topiccontrol: nil ledger client") }
    if opts.Current == 0 { opts.Current = CurrentVersion }
    if len(opts.Supported) == 0 { opts.Supported = SupportedVersions }
    if err := opts.Validate(); err != nil { return nil, err }
    m := &Manager{client: client, opts: opts, log: logutil.Or(opts.Logger), supported: map[int]struct{}{}}
    for _, v := range opts.Supported { m.supported[v] = struct{}{} }
    return m, nil
}

// Run processes every group. Groups are independent; the returned error
// joins the failures of all groups that did not end current.
func (m *Manager) Run(ctx context.Context) ([]GroupResult, error) {
    groups, err := m.client.ListGroupIDs(ctx)
    if err != nil { return nil, fmt.Errorf("topiccontrol: list groups: %w", err) }
    sort.Strings(groups)
    logutil.Infof(m.log, "topiccontrol: groups on ledger: %v", groups)

    results := make([]GroupResult, len(groups))
    if m.opts.Parallel {
        var wg sync.WaitGroup
        for i, g := range groups {
            wg.Add(1)
            go func(i int, g string) {
                defer wg.Done()
                results[i] = m.RunGroup(ctx, g)
            }(i, g)
        }
        wg.Wait()
    } else {
        for i, g := range groups { results[i] = m.RunGroup(ctx, g) }
    }

    var errs []error
    for _, r := range results {
        if r.Err != nil { errs = append(errs, fmt.Errorf("group %s: %w", r.Group, r.Err)) }
    }
    return results, errors.Join(errs...)
}

// RunGroup brings one group to the current version.
func (m *Manager) RunGroup(ctx context.Context, group string) (res GroupResult) {
    ctx, end := tracing.StartSpan(ctx, "topiccontrol.group", "group", group)
    defer end()
    res.Group = group
    defer func() {
        if res.Err != nil {
            res.Message = res.Err.Error()
            tracing.Fail(ctx, res.Err)
            obsmetrics.TopicControlGroups.WithLabelValues("failed").Inc()
            logutil.Errorf(m.log, "topiccontrol: group %s: %v", group, res.Err)
        } else if res.Deployed != "" {
            obsmetrics.TopicControlGroups.WithLabelValues("deployed").Inc()
        } else {
            obsmetrics.TopicControlGroups.WithLabelValues("current").Inc()
        }
    }()

    original, err := m.client.ListAddresses(ctx, group)
    if err != nil {
        res.Err = fmt.Errorf("list addresses: %w", err)
        return res
    }
    versions := make([]int, 0, len(original))
    for v := range original { versions = append(versions, v) }
    sort.Ints(versions)

    highest, exists := 0, false
    for _, v := range versions {
        res.Addresses = append(res.Addresses, EchoAddress{Version: v, Address: original[v]})
        if _, ok := m.supported[v]; !ok {
            res.Err = fmt.Errorf("%w: %d", ErrUnknownVersion, v)
            return res
        }
        if v > highest { highest = v }
        if v == m.opts.Current { exists = true }
    }
    if exists {
        logutil.Infof(m.log, "topiccontrol: group %s already has version %d, skip", group, m.opts.Current)
        return res
    }

    addr, err := m.client.DeployTopicControl(ctx, group)
    if err != nil {
        res.Err = fmt.Errorf("%w: %w", ErrDeploy, err)
        return res
    }
    res.Deployed = addr
    logutil.Infof(m.log, "topiccontrol: deployed group %s version %d address %s", group, m.opts.Current, addr)

    if highest > 0 && highest < m.opts.Current {
        registry := make(map[int]string, len(original)+1)
        for v, a := range original { registry[v] = a }
        registry[m.opts.Current] = addr
        if highest < m.opts.Current-1 {
            logutil.Warnf(m.log, "topiccontrol: group %s skips versions %d..%d; multi-hop migration is unsupported, copying from %d only", group, highest+1, m.opts.Current-1, highest)
        }
        logutil.Infof(m.log, "topiccontrol: migrating group %s topics %d -> %d", group, highest, m.opts.Current)
        if err := m.client.MigrateTopicData(ctx, group, highest, m.opts.Current, registry); err != nil {
            res.Err = fmt.Errorf("%w: %d -> %d: %w", ErrMigrate, highest, m.opts.Current, err)
            return res
        }
        res.MigratedFrom = highest
    }

    if err := m.client.AddAddress(ctx, group, m.opts.Current, addr); err != nil {
        res.Err = fmt.Errorf("%w: %w", ErrRegister, err)
        return res
    }
    res.Addresses = append(res.Addresses, EchoAddress{Version: m.opts.Current, Address: addr, New: true})
    return res
}

// CurrentAddress returns the registered address of the current version for group.
func (m *Manager) CurrentAddress(ctx context.Context, group string) (string, error) {
    addrs, err := m.client.ListAddresses(ctx, group)
    if err != nil { return "", err }
    a, ok := addrs[m.opts.Current]
    if !ok { return "", fmt.Errorf("%w: group %s has no version %d", ledger.ErrContractNotFound, group, m.opts.Current) }
    return a, nil
}
