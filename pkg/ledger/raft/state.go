package ledgerraft

import (
    "fmt"
    "sort"
    "sync"

    "github.com/amirimatin/go-filechain/pkg/ledger"
)

// contract is a deployed topic-control contract.
type contract struct {
    Address string   `json:"address"`
    Topics  []string `json:"topics"`
}

// group is one ledger group: its address registry and deployed contracts.
type group struct {
    ID        string               `json:"id"`
    Addresses map[int]string       `json:"addresses"`
    Contracts map[string]*contract `json:"-"`
}

// State is the replicated ledger data. It is mutated only by the FSM.
type State struct {
    mu     sync.RWMutex
    groups map[string]*group
}

func NewState() *State { return &State{groups: make(map[string]*group)} }

func (s *State) applyCreateGroup(id string) error {
    if id == "" { return fmt.Errorf("ledgerraft: empty group id") }
    s.mu.Lock(); defer s.mu.Unlock()
    if _, ok := s.groups[id]; ok { return nil }
    s.groups[id] = &group{ID: id, Addresses: map[int]string{}, Contracts: map[string]*contract{}}
    return nil
}

func (s *State) applyDeploy(gid, addr string) error {
    s.mu.Lock(); defer s.mu.Unlock()
    g, ok := s.groups[gid]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, gid) }
    if _, ok := g.Contracts[addr]; ok { return fmt.Errorf("ledgerraft: contract %s already deployed", addr) }
    g.Contracts[addr] = &contract{Address: addr}
    return nil
}

func (s *State) applyAddAddress(gid string, version int, addr string) error {
    s.mu.Lock(); defer s.mu.Unlock()
    g, ok := s.groups[gid]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, gid) }
    if _, ok := g.Contracts[addr]; !ok { return fmt.Errorf("%w: %s", ledger.ErrContractNotFound, addr) }
    if cur, ok := g.Addresses[version]; ok {
        return fmt.Errorf("%w: group %s version %d is %s", ledger.ErrAddressExists, gid, version, cur)
    }
    g.Addresses[version] = addr
    return nil
}

func (s *State) applyMigrate(gid, from, to string) error {
    s.mu.Lock(); defer s.mu.Unlock()
    g, ok := s.groups[gid]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, gid) }
    src, ok := g.Contracts[from]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrContractNotFound, from) }
    dst, ok := g.Contracts[to]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrContractNotFound, to) }
    for _, t := range src.Topics { dst.add(t) }
    return nil
}

func (s *State) applyAddTopic(gid, addr, topic string) error {
    if topic == "" { return fmt.Errorf("ledgerraft: empty topic") }
    s.mu.Lock(); defer s.mu.Unlock()
    g, ok := s.groups[gid]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, gid) }
    c, ok := g.Contracts[addr]
    if !ok { return fmt.Errorf("%w: %s", ledger.ErrContractNotFound, addr) }
    c.add(topic)
    return nil
}

func (c *contract) add(topic string) {
    i := sort.SearchStrings(c.Topics, topic)
    if i < len(c.Topics) && c.Topics[i] == topic { return }
    c.Topics = append(c.Topics, "")
    copy(c.Topics[i+1:], c.Topics[i:])
    c.Topics[i] = topic
}

// Groups returns the group ids in order.
func (s *State) Groups() []string {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make([]string, 0, len(s.groups))
    for id := range s.groups { out = append(out, id) }
    sort.Strings(out)
    return out
}

func (s *State) Addresses(gid string) (map[int]string, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    g, ok := s.groups[gid]
    if !ok { return nil, fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, gid) }
    out := make(map[int]string, len(g.Addresses))
    for v, a := range g.Addresses { out[v] = a }
    return out, nil
}

func (s *State) Topics(gid, addr string) ([]string, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    g, ok := s.groups[gid]
    if !ok { return nil, fmt.Errorf("%w: %s", ledger.ErrGroupNotFound, gid) }
    c, ok := g.Contracts[addr]
    if !ok { return nil, fmt.Errorf("%w: %s", ledger.ErrContractNotFound, addr) }
    return append([]string(nil), c.Topics...), nil
}

type snapshotGroup struct {
    ID        string         `json:"id"`
    Addresses map[int]string `json:"addresses"`
    Contracts []contract     `json:"contracts"`
}

type snapshotDoc struct {
    Version int             `json:"version"`
    Groups  []snapshotGroup `json:"groups"`
}

// Snapshot encodes the state as stable JSON.
func (s *State) Snapshot() ([]byte, error) {
    s.mu.RLock(); defer s.mu.RUnlock()
    doc := snapshotDoc{Version: 1, Groups: make([]snapshotGroup, 0, len(s.groups))}
    for _, g := range s.groups {
        sg := snapshotGroup{ID: g.ID, Addresses: g.Addresses, Contracts: make([]contract, 0, len(g.Contracts))}
        for _, c := range g.Contracts { sg.Contracts = append(sg.Contracts, *c) }
        sort.Slice(sg.Contracts, func(i, j int) bool { return sg.Contracts[i].Address < sg.Contracts[j].Address })
        doc.Groups = append(doc.Groups, sg)
    }
    sort.Slice(doc.Groups, func(i, j int) bool { return doc.Groups[i].ID < doc.Groups[j].ID })
    return json.Marshal(doc)
}

func (s *State) Restore(buf []byte) error {
    var doc snapshotDoc
    if err := json.Unmarshal(buf, &doc); err != nil { return err }
    if doc.Version != 1 { return fmt.Errorf("ledgerraft: unsupported snapshot version %d", doc.Version) }
    groups := make(map[string]*group, len(doc.Groups))
    for _, sg := range doc.Groups {
        if sg.ID == "" { continue }
        g := &group{ID: sg.ID, Addresses: map[int]string{}, Contracts: map[string]*contract{}}
        for v, a := range sg.Addresses { g.Addresses[v] = a }
        for i := range sg.Contracts {
            c := sg.Contracts[i]
            sort.Strings(c.Topics)
            g.Contracts[c.Address] = &c
        }
        groups[g.ID] = g
    }
    s.mu.Lock(); defer s.mu.Unlock()
    s.groups = groups
    return nil
}
