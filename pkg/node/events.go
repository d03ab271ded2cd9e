package node

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-filechain/pkg/ledger"
)

type EventType string

const (
    EventChannelOpened    EventType = "channel_opened"
    EventChannelClosed    EventType = "channel_closed"
    EventFileReceived     EventType = "file_received"
    EventPublishSucceeded EventType = "publish_succeeded"
    EventPublishFailed    EventType = "publish_failed"
    EventLeaderChanged    EventType = "leader_changed"
    EventPeerJoin         EventType = "peer_join"
    EventPeerLeave        EventType = "peer_leave"
)

// Event describes a node state change. Only the fields relevant to Type are
// populated.
type Event struct {
    Type     EventType
    At       time.Time
    Channel  string // store.ChannelKey
    Topic    string
    FileName string
    FileID   string
    Peer     string
    Leader   *ledger.LeaderInfo
    Err      error
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow.
func (n *Node) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    n.eb.add(ch)
    go func() {
        <-ctx.Done()
        n.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    delete(e.subs, ch)
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // slow subscriber
        }
    }
    e.mu.Unlock()
}
