package broker

import (
    "sync"
    "time"
)

type EventKind string

const (
    EventFileReceived EventKind = "file_received"
    EventError        EventKind = "error"
)

// Event is one receive-side notification.
type Event struct {
    Kind     EventKind
    Topic    string
    FileName string
    Err      error
    At       time.Time
}

// Dispatcher is a Listener that queues notifications on a channel consumed
// by a single handler goroutine, which forwards them to the wrapped
// Listener in arrival order. Broker code calling OnFileReceived never runs
// listener code on its own goroutine.
type Dispatcher struct {
    l    Listener
    ch   chan Event
    quit chan struct{}
    done chan struct{}
    once sync.Once
}

// NewDispatcher starts the handler goroutine. buffer <= 0 selects 64.
func NewDispatcher(l Listener, buffer int) *Dispatcher {
    if buffer <= 0 { buffer = 64 }
    d := &Dispatcher{l: l, ch: make(chan Event, buffer), quit: make(chan struct{}), done: make(chan struct{})}
    go d.loop()
    return d
}

func (d *Dispatcher) OnFileReceived(topic, fileName string) {
    d.enqueue(Event{Kind: EventFileReceived, Topic: topic, FileName: fileName, At: time.Now()})
}

func (d *Dispatcher) OnError(err error) {
    d.enqueue(Event{Kind: EventError, Err: err, At: time.Now()})
}

// enqueue blocks while the queue is full; after Close it drops the event.
func (d *Dispatcher) enqueue(ev Event) {
    select {
    case <-d.quit:
        return
    default:
    }
    select {
    case d.ch <- ev:
    case <-d.quit:
    }
}

func (d *Dispatcher) loop() {
    defer close(d.done)
    for {
        select {
        case ev := <-d.ch:
            d.deliver(ev)
        case <-d.quit:
            for {
                select {
                case ev := <-d.ch:
                    d.deliver(ev)
                default:
                    return
                }
            }
        }
    }
}

func (d *Dispatcher) deliver(ev Event) {
    if d.l == nil { return }
    switch ev.Kind {
    case EventFileReceived:
        d.l.OnFileReceived(ev.Topic, ev.FileName)
    case EventError:
        d.l.OnError(ev.Err)
    }
}

// Close stops accepting events, delivers what is queued and waits for the
// handler goroutine to exit.
func (d *Dispatcher) Close() {
    d.once.Do(func() { close(d.quit) })
    <-d.done
}

// ListenerFuncs adapts two functions to Listener; nil members are ignored.
type ListenerFuncs struct {
    File  func(topic, fileName string)
    Error func(err error)
}

func (f ListenerFuncs) OnFileReceived(topic, fileName string) {
    if f.File != nil { f.File(topic, fileName) }
}

func (f ListenerFuncs) OnError(err error) {
    if f.Error != nil { f.Error(err) }
}

var _ Listener = (*Dispatcher)(nil)
var _ Listener = ListenerFuncs{}
